package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/version"
)

func setupLogger() *slog.Logger {
	// Sensible defaults: info level, text format
	level := slog.LevelInfo
	if os.Getenv("MODELMUX_DEBUG") != "" {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config) {
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "modelmux %s - Multi-Provider AI Gateway\n", version.Version)
	fmt.Fprintln(os.Stderr, "================================================")
	for _, p := range cfg.EnabledProviders() {
		fmt.Fprintf(os.Stderr, "Provider:   %s (priority %d, %d models)\n", p.Name, p.Priority, len(p.Models))
	}
	if cfg.Gateway.OpsAddr != "" {
		fmt.Fprintf(os.Stderr, "Ops API:    http://localhost%s/metrics\n", cfg.Gateway.OpsAddr)
	}
	if cfg.Gateway.UsageDBPath != "" {
		fmt.Fprintf(os.Stderr, "Usage DB:   %s\n", cfg.Gateway.UsageDBPath)
	}
	fmt.Fprintln(os.Stderr, "================================================")
	fmt.Fprintf(os.Stderr, "\n")
}
