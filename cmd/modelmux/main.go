package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/cost"
	"github.com/modelmux/modelmux/internal/gateway"
	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/storage"
	"github.com/modelmux/modelmux/internal/types"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	writeExample := flag.Bool("write-example-config", false, "write a sample config and exit")
	flag.Parse()

	if *writeExample {
		if err := config.WriteExample(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write example config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *configPath)
		return
	}

	logger := setupLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	printStartupBanner(cfg)

	var store cost.UsageStore
	if cfg.Gateway.UsageDBPath != "" {
		db, err := storage.Open(cfg.Gateway.UsageDBPath)
		if err != nil {
			logger.Error("failed to open usage database", "path", cfg.Gateway.UsageDBPath, "error", err)
			os.Exit(1)
		}
		defer db.Close()
		store = db
	}

	providers, err := provider.NewAll(cfg)
	if err != nil {
		logger.Error("failed to build provider clients", "error", err)
		os.Exit(1)
	}

	gw, err := gateway.New(gateway.Options{
		Config:     cfg,
		Providers:  providers,
		UsageStore: store,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Gateway.ProbeIntervalSeconds > 0 {
		prober := health.NewProber(gw.Health(), cfg.Gateway.ProbeInterval(), probeFunc(cfg, providers))
		go prober.Run(ctx)
	}

	if cfg.Gateway.OpsAddr != "" {
		go serveOps(ctx, logger, cfg.Gateway.OpsAddr, gw)
	}

	logger.Info("gateway running", "providers", len(providers))
	<-ctx.Done()
	logger.Info("shutting down")
}

// probeFunc issues a minimal one-token completion so probe results follow
// the same path live traffic takes.
func probeFunc(cfg *config.Config, providers map[string]provider.Provider) health.ProbeFunc {
	return func(ctx context.Context, name string) error {
		client, ok := providers[name]
		if !ok {
			return fmt.Errorf("no client for provider %s", name)
		}
		pc := cfg.Provider(name)
		if pc == nil || len(pc.Models) == 0 {
			return fmt.Errorf("provider %s has no models", name)
		}
		_, err := client.Complete(ctx,
			[]types.Message{types.NewTextMessage(types.RoleUser, "ping")},
			types.SamplingParams{Model: pc.Models[0], MaxTokens: 1})
		return err
	}
}
