// Package config loads gateway configuration from a TOML file with
// environment variable overrides.
// Priority: Env vars → config.toml → defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ProviderConfig describes one configured upstream provider.
// Loaded once at startup, read-only thereafter.
type ProviderConfig struct {
	Name    string `toml:"name"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`

	// Models lists the model names this provider serves.
	Models []string `toml:"models"`

	// Priority orders providers when building fallback chains; higher wins.
	Priority int  `toml:"priority"`
	Enabled  bool `toml:"enabled"`

	// AllowAnonymous permits an empty api_key (local/self-hosted upstreams).
	AllowAnonymous bool `toml:"allow_anonymous"`

	MaxConcurrent  int `toml:"max_concurrent"`
	TimeoutSeconds int `toml:"timeout_seconds"`
	RetryCount     int `toml:"retry_count"`

	RequestsPerMinute int `toml:"requests_per_minute"`
	RequestsPerHour   int `toml:"requests_per_hour"`

	// Cost per 1000 tokens, in USD.
	CostPer1KInput  float64 `toml:"cost_per_1k_input"`
	CostPer1KOutput float64 `toml:"cost_per_1k_output"`

	Metadata map[string]string `toml:"metadata"`
}

// Timeout returns the per-call timeout for this provider.
func (p *ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// GatewayConfig holds gateway-wide tuning.
type GatewayConfig struct {
	CacheEnabled    bool   `toml:"cache_enabled"`
	CacheTTLSeconds int    `toml:"cache_ttl_seconds"`
	CacheMaxEntries int64  `toml:"cache_max_entries"`
	CacheSecret     string `toml:"cache_secret"`

	ProbeIntervalSeconds int `toml:"probe_interval_seconds"`
	FailureThreshold     int `toml:"failure_threshold"`

	// MonthlyBudget in USD; 0 disables budget alerts.
	MonthlyBudget float64 `toml:"monthly_budget"`

	// RequestBudgetSeconds bounds a whole request across the fallback
	// chain; 0 disables the global deadline.
	RequestBudgetSeconds int `toml:"request_budget_seconds"`

	// WaitForSlot controls whether dispatch blocks on rate limits or
	// fails immediately with a try-later error.
	WaitForSlot bool `toml:"wait_for_slot"`

	// EvaluateResponses enables quality scoring of non-streaming responses.
	EvaluateResponses bool `toml:"evaluate_responses"`

	// UsageDBPath persists the usage log to sqlite; empty keeps it in memory.
	UsageDBPath string `toml:"usage_db_path"`

	// OpsAddr serves the read-only health/metrics endpoints.
	OpsAddr string `toml:"ops_addr"`
}

// CacheTTL returns the response cache TTL.
func (g *GatewayConfig) CacheTTL() time.Duration {
	return time.Duration(g.CacheTTLSeconds) * time.Second
}

// ProbeInterval returns the health probe interval.
func (g *GatewayConfig) ProbeInterval() time.Duration {
	return time.Duration(g.ProbeIntervalSeconds) * time.Second
}

// RequestBudget returns the global per-request deadline, 0 if disabled.
func (g *GatewayConfig) RequestBudget() time.Duration {
	return time.Duration(g.RequestBudgetSeconds) * time.Second
}

// Config is the full application configuration.
type Config struct {
	Gateway   GatewayConfig    `toml:"gateway"`
	Providers []ProviderConfig `toml:"providers"`
}

// Load reads configuration from path and applies environment overrides
// and defaults. The returned config is validated; an invalid config is a
// startup failure, never a silent degrade.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values from MODELMUX_* environment variables.
func applyEnv(cfg *Config) {
	cfg.Gateway.OpsAddr = getEnvOr("MODELMUX_OPS_ADDR", cfg.Gateway.OpsAddr)
	cfg.Gateway.CacheSecret = getEnvOr("MODELMUX_CACHE_SECRET", cfg.Gateway.CacheSecret)
	cfg.Gateway.UsageDBPath = getEnvOr("MODELMUX_USAGE_DB", cfg.Gateway.UsageDBPath)
	if v := os.Getenv("MODELMUX_MONTHLY_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Gateway.MonthlyBudget = f
		}
	}
	for i := range cfg.Providers {
		key := "MODELMUX_API_KEY_" + envName(cfg.Providers[i].Name)
		cfg.Providers[i].APIKey = getEnvOr(key, cfg.Providers[i].APIKey)
	}
}

func applyDefaults(cfg *Config) {
	g := &cfg.Gateway
	if g.CacheTTLSeconds == 0 {
		g.CacheTTLSeconds = 3600
	}
	if g.CacheMaxEntries == 0 {
		g.CacheMaxEntries = 10000
	}
	if g.ProbeIntervalSeconds == 0 {
		g.ProbeIntervalSeconds = 60
	}
	if g.FailureThreshold == 0 {
		g.FailureThreshold = 5
	}
	if g.OpsAddr == "" {
		g.OpsAddr = ":8090"
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.MaxConcurrent == 0 {
			p.MaxConcurrent = 10
		}
		if p.TimeoutSeconds == 0 {
			p.TimeoutSeconds = 60
		}
		// Two retries after the initial attempt, three calls total.
		if p.RetryCount == 0 {
			p.RetryCount = 2
		}
		if p.RequestsPerMinute == 0 {
			p.RequestsPerMinute = 60
		}
		if p.RequestsPerHour == 0 {
			p.RequestsPerHour = 1000
		}
	}
}

// Validate fails fast on configuration errors.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: no providers configured")
	}

	seen := make(map[string]bool)
	enabled := 0
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("config: provider %d has no name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true

		if !p.Enabled {
			continue
		}
		enabled++

		if p.APIKey == "" && !p.AllowAnonymous {
			return fmt.Errorf("config: provider %q is enabled but has no api_key", p.Name)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("config: provider %q has no models", p.Name)
		}
		if p.MaxConcurrent < 1 {
			return fmt.Errorf("config: provider %q: max_concurrent must be >= 1", p.Name)
		}
		if p.RequestsPerMinute < 1 {
			return fmt.Errorf("config: provider %q: requests_per_minute must be >= 1", p.Name)
		}
		if p.RequestsPerHour < 1 {
			return fmt.Errorf("config: provider %q: requests_per_hour must be >= 1", p.Name)
		}
		if p.CostPer1KInput < 0 || p.CostPer1KOutput < 0 {
			return fmt.Errorf("config: provider %q: costs must not be negative", p.Name)
		}
	}

	if enabled == 0 {
		return fmt.Errorf("config: no providers enabled")
	}
	return nil
}

// Provider returns the config for the named provider, nil if unknown.
func (c *Config) Provider(name string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// EnabledProviders returns the enabled providers in config order.
func (c *Config) EnabledProviders() []*ProviderConfig {
	var out []*ProviderConfig
	for i := range c.Providers {
		if c.Providers[i].Enabled {
			out = append(out, &c.Providers[i])
		}
	}
	return out
}

// getEnvOr returns the env value if set, otherwise the fallback.
func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envName uppercases a provider name for env var lookup ("openai" → "OPENAI").
func envName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case c >= 'A' && c <= 'Z' || c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
