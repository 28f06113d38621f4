package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Providers: []ProviderConfig{
			{
				Name:              "openai",
				APIKey:            "sk-test",
				Models:            []string{"gpt-4o"},
				Enabled:           true,
				MaxConcurrent:     5,
				RequestsPerMinute: 60,
				RequestsPerHour:   1000,
			},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "no providers",
			mutate:  func(c *Config) { c.Providers = nil },
			wantErr: true,
		},
		{
			name:    "enabled provider without credential",
			mutate:  func(c *Config) { c.Providers[0].APIKey = "" },
			wantErr: true,
		},
		{
			name: "anonymous provider without credential",
			mutate: func(c *Config) {
				c.Providers[0].APIKey = ""
				c.Providers[0].AllowAnonymous = true
			},
			wantErr: false,
		},
		{
			name: "duplicate provider names",
			mutate: func(c *Config) {
				c.Providers = append(c.Providers, c.Providers[0])
			},
			wantErr: true,
		},
		{
			name:    "no models",
			mutate:  func(c *Config) { c.Providers[0].Models = nil },
			wantErr: true,
		},
		{
			name: "all providers disabled",
			mutate: func(c *Config) {
				c.Providers[0].Enabled = false
			},
			wantErr: true,
		},
		{
			name:    "negative requests per minute",
			mutate:  func(c *Config) { c.Providers[0].RequestsPerMinute = -1 },
			wantErr: true,
		},
		{
			name:    "negative requests per hour",
			mutate:  func(c *Config) { c.Providers[0].RequestsPerHour = -5 },
			wantErr: true,
		},
		{
			name: "disabled provider may omit credential",
			mutate: func(c *Config) {
				c.Providers = append(c.Providers, ProviderConfig{
					Name:    "backup",
					Enabled: false,
				})
			},
			wantErr: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("Validate() = nil, want error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	data := `
[gateway]
cache_enabled = true
monthly_budget = 50.0

[[providers]]
name = "openai"
api_key = "sk-file"
models = ["gpt-4o"]
priority = 2
enabled = true
cost_per_1k_input = 0.03
cost_per_1k_output = 0.06
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if !cfg.Gateway.CacheEnabled {
		t.Error("expected cache_enabled = true")
	}
	if cfg.Gateway.MonthlyBudget != 50.0 {
		t.Errorf("monthly_budget = %v, want 50.0", cfg.Gateway.MonthlyBudget)
	}

	p := cfg.Provider("openai")
	if p == nil {
		t.Fatal("provider openai not found")
	}
	if p.APIKey != "sk-file" {
		t.Errorf("api_key = %q, want sk-file", p.APIKey)
	}

	// Defaults filled in
	if p.MaxConcurrent != 10 {
		t.Errorf("max_concurrent default = %d, want 10", p.MaxConcurrent)
	}
	if cfg.Gateway.CacheTTLSeconds != 3600 {
		t.Errorf("cache_ttl_seconds default = %d, want 3600", cfg.Gateway.CacheTTLSeconds)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	data := `
[[providers]]
name = "openai"
api_key = "sk-file"
models = ["gpt-4o"]
enabled = true
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MODELMUX_API_KEY_OPENAI", "sk-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := cfg.Provider("openai").APIKey; got != "sk-env" {
		t.Errorf("api_key = %q, want env override sk-env", got)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	// Missing file means no providers, which must be a startup error.
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Error("Load() with no providers should fail")
	}
}
