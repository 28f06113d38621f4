package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// loadFile decodes the TOML config file. A missing file yields an empty
// config so env-only setups still work.
func loadFile(path string) (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteExample creates a commented sample config if none exists at path.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	example := `# modelmux configuration

[gateway]
# cache_enabled = true
# cache_ttl_seconds = 3600
# cache_max_entries = 10000
# probe_interval_seconds = 60
# failure_threshold = 5
# monthly_budget = 100.0
# request_budget_seconds = 120
# wait_for_slot = true
# evaluate_responses = true
# usage_db_path = "modelmux-usage.db"
# ops_addr = ":8090"

[[providers]]
name = "openai"
api_key = ""          # or set MODELMUX_API_KEY_OPENAI
base_url = "https://api.openai.com/v1"
models = ["gpt-4o", "gpt-4o-mini"]
priority = 2
enabled = true
max_concurrent = 10
timeout_seconds = 60
retry_count = 2
requests_per_minute = 60
requests_per_hour = 1000
cost_per_1k_input = 0.0025
cost_per_1k_output = 0.01

# [[providers]]
# name = "anthropic"
# api_key = ""
# base_url = "https://api.anthropic.com/v1"
# models = ["claude-sonnet-4", "claude-haiku-4"]
# priority = 1
# enabled = true
# cost_per_1k_input = 0.003
# cost_per_1k_output = 0.015
`

	return os.WriteFile(path, []byte(example), 0644)
}
