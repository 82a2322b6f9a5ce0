package admitgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gate configuration.
type Config struct {
	// DailyFreePoints is the per-identity free allowance per local day.
	DailyFreePoints int64 `yaml:"daily_free_points"`

	// ProviderTimeout bounds the external generation call. A call that
	// outlives it is treated as an ambiguous outcome and rolled back.
	ProviderTimeout Duration `yaml:"provider_timeout"`

	// Operations is the static cost table.
	Operations []OperationConfig `yaml:"operations"`

	// Blocklist lists banned anonymous signals.
	Blocklist BlocklistConfig `yaml:"blocklist"`
}

// OperationConfig prices one operation.
type OperationConfig struct {
	ID     string `yaml:"id"`
	Points int64  `yaml:"points"`
	Tier   Tier   `yaml:"tier"`
}

// BlocklistConfig is the static banned-signal configuration.
type BlocklistConfig struct {
	AddressHashes []string `yaml:"address_hashes"`
	Fingerprints  []string `yaml:"fingerprints"`
}

// Duration wraps time.Duration for YAML ("90s", "2m30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("admitgate: config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("admitgate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("admitgate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.DailyFreePoints < 0 {
		return fmt.Errorf("admitgate: config: daily_free_points must be >= 0")
	}
	if len(c.Operations) == 0 {
		return fmt.Errorf("admitgate: config: at least one operation is required")
	}

	ids := make(map[string]bool, len(c.Operations))
	for i, op := range c.Operations {
		if op.ID == "" {
			return fmt.Errorf("admitgate: config: operations[%d]: id is required", i)
		}
		if ids[op.ID] {
			return fmt.Errorf("admitgate: config: duplicate operation id %q", op.ID)
		}
		ids[op.ID] = true

		if op.Points < 0 {
			return fmt.Errorf("admitgate: config: operations[%d] (%s): points must be >= 0", i, op.ID)
		}
		if op.Tier != TierFree && op.Tier != TierAccount {
			return fmt.Errorf("admitgate: config: operations[%d] (%s): invalid tier %q", i, op.ID, op.Tier)
		}
	}

	return nil
}

// CostTable builds the cost table from the configured operations.
func (c Config) CostTable() (*CostTable, error) {
	entries := make(map[string]CostEntry, len(c.Operations))
	for _, op := range c.Operations {
		entries[op.ID] = CostEntry{Points: op.Points, Tier: op.Tier}
	}
	return NewCostTable(entries)
}
