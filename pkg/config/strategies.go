package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ContextConfig declares one strategy context: an account binding plus
// the decision model that trades it.
type ContextConfig struct {
	Key        string `yaml:"key"`
	Display    string `yaml:"display"`
	AccountKey string `yaml:"account_key"` // contexts sharing an account share an execution lock
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	APIKeyEnv  string `yaml:"api_key_env"`
	Enabled    bool   `yaml:"enabled"`
}

// SymbolConfig declares one tradable instrument and its per-symbol limits.
type SymbolConfig struct {
	Symbol            string  `yaml:"symbol"` // venue instrument id, e.g. ETH-USDT-SWAP
	Display           string  `yaml:"display"`
	MinQuantity       float64 `yaml:"min_quantity"` // base units, floor on any order
	LeverageMin       int     `yaml:"leverage_min"`
	LeverageDefault   int     `yaml:"leverage_default"`
	LeverageMax       int     `yaml:"leverage_max"`
	Timeframe         string  `yaml:"timeframe"`
	DataPoints        int     `yaml:"data_points"`
	EnableAddPosition bool    `yaml:"enable_add_position"`
	TestMode          bool    `yaml:"test_mode"`
}

// Leverages returns the three sizing-matrix leverage tiers, deduplicated
// and in ascending order.
func (s SymbolConfig) Leverages() []int {
	tiers := []int{s.LeverageMin, s.LeverageDefault, s.LeverageMax}
	out := make([]int, 0, 3)
	for _, lv := range tiers {
		dup := false
		for _, seen := range out {
			if seen == lv {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, lv)
		}
	}
	return out
}

// StrategyFile is the on-disk strategies document.
type StrategyFile struct {
	Contexts []ContextConfig `yaml:"contexts"`
	Symbols  []SymbolConfig  `yaml:"symbols"`
}

// LoadStrategies parses the strategies YAML file and validates it.
func LoadStrategies(path string) (*StrategyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategies file: %w", err)
	}
	var file StrategyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse strategies file: %w", err)
	}

	seen := make(map[string]bool)
	for i := range file.Contexts {
		c := &file.Contexts[i]
		if c.Key == "" {
			return nil, fmt.Errorf("context %d: key is required", i)
		}
		if seen[c.Key] {
			return nil, fmt.Errorf("duplicate context key %q", c.Key)
		}
		seen[c.Key] = true
		if c.AccountKey == "" {
			c.AccountKey = c.Key
		}
		if c.Display == "" {
			c.Display = c.Key
		}
		if c.Enabled && c.APIKeyEnv == "" {
			return nil, fmt.Errorf("context %q: api_key_env is required", c.Key)
		}
	}

	for i := range file.Symbols {
		s := &file.Symbols[i]
		if s.Symbol == "" {
			return nil, fmt.Errorf("symbol %d: symbol is required", i)
		}
		if s.Display == "" {
			s.Display = s.Symbol
		}
		if s.LeverageMin <= 0 || s.LeverageMax < s.LeverageMin {
			return nil, fmt.Errorf("symbol %q: invalid leverage range %d..%d", s.Symbol, s.LeverageMin, s.LeverageMax)
		}
		if s.LeverageDefault < s.LeverageMin || s.LeverageDefault > s.LeverageMax {
			return nil, fmt.Errorf("symbol %q: default leverage %d outside %d..%d", s.Symbol, s.LeverageDefault, s.LeverageMin, s.LeverageMax)
		}
		if s.MinQuantity < 0 {
			return nil, fmt.Errorf("symbol %q: min_quantity must not be negative", s.Symbol)
		}
		if s.Timeframe == "" {
			s.Timeframe = "15m"
		}
		if s.DataPoints <= 0 {
			s.DataPoints = 96
		}
	}
	return &file, nil
}

// EnabledContexts filters out disabled contexts.
func (f *StrategyFile) EnabledContexts() []ContextConfig {
	out := make([]ContextConfig, 0, len(f.Contexts))
	for _, c := range f.Contexts {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out
}
