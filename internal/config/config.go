package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides (AUDIT_*).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Start from defaults.
	cfg := DefaultConfig()

	// Load YAML file if it exists.
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	// Overlay environment variables: AUDIT_HTTP_PORT -> http_port, etc.
	if err := k.Load(env.Provider("AUDIT_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "AUDIT_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration contains valid values.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 {
		return fmt.Errorf("http_port must be positive")
	}
	if c.NotifierPort <= 0 {
		return fmt.Errorf("notifier_port must be positive")
	}
	if c.BusEndpoint == "" {
		return fmt.Errorf("bus_endpoint is required")
	}
	if c.StoreEndpoint == "" {
		return fmt.Errorf("store_endpoint is required")
	}
	if c.Retention.HotDays <= 0 {
		return fmt.Errorf("retention.hot_days must be positive")
	}
	if c.Retention.WarmDays <= c.Retention.HotDays {
		return fmt.Errorf("retention.warm_days must exceed retention.hot_days")
	}
	if c.MerkleWindowSize <= 0 {
		return fmt.Errorf("merkle_window_size must be positive")
	}
	if c.MaxDeliver <= 0 {
		return fmt.Errorf("max_deliver must be positive")
	}
	if c.RoomMemberLimit <= 0 {
		return fmt.Errorf("room_member_limit must be positive")
	}
	return nil
}
