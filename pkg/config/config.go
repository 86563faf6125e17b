// Package config loads the netregd server configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the netregd server configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// Redis connection
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`

	// OUI is the 24-bit prefix for generated MAC addresses, hex without
	// separators ("90b8d0").
	OUI string `yaml:"oui"`

	// AdminOwnerUUID may provision on any owner-restricted network.
	AdminOwnerUUID string `yaml:"admin_owner_uuid"`

	// Retry budgets; zero means the engine defaults.
	IPRetries  int `yaml:"ip_retries,omitempty"`
	MACRetries int `yaml:"mac_retries,omitempty"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level,omitempty"`
	// LogJSON switches the log format to JSON.
	LogJSON bool `yaml:"log_json,omitempty"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		RedisAddr:  "localhost:6379",
		RedisDB:    0,
		OUI:        "90b8d0",
		LogLevel:   "info",
	}
}

// LoadFrom reads a YAML config file over the defaults. A missing file
// returns the defaults.
func LoadFrom(path string) (*Config, error) {
	c := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis_addr must not be empty")
	}
	if _, err := c.ParseOUI(); err != nil {
		return err
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

// ParseOUI converts the hex OUI to its 24-bit integer form.
func (c *Config) ParseOUI() (uint32, error) {
	v, err := strconv.ParseUint(c.OUI, 16, 32)
	if err != nil || v >= 1<<24 {
		return 0, fmt.Errorf("oui %q is not a 24-bit hex prefix", c.OUI)
	}
	return uint32(v), nil
}
