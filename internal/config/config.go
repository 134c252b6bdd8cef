// Package config loads and saves node configuration, generalized from the
// teacher corpus's InitializeConfigFile/LoadConfig/SaveConfig pattern but
// backed by gopkg.in/yaml.v3 instead of encoding/json, per the structured
// document this node's config file is specified to be.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete set of fields a node needs at startup.
type Config struct {
	AdvertisedHostPort         string        `yaml:"advertisedHostPort"`
	ListenAddress               string        `yaml:"listenAddress"`
	ShareDirectory               string        `yaml:"shareDirectory"`
	BlockSize                   uint64        `yaml:"blockSize"`
	MaximumIncomingConnections int           `yaml:"maximumIncomingConnections"`
	SyncInterval                 time.Duration `yaml:"syncInterval"`
	Peers                        []string      `yaml:"peers"`
	EnableDiscovery              bool          `yaml:"enableDiscovery"`
}

// Default returns a Config with every field set to a sane default, mirroring
// the original BitBox-style system's 8192-byte block size and an incoming
// connection cap of 8.
func Default() Config {
	return Config{
		AdvertisedHostPort:         "127.0.0.1:8954",
		ListenAddress:              "0.0.0.0:8954",
		ShareDirectory:             "share",
		BlockSize:                  8192,
		MaximumIncomingConnections: 8,
		SyncInterval:               10 * time.Second,
		Peers:                      []string{},
		EnableDiscovery:            true,
	}
}

// InitializeConfigFile writes cfg to path if no file exists there yet. It is
// not an error for the file to already exist.
func InitializeConfigFile(path string, cfg Config) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return SaveConfig(path, cfg)
}

// LoadConfig reads and decodes the YAML document at path, overlaying it on
// top of Default() so a partial file still produces a complete Config.
func LoadConfig(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as YAML, creating or truncating the file.
func SaveConfig(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	return nil
}
