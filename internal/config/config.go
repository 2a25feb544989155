// Package config provides the proxy's configuration schema and loading.
// Configuration comes from an optional YAML file plus environment
// variables; env always wins.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Config is the top-level proxy configuration.
type Config struct {
	// Server configures the listener and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Allowlist locates the egress allowlist file.
	Allowlist AllowlistConfig `yaml:"allowlist" mapstructure:"allowlist"`

	// Moltbook configures the upstream API the proxy posts to.
	Moltbook MoltbookConfig `yaml:"moltbook" mapstructure:"moltbook"`

	// Storage configures the Azure blob account for memory files.
	// When empty, memory persists in process only (development).
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// DevMode enables development conveniences (verbose logging,
	// in-memory storage fallback).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the proxy listener.
type ServerConfig struct {
	// Port the proxy listens on.
	Port int `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	// LogLevel for operational logging on stderr.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// AllowlistConfig locates the allowlist file.
type AllowlistConfig struct {
	// Path to the allowlist JSON file.
	Path string `yaml:"path" mapstructure:"path" validate:"required"`
}

// MoltbookConfig configures the upstream Moltbook API.
type MoltbookConfig struct {
	// BaseURL of the Moltbook API, scheme included.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"required,url"`
	// Token is the bearer credential. Held by the proxy; never exposed
	// to the agent.
	Token string `yaml:"token" mapstructure:"token" validate:"required"`
}

// StorageConfig configures Azure blob storage for memory files.
type StorageConfig struct {
	// Account is the storage account name.
	Account string `yaml:"account" mapstructure:"account"`
	// Container holds the memory blobs.
	Container string `yaml:"container" mapstructure:"container"`
}

// SetDefaults fills zero-valued optional fields.
func (c *Config) SetDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3128
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
}

// Validate checks the configuration, including the cross-field rule
// that storage account and container come together or not at all.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if (c.Storage.Account == "") != (c.Storage.Container == "") {
		return fmt.Errorf("invalid configuration: storage account and container must be set together")
	}
	return nil
}
