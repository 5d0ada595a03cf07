// Package config handles configuration loading and validation for the
// source agent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete agent configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Backup configures what is backed up and where local state lives.
	Backup BackupConfig `toml:"backup" json:"backup" yaml:"backup"`

	// Connection identifies and authenticates this source.
	Connection ConnectionConfig `toml:"connection" json:"connection" yaml:"connection"`

	// Broker locates the broker that relays traffic to the sink.
	Broker BrokerConfig `toml:"broker" json:"broker" yaml:"broker"`

	// Keys locates the agent's cryptographic material.
	Keys KeysConfig `toml:"keys" json:"keys" yaml:"keys"`

	// Logging configures the agent's log output.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// BackupConfig holds the backup scope and local state locations.
type BackupConfig struct {
	// Roots is the list of directories the agent scans.
	Roots []string `toml:"roots" json:"roots" yaml:"roots"`

	// DataDir is the private directory holding the metadata database,
	// lock file, and generated key material.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// DebounceMs is the quiet period in watch mode before a change
	// burst triggers a pass.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// DB returns the metadata database path inside the data directory.
func (b *BackupConfig) DB() string {
	return filepath.Join(b.DataDir, "meta.db")
}

// ConnectionConfig identifies this source to the broker.
type ConnectionConfig struct {
	// SourceID names this source in broker routing.
	SourceID string `toml:"source_id" json:"source_id" yaml:"source_id"`

	// Token is the bearer token presented on dial.
	Token string `toml:"token" json:"token" yaml:"token"`
}

// BrokerConfig locates the broker.
type BrokerConfig struct {
	// URL is the broker websocket endpoint (ws:// or wss://).
	URL string `toml:"url" json:"url" yaml:"url"`
}

// KeysConfig locates key material on disk.
type KeysConfig struct {
	// SigningKey is the path to the Ed25519 signing key (OpenSSH
	// format or raw seed).
	SigningKey string `toml:"signing_key" json:"signing_key" yaml:"signing_key"`

	// Recipient is the sink's age public key given inline.
	Recipient string `toml:"recipient" json:"recipient" yaml:"recipient"`

	// RecipientFile is a file holding the sink's age public key. Used
	// when Recipient is empty.
	RecipientFile string `toml:"recipient_file" json:"recipient_file" yaml:"recipient_file"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, or error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the output format: text or json.
	Format string `toml:"format" json:"format" yaml:"format"`
}

// Default returns a configuration with platform defaults applied.
func Default() *Config {
	return &Config{
		Version: Version,
		Backup: BackupConfig{
			DataDir:    defaultDataDir(),
			DebounceMs: 2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// defaultDataDir returns the platform-specific private data directory.
func defaultDataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "sourced")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".sourced")
	}
	return filepath.Join(homeDir, ".local", "share", "sourced")
}

// ApplyEnvOverrides applies environment variable overrides. They win
// over whatever the config file set, so secrets can stay out of files.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SOURCED_BROKER_URL"); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv("SOURCED_TOKEN"); v != "" {
		c.Connection.Token = v
	}
	if v := os.Getenv("SOURCED_DATA_DIR"); v != "" {
		c.Backup.DataDir = v
	}
}

// Validate checks the configuration for structural and semantic
// problems. The structural half runs the document through the embedded
// JSON schema; the semantic checks cover what a schema cannot express.
func (c *Config) Validate() error {
	if err := validateSchema(c); err != nil {
		return err
	}
	if c.Version > Version {
		return fmt.Errorf("config version %d is newer than supported version %d", c.Version, Version)
	}
	for _, root := range c.Backup.Roots {
		if root == "" {
			return fmt.Errorf("backup root must not be empty")
		}
	}
	if c.Keys.Recipient != "" && c.Keys.RecipientFile != "" {
		return fmt.Errorf("keys.recipient and keys.recipient_file are mutually exclusive")
	}
	return nil
}
