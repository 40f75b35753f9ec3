// Package config loads the small TOML configuration this client needs:
// where to reach the signaling server, who this peer is, and the shared
// secret it derives TURN credentials from.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath is where turnsockctl looks for a config file when none
// is given on the command line.
const DefaultConfigPath = "turnsock.toml"

// Config is the top-level configuration for the turnsock client.
type Config struct {
	// ServerURL is the HTTP signaling endpoint the offer is POSTed to.
	ServerURL string `toml:"server_url"`

	// PeerID identifies this client in the TURN REST API username
	// ("<expiry>:<peerID>").
	PeerID string `toml:"peer_id"`

	// TURNSecret is the shared secret used to derive time-limited TURN
	// credentials.
	TURNSecret string `toml:"turn_secret"`

	// LogLevel is one of "error", "warn", "info", "debug". Defaults to "info".
	LogLevel string `toml:"log_level,omitempty"`
}

// Default returns a Config with every field empty except LogLevel.
func Default() *Config {
	return &Config{LogLevel: "info"}
}

// Load reads and parses a TOML config file at path.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as TOML, creating or truncating the file.
func Save(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: failed to write %s: %w", path, err)
	}
	return nil
}

// Validate checks that the fields required to connect are present.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: server_url is required")
	}
	if c.PeerID == "" {
		return fmt.Errorf("config: peer_id is required")
	}
	if c.TURNSecret == "" {
		return fmt.Errorf("config: turn_secret is required")
	}
	return nil
}
