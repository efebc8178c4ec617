package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.whisp/config.toml.
type Config struct {
	APIBaseURL     string `toml:"api_base_url"`
	SocketURL      string `toml:"socket_url"`
	DefaultProfile string `toml:"default_profile"`
	Auth           Auth   `toml:"auth"`
}

// Auth holds the opaque credentials handed to the core by the login flow.
// The core never interprets the token beyond sending it as a bearer header.
type Auth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// Default returns a config with built-in endpoint defaults applied.
func Default() *Config {
	return &Config{
		APIBaseURL: "http://localhost:4000",
		SocketURL:  "ws://localhost:4000/socket",
	}
}

// Load reads config from the given path and overlays WHISP_* environment
// variables. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.overlayEnv()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// overlayEnv lets a .env or the process environment override file values,
// which is how the dev loop points a client at a local server.
func (c *Config) overlayEnv() {
	if v := os.Getenv("WHISP_API_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("WHISP_SOCKET_URL"); v != "" {
		c.SocketURL = v
	}
	if v := os.Getenv("WHISP_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv("WHISP_USER_ID"); v != "" {
		c.Auth.UserID = v
	}
}
