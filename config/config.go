// Package config loads service configuration from a TOML file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

const (
	DefaultImage          = "python-sandbox:latest"
	DefaultSandboxLimit   = 3
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 8000
	DefaultTokenExpireMin = 300
	DefaultDatabasePath   = "data/sandboxd.db"
	DefaultUserID         = "root"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Auth    AuthConfig    `toml:"auth"`
	Docker  DockerConfig  `toml:"docker"`
	PyPI    PyPIConfig    `toml:"pypi"`
	Logging LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	DatabasePath string `toml:"database_path"`
}

type AuthConfig struct {
	RequireAuth      bool   `toml:"require_auth"`
	DefaultUserID    string `toml:"default_user_id"`
	UserSandboxLimit int    `toml:"user_sandbox_limit"`
	SecretKey        string `toml:"secret_key"`
	TokenExpireMin   int    `toml:"token_expire_minutes"`
	// APIKeyInLinks appends the owning user's api key to generated file
	// download links. Convenient for browsers, weaker bearer hygiene.
	APIKeyInLinks bool `toml:"api_key_in_links"`
}

type DockerConfig struct {
	DefaultImage           string `toml:"default_image"`
	DockerfilePath         string `toml:"dockerfile_path"`
	CheckDockerfileChanges bool   `toml:"check_dockerfile_changes"`
	BuildInfoFile          string `toml:"build_info_file"`
}

type PyPIConfig struct {
	IndexURL string `toml:"index_url"`
}

type LoggingConfig struct {
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	LogFile string `toml:"log_file"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         DefaultHost,
			Port:         DefaultPort,
			DatabasePath: DefaultDatabasePath,
		},
		Auth: AuthConfig{
			RequireAuth:      true,
			DefaultUserID:    DefaultUserID,
			UserSandboxLimit: DefaultSandboxLimit,
			TokenExpireMin:   DefaultTokenExpireMin,
		},
		Docker: DockerConfig{
			DefaultImage:           DefaultImage,
			DockerfilePath:         "Dockerfile",
			CheckDockerfileChanges: true,
			BuildInfoFile:          ".docker_build_info",
		},
	}
}

// Load reads the TOML file at path on top of the defaults. A missing file is
// not an error; the defaults are returned as-is. APP_HOST and APP_PORT
// environment variables override the server binding in either case.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnvOverrides()
	if cfg.Auth.UserSandboxLimit <= 0 {
		cfg.Auth.UserSandboxLimit = DefaultSandboxLimit
	}
	if cfg.Auth.TokenExpireMin <= 0 {
		cfg.Auth.TokenExpireMin = DefaultTokenExpireMin
	}
	if cfg.Auth.DefaultUserID == "" {
		cfg.Auth.DefaultUserID = DefaultUserID
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("APP_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("APP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
}

// BaseURL is the externally visible root used when synthesizing file links.
func (c *Config) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
}

// ListenAddr is the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
