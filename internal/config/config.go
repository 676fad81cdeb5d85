// Package config loads bridge configuration with priority:
// defaults -> TOML file -> OPMANAGER_* environment overrides -> flags.
//
// Connection identity (upstream host, API key) is deliberately absent from
// this structure: both arrive as arguments on every tool call and are never
// read from configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/bobmcallan/opmanager-mcp/internal/common"
)

// Config represents the application configuration.
type Config struct {
	Server  ServerConfig         `toml:"server"`
	OpenAPI OpenAPIConfig        `toml:"openapi"`
	Client  ClientConfig         `toml:"client"`
	Logging common.LoggingConfig `toml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// OpenAPIConfig locates the API description document and bounds which of its
// operations become tools.
type OpenAPIConfig struct {
	SpecPath       string   `toml:"spec_path"`
	AllowedMethods []string `toml:"allowed_methods"`
}

// ClientConfig contains outbound HTTP client settings.
type ClientConfig struct {
	RequestTimeoutMS int `toml:"request_timeout_ms"`
}

// RequestTimeout returns the configured outbound timeout, never zero.
func (c ClientConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// LoadFromFile loads configuration with priority: defaults -> file -> env.
// A missing file is not an error; the defaults and environment still apply.
func LoadFromFile(path string) (*Config, error) {
	config := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	normalize(config)

	return config, nil
}

// applyEnvOverrides applies OPMANAGER_* environment variable overrides.
func applyEnvOverrides(config *Config) {
	if port := os.Getenv("OPMANAGER_MCP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("OPMANAGER_MCP_HOST"); host != "" {
		config.Server.Host = host
	}
	if specPath := os.Getenv("OPMANAGER_SPEC_PATH"); specPath != "" {
		config.OpenAPI.SpecPath = specPath
	}
	if methods := os.Getenv("OPMANAGER_ALLOWED_METHODS"); methods != "" {
		config.OpenAPI.AllowedMethods = strings.Split(methods, ",")
	}
	if timeout := os.Getenv("OPMANAGER_REQUEST_TIMEOUT_MS"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil {
			config.Client.RequestTimeoutMS = t
		}
	}
	if level := os.Getenv("OPMANAGER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// normalize canonicalizes method names and drops empty entries.
func normalize(config *Config) {
	methods := make([]string, 0, len(config.OpenAPI.AllowedMethods))
	for _, m := range config.OpenAPI.AllowedMethods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m != "" {
			methods = append(methods, m)
		}
	}
	config.OpenAPI.AllowedMethods = methods
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.OpenAPI.SpecPath == "" {
		return fmt.Errorf("openapi.spec_path is required (or set OPMANAGER_SPEC_PATH)")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// ApplyFlagOverrides applies command-line flag overrides to config.
func ApplyFlagOverrides(config *Config, port int, specPath string) {
	if port > 0 {
		config.Server.Port = port
	}
	if specPath != "" {
		config.OpenAPI.SpecPath = specPath
	}
}
