package config

import "github.com/bobmcallan/opmanager-mcp/internal/common"

// NewDefaultConfig creates a configuration with default values.
// GET is the only method exposed by default; widening the list is a
// deliberate operator decision.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		OpenAPI: OpenAPIConfig{
			SpecPath:       "",
			AllowedMethods: []string{"GET"},
		},
		Client: ClientConfig{
			RequestTimeoutMS: 30000,
		},
		Logging: common.LoggingConfig{
			Level:   "info",
			Outputs: []string{"console", "file"},
		},
	}
}
