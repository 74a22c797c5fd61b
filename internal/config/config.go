// Package config provides hierarchical configuration loading for cellbridge.
// Precedence: defaults < YAML file < environment variables.
package config

import (
	"time"

	"github.com/cellbridge/cellbridge/internal/domain/lsp"
)

// Config holds all runtime configuration for the cellbridge gateway.
type Config struct {
	Server      Server      `yaml:"server"`
	Logging     Logging     `yaml:"logging"`
	LSP         LSP         `yaml:"lsp"`
	Diagnostics Diagnostics `yaml:"diagnostics"`
	Documents   Documents   `yaml:"documents"`
	Cache       Cache       `yaml:"cache"`
	NATS        NATS        `yaml:"nats"`

	// LanguageServers overlays the built-in spec table. An entry with an
	// empty command opts that server out.
	LanguageServers map[string]lsp.ServerSpec `yaml:"language_servers"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// LSP holds subprocess supervision configuration.
type LSP struct {
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	BackoffFactor   float64       `yaml:"backoff_factor"`
	MaxRestarts     int           `yaml:"max_restarts"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Diagnostics holds the router's filter surface. Severities are spelled by
// name (Error, Warning, Information, Hint); patterns are regular expressions
// matched against the full message text.
type Diagnostics struct {
	IgnoreCodes           []string `yaml:"ignore_codes"`
	IgnoreSeverities      []string `yaml:"ignore_severities"`
	IgnoreMessagePatterns []string `yaml:"ignore_message_patterns"`
	DefaultSeverity       string   `yaml:"default_severity"`
}

// Documents holds virtual document configuration.
type Documents struct {
	BaseDir string `yaml:"base_dir"`
}

// Cache holds extraction memoization cache configuration.
type Cache struct {
	MaxSizeMB int64         `yaml:"max_size_mb"`
	TTL       time.Duration `yaml:"ttl"`
}

// NATS holds event bus configuration. An empty URL disables publication.
type NATS struct {
	URL string `yaml:"url"`
}

// Defaults returns a Config with sensible default values for local use.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8585",
			CORSOrigin: "http://localhost:8888",
		},
		Logging: Logging{
			Level:   "info",
			Service: "cellbridge",
		},
		LSP: LSP{
			InitialBackoff:  500 * time.Millisecond,
			MaxBackoff:      30 * time.Second,
			BackoffFactor:   2,
			MaxRestarts:     5,
			ShutdownTimeout: 5 * time.Second,
		},
		Diagnostics: Diagnostics{
			DefaultSeverity: "Warning",
		},
		Documents: Documents{
			BaseDir: ".virtual_documents",
		},
		Cache: Cache{
			MaxSizeMB: 32,
			TTL:       time.Hour,
		},
	}
}
