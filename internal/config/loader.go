package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cellbridge/cellbridge/internal/domain/lsp"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "cellbridge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CELLBRIDGE_PORT")
	setString(&cfg.Server.CORSOrigin, "CELLBRIDGE_CORS_ORIGIN")
	setString(&cfg.Logging.Level, "CELLBRIDGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CELLBRIDGE_LOG_SERVICE")
	setDuration(&cfg.LSP.InitialBackoff, "CELLBRIDGE_LSP_INITIAL_BACKOFF")
	setDuration(&cfg.LSP.MaxBackoff, "CELLBRIDGE_LSP_MAX_BACKOFF")
	setFloat64(&cfg.LSP.BackoffFactor, "CELLBRIDGE_LSP_BACKOFF_FACTOR")
	setInt(&cfg.LSP.MaxRestarts, "CELLBRIDGE_LSP_MAX_RESTARTS")
	setDuration(&cfg.LSP.ShutdownTimeout, "CELLBRIDGE_LSP_SHUTDOWN_TIMEOUT")
	setString(&cfg.Diagnostics.DefaultSeverity, "CELLBRIDGE_DIAG_DEFAULT_SEVERITY")
	setString(&cfg.Documents.BaseDir, "CELLBRIDGE_DOCS_BASE_DIR")
	setInt64(&cfg.Cache.MaxSizeMB, "CELLBRIDGE_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "CELLBRIDGE_CACHE_TTL")
	setString(&cfg.NATS.URL, "NATS_URL")
}

// validate checks that required fields are set and parseable.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.LSP.MaxRestarts < 0 {
		return errors.New("lsp.max_restarts must be >= 0")
	}
	if cfg.LSP.BackoffFactor < 1 {
		return errors.New("lsp.backoff_factor must be >= 1")
	}
	if cfg.Cache.MaxSizeMB < 1 {
		return errors.New("cache.max_size_mb must be >= 1")
	}
	if cfg.Diagnostics.DefaultSeverity != "" {
		if _, err := lsp.ParseSeverity(cfg.Diagnostics.DefaultSeverity); err != nil {
			return fmt.Errorf("diagnostics.default_severity: %w", err)
		}
	}
	for _, name := range cfg.Diagnostics.IgnoreSeverities {
		if _, err := lsp.ParseSeverity(name); err != nil {
			return fmt.Errorf("diagnostics.ignore_severities: %w", err)
		}
	}
	for _, pattern := range cfg.Diagnostics.IgnoreMessagePatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("diagnostics.ignore_message_patterns: %w", err)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
