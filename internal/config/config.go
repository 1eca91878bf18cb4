// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Engine        EngineConfig        `yaml:"engine"`
	Routing       RoutingConfig       `yaml:"routing"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the operational HTTP listener (health, readiness,
// metrics). The business API surface lives in a separate layer.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig describes the workflow/directory store connection.
type DatabaseConfig struct {
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EngineConfig describes the external workflow engine connection.
type EngineConfig struct {
	BaseURL     string            `yaml:"base_url"`
	Timeout     time.Duration     `yaml:"timeout"`
	Retry       RetryConfig       `yaml:"retry"`
	ProcessKeys map[string]string `yaml:"process_keys"` // business type -> process definition key
}

// RetryConfig describes retry settings for engine calls and racy writes.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// RoutingConfig describes approver resolution fallbacks and thresholds.
type RoutingConfig struct {
	FallbackAdminID      string            `yaml:"fallback_admin_id"`
	FallbackFinanceID    string            `yaml:"fallback_finance_id"`
	FallbackComplianceID string            `yaml:"fallback_compliance_id"`
	HighValueThreshold   float64           `yaml:"high_value_threshold"`
	FinanceDepartment    string            `yaml:"finance_department"`
	ComplianceDepartment string            `yaml:"compliance_department"`
	DepartmentHeadTitles map[string]string `yaml:"department_head_titles"` // department -> title
	DefaultHeadTitle     string            `yaml:"default_head_title"`
}

// DirectoryConfig describes identity/org lookup settings.
type DirectoryConfig struct {
	Cache     CacheConfig `yaml:"cache"`
	SyncRetry RetryConfig `yaml:"sync_retry"`
}

// CacheConfig describes the user lookup cache.
type CacheConfig struct {
	Driver  string        `yaml:"driver"` // "redis" or "memory"
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8081,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSNEnv:          "APPROVAL_DATABASE_DSN",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Engine: EngineConfig{
			Timeout: 10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
			},
			ProcessKeys: map[string]string{
				"expense_claim": "expenseApproval",
			},
		},
		Routing: RoutingConfig{
			FallbackAdminID:      "admin",
			HighValueThreshold:   100000,
			FinanceDepartment:    "Finance",
			ComplianceDepartment: "Compliance",
			DepartmentHeadTitles: map[string]string{
				"Technology": "CTO",
				"Finance":    "CFO",
				"HR":         "COO",
				"Trading":    "CEO",
				"Risk":       "CRO",
				"Compliance": "CCO",
			},
			DefaultHeadTitle: "COO",
		},
		Directory: DirectoryConfig{
			Cache: CacheConfig{
				Driver:  "memory",
				AddrEnv: "APPROVAL_REDIS_ADDR",
				TTL:     5 * time.Minute,
			},
			SyncRetry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    50 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        500 * time.Millisecond,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Engine.BaseURL == "" {
		errs = append(errs, "engine.base_url is required")
	}
	if len(c.Engine.ProcessKeys) == 0 {
		errs = append(errs, "engine.process_keys must map at least one business type")
	}
	if c.Routing.FallbackAdminID == "" {
		errs = append(errs, "routing.fallback_admin_id is required")
	}
	if c.Routing.HighValueThreshold <= 0 {
		errs = append(errs, "routing.high_value_threshold must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads APPROVAL_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APPROVAL_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("APPROVAL_ENGINE_BASE_URL"); v != "" {
		cfg.Engine.BaseURL = v
	}
	if v := os.Getenv("APPROVAL_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("APPROVAL_ROUTING_FALLBACK_ADMIN_ID"); v != "" {
		cfg.Routing.FallbackAdminID = v
	}
	if v := os.Getenv("APPROVAL_DIRECTORY_CACHE_DRIVER"); v != "" {
		cfg.Directory.Cache.Driver = v
	}
}
