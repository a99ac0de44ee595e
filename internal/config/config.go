// Package config loads process configuration for the persistence engine from
// environment variables and an optional .env file.
package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds process-wide settings for the composite storage engine.
type Config struct {
	Env                  string   `mapstructure:"ENV"`
	LogLevel             string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL          string   `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32    `mapstructure:"DB_MIN_CONNS"`
	ObjectStoreDataDir   string   `mapstructure:"OBJECTSTORE_DATA_DIR"`
	DefaultTenant        string   `mapstructure:"DEFAULT_TENANT"`
	TenantIDPattern      string   `mapstructure:"TENANT_ID_PATTERN"`
	MaxTenantIDLength    int      `mapstructure:"MAX_TENANT_ID_LENGTH"`
	SearchDefaultCount   int      `mapstructure:"SEARCH_DEFAULT_COUNT"`
	SearchMaxCount       int      `mapstructure:"SEARCH_MAX_COUNT"`
	ExportConcurrencyCap int      `mapstructure:"EXPORT_CONCURRENCY_CAP"`
	SubmitBatchSize      int      `mapstructure:"SUBMIT_BATCH_SIZE"`
	RouterConfigFile     string   `mapstructure:"ROUTER_CONFIG_FILE"`
	EnabledBackends      []string `mapstructure:"ENABLED_BACKENDS"`
}

// Load reads configuration from the environment (and a ".env" file if
// present), applying the defaults a standalone deployment needs.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("OBJECTSTORE_DATA_DIR", "./data/objectstore")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("TENANT_ID_PATTERN", `^[a-zA-Z0-9_/-]+$`)
	v.SetDefault("MAX_TENANT_ID_LENGTH", 63)
	v.SetDefault("SEARCH_DEFAULT_COUNT", 20)
	v.SetDefault("SEARCH_MAX_COUNT", 1000)
	v.SetDefault("EXPORT_CONCURRENCY_CAP", 5)
	v.SetDefault("SUBMIT_BATCH_SIZE", 500)
	v.SetDefault("ENABLED_BACKENDS", "primary")

	for _, key := range []string{
		"ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"OBJECTSTORE_DATA_DIR", "DEFAULT_TENANT", "TENANT_ID_PATTERN",
		"MAX_TENANT_ID_LENGTH", "SEARCH_DEFAULT_COUNT", "SEARCH_MAX_COUNT",
		"EXPORT_CONCURRENCY_CAP", "SUBMIT_BATCH_SIZE", "ROUTER_CONFIG_FILE",
		"ENABLED_BACKENDS",
	} {
		_ = v.BindEnv(key)
	}

	// Reading the .env file is optional; a missing file is not an error.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.EnabledBackends == nil {
		if raw := v.GetString("ENABLED_BACKENDS"); raw != "" {
			cfg.EnabledBackends = strings.Split(raw, ",")
		}
	}

	if cfg.IsDev() {
		log.Println("WARNING: running with ENV=development; composite config validation is relaxed")
	}

	return cfg, nil
}

// IsDev reports whether the process is configured for local development.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction reports whether the process is configured for production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks invariants that must hold before the engine starts serving
// traffic. In production a database URL is mandatory since the in-memory
// backend alone cannot provide durability guarantees.
func (c *Config) Validate() error {
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when ENV=production")
	}
	if c.SearchDefaultCount <= 0 || c.SearchDefaultCount > c.SearchMaxCount {
		return fmt.Errorf("SEARCH_DEFAULT_COUNT must be in (0, SEARCH_MAX_COUNT], got %d", c.SearchDefaultCount)
	}
	if c.MaxTenantIDLength <= 0 || c.MaxTenantIDLength > 63 {
		return fmt.Errorf("MAX_TENANT_ID_LENGTH must be in (0, 63], got %d", c.MaxTenantIDLength)
	}
	return nil
}
