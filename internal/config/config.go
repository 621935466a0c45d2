// Package config holds the operator settings that are not manager flags.
// Settings come from an optional YAML file and environment variables, with
// environment variables taking precedence.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap/zapcore"

	"github.com/lukasngl/superset-operator/internal/catalogsync"
	"github.com/lukasngl/superset-operator/internal/superset"
)

// Config is the operator configuration.
type Config struct {
	// Identity selects the "app-<identity>" entry of the Trino users secret.
	Identity string `yaml:"identity" env:"SUPERSET_OPERATOR_IDENTITY" env-default:"superset-k8s" validate:"required"`
	// AdminUsername is the Superset user the operator logs in as.
	AdminUsername string `yaml:"admin_username" env:"SUPERSET_ADMIN_USERNAME" env-default:"admin" validate:"required"`
	// ProbeDatastore pings PostgreSQL before the workload is considered ready.
	ProbeDatastore bool `yaml:"probe_datastore" env:"PROBE_DATASTORE" env-default:"false"`

	API         APIConfig   `yaml:"api"`
	CatalogSync SyncConfig  `yaml:"catalog_sync"`
	Vault       VaultConfig `yaml:"vault"`
	Log         LogConfig   `yaml:"log"`
}

// APIConfig tunes the Superset API client.
type APIConfig struct {
	Timeout  time.Duration `yaml:"timeout" env:"SUPERSET_API_TIMEOUT" env-default:"30s" validate:"gt=0"`
	PageSize int           `yaml:"page_size" env:"SUPERSET_API_PAGE_SIZE" env-default:"100" validate:"min=1,max=100"`
	MaxPages int           `yaml:"max_pages" env:"SUPERSET_API_MAX_PAGES" env-default:"50" validate:"min=1"`
}

// SyncConfig tunes catalog sync passes.
type SyncConfig struct {
	RetryAttempts   int           `yaml:"retry_attempts" env:"CATALOG_SYNC_RETRY_ATTEMPTS" env-default:"3" validate:"min=1"`
	RetryDelay      time.Duration `yaml:"retry_delay" env:"CATALOG_SYNC_RETRY_DELAY" env-default:"1s" validate:"gt=0"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay" env:"CATALOG_SYNC_RETRY_MAX_DELAY" env-default:"10s" validate:"gtefield=RetryDelay"`
	PermissionMatch string        `yaml:"permission_match" env:"CATALOG_SYNC_PERMISSION_MATCH" env-default:"exact" validate:"oneof=exact substring"`
}

// VaultConfig enables "vault:" secret references when Addr is set.
type VaultConfig struct {
	Addr  string `yaml:"addr" env:"VAULT_ADDR" validate:"omitempty,url"`
	Token string `yaml:"-" env:"VAULT_TOKEN"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Development bool   `yaml:"development" env:"LOG_DEVELOPMENT" env-default:"false"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the configuration from path, if not empty, and the
// environment, and validates it.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("reading config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ZapLevel returns the configured log level.
func (c *Config) ZapLevel() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// ClientOptions returns the Superset client options for the configuration.
func (c *Config) ClientOptions() []superset.Option {
	match, _ := superset.ParsePermissionMatch(c.CatalogSync.PermissionMatch)
	return []superset.Option{
		superset.WithTimeout(c.API.Timeout),
		superset.WithPageSize(c.API.PageSize),
		superset.WithMaxPages(c.API.MaxPages),
		superset.WithPermissionMatch(match),
	}
}

// RetryPolicy returns the catalog sync retry policy.
func (c *Config) RetryPolicy() catalogsync.RetryPolicy {
	return catalogsync.RetryPolicy{
		Attempts: c.CatalogSync.RetryAttempts,
		Delay:    c.CatalogSync.RetryDelay,
		MaxDelay: c.CatalogSync.RetryMaxDelay,
	}
}
