// Package config loads application configuration from config.yaml and
// COMPANYID_* environment variables and initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/companyid/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Registry  RegistryConfig  `yaml:"registry" mapstructure:"registry"`
	Resolver  ResolverConfig  `yaml:"resolver" mapstructure:"resolver"`
	Overrides OverridesConfig `yaml:"overrides" mapstructure:"overrides"`
	Normalize NormalizeConfig `yaml:"normalize" mapstructure:"normalize"`
	TempID    TempIDConfig    `yaml:"tempid" mapstructure:"tempid"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the cache database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the Redis pending-lookup queue.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// RegistryConfig configures the external company registry.
type RegistryConfig struct {
	Enabled    bool                `yaml:"enabled" mapstructure:"enabled"`
	BaseURL    string              `yaml:"base_url" mapstructure:"base_url"`
	Token      string              `yaml:"token" mapstructure:"token"`
	Budget     int                 `yaml:"budget" mapstructure:"budget"`
	TimeoutMs  int                 `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	RatePerSec float64             `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	RateBurst  int                 `yaml:"rate_burst" mapstructure:"rate_burst"`
	Resilience resilience.Settings `yaml:"resilience" mapstructure:"resilience"`
}

// ResolverConfig configures the resolution waterfall. StrategyPath, when set,
// names a strategy YAML file that replaces the column and flag settings here.
type ResolverConfig struct {
	StrategyPath        string   `yaml:"strategy_path" mapstructure:"strategy_path"`
	Workers             int      `yaml:"workers" mapstructure:"workers"`
	GenerateTempIDs     bool     `yaml:"generate_temp_ids" mapstructure:"generate_temp_ids"`
	EnableBackflow      bool     `yaml:"enable_backflow" mapstructure:"enable_backflow"`
	EnableAsyncQueue    bool     `yaml:"enable_async_queue" mapstructure:"enable_async_queue"`
	QueueBackend        string   `yaml:"queue_backend" mapstructure:"queue_backend"`
	ExistingConfidence  float64  `yaml:"existing_confidence" mapstructure:"existing_confidence"`
	PlanCodeColumn      string   `yaml:"plan_code_column" mapstructure:"plan_code_column"`
	CustomerNameColumn  string   `yaml:"customer_name_column" mapstructure:"customer_name_column"`
	AccountNameColumn   string   `yaml:"account_name_column" mapstructure:"account_name_column"`
	AccountNumberColumn string   `yaml:"account_number_column" mapstructure:"account_number_column"`
	ExistingIDColumn    string   `yaml:"existing_id_column" mapstructure:"existing_id_column"`
	OutputColumn        string   `yaml:"output_column" mapstructure:"output_column"`
	RowKeyColumn        string   `yaml:"row_key_column" mapstructure:"row_key_column"`
	LookupOrder         []string `yaml:"lookup_order" mapstructure:"lookup_order"`
	SourceDomain        string   `yaml:"source_domain" mapstructure:"source_domain"`
	SourceTable         string   `yaml:"source_table" mapstructure:"source_table"`
}

// OverridesConfig points at the static override table.
type OverridesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// NormalizeConfig configures name cleanup. Empty values keep the built-in rules.
type NormalizeConfig struct {
	NoiseTokens      []string `yaml:"noise_tokens" mapstructure:"noise_tokens"`
	DecorativeGlyphs string   `yaml:"decorative_glyphs" mapstructure:"decorative_glyphs"`
}

// TempIDConfig holds the temp identifier secret.
type TempIDConfig struct {
	Secret string `yaml:"secret" mapstructure:"secret"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	MaxBatchRows   int      `yaml:"max_batch_rows" mapstructure:"max_batch_rows"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("COMPANYID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "companyid.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "companyid:pending:")
	v.SetDefault("registry.enabled", false)
	v.SetDefault("registry.budget", 500)
	v.SetDefault("registry.timeout_ms", 5000)
	v.SetDefault("registry.rate_per_sec", 10.0)
	v.SetDefault("registry.rate_burst", 10)
	v.SetDefault("registry.resilience.max_attempts", 3)
	v.SetDefault("registry.resilience.initial_backoff_ms", 200)
	v.SetDefault("registry.resilience.max_backoff_ms", 5000)
	v.SetDefault("registry.resilience.failure_threshold", 5)
	v.SetDefault("registry.resilience.reset_timeout_secs", 30)
	v.SetDefault("resolver.workers", 8)
	v.SetDefault("resolver.generate_temp_ids", true)
	v.SetDefault("resolver.enable_backflow", true)
	v.SetDefault("resolver.enable_async_queue", false)
	v.SetDefault("resolver.queue_backend", "store")
	v.SetDefault("resolver.existing_confidence", 0.9)
	v.SetDefault("resolver.plan_code_column", "plan_code")
	v.SetDefault("resolver.customer_name_column", "customer_name")
	v.SetDefault("resolver.account_name_column", "account_name")
	v.SetDefault("resolver.account_number_column", "account_number")
	v.SetDefault("resolver.existing_id_column", "company_id")
	v.SetDefault("resolver.output_column", "company_id")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_batch_rows", 50000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Secrets and paths have no default but must be visible to AutomaticEnv.
	for _, key := range []string{
		"tempid.secret", "registry.token", "registry.base_url",
		"redis.password", "overrides.path", "resolver.strategy_path",
	} {
		v.SetDefault(key, "")
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on and reports every
// problem at once.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "resolve", "serve":
		if c.Resolver.Workers < 1 || c.Resolver.Workers > 64 {
			errs = append(errs, "resolver.workers must be between 1 and 64")
		}
		if c.Resolver.ExistingConfidence < 0 || c.Resolver.ExistingConfidence > 1 {
			errs = append(errs, "resolver.existing_confidence must be between 0 and 1")
		}
		switch c.Resolver.QueueBackend {
		case "store", "redis":
		default:
			errs = append(errs, "resolver.queue_backend must be store or redis")
		}
		if c.Resolver.EnableAsyncQueue && c.Resolver.QueueBackend == "redis" && c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis queue backend")
		}
		if c.Resolver.GenerateTempIDs && c.TempID.Secret == "" {
			errs = append(errs, "tempid.secret is required when temp ids are enabled")
		}
		if c.Registry.Enabled {
			if c.Registry.BaseURL == "" {
				errs = append(errs, "registry.base_url is required when the registry is enabled")
			}
			if c.Registry.Budget < 0 {
				errs = append(errs, "registry.budget must be >= 0")
			}
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "learn", "cache", "pending":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
