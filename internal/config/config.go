package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Provider ProviderConfig `yaml:"provider" mapstructure:"provider"`
	Backfill BackfillConfig `yaml:"backfill" mapstructure:"backfill"`
	Enrich   EnrichConfig   `yaml:"enrich" mapstructure:"enrich"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Schema      string `yaml:"schema" mapstructure:"schema"`
}

// ProviderConfig configures the upstream racing data API.
type ProviderConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
	PageSize    int    `yaml:"page_size" mapstructure:"page_size"`

	// BulkRPS and DetailRPS are per-process request ceilings. The ingest
	// worker only calls the bulk meetings endpoint and the enrichment worker
	// only the detail endpoint, so the sum of the two must stay under the
	// provider's account-wide limit.
	BulkRPS   float64 `yaml:"bulk_rps" mapstructure:"bulk_rps"`
	DetailRPS float64 `yaml:"detail_rps" mapstructure:"detail_rps"`
}

// BackfillConfig configures the ingest worker.
type BackfillConfig struct {
	WindowDays      int    `yaml:"window_days" mapstructure:"window_days"`
	StateDir        string `yaml:"state_dir" mapstructure:"state_dir"`
	MaxStoreRetries int    `yaml:"max_store_retries" mapstructure:"max_store_retries"`
}

// EnrichConfig configures the enrichment worker.
type EnrichConfig struct {
	BatchSize        int `yaml:"batch_size" mapstructure:"batch_size"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("RACEDATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

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

// SetDefaults registers default values on a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.schema", "race_data")
	v.SetDefault("provider.base_url", "https://api.formfeed.io")
	v.SetDefault("provider.user_agent", "racedata-cli/1.0")
	v.SetDefault("provider.timeout_secs", 30)
	v.SetDefault("provider.max_retries", 3)
	v.SetDefault("provider.page_size", 50)
	v.SetDefault("provider.bulk_rps", 1.0)
	v.SetDefault("provider.detail_rps", 0.5)
	v.SetDefault("backfill.window_days", 30)
	v.SetDefault("backfill.state_dir", "state")
	v.SetDefault("backfill.max_store_retries", 3)
	v.SetDefault("enrich.batch_size", 25)
	v.SetDefault("enrich.poll_interval_secs", 15)
	v.SetDefault("enrich.max_attempts", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
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
