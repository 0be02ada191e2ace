package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/benchtrack/benchtrack/internal/monitoring"
	"github.com/benchtrack/benchtrack/internal/resilience"
	"github.com/benchtrack/benchtrack/internal/sandbox"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Recalc   RecalcConfig   `yaml:"recalc" mapstructure:"recalc"`
	Sandbox  sandbox.Config `yaml:"sandbox" mapstructure:"sandbox"`
	Catalog  CatalogConfig  `yaml:"catalog" mapstructure:"catalog"`

	Monitoring monitoring.Config `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// PipelineConfig selects how datasets get their data points.
type PipelineConfig struct {
	Mode        string        `yaml:"mode" mapstructure:"mode"`
	WaitTimeout time.Duration `yaml:"wait_timeout" mapstructure:"wait_timeout"`
}

// RecalcConfig sizes the recalculation worker pool.
type RecalcConfig struct {
	Workers    int                 `yaml:"workers" mapstructure:"workers"`
	QueueSize  int                 `yaml:"queue_size" mapstructure:"queue_size"`
	ScanBatch  int                 `yaml:"scan_batch" mapstructure:"scan_batch"`
	RatePerSec float64             `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Retry      resilience.Settings `yaml:"retry" mapstructure:"retry"`
}

// CatalogConfig points at the definitions file.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// Load reads configuration from file and environment. An explicit path
// overrides the search for benchtrack.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("benchtrack")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.benchtrack")
	}

	v.SetEnvPrefix("BENCHTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("pipeline.mode", "sync")
	v.SetDefault("pipeline.wait_timeout", 30*time.Second)
	v.SetDefault("recalc.workers", 4)
	v.SetDefault("recalc.queue_size", 1000)
	v.SetDefault("recalc.scan_batch", 100)
	v.SetDefault("recalc.rate_per_sec", 0)
	v.SetDefault("recalc.retry.max_attempts", 3)
	v.SetDefault("recalc.retry.initial_backoff", 50*time.Millisecond)
	v.SetDefault("recalc.retry.max_backoff", 2*time.Second)
	v.SetDefault("sandbox.timeout", 5*time.Second)
	v.SetDefault("sandbox.cache_size", 512)
	v.SetDefault("sandbox.max_results", 10000)
	v.SetDefault("catalog.path", "catalog.yaml")
	v.SetDefault("monitoring.timeout", 10*time.Second)
	v.SetDefault("monitoring.queue_size", 256)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = multierr.Append(errs, eris.Errorf("config: store.database_url is required for %s", c.Store.Driver))
		}
	default:
		errs = multierr.Append(errs, eris.Errorf("config: unknown store.driver %q", c.Store.Driver))
	}
	switch c.Pipeline.Mode {
	case "sync", "queued":
	default:
		errs = multierr.Append(errs, eris.Errorf("config: unknown pipeline.mode %q", c.Pipeline.Mode))
	}
	if c.Recalc.Workers <= 0 {
		errs = multierr.Append(errs, eris.Errorf("config: recalc.workers must be positive, got %d", c.Recalc.Workers))
	}
	if c.Recalc.QueueSize <= 0 {
		errs = multierr.Append(errs, eris.Errorf("config: recalc.queue_size must be positive, got %d", c.Recalc.QueueSize))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, eris.Errorf("config: server.port out of range: %d", c.Server.Port))
	}
	return errs
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
