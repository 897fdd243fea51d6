package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/ini.v1"

	"github.com/mevdschee/tqcatalog/backend"
	"github.com/mevdschee/tqcatalog/catalog"
	"github.com/mevdschee/tqcatalog/writebatch"
)

// Config holds the tool configuration
type Config struct {
	Catalog catalog.Config
	Logging LoggingConfig
	Metrics MetricsConfig
	Spool   writebatch.Config
}

// LoggingConfig selects the slog handler
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

// MetricsConfig holds the settings of the serve command
type MetricsConfig struct {
	Listen         string
	HealthInterval time.Duration
}

// Load reads configuration from an INI file with environment variable
// overrides. A missing file leaves every setting at its default.
func Load(path string) (*Config, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{Loose: true}, path)
	if err != nil {
		return nil, err
	}

	logging := cfg.Section("logging")
	metrics := cfg.Section("metrics")
	config := &Config{
		Catalog: loadCatalogConfig(cfg.Section("catalog")),
		Logging: LoggingConfig{
			Level:  logging.Key("level").MustString("info"),
			Format: logging.Key("format").MustString("text"),
		},
		Metrics: MetricsConfig{
			Listen:         metrics.Key("listen").MustString(":9090"),
			HealthInterval: metrics.Key("health_interval").MustDuration(catalog.DefaultHealthInterval),
		},
		Spool: loadSpoolConfig(cfg.Section("spool")),
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if config.Metrics.HealthInterval <= 0 {
		return nil, fmt.Errorf("metrics.health_interval must be positive, got %s", config.Metrics.HealthInterval)
	}
	return config, nil
}

func loadCatalogConfig(sec *ini.Section) catalog.Config {
	return catalog.Config{
		Params: backend.Params{
			Driver:   sec.Key("driver").MustString("postgresql"),
			Name:     sec.Key("dbname").MustString("bareos"),
			User:     sec.Key("user").String(),
			Password: sec.Key("password").String(),
			Address:  sec.Key("address").String(),
			Port:     sec.Key("port").MustInt(0),
			Socket:   sec.Key("socket").String(),
		},
		MultipleConnections: sec.Key("multiple_connections").MustBool(false),
		DisableBatchInsert:  sec.Key("disable_batch_insert").MustBool(false),
		TryReconnect:        sec.Key("reconnect").MustBool(true),
		ExitOnFatal:         sec.Key("exit_on_fatal").MustBool(false),
		Private:             sec.Key("private").MustBool(false),
		SchemaVersion:       sec.Key("schema_version").MustInt(catalog.DefaultSchemaVersion),
	}
}

func loadSpoolConfig(sec *ini.Section) writebatch.Config {
	c := writebatch.DefaultConfig()
	c.InitialDelayMs = sec.Key("initial_delay_ms").MustInt(c.InitialDelayMs)
	c.MinDelayMs = sec.Key("min_delay_ms").MustInt(c.MinDelayMs)
	c.MaxDelayMs = sec.Key("max_delay_ms").MustInt(c.MaxDelayMs)
	c.MaxBatchSize = sec.Key("max_batch_size").MustInt(c.MaxBatchSize)
	c.WriteThreshold = sec.Key("write_threshold").MustInt(c.WriteThreshold)
	c.AdaptiveStep = sec.Key("adaptive_step").MustFloat64(c.AdaptiveStep)
	c.Timeout = sec.Key("timeout").MustDuration(c.Timeout)
	return c
}

func applyEnv(config *Config) error {
	strs := []struct {
		env string
		dst *string
	}{
		{"TQCATALOG_DRIVER", &config.Catalog.Driver},
		{"TQCATALOG_DBNAME", &config.Catalog.Name},
		{"TQCATALOG_USER", &config.Catalog.User},
		{"TQCATALOG_PASSWORD", &config.Catalog.Password},
		{"TQCATALOG_ADDRESS", &config.Catalog.Address},
		{"TQCATALOG_SOCKET", &config.Catalog.Socket},
		{"TQCATALOG_LOG_LEVEL", &config.Logging.Level},
		{"TQCATALOG_LOG_FORMAT", &config.Logging.Format},
		{"TQCATALOG_METRICS_LISTEN", &config.Metrics.Listen},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}

	if v := os.Getenv("TQCATALOG_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TQCATALOG_PORT: %w", err)
		}
		config.Catalog.Port = port
	}
	return nil
}
