package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Pipeline modes for reconciliation.
const (
	PipelineNone  = "none"
	PipelineHTTP  = "http"
	PipelineKafka = "kafka"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	APIAddr         string
	APIBearerToken  string
	UserIDHeader    string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	StoreDriver string
	SQLitePath  string
	DatabaseURL string

	FutureObservationGuard bool
	StationCacheSize       int
	StationCacheTTL        time.Duration

	ReconcileEnabled  bool
	ReconcileInterval time.Duration
	// ReconcileLookback of zero reconciles every pending record.
	ReconcileLookback time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	PipelineMode    string
	PipelineURL     string
	PipelineToken   string
	PipelineTimeout time.Duration

	KafkaBrokers   []string
	KafkaSinkTopic string
}

// Load reads configuration from environment variables, applying defaults
// where unset. Variables in a .env file (or ENV_FILE) fill in anything the
// environment does not set; a missing file is ignored.
func Load() (*Config, error) {
	if err := godotenv.Load(sharedcfg.EnvOrDefault("ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}
	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}
	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		APIAddr:            sharedcfg.EnvOrDefault("API_ADDR", ":8000"),
		APIBearerToken:     os.Getenv("API_BEARER_TOKEN"),
		UserIDHeader:       sharedcfg.EnvOrDefault("USER_ID_HEADER", "X-User-ID"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:    shutdownTimeout,
		StoreDriver:        sharedcfg.EnvOrDefault("STORE_DRIVER", DriverSQLite),
		SQLitePath:         sharedcfg.EnvOrDefault("SQLITE_PATH", "collector.db"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,
		PipelineMode:       sharedcfg.EnvOrDefault("PIPELINE_MODE", PipelineNone),
		PipelineURL:        os.Getenv("PIPELINE_URL"),
		PipelineToken:      os.Getenv("PIPELINE_TOKEN"),
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSinkTopic:     sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "manual-observations"),
	}

	if cfg.FutureObservationGuard, err = parseBool("FUTURE_OBSERVATION_GUARD", true); err != nil {
		return nil, err
	}
	if cfg.ReconcileEnabled, err = parseBool("RECONCILE_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.StationCacheSize, err = parseNonNegativeInt("STATION_CACHE_SIZE", 500); err != nil {
		return nil, err
	}
	if cfg.StationCacheTTL, err = parseDuration("STATION_CACHE_TTL", "30s", false); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = parseDuration("RECONCILE_INTERVAL", "1m", false); err != nil {
		return nil, err
	}
	if cfg.ReconcileLookback, err = parseDuration("RECONCILE_LOOKBACK", "0", true); err != nil {
		return nil, err
	}
	if cfg.PipelineTimeout, err = parseDuration("PIPELINE_TIMEOUT", "10s", false); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.StoreDriver)
	}

	if c.UserIDHeader == "" {
		return errors.New("USER_ID_HEADER is required")
	}

	switch c.PipelineMode {
	case PipelineNone:
	case PipelineHTTP:
		if c.PipelineURL == "" {
			return errors.New("PIPELINE_URL is required when PIPELINE_MODE is http")
		}
	case PipelineKafka:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when PIPELINE_MODE is kafka")
		}
		if c.KafkaSinkTopic == "" {
			return errors.New("KAFKA_SINK_TOPIC is required when PIPELINE_MODE is kafka")
		}
	default:
		return fmt.Errorf("invalid PIPELINE_MODE %q", c.PipelineMode)
	}
	return nil
}

func parseBool(name string, def bool) (bool, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", name, s)
	}
	return v, nil
}

func parseNonNegativeInt(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return n, nil
}

func parseDuration(name, def string, allowZero bool) (time.Duration, error) {
	s := sharedcfg.EnvOrDefault(name, def)
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return d, nil
}
