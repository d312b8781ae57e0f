// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Redis, Postgres, Kafka, Attribution, Indexes, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	Attribution AttributionConfig `yaml:"attribution"`
	Indexes     []IndexConfig     `yaml:"indexes"`
	Documents   DocumentsConfig   `yaml:"documents"`
	Analytics   AnalyticsConfig   `yaml:"analytics"`
	RateLimit   RateLimitConfig   `yaml:"rateLimit"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	CacheInvalidate string `yaml:"cacheInvalidate"`
	AnalyticsEvents string `yaml:"analyticsEvents"`
}

// RedisConfig holds Redis connection and caching parameters. Entries written
// after a computation live for CacheTTL; a hit refreshes the entry to
// CacheHitTTL.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"poolSize"`
	CacheTTL    time.Duration `yaml:"cacheTTL"`
	CacheHitTTL time.Duration `yaml:"cacheHitTTL"`
}

// AttributionConfig holds request defaults and engine tuning. Every request
// field left unset by the caller takes the value configured here.
type AttributionConfig struct {
	RequestTimeout              time.Duration `yaml:"requestTimeout"`
	WorkerPoolSize              int           `yaml:"workerPoolSize"`
	ResolverConcurrency         int           `yaml:"resolverConcurrency"`
	LocateOversample            int           `yaml:"locateOversample"`
	Delimiters                  []string      `yaml:"delimiters"`
	AllowSpansWithPartialWords  bool          `yaml:"allowSpansWithPartialWords"`
	MinimumSpanLength           int           `yaml:"minimumSpanLength"`
	MaximumFrequency            int64         `yaml:"maximumFrequency"`
	MaximumSpanDensity          float64       `yaml:"maximumSpanDensity"`
	SpanRankingMethod           string        `yaml:"spanRankingMethod"`
	MaximumContextLength        int           `yaml:"maximumContextLength"`
	MaximumContextLengthLong    int           `yaml:"maximumContextLengthLong"`
	MaximumContextLengthSnippet int           `yaml:"maximumContextLengthSnippet"`
	MaximumDocumentsPerSpan     int           `yaml:"maximumDocumentsPerSpan"`
}

// IndexConfig describes one corpus index in the fixed set served by the
// process.
type IndexConfig struct {
	Name           string `yaml:"name"`
	Path           string `yaml:"path"`
	DisplayName    string `yaml:"displayName"`
	SecondaryName  string `yaml:"secondaryName"`
	Usage          string `yaml:"usage"`
	VerifyChecksum bool   `yaml:"verifyChecksum"`
}

// DocumentsConfig controls the optional PostgreSQL metadata overlay.
type DocumentsConfig struct {
	MetadataFromPostgres bool `yaml:"metadataFromPostgres"`
}

// AnalyticsConfig controls attribution analytics collection.
type AnalyticsConfig struct {
	Enabled          bool          `yaml:"enabled"`
	BufferSize       int           `yaml:"bufferSize"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`

	// SnapshotRetention is the number of persisted snapshots kept; older
	// ones are pruned on save. Zero keeps all.
	SnapshotRetention int `yaml:"snapshotRetention"`
}

// RateLimitConfig controls the per-client limiter on attribution routes.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerWindow int           `yaml:"requestsPerWindow"`
	Window            time.Duration `yaml:"window"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls span-tree logging for attribution requests.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sampleRate"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Index returns the configuration of the named index.
func (c *Config) Index(name string) (IndexConfig, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexConfig{}, false
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	applyIndexDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Indexes))
	for i, idx := range c.Indexes {
		if idx.Name == "" {
			return fmt.Errorf("indexes[%d]: name is required", i)
		}
		if idx.Path == "" {
			return fmt.Errorf("indexes[%d] (%s): path is required", i, idx.Name)
		}
		if _, dup := seen[idx.Name]; dup {
			return fmt.Errorf("indexes[%d]: duplicate index name %q", i, idx.Name)
		}
		seen[idx.Name] = struct{}{}
	}
	if c.Attribution.RequestTimeout <= 0 {
		return fmt.Errorf("attribution.requestTimeout must be positive")
	}
	if c.Attribution.MaximumSpanDensity < 0 || c.Attribution.MaximumSpanDensity > 1 {
		return fmt.Errorf("attribution.maximumSpanDensity must be within [0,1]")
	}
	return nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "attribution",
			User:            "attribution",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "attribution-group",
			Topics: KafkaTopics{
				CacheInvalidate: "attribution.cache-invalidate",
				AnalyticsEvents: "attribution.analytics-events",
			},
		},
		Redis: RedisConfig{
			Enabled:     true,
			Addr:        "localhost:6379",
			Password:    "",
			DB:          0,
			PoolSize:    10,
			CacheTTL:    time.Hour,
			CacheHitTTL: 12 * time.Hour,
		},
		Attribution: AttributionConfig{
			RequestTimeout:              30 * time.Second,
			WorkerPoolSize:              8,
			ResolverConcurrency:         8,
			LocateOversample:            4,
			Delimiters:                  []string{"\n", "."},
			AllowSpansWithPartialWords:  false,
			MinimumSpanLength:           5,
			MaximumFrequency:            10,
			MaximumSpanDensity:          0.05,
			SpanRankingMethod:           "frequency",
			MaximumContextLength:        250,
			MaximumContextLengthLong:    250,
			MaximumContextLengthSnippet: 40,
			MaximumDocumentsPerSpan:     10,
		},
		Analytics: AnalyticsConfig{
			BufferSize:        10000,
			SnapshotInterval:  time.Minute,
			SnapshotRetention: 1440,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 120,
			Window:            time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SampleRate: 1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyIndexDefaults fills per-index display settings left empty.
func applyIndexDefaults(cfg *Config) {
	for i := range cfg.Indexes {
		idx := &cfg.Indexes[i]
		if idx.DisplayName == "" {
			idx.DisplayName = idx.Name
		}
		if idx.SecondaryName == "" {
			idx.SecondaryName = "web corpus"
		}
		if idx.Usage == "" {
			idx.Usage = "Pre-training"
		}
	}
}

// applyEnvOverrides reads SA_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SA_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SA_POSTGRES_ENABLED"); v != "" {
		cfg.Postgres.Enabled = parseBool(v, cfg.Postgres.Enabled)
	}
	if v := os.Getenv("SA_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SA_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("SA_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("SA_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("SA_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SA_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("SA_KAFKA_ENABLED"); v != "" {
		cfg.Kafka.Enabled = parseBool(v, cfg.Kafka.Enabled)
	}
	if v := os.Getenv("SA_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SA_REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = parseBool(v, cfg.Redis.Enabled)
	}
	if v := os.Getenv("SA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SA_ATTRIBUTION_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Attribution.RequestTimeout = d
		}
	}
	if v := os.Getenv("SA_ATTRIBUTION_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Attribution.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("SA_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SA_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SA_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
