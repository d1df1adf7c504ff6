// Package config provides configuration management for the application.
//
// Sources in increasing priority: built-in defaults, the YAML file, a .env file in the working
// directory (never overriding variables already set) and QUERYFLOW_* environment variables.
// String values in the YAML file may reference the environment as ${VAR} or ${VAR:-default}.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when no path is given.
const DefaultPath = "config.yaml"

// Config holds the application configuration
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Poller  PollerConfig  `yaml:"poller"`
	Cache   CacheConfig   `yaml:"cache"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// GatewayConfig configures access to the query backend.
type GatewayConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// PollerConfig configures ingestion job polling.
type PollerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxFailures int           `yaml:"max_failures"`
}

// CacheConfig configures the query cache.
type CacheConfig struct {
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// SnapshotConfig selects where last-known values are persisted between runs.
type SnapshotConfig struct {
	// Type is "none", "local" or "redis"
	Type  string      `yaml:"type"`
	Path  string      `yaml:"path"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL    string        `yaml:"url"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// JobsConfig selects the ingestion job ledger backend.
type JobsConfig struct {
	// Type is "memory", "sqlite", "postgresql" or "mongodb"
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL settings.
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB settings.
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// ServerConfig holds local HTTP server configuration
type ServerConfig struct {
	Address string `yaml:"address"`
	// APIKey, when set, is required as a bearer token on every route except /health and metrics.
	APIKey string `yaml:"api_key"`
	// BodySizeLimit caps request bodies, e.g. "32M". Empty uses the default.
	BodySizeLimit   string `yaml:"body_size_limit"`
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// LogConfig controls log output.
type LogConfig struct {
	// Format is "auto", "text" or "json"
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

func buildDefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			BaseURL: "http://localhost:8000/api",
			Timeout: 30 * time.Second,
		},
		Poller: PollerConfig{
			Interval:    1500 * time.Millisecond,
			MaxFailures: 3,
		},
		Cache: CacheConfig{
			Snapshot: SnapshotConfig{
				Type: "none",
				Path: ".cache/queryflow-snapshots.json",
				Redis: RedisConfig{
					Prefix: "queryflow:entry:",
					TTL:    24 * time.Hour,
				},
			},
		},
		Jobs: JobsConfig{
			Type:       "memory",
			SQLite:     SQLiteConfig{Path: "data/queryflow.db"},
			PostgreSQL: PostgreSQLConfig{MaxConns: 10},
			MongoDB:    MongoDBConfig{Database: "queryflow"},
		},
		Server: ServerConfig{
			Address:         ":8090",
			BodySizeLimit:   "32M",
			MetricsEndpoint: "/metrics",
		},
		Log: LogConfig{
			Format: "auto",
			Level:  "info",
		},
	}
}

// Load reads configuration from path, the .env file and the environment.
// A missing file is not an error when path is empty or DefaultPath.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := buildDefaultConfig()

	optional := path == ""
	if optional {
		path = DefaultPath
	}
	if path == DefaultPath {
		optional = true
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal([]byte(expandString(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && optional:
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default} with environment values. ${VAR} is left
// untouched when VAR is unset or empty.
func expandString(s string) string {
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		m := placeholder.FindStringSubmatch(match)
		if v := os.Getenv(m[1]); v != "" {
			return v
		}
		if m[2] != "" {
			return m[3]
		}
		return match
	})
}

// applyEnvOverrides copies QUERYFLOW_* variables into cfg.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"QUERYFLOW_BASE_URL":         &cfg.Gateway.BaseURL,
		"QUERYFLOW_SNAPSHOT_TYPE":    &cfg.Cache.Snapshot.Type,
		"QUERYFLOW_SNAPSHOT_PATH":    &cfg.Cache.Snapshot.Path,
		"QUERYFLOW_REDIS_URL":        &cfg.Cache.Snapshot.Redis.URL,
		"QUERYFLOW_REDIS_PREFIX":     &cfg.Cache.Snapshot.Redis.Prefix,
		"QUERYFLOW_JOBS_STORAGE":     &cfg.Jobs.Type,
		"QUERYFLOW_SQLITE_PATH":      &cfg.Jobs.SQLite.Path,
		"QUERYFLOW_POSTGRES_URL":     &cfg.Jobs.PostgreSQL.URL,
		"QUERYFLOW_MONGODB_URL":      &cfg.Jobs.MongoDB.URL,
		"QUERYFLOW_MONGODB_DATABASE": &cfg.Jobs.MongoDB.Database,
		"QUERYFLOW_ADDRESS":          &cfg.Server.Address,
		"QUERYFLOW_API_KEY":          &cfg.Server.APIKey,
		"QUERYFLOW_BODY_SIZE_LIMIT":  &cfg.Server.BodySizeLimit,
		"QUERYFLOW_METRICS_ENDPOINT": &cfg.Server.MetricsEndpoint,
		"QUERYFLOW_LOG_FORMAT":       &cfg.Log.Format,
		"QUERYFLOW_LOG_LEVEL":        &cfg.Log.Level,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	durations := map[string]*time.Duration{
		"QUERYFLOW_GATEWAY_TIMEOUT": &cfg.Gateway.Timeout,
		"QUERYFLOW_POLL_INTERVAL":   &cfg.Poller.Interval,
		"QUERYFLOW_REDIS_TTL":       &cfg.Cache.Snapshot.Redis.TTL,
	}
	for name, dst := range durations {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"QUERYFLOW_POLL_MAX_FAILURES":  &cfg.Poller.MaxFailures,
		"QUERYFLOW_POSTGRES_MAX_CONNS": &cfg.Jobs.PostgreSQL.MaxConns,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv("QUERYFLOW_METRICS_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid QUERYFLOW_METRICS_ENABLED: %w", err)
		}
		cfg.Server.MetricsEnabled = b
	}
	return nil
}

// Validate rejects unknown enum values and non-positive durations.
func (c *Config) Validate() error {
	var errs []error
	if c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("gateway.base_url is required"))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("gateway.timeout must be positive, got %s", c.Gateway.Timeout))
	}
	if c.Poller.Interval <= 0 {
		errs = append(errs, fmt.Errorf("poller.interval must be positive, got %s", c.Poller.Interval))
	}
	if c.Poller.MaxFailures <= 0 {
		errs = append(errs, fmt.Errorf("poller.max_failures must be positive, got %d", c.Poller.MaxFailures))
	}
	if !oneOf(c.Cache.Snapshot.Type, "none", "local", "redis") {
		errs = append(errs, fmt.Errorf("cache.snapshot.type %q is invalid (valid: none, local, redis)", c.Cache.Snapshot.Type))
	}
	if c.Cache.Snapshot.Type == "redis" && c.Cache.Snapshot.Redis.URL == "" {
		errs = append(errs, errors.New("cache.snapshot.redis.url is required for the redis snapshot store"))
	}
	if !oneOf(c.Jobs.Type, "memory", "sqlite", "postgresql", "mongodb") {
		errs = append(errs, fmt.Errorf("jobs.type %q is invalid (valid: memory, sqlite, postgresql, mongodb)", c.Jobs.Type))
	}
	if !oneOf(c.Log.Format, "auto", "text", "json") {
		errs = append(errs, fmt.Errorf("log.format %q is invalid (valid: auto, text, json)", c.Log.Format))
	}
	if !oneOf(strings.ToLower(c.Log.Level), "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Errorf("log.level %q is invalid (valid: debug, info, warn, error)", c.Log.Level))
	}
	if err := ValidateBodySizeLimit(c.Server.BodySizeLimit); err != nil {
		errs = append(errs, fmt.Errorf("server.body_size_limit: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

const (
	minBodySizeLimit = 1 << 10
	maxBodySizeLimit = 100 << 20
)

var bodySizePattern = regexp.MustCompile(`^(\d+)([KkMm][Bb]?)?$`)

// ValidateBodySizeLimit checks a size such as "512K" or "10MB". Sizes must lie between 1KB and
// 100MB. An empty string selects the default and is valid.
func ValidateBodySizeLimit(s string) error {
	_, err := ParseBodySizeLimit(s)
	return err
}

// ParseBodySizeLimit converts a size such as "10M" to bytes. It returns 0 for an empty string.
func ParseBodySizeLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	m := bodySizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q (expected e.g. 512K or 10M)", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	switch strings.TrimSuffix(strings.ToUpper(m[2]), "B") {
	case "K":
		n <<= 10
	case "M":
		n <<= 20
	}
	if n < minBodySizeLimit || n > maxBodySizeLimit {
		return 0, fmt.Errorf("size %q out of range (1K to 100M)", s)
	}
	return n, nil
}
