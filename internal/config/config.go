package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage providers understood by the worker.
const (
	ProviderS3    = "s3"
	ProviderMinio = "minio"
	ProviderLocal = "local"
)

// MaxChunkSize bounds the rows per bulk insert so a chunk stays well under
// the Postgres bind-parameter limit and a single statement stays short.
const MaxChunkSize = 5000

// Config holds all configuration for the ingestion worker. It is loaded once
// at startup and treated as immutable afterwards.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// StorageConfig holds blob storage settings for reading uploaded files.
type StorageConfig struct {
	Provider        string `yaml:"provider"` // s3, minio, local
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	AWSProfile      string `yaml:"aws_profile"`
	LocalRoot       string `yaml:"local_root"`
}

// RedisConfig holds the optional Redis connection used for the progress
// mirror and the reaper lock. An empty URL disables both.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool { return c.URL != "" }

// WorkerConfig holds the polling, claiming and ingestion settings.
type WorkerConfig struct {
	ID                     string `yaml:"id"`
	PollIntervalMS         int    `yaml:"poll_interval_ms"`
	ReaperThresholdMS      int    `yaml:"reaper_threshold_ms"`
	HeartbeatIntervalMS    int    `yaml:"heartbeat_interval_ms"`
	SignedURLExpirySeconds int    `yaml:"signed_url_expiry_seconds"`
	MaxAttempts            int    `yaml:"max_attempts"`
	ChunkSize              int    `yaml:"chunk_size"`
	MaxRows                int    `yaml:"max_rows"`
	StatementTimeoutMS     int    `yaml:"statement_timeout_ms"`
	HealthPort             int    `yaml:"health_port"`

	// Browser origins allowed to read the health endpoints (ops dashboard).
	HealthAllowedOrigins []string `yaml:"health_allowed_origins"`
}

// PollInterval returns the configured poll interval as a duration.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ReaperThreshold returns how old a heartbeat must be before a parsing
// batch is considered abandoned.
func (c WorkerConfig) ReaperThreshold() time.Duration {
	return time.Duration(c.ReaperThresholdMS) * time.Millisecond
}

// HeartbeatInterval returns how often an active worker refreshes its claim.
func (c WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// SignedURLExpiry returns the lifetime of presigned download URLs.
func (c WorkerConfig) SignedURLExpiry() time.Duration {
	return time.Duration(c.SignedURLExpirySeconds) * time.Second
}

// StatementTimeout returns the per-statement database timeout.
func (c WorkerConfig) StatementTimeout() time.Duration {
	return time.Duration(c.StatementTimeoutMS) * time.Millisecond
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// RedactionEnabled reports whether PII redaction is on (default true).
func (c LogConfig) RedactionEnabled() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads and parses the configuration file, then applies defaults.
// An empty path skips the file and returns defaults only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Storage.Provider == "" {
		cfg.Storage.Provider = ProviderS3
	}
	if cfg.Storage.Bucket == "" {
		cfg.Storage.Bucket = "imports"
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Storage.LocalRoot == "" {
		cfg.Storage.LocalRoot = "./data"
	}
	if cfg.Worker.PollIntervalMS == 0 {
		cfg.Worker.PollIntervalMS = 5000
	}
	if cfg.Worker.ReaperThresholdMS == 0 {
		cfg.Worker.ReaperThresholdMS = 300000
	}
	if cfg.Worker.HeartbeatIntervalMS == 0 {
		cfg.Worker.HeartbeatIntervalMS = 30000
	}
	if cfg.Worker.SignedURLExpirySeconds == 0 {
		cfg.Worker.SignedURLExpirySeconds = 600
	}
	if cfg.Worker.MaxAttempts == 0 {
		cfg.Worker.MaxAttempts = 3
	}
	if cfg.Worker.ChunkSize == 0 {
		cfg.Worker.ChunkSize = 500
	}
	if cfg.Worker.MaxRows == 0 {
		cfg.Worker.MaxRows = 10000
	}
	if cfg.Worker.StatementTimeoutMS == 0 {
		cfg.Worker.StatementTimeoutMS = 30000
	}
	if cfg.Worker.HealthPort == 0 {
		cfg.Worker.HealthPort = 8080
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	var errs []error
	overrideString(&cfg.Database.URL, "DATABASE_URL")
	overrideInt(&cfg.Database.MaxOpenConns, "DATABASE_MAX_OPEN_CONNS", &errs)

	overrideString(&cfg.Storage.Provider, "STORAGE_PROVIDER")
	overrideString(&cfg.Storage.Bucket, "STORAGE_BUCKET")
	overrideString(&cfg.Storage.Region, "AWS_REGION")
	overrideString(&cfg.Storage.Region, "STORAGE_REGION")
	overrideString(&cfg.Storage.Endpoint, "STORAGE_ENDPOINT")
	overrideString(&cfg.Storage.AccessKeyID, "STORAGE_ACCESS_KEY_ID")
	overrideString(&cfg.Storage.SecretAccessKey, "STORAGE_SECRET_ACCESS_KEY")
	overrideString(&cfg.Storage.AWSProfile, "AWS_PROFILE")
	overrideString(&cfg.Storage.LocalRoot, "STORAGE_LOCAL_ROOT")

	overrideString(&cfg.Redis.URL, "REDIS_URL")

	overrideString(&cfg.Worker.ID, "WORKER_ID")
	overrideInt(&cfg.Worker.PollIntervalMS, "WORKER_POLL_INTERVAL_MS", &errs)
	overrideInt(&cfg.Worker.ReaperThresholdMS, "WORKER_REAPER_HEARTBEAT_THRESHOLD_MS", &errs)
	overrideInt(&cfg.Worker.HeartbeatIntervalMS, "WORKER_HEARTBEAT_INTERVAL_MS", &errs)
	overrideInt(&cfg.Worker.SignedURLExpirySeconds, "WORKER_SIGNED_URL_EXPIRY_SECONDS", &errs)
	overrideInt(&cfg.Worker.MaxAttempts, "WORKER_MAX_ATTEMPTS", &errs)
	overrideInt(&cfg.Worker.ChunkSize, "WORKER_CHUNK_SIZE", &errs)
	overrideInt(&cfg.Worker.MaxRows, "WORKER_MAX_ROWS", &errs)
	overrideInt(&cfg.Worker.StatementTimeoutMS, "WORKER_STATEMENT_TIMEOUT_MS", &errs)
	overrideInt(&cfg.Worker.HealthPort, "WORKER_HEALTH_PORT", &errs)
	overrideList(&cfg.Worker.HealthAllowedOrigins, "WORKER_HEALTH_ALLOWED_ORIGINS")

	overrideString(&cfg.Log.Level, "LOG_LEVEL")

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if cfg.Worker.ID == "" {
		cfg.Worker.ID = defaultWorkerID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required (DATABASE_URL)"))
	}
	switch c.Storage.Provider {
	case ProviderS3, ProviderLocal:
	case ProviderMinio:
		if c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("storage endpoint is required for the minio provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage provider %q", c.Storage.Provider))
	}
	if c.Worker.ID == "" {
		errs = append(errs, errors.New("worker id is required"))
	}

	positive := []struct {
		name  string
		value int
	}{
		{"poll_interval_ms", c.Worker.PollIntervalMS},
		{"reaper_threshold_ms", c.Worker.ReaperThresholdMS},
		{"heartbeat_interval_ms", c.Worker.HeartbeatIntervalMS},
		{"signed_url_expiry_seconds", c.Worker.SignedURLExpirySeconds},
		{"max_attempts", c.Worker.MaxAttempts},
		{"chunk_size", c.Worker.ChunkSize},
		{"max_rows", c.Worker.MaxRows},
		{"statement_timeout_ms", c.Worker.StatementTimeoutMS},
		{"health_port", c.Worker.HealthPort},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("worker.%s must be positive, got %d", p.name, p.value))
		}
	}

	if c.Worker.ChunkSize > MaxChunkSize {
		errs = append(errs, fmt.Errorf("worker.chunk_size must be at most %d, got %d", MaxChunkSize, c.Worker.ChunkSize))
	}
	// The reaper must never see a live worker's heartbeat as stale.
	if c.Worker.HeartbeatIntervalMS > 0 && c.Worker.HeartbeatIntervalMS*2 >= c.Worker.ReaperThresholdMS {
		errs = append(errs, fmt.Errorf("worker.heartbeat_interval_ms (%d) must be less than half of reaper_threshold_ms (%d)",
			c.Worker.HeartbeatIntervalMS, c.Worker.ReaperThresholdMS))
	}

	// A heartbeat statement can run for up to statement_timeout_ms after its tick.
	if c.Worker.HeartbeatIntervalMS+c.Worker.StatementTimeoutMS >= c.Worker.ReaperThresholdMS {
		errs = append(errs, fmt.Errorf("worker.heartbeat_interval_ms + statement_timeout_ms (%d) must be less than reaper_threshold_ms (%d)",
			c.Worker.HeartbeatIntervalMS+c.Worker.StatementTimeoutMS, c.Worker.ReaperThresholdMS))
	}

	return errors.Join(errs...)
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func overrideInt(dst *int, key string, errs *[]error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
