package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/timmy/emomo-backfill/internal/logger"
	"github.com/timmy/emomo-backfill/internal/pipeline"
)

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Backfill  BackfillConfig  `mapstructure:"backfill"`
	Reembed   ReembedConfig   `mapstructure:"reembed"`
	Rule      RuleConfig      `mapstructure:"rule"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// DSN returns the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
	}
	return c.Path
}

type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
}

// StorageConfig configures the S3-compatible bucket for failure reports.
// An empty Endpoint disables uploads.
type StorageConfig struct {
	Type      string `mapstructure:"type"` // r2, s3, s3compatible; empty auto-detects
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

// Enabled reports whether reports should be uploaded.
func (c *StorageConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// BackfillConfig configures the normalize job. The upper-case environment
// names (WORKER_COUNT, BATCH_SIZE, JOB_QUEUE_MAX, RESUME_MARGIN) override it.
type BackfillConfig struct {
	JobName             string        `mapstructure:"job_name"`
	WorkerCount         int           `mapstructure:"worker_count"`
	BatchSize           int           `mapstructure:"batch_size"`
	JobQueueMax         int           `mapstructure:"job_queue_max"`
	ResumeMargin        int           `mapstructure:"resume_margin"`
	ProgressInterval    time.Duration `mapstructure:"progress_interval"`
	DrainTimeout        time.Duration `mapstructure:"drain_timeout"`
	StartAfterID        int64         `mapstructure:"start_after_id"`
	CheckpointEnabled   bool          `mapstructure:"checkpoint_enabled"`
	MaxReportedFailures int           `mapstructure:"max_reported_failures"`
	DryRun              bool          `mapstructure:"dry_run"`
}

// PipelineConfig converts the section into the pipeline's own configuration.
func (c *BackfillConfig) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		WorkerCount:   c.WorkerCount,
		BatchSize:     c.BatchSize,
		QueueCapacity: c.JobQueueMax,
		ResumeMargin:  c.ResumeMargin,
		StartAfterID:  c.StartAfterID,
		DrainTimeout:  c.DrainTimeout,
		MaxFailures:   c.MaxReportedFailures,
	}
}

type ReembedConfig struct {
	Concurrency   int     `mapstructure:"concurrency"`
	BatchSize     int     `mapstructure:"batch_size"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// RuleConfig configures the description prefix rewrite.
type RuleConfig struct {
	Marker      string `mapstructure:"marker"`
	Replacement string `mapstructure:"replacement"`
}

// MetricsConfig configures the optional status server. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode"` // gin mode: debug, release, test
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// LoggerConfig applies the log section on top of the environment defaults.
func (c *LogConfig) LoggerConfig() *logger.Config {
	cfg := logger.LoadFromEnv()
	if c.Level != "" {
		cfg.Level = c.Level
	}
	if c.Format != "" {
		cfg.Format = c.Format
	}
	if c.File != "" {
		cfg.File = c.File
	}
	return cfg
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Embedding.ResolveEnvVars()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := pipeline.DefaultConfig()

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/memes.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "memes")
	v.SetDefault("storage.bucket", "memes")
	v.SetDefault("embedding.provider", "jina")
	v.SetDefault("embedding.model", "jina-embeddings-v3")
	v.SetDefault("embedding.base_url", defaultJinaEndpoint)
	v.SetDefault("embedding.dimensions", 1024)
	v.SetDefault("embedding.api_key_env", "JINA_API_KEY")
	v.SetDefault("backfill.job_name", "normalize-descriptions")
	v.SetDefault("backfill.worker_count", defaults.WorkerCount)
	v.SetDefault("backfill.batch_size", defaults.BatchSize)
	v.SetDefault("backfill.job_queue_max", defaults.QueueCapacity)
	v.SetDefault("backfill.resume_margin", defaults.ResumeMargin)
	v.SetDefault("backfill.progress_interval", pipeline.DefaultProgressInterval)
	v.SetDefault("backfill.drain_timeout", defaults.DrainTimeout)
	v.SetDefault("backfill.start_after_id", 0)
	v.SetDefault("backfill.checkpoint_enabled", false)
	v.SetDefault("backfill.max_reported_failures", defaults.MaxFailures)
	v.SetDefault("backfill.dry_run", false)
	v.SetDefault("reembed.concurrency", 8)
	v.SetDefault("reembed.batch_size", 100)
	v.SetDefault("reembed.rate_per_second", 5.0)
	v.SetDefault("reembed.burst", 5)
	v.SetDefault("rule.marker", "这是一张表情包图片，")
	v.SetDefault("rule.replacement", "表情包：")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.mode", "release")
}

// bindEnv binds the flat operator-facing variable names and secrets.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("backfill.worker_count", "WORKER_COUNT")
	_ = v.BindEnv("backfill.batch_size", "BATCH_SIZE")
	_ = v.BindEnv("backfill.job_queue_max", "JOB_QUEUE_MAX")
	_ = v.BindEnv("backfill.resume_margin", "RESUME_MARGIN")
	_ = v.BindEnv("backfill.progress_interval", "PROGRESS_INTERVAL")
	_ = v.BindEnv("backfill.drain_timeout", "DRAIN_TIMEOUT")
	_ = v.BindEnv("backfill.start_after_id", "START_AFTER_ID")
	_ = v.BindEnv("backfill.checkpoint_enabled", "CHECKPOINT_ENABLED")
	_ = v.BindEnv("backfill.max_reported_failures", "MAX_REPORTED_FAILURES")
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = v.BindEnv("database.host", "DATABASE_HOST")
	_ = v.BindEnv("database.user", "DATABASE_USER")
	_ = v.BindEnv("database.password", "DATABASE_PASSWORD")
	_ = v.BindEnv("database.dbname", "DATABASE_NAME")
	_ = v.BindEnv("qdrant.host", "QDRANT_HOST")
	_ = v.BindEnv("qdrant.port", "QDRANT_PORT")
	_ = v.BindEnv("qdrant.api_key", "QDRANT_API_KEY")
	_ = v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	_ = v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	_ = v.BindEnv("storage.bucket", "STORAGE_BUCKET")
	_ = v.BindEnv("metrics.addr", "METRICS_ADDR")
}

// Validate checks the sections every command needs.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database: unknown driver %q", c.Database.Driver)
	}
	if err := c.Backfill.PipelineConfig().Validate(); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	if c.Rule.Marker == "" {
		return errors.New("rule: marker is required")
	}
	return nil
}

// ValidateReembed checks the sections the reembed command needs.
func (c *Config) ValidateReembed() error {
	if c.Reembed.Concurrency <= 0 {
		return fmt.Errorf("reembed: concurrency must be positive, got %d", c.Reembed.Concurrency)
	}
	if c.Reembed.BatchSize <= 0 {
		return fmt.Errorf("reembed: batch_size must be positive, got %d", c.Reembed.BatchSize)
	}
	if c.Reembed.RatePerSecond <= 0 {
		return fmt.Errorf("reembed: rate_per_second must be positive, got %v", c.Reembed.RatePerSecond)
	}
	return c.Embedding.ValidateWithAPIKey()
}
