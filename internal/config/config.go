// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override, e.g.
// BLOGCRAWLER_DATABASE_DSN for database.dsn.
const EnvPrefix = "BLOGCRAWLER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	Image     ImageConfig     `mapstructure:"image"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownTimeout int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig guards the ops API with a static key.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig holds settings shared by every outbound request.
type CrawlerConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	Concurrency    int    `mapstructure:"concurrency"`
	TimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
}

// FeedConfig controls feed parsing.
type FeedConfig struct {
	MaxEntries          int `mapstructure:"max_entries"`
	FallbackOffsetHours int `mapstructure:"fallback_offset_hours"`
}

// ExtractorConfig controls article page extraction.
type ExtractorConfig struct {
	Strategy      string `mapstructure:"strategy"`
	MaxAttempts   int    `mapstructure:"max_attempts"`
	MinDelayMs    int    `mapstructure:"min_delay_ms"`
	MaxDelayMs    int    `mapstructure:"max_delay_ms"`
	MinTextLength int    `mapstructure:"min_text_length"`
}

// HeadlessConfig configures the chromedp promotion fetcher.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// EnrichConfig selects the text analysis backend.
type EnrichConfig struct {
	// Provider is "none", "http" or "ollama".
	Provider       string `mapstructure:"provider"`
	Endpoint       string `mapstructure:"endpoint"`
	Token          string `mapstructure:"token"`
	OllamaHost     string `mapstructure:"ollama_host"`
	Model          string `mapstructure:"model"`
	TitleBudget    int    `mapstructure:"title_budget"`
	BodyBudget     int    `mapstructure:"body_budget"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ImageConfig controls the cover image pipeline.
type ImageConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Prefix        string `mapstructure:"prefix"`
	MaxWidth      int    `mapstructure:"max_width"`
	MaxBytes      int64  `mapstructure:"max_bytes"`
	MaxPixels     int64  `mapstructure:"max_pixels"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// StorageConfig selects the blob backend for cover images.
type StorageConfig struct {
	// Backend is "memory", "local" or "gcs".
	Backend      string `mapstructure:"backend"`
	LocalDir     string `mapstructure:"local_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	CacheControl string `mapstructure:"cache_control"`
}

// DatabaseConfig selects the record store.
type DatabaseConfig struct {
	// Backend is "memory", "postgres" or "sqlite".
	Backend    string `mapstructure:"backend"`
	DSN        string `mapstructure:"dsn"`
	SQLitePath string `mapstructure:"sqlite_path"`
	MaxConns   int32  `mapstructure:"max_conns"`
	MinConns   int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds the article event topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// AuditConfig controls the crawl health auditor.
type AuditConfig struct {
	BatchSize           int   `mapstructure:"batch_size"`
	DeleteThreshold     int64 `mapstructure:"delete_threshold"`
	Concurrency         int   `mapstructure:"concurrency"`
	ProbeTimeoutSeconds int   `mapstructure:"probe_timeout_seconds"`
	ProbeAttempts       int   `mapstructure:"probe_attempts"`
}

// ScheduleConfig holds the job cadences.
type ScheduleConfig struct {
	Timezone          string `mapstructure:"timezone"`
	Ingest            string `mapstructure:"ingest"`
	Audit             string `mapstructure:"audit"`
	Statistics        string `mapstructure:"statistics"`
	JobTimeoutMinutes int    `mapstructure:"job_timeout_minutes"`
}

// RateLimitConfig sets per-host politeness.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Load builds a Config from an optional .env file, an optional config file and
// the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.user_agent", "blogcrawler/0.1 (+https://github.com/JakeFAU/blogroll-crawler)")
	v.SetDefault("crawler.concurrency", 1)
	v.SetDefault("crawler.request_timeout_seconds", 20)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("feed.max_entries", 30)
	v.SetDefault("feed.fallback_offset_hours", 12)
	v.SetDefault("extractor.strategy", "readability")
	v.SetDefault("extractor.max_attempts", 3)
	v.SetDefault("extractor.min_delay_ms", 1000)
	v.SetDefault("extractor.max_delay_ms", 3000)
	v.SetDefault("extractor.min_text_length", 200)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("enrich.provider", "none")
	v.SetDefault("enrich.model", "qwen3:8b")
	v.SetDefault("enrich.title_budget", 80)
	v.SetDefault("enrich.body_budget", 10000)
	v.SetDefault("enrich.timeout_seconds", 60)
	v.SetDefault("image.enabled", true)
	v.SetDefault("image.prefix", "covers")
	v.SetDefault("image.max_width", 1200)
	v.SetDefault("image.max_bytes", 10<<20)
	v.SetDefault("image.max_pixels", 40_000_000)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "data/blobs")
	v.SetDefault("storage.cache_control", "public, max-age=31536000")
	v.SetDefault("database.backend", "memory")
	v.SetDefault("database.sqlite_path", "data/blogcrawler.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("pubsub.topic_name", "article-ingested")
	v.SetDefault("audit.batch_size", 1000)
	v.SetDefault("audit.delete_threshold", 3)
	v.SetDefault("audit.concurrency", 4)
	v.SetDefault("audit.probe_timeout_seconds", 15)
	v.SetDefault("audit.probe_attempts", 1)
	v.SetDefault("schedule.timezone", "Asia/Shanghai")
	v.SetDefault("schedule.ingest", "0 0 0-16/2 * * *")
	v.SetDefault("schedule.audit", "0 0 19 * * *")
	v.SetDefault("schedule.statistics", "0 0 17 * * *")
	v.SetDefault("schedule.job_timeout_minutes", 0)
	v.SetDefault("ratelimit.rps", 1.0)
	v.SetDefault("ratelimit.burst", 2)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.request_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Extractor.Strategy {
	case "readability", "trafilatura":
	default:
		return fmt.Errorf("extractor.strategy %q is not supported", c.Extractor.Strategy)
	}
	if c.Extractor.MinDelayMs > c.Extractor.MaxDelayMs {
		return fmt.Errorf("extractor.min_delay_ms must not exceed extractor.max_delay_ms")
	}
	switch c.Enrich.Provider {
	case "none", "ollama":
	case "http":
		if c.Enrich.Endpoint == "" {
			return fmt.Errorf("enrich.endpoint must be set for the http provider")
		}
	default:
		return fmt.Errorf("enrich.provider %q is not supported", c.Enrich.Provider)
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Database.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("database.backend %q is not supported", c.Database.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Audit.BatchSize <= 0 || c.Audit.DeleteThreshold <= 0 {
		return fmt.Errorf("audit.batch_size and audit.delete_threshold must be > 0")
	}
	if c.Schedule.JobTimeoutMinutes < 0 {
		return fmt.Errorf("schedule.job_timeout_minutes must be >= 0")
	}
	if c.Image.MaxPixels < 0 {
		return fmt.Errorf("image.max_pixels must be >= 0")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the schedule timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Schedule.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone: %w", err)
	}
	return loc, nil
}

// RequestTimeout is the per-request budget for outbound HTTP calls.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}

// JobTimeout bounds one scheduled job run. Zero means unbounded.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Schedule.JobTimeoutMinutes) * time.Minute
}

// FallbackOffset is the age given to feed entries without a usable date.
func (c Config) FallbackOffset() time.Duration {
	return time.Duration(c.Feed.FallbackOffsetHours) * time.Hour
}
