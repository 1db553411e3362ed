// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/fair-scraper/internal/driver/easyfairs"
	headlessdriver "github.com/JakeFAU/fair-scraper/internal/driver/headless"
	"github.com/JakeFAU/fair-scraper/internal/policy/ratelimit"
)

// EnvPrefix namespaces every environment override, e.g. FAIRSCRAPER_AUTH_API_KEY.
const EnvPrefix = "FAIRSCRAPER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Easyfairs EasyfairsConfig `mapstructure:"easyfairs"`
	Static    StaticConfig    `mapstructure:"static"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Export    ExportConfig    `mapstructure:"export"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_seconds"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ScrapeConfig holds per-request defaults.
type ScrapeConfig struct {
	DefaultTimeoutMs int    `mapstructure:"default_timeout_ms"`
	DefaultMaxPages  int    `mapstructure:"default_max_pages"`
	Language         string `mapstructure:"language"`
	QuerySeed        string `mapstructure:"query_seed"`
	HitsPerPage      int    `mapstructure:"hits_per_page"`
}

// EasyfairsConfig maps fair hosts to widget containers.
type EasyfairsConfig struct {
	APIURL string            `mapstructure:"api_url"`
	Events []easyfairs.Event `mapstructure:"events"`
}

// StaticConfig configures the plain HTTP driver.
type StaticConfig struct {
	UserAgent     string `mapstructure:"user_agent"`
	RespectRobots bool   `mapstructure:"respect_robots"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Mode               string `mapstructure:"mode"`
	MaxParallel        int    `mapstructure:"max_parallel"`
	NavTimeoutSec      int    `mapstructure:"nav_timeout_seconds"`
	SettleMs           int    `mapstructure:"settle_ms"`
	PromotionThreshold int    `mapstructure:"promotion_threshold"`
	UserAgent          string `mapstructure:"user_agent"`
	ExecPath           string `mapstructure:"exec_path"`
}

// RateLimitConfig throttles outbound requests per host.
type RateLimitConfig struct {
	DefaultRPS   float64               `mapstructure:"default_rps"`
	DefaultBurst int                   `mapstructure:"default_burst"`
	Hosts        []ratelimit.HostLimit `mapstructure:"hosts"`
}

// JobsConfig sizes the asynchronous run queue.
type JobsConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	Concurrency   int  `mapstructure:"concurrency"`
	QueueDepth    int  `mapstructure:"queue_depth"`
	RunTimeoutSec int  `mapstructure:"run_timeout_seconds"`
	ListLimit     int  `mapstructure:"list_limit"`
}

// ExportConfig controls workbook archiving.
type ExportConfig struct {
	Archive bool   `mapstructure:"archive"`
	Prefix  string `mapstructure:"prefix"`
}

// StorageConfig selects the blob store used for archived workbooks.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// DBConfig selects and tunes the run store.
type DBConfig struct {
	Driver             string `mapstructure:"driver"`
	DSN                string `mapstructure:"dsn"`
	Table              string `mapstructure:"table"`
	SQLitePath         string `mapstructure:"sqlite_path"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSec int    `mapstructure:"max_conn_lifetime_seconds"`
	// MemoryMaxRuns caps the in-memory store; older runs are evicted.
	MemoryMaxRuns int `mapstructure:"memory_max_runs"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig controls tracing export.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from defaults, an optional file, and the environment.
// PORT, when set, overrides server.port.
//
// AutomaticEnv only resolves keys viper already knows, so every scalar key
// needs an entry in setDefaults to be settable through FAIRSCRAPER_*.
func Load(path string) (Config, error) {
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
	if cfg.Easyfairs.Events == nil {
		cfg.Easyfairs.Events = easyfairs.DefaultEvents()
	}

	if raw, ok := os.LookupEnv("PORT"); ok && strings.TrimSpace(raw) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid PORT %q: %w", raw, err)
		}
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("scrape.default_timeout_ms", 25000)
	v.SetDefault("scrape.default_max_pages", 20)
	v.SetDefault("scrape.language", "es")
	v.SetDefault("scrape.query_seed", "a")
	v.SetDefault("scrape.hits_per_page", 100)
	v.SetDefault("easyfairs.api_url", easyfairs.DefaultAPIURL)
	v.SetDefault("static.user_agent", "Mozilla/5.0")
	v.SetDefault("static.respect_robots", false)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.mode", string(headlessdriver.ModeAlways))
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.settle_ms", 3000)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("headless.user_agent", "")
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("rate_limit.default_rps", 0.0)
	v.SetDefault("rate_limit.default_burst", 4)
	v.SetDefault("jobs.enabled", true)
	v.SetDefault("jobs.concurrency", 2)
	v.SetDefault("jobs.queue_depth", 32)
	v.SetDefault("jobs.run_timeout_seconds", 300)
	v.SetDefault("jobs.list_limit", 50)
	v.SetDefault("export.archive", false)
	v.SetDefault("export.prefix", "exports")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "data/exports")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.gcs_prefix", "")
	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "")
	v.SetDefault("db.sqlite_path", "data/runs.db")
	v.SetDefault("db.max_conns", 0)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_seconds", 0)
	v.SetDefault("db.memory_max_runs", 500)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("telemetry.service_name", "fairscraper")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 0.0)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scrape.DefaultTimeoutMs <= 0 {
		return fmt.Errorf("scrape.default_timeout_ms must be > 0")
	}
	if _, err := headlessdriver.ParseMode(c.Headless.Mode); err != nil {
		return fmt.Errorf("headless.mode: %w", err)
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.RateLimit.DefaultRPS < 0 {
		return fmt.Errorf("rate_limit.default_rps must be >= 0")
	}
	if c.Jobs.Enabled {
		if c.Jobs.Concurrency <= 0 {
			return fmt.Errorf("jobs.concurrency must be > 0")
		}
		if c.Jobs.QueueDepth <= 0 {
			return fmt.Errorf("jobs.queue_depth must be > 0")
		}
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.DB.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres driver")
		}
	case "sqlite":
		if c.DB.SQLitePath == "" {
			return fmt.Errorf("db.sqlite_path must be set for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// NavTimeout returns the headless navigation timeout.
func (c HeadlessConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSec) * time.Second
}

// Settle returns the post-load wait for client-side rendering.
func (c HeadlessConfig) Settle() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}

// RunTimeout returns the whole-run budget for queued jobs.
func (c JobsConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSec) * time.Second
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

// MaxConnLifetime returns the pool connection lifetime.
func (c DBConfig) MaxConnLifetime() time.Duration {
	return time.Duration(c.MaxConnLifetimeSec) * time.Second
}
