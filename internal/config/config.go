// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/identity"
	"github.com/JakeFAU/listing-crawler/internal/storage/postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Job       JobConfig       `mapstructure:"job"`
	Identity  identity.Config `mapstructure:"identity"`
	Revealer  RevealerConfig  `mapstructure:"revealer"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Store     StoreConfig     `mapstructure:"store"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// JobConfig holds the defaults applied to every job unless a request
// overrides them.
type JobConfig struct {
	InterItemDelay              time.Duration `mapstructure:"inter_item_delay"`
	DiscoveryStabilityThreshold int           `mapstructure:"discovery_stability_threshold"`
	MaxDiscoveryRounds          int           `mapstructure:"max_discovery_rounds"`
	MaxItems                    int           `mapstructure:"max_items"`
	SettleDelay                 time.Duration `mapstructure:"settle_delay"`
}

// Revealer kinds.
const (
	RevealerPaged    = "paged"
	RevealerHeadless = "headless"
)

// RevealerConfig selects and tunes the catalog revealer.
type RevealerConfig struct {
	Kind              string        `mapstructure:"kind"`
	ItemSelector      string        `mapstructure:"item_selector"`
	NextSelector      string        `mapstructure:"next_selector"`
	LoadMoreSelector  string        `mapstructure:"load_more_selector"`
	MaxPages          int           `mapstructure:"max_pages"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
	ExecPath          string        `mapstructure:"exec_path"`
	Headful           bool          `mapstructure:"headful"`
}

// ExtractorConfig tunes item fetching. Field names are lowercased by Viper.
type ExtractorConfig struct {
	Fields        map[string]string `mapstructure:"fields"`
	Required      []string          `mapstructure:"required"`
	UserAgent     string            `mapstructure:"user_agent"`
	RespectRobots bool              `mapstructure:"respect_robots"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	RPS           float64           `mapstructure:"rps"`
	Burst         int               `mapstructure:"burst"`
	Archive       bool              `mapstructure:"archive"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverLocal    = "local"
	DriverGCS      = "gcs"
	DriverPubSub   = "pubsub"
	DriverNone     = "none"
)

// StoreConfig selects the record store. Run history uses Postgres when the
// driver is postgres and memory otherwise.
type StoreConfig struct {
	Driver     string          `mapstructure:"driver"`
	SQLitePath string          `mapstructure:"sqlite_path"`
	Postgres   postgres.Config `mapstructure:"postgres"`
}

// BlobConfig selects where raw item pages are archived.
type BlobConfig struct {
	Driver    string `mapstructure:"driver"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// ProgressConfig tunes the snapshot hub and its sinks.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	TerminalWait   time.Duration `mapstructure:"terminal_wait"`
	LogSnapshots   bool          `mapstructure:"log_snapshots"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LISTINGS")
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
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", true)
	v.SetDefault("job.inter_item_delay", "1s")
	v.SetDefault("job.discovery_stability_threshold", 3)
	v.SetDefault("job.max_discovery_rounds", 50)
	v.SetDefault("job.max_items", 0)
	v.SetDefault("job.settle_delay", "1500ms")
	v.SetDefault("identity.fallback_to_path", true)
	v.SetDefault("revealer.kind", RevealerPaged)
	v.SetDefault("revealer.item_selector", "a[href]")
	v.SetDefault("revealer.next_selector", `a[rel="next"]`)
	v.SetDefault("revealer.navigation_timeout", "45s")
	v.SetDefault("revealer.action_timeout", "15s")
	v.SetDefault("extractor.user_agent", "listing-crawler/0.1")
	v.SetDefault("extractor.respect_robots", true)
	v.SetDefault("extractor.timeout", "15s")
	v.SetDefault("extractor.rps", 1.0)
	v.SetDefault("extractor.burst", 1)
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.sqlite_path", "listings.db")
	v.SetDefault("store.postgres.max_conns", 4)
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("blob.driver", DriverNone)
	v.SetDefault("blob.local_dir", "data/pages")
	v.SetDefault("blob.prefix", "pages")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("progress.terminal_wait", "250ms")
	v.SetDefault("progress.log_snapshots", true)
	v.SetDefault("pubsub.driver", DriverNone)
	v.SetDefault("pubsub.topic", "listing-runs")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.JobDefaults().Validate(); err != nil {
		return fmt.Errorf("job: %w", err)
	}
	if _, err := identity.New(c.Identity); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	switch c.Revealer.Kind {
	case RevealerPaged, RevealerHeadless:
	default:
		return fmt.Errorf("revealer.kind must be %q or %q, got %q", RevealerPaged, RevealerHeadless, c.Revealer.Kind)
	}
	if c.Revealer.MaxPages < 0 {
		return fmt.Errorf("revealer.max_pages must be >= 0")
	}
	if c.Extractor.RPS < 0 {
		return fmt.Errorf("extractor.rps must be >= 0")
	}
	for _, name := range c.Extractor.Required {
		if _, ok := c.Extractor.Fields[name]; !ok {
			return fmt.Errorf("extractor.required field %q has no selector", name)
		}
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must be set for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Blob.Driver {
	case DriverNone, DriverMemory:
	case DriverLocal:
		if c.Blob.LocalDir == "" {
			return fmt.Errorf("blob.local_dir must be set for the local driver")
		}
	case DriverGCS:
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set for the gcs driver")
		}
	default:
		return fmt.Errorf("unknown blob.driver %q", c.Blob.Driver)
	}
	if c.Extractor.Archive && c.Blob.Driver == DriverNone {
		return fmt.Errorf("extractor.archive needs a blob.driver")
	}
	switch c.PubSub.Driver {
	case DriverNone, DriverMemory:
	case DriverPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic must be set for the pubsub driver")
		}
	default:
		return fmt.Errorf("unknown pubsub.driver %q", c.PubSub.Driver)
	}
	return nil
}

// JobDefaults converts the job section into a crawler.JobConfig.
func (c Config) JobDefaults() crawler.JobConfig {
	return crawler.JobConfig{
		InterItemDelay:              c.Job.InterItemDelay,
		DiscoveryStabilityThreshold: c.Job.DiscoveryStabilityThreshold,
		MaxDiscoveryRounds:          c.Job.MaxDiscoveryRounds,
		MaxItems:                    c.Job.MaxItems,
		SettleDelay:                 c.Job.SettleDelay,
	}
}
