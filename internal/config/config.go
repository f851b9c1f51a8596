// Package config loads and validates submitter configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/directory-submitter/internal/manual"
	"github.com/JakeFAU/directory-submitter/internal/mapping"
	"github.com/JakeFAU/directory-submitter/internal/policy/ratelimit"
	"github.com/JakeFAU/directory-submitter/internal/progress"
	"github.com/JakeFAU/directory-submitter/internal/submission"
	"github.com/JakeFAU/directory-submitter/internal/worker"
)

// Backend names accepted by the storage, catalog, and driver sections.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendBlob     = "blob"
	BackendPostgres = "postgres"

	DriverStatic   = "static"
	DriverHeadless = "headless"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig                        `mapstructure:"server"`
	Auth      AuthConfig                          `mapstructure:"auth"`
	Logging   LoggingConfig                       `mapstructure:"logging"`
	Tracing   TracingConfig                       `mapstructure:"tracing"`
	Scheduler SchedulerConfig                     `mapstructure:"scheduler"`
	Worker    worker.Config                       `mapstructure:"worker"`
	Retry     submission.RetryConfig              `mapstructure:"retry"`
	Pacing    ratelimit.Config                    `mapstructure:"pacing"`
	Resolver  mapping.Options                     `mapstructure:"resolver"`
	Manual    manual.Config                       `mapstructure:"manual"`
	Packages  map[string]submission.PackagePolicy `mapstructure:"packages"`
	Catalog   CatalogConfig                       `mapstructure:"catalog"`
	Storage   StorageConfig                       `mapstructure:"storage"`
	DB        DBConfig                            `mapstructure:"db"`
	PubSub    PubSubConfig                        `mapstructure:"pubsub"`
	Driver    DriverConfig                        `mapstructure:"driver"`
	Progress  ProgressConfig                      `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// ProjectID selects the Cloud Trace project spans export to. Empty keeps
	// spans in process.
	ProjectID string `mapstructure:"project_id"`
}

// SchedulerConfig sizes the attempt pool and the queue aging.
type SchedulerConfig struct {
	Workers  int `mapstructure:"workers"`
	AgingCap int `mapstructure:"aging_cap"`
}

// CatalogConfig chooses where directory records persist.
type CatalogConfig struct {
	Backend       string        `mapstructure:"backend"`
	SnapshotPath  string        `mapstructure:"snapshot_path"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// SeedWorkbook is an optional xlsx imported on start-up.
	SeedWorkbook string `mapstructure:"seed_workbook"`
}

// StorageConfig selects the blob store for snapshots and exported reports.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	Prefix       string `mapstructure:"prefix"`
	BaseDir      string `mapstructure:"base_dir"`
	ReportPrefix string `mapstructure:"report_prefix"`
}

// DBConfig controls access to the relational database. When disabled the job
// store lives in memory.
type DBConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
	Tables          DBTables      `mapstructure:"tables"`
}

// DBTables names the tables the postgres stores use.
type DBTables struct {
	Directories string `mapstructure:"directories"`
	Jobs        string `mapstructure:"jobs"`
	Attempts    string `mapstructure:"attempts"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. Topics maps
// event names to topic IDs; viper splits keys on dots, so event names are
// written with underscores (job_finalized).
type PubSubConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	ProjectID    string            `mapstructure:"project_id"`
	DefaultTopic string            `mapstructure:"default_topic"`
	Topics       map[string]string `mapstructure:"topics"`
}

// DriverConfig selects and tunes the page automation driver.
type DriverConfig struct {
	Kind           string        `mapstructure:"kind"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	NavTimeout     time.Duration `mapstructure:"nav_timeout"`
	ExecPath       string        `mapstructure:"exec_path"`
}

// ProgressConfig tunes the event hub and picks its sinks.
type ProgressConfig struct {
	Hub        progress.Config `mapstructure:"hub"`
	Log        bool            `mapstructure:"log"`
	Prometheus bool            `mapstructure:"prometheus"`
	Publish    bool            `mapstructure:"publish"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SUBMITTER")
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
	cfg.Packages = mergePackages(cfg.Packages)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "directory-submitter")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.aging_cap", 30)
	v.SetDefault("worker.min_delay", "800ms")
	v.SetDefault("worker.max_delay", "2200ms")
	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.factor", 4.0)
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("pacing.default_rps", 0.5)
	v.SetDefault("pacing.default_burst", 1)

	resolver := mapping.DefaultOptions()
	v.SetDefault("resolver.verified_confidence", resolver.VerifiedConfidence)
	v.SetDefault("resolver.needs_testing_confidence", resolver.NeedsTestingConfidence)
	v.SetDefault("resolver.semantic_confidence", resolver.SemanticConfidence)
	v.SetDefault("resolver.pattern_confidence", resolver.PatternConfidence)
	v.SetDefault("resolver.min_score", resolver.MinScore)
	v.SetDefault("resolver.cache_back", resolver.CacheBack)

	v.SetDefault("manual.idle_timeout", "10m")
	v.SetDefault("manual.sweep_interval", "30s")
	v.SetDefault("catalog.backend", BackendMemory)
	v.SetDefault("catalog.snapshot_path", "catalog/directories.json")
	v.SetDefault("catalog.flush_interval", 30*time.Second)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "submitter")
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.report_prefix", "reports")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.migrate", true)
	v.SetDefault("db.tables.directories", "directories")
	v.SetDefault("db.tables.jobs", "submission_jobs")
	v.SetDefault("db.tables.attempts", "directory_attempts")
	v.SetDefault("pubsub.default_topic", "directory-submitter")
	v.SetDefault("driver.kind", DriverStatic)
	v.SetDefault("driver.user_agent", "directory-submitter/0.1")
	v.SetDefault("driver.request_timeout", "30s")
	v.SetDefault("driver.nav_timeout", "45s")
	v.SetDefault("progress.hub.buffer_size", 4096)
	v.SetDefault("progress.hub.max_batch_events", 200)
	v.SetDefault("progress.hub.max_batch_wait", "1s")
	v.SetDefault("progress.hub.sink_timeout", "5s")
	v.SetDefault("progress.log", true)
	v.SetDefault("progress.prometheus", true)
	v.SetDefault("progress.publish", false)
}

// mergePackages overlays configured package policies on the defaults. Keys
// name the package; an omitted Name is filled from the key.
func mergePackages(configured map[string]submission.PackagePolicy) map[string]submission.PackagePolicy {
	out := submission.DefaultPackages()
	for key, policy := range configured {
		name := strings.ToLower(strings.TrimSpace(key))
		if policy.Name == "" {
			policy.Name = name
		}
		out[name] = policy
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.AgingCap < 0 {
		return fmt.Errorf("scheduler.aging_cap must be >= 0")
	}
	if c.Worker.MaxDelay < c.Worker.MinDelay {
		return fmt.Errorf("worker.max_delay must be >= worker.min_delay")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	for name, policy := range c.Packages {
		if policy.DirectoryLimit <= 0 {
			return fmt.Errorf("packages.%s.directory_limit must be > 0", name)
		}
		if policy.ConcurrentJobs <= 0 {
			return fmt.Errorf("packages.%s.concurrent_jobs must be > 0", name)
		}
		if policy.ManualSessions < 0 {
			return fmt.Errorf("packages.%s.manual_sessions must be >= 0", name)
		}
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendLocal:
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Catalog.Backend {
	case BackendMemory, BackendBlob:
	case BackendPostgres:
		if !c.DB.Enabled {
			return fmt.Errorf("catalog.backend postgres requires db.enabled")
		}
	default:
		return fmt.Errorf("catalog.backend %q is not supported", c.Catalog.Backend)
	}
	if c.DB.Enabled && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db is enabled")
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	switch c.Driver.Kind {
	case DriverStatic, DriverHeadless:
	default:
		return fmt.Errorf("driver.kind %q is not supported", c.Driver.Kind)
	}
	return nil
}

// Routes returns Topics keyed by event name.
func (p PubSubConfig) Routes() map[string]string {
	out := make(map[string]string, len(p.Topics))
	for key, topic := range p.Topics {
		out[strings.ReplaceAll(key, "_", ".")] = topic
	}
	return out
}

// ReportPath is the blob path an exported report is written to.
func (c Config) ReportPath(jobID, format string) string {
	return fmt.Sprintf("%s/%s.%s", strings.Trim(c.Storage.ReportPrefix, "/"), jobID, format)
}
