package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for inventory-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (database password) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8484"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Sync orchestration configuration
	Sync SyncConfig `yaml:"sync"`

	// Correlation engine configuration
	Correlation CorrelationConfig `yaml:"correlation"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"inventory"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"inventory_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// SyncConfig holds sync cycle defaults and the configured source systems.
type SyncConfig struct {
	// DefaultIntervalMinutes is the cycle interval for sources that do not
	// set their own.
	DefaultIntervalMinutes int `yaml:"default_interval_minutes" env:"SYNC_DEFAULT_INTERVAL_MINUTES" env-default:"15"`

	// WorkerCount bounds in-cycle record processing parallelism.
	WorkerCount int `yaml:"worker_count" env:"SYNC_WORKER_COUNT" env-default:"4"`

	// CycleTimeoutMinutes is the per-cycle deadline. A timed-out cycle is
	// recorded as partial and never infers deletions.
	CycleTimeoutMinutes int `yaml:"cycle_timeout_minutes" env:"SYNC_CYCLE_TIMEOUT_MINUTES" env-default:"30"`

	// MaxRecordErrors bounds the per-cycle error list; failures beyond it
	// are counted but not retained individually.
	MaxRecordErrors int `yaml:"max_record_errors" env:"SYNC_MAX_RECORD_ERRORS" env-default:"100"`

	// StalenessGraceMinutes keeps a device active even when unseen, until
	// its last sighting is at least this old. Zero means any device missing
	// from a complete snapshot goes inactive immediately.
	StalenessGraceMinutes int `yaml:"staleness_grace_minutes" env:"SYNC_STALENESS_GRACE_MINUTES" env-default:"0"`

	// RelationshipTTLHours flags edges unseen for this long as stale.
	// Zero disables the pass.
	RelationshipTTLHours int `yaml:"relationship_ttl_hours" env:"SYNC_RELATIONSHIP_TTL_HOURS" env-default:"0"`

	// Sources lists the configured source systems, one sync cycle each.
	Sources []SourceConfig `yaml:"sources"`
}

// SourceConfig describes one configured source system.
type SourceConfig struct {
	// SourceSystem is the namespace this source owns ("vcenter", "foreman").
	SourceSystem string `yaml:"source_system"`

	// AdapterType selects the registered adapter implementation.
	AdapterType string `yaml:"adapter_type"`

	// Identifier distinguishes multiple endpoints of the same system.
	Identifier string `yaml:"identifier"`

	// Priority orders sources for correlation; lower is more authoritative.
	Priority int `yaml:"priority"`

	IntervalMinutes int `yaml:"interval_minutes"`

	// SupportsFullSnapshot must be true for staleness inference. Delta-feed
	// sources never infer deletions.
	SupportsFullSnapshot bool `yaml:"supports_full_snapshot"`

	// Options are passed verbatim to the adapter factory.
	Options map[string]string `yaml:"options"`
}

// CorrelationConfig tunes cross-source identity matching.
type CorrelationConfig struct {
	// ConfidenceThreshold is the minimum score a candidate must reach.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" env:"CORRELATION_CONFIDENCE_THRESHOLD" env-default:"0.75"`

	// AmbiguityMargin is the minimum lead the best candidate must hold over
	// the runner-up; closer races are logged and left uncorrelated.
	AmbiguityMargin float64 `yaml:"ambiguity_margin" env:"CORRELATION_AMBIGUITY_MARGIN" env-default:"0.05"`

	// DomainSuffixes are stripped during name normalization.
	DomainSuffixes []string `yaml:"domain_suffixes"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Sync.Sources))
	for i := range c.Sync.Sources {
		src := &c.Sync.Sources[i]
		if src.SourceSystem == "" {
			return fmt.Errorf("sync.sources[%d]: source_system is required", i)
		}
		if src.AdapterType == "" {
			return fmt.Errorf("sync.sources[%d]: adapter_type is required", i)
		}
		if src.Identifier == "" {
			src.Identifier = "default"
		}
		if src.IntervalMinutes <= 0 {
			src.IntervalMinutes = c.Sync.DefaultIntervalMinutes
		}
		key := src.SourceSystem + "/" + src.Identifier
		if seen[key] {
			return fmt.Errorf("sync.sources[%d]: duplicate source %s", i, key)
		}
		seen[key] = true
	}
	if c.Correlation.AmbiguityMargin < 0 {
		return fmt.Errorf("correlation.ambiguity_margin must not be negative")
	}
	return nil
}

// CycleTimeout returns the per-cycle deadline as a duration.
func (c *SyncConfig) CycleTimeout() time.Duration {
	return time.Duration(c.CycleTimeoutMinutes) * time.Minute
}

// StalenessGrace returns the staleness grace window as a duration.
func (c *SyncConfig) StalenessGrace() time.Duration {
	return time.Duration(c.StalenessGraceMinutes) * time.Minute
}

// RelationshipTTL returns the edge TTL as a duration; zero disables it.
func (c *SyncConfig) RelationshipTTL() time.Duration {
	return time.Duration(c.RelationshipTTLHours) * time.Hour
}

// Interval returns the cycle interval for one source.
func (s *SourceConfig) Interval(defaults *SyncConfig) time.Duration {
	minutes := s.IntervalMinutes
	if minutes <= 0 {
		minutes = defaults.DefaultIntervalMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Key returns the (source_system, identifier) pair as one string.
func (s *SourceConfig) Key() string {
	return s.SourceSystem + "/" + s.Identifier
}

// PriorityOrder returns source system -> priority for the correlation
// engine. Unlisted sources rank after every configured one.
func (c *SyncConfig) PriorityOrder() map[string]int {
	order := make(map[string]int, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if existing, ok := order[src.SourceSystem]; !ok || src.Priority < existing {
			order[src.SourceSystem] = src.Priority
		}
	}
	return order
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
