package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "configs/config.yaml"

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Backup       BackupConfig       `yaml:"backup"`
	Redis        RedisConfig        `yaml:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Auth         AuthConfig         `yaml:"auth"`
	Scheduling   SchedulingConfig   `yaml:"scheduling"`
	Slots        SlotsConfig        `yaml:"slots"`
	Events       EventsConfig       `yaml:"events"`
	Reminders    RemindersConfig    `yaml:"reminders"`
	Availability AvailabilitySource `yaml:"availability"`
}

type ServerConfig struct {
	Address                string `yaml:"address"`
	ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	MaxBodyBytes           int64  `yaml:"max_body_bytes"`
	MaxRangeDays           int    `yaml:"max_range_days"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"` // sqlite, postgres or memory
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresURL string `yaml:"postgres_url"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"` // cron spec, e.g. "0 3 * * *" or "@daily"
	StoragePath   string `yaml:"storage_path"`
	RetentionDays int    `yaml:"retention_days"`
}

type RedisConfig struct {
	URL             string `yaml:"url"`
	Prefix          string `yaml:"prefix"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

type KafkaConfig struct {
	Brokers string `yaml:"brokers"` // comma separated
	Topic   string `yaml:"topic"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

type MonitoringConfig struct {
	MetricsAddress    string `yaml:"metrics_address"`
	GRPCHealthAddress string `yaml:"grpc_health_address"`
}

type APIKeyConfig struct {
	Key     string `yaml:"key"`
	Subject string `yaml:"subject"`
	Role    string `yaml:"role"` // agent, admin or service
	AgentID string `yaml:"agent_id"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type AuthConfig struct {
	APIKeys   []APIKeyConfig  `yaml:"api_keys"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type WeightsConfig struct {
	Proximity float64 `yaml:"proximity"`
	Urgency   float64 `yaml:"urgency"`
	Load      float64 `yaml:"load"`
	Peak      float64 `yaml:"peak"`
}

type SchedulingConfig struct {
	Weights        WeightsConfig `yaml:"weights"`
	SearchDays     int           `yaml:"search_days"`
	MaxRetries     int           `yaml:"max_retries"`
	LookaheadDays  int           `yaml:"lookahead_days"`
	HoldTTLSeconds int           `yaml:"hold_ttl_seconds"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
}

type SlotsConfig struct {
	StepMinutes    int `yaml:"step_minutes"`
	BufferMinutes  int `yaml:"buffer_minutes"`
	SuggestionDays int `yaml:"suggestion_days"`
	MaxSuggestions int `yaml:"max_suggestions"`
}

type EventsConfig struct {
	QueueSize             int `yaml:"queue_size"`
	Workers               int `yaml:"workers"`
	HandlerTimeoutSeconds int `yaml:"handler_timeout_seconds"`
}

type RemindersConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type AvailabilitySource struct {
	Path                 string `yaml:"path"`
	WatchIntervalSeconds int    `yaml:"watch_interval_seconds"`
}

// Load reads the YAML file at path, expands ${ENV} placeholders, applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if cfg.Storage.Driver == "sqlite" {
		if err = os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.MaxRangeDays <= 0 {
		c.Server.MaxRangeDays = 90
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "data/agentcal.db"
	}
	if c.Backup.Schedule == "" {
		c.Backup.Schedule = "@daily"
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "data/backups"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "agentcal"
	}
	if c.Redis.CacheTTLSeconds <= 0 {
		c.Redis.CacheTTLSeconds = 300
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "agentcal.appointments"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "agentcal"
	}
	if c.Tracing.OTLPEndpoint == "" {
		c.Tracing.OTLPEndpoint = "localhost:4317"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
	if c.Auth.RateLimit.RequestsPerSecond <= 0 {
		c.Auth.RateLimit.RequestsPerSecond = 20
	}
	if c.Auth.RateLimit.Burst <= 0 {
		c.Auth.RateLimit.Burst = 40
	}
	if c.Scheduling.Weights == (WeightsConfig{}) {
		c.Scheduling.Weights = WeightsConfig{Proximity: 0.4, Urgency: 0.3, Load: 0.2, Peak: 0.1}
	}
	if c.Scheduling.SearchDays <= 0 {
		c.Scheduling.SearchDays = 14
	}
	if c.Scheduling.MaxRetries <= 0 {
		c.Scheduling.MaxRetries = 3
	}
	if c.Scheduling.LookaheadDays <= 0 {
		c.Scheduling.LookaheadDays = 30
	}
	if c.Scheduling.HoldTTLSeconds <= 0 {
		c.Scheduling.HoldTTLSeconds = 30
	}
	if c.Scheduling.TimeoutSeconds <= 0 {
		c.Scheduling.TimeoutSeconds = 10
	}
	if c.Slots.StepMinutes <= 0 {
		c.Slots.StepMinutes = 15
	}
	if c.Slots.SuggestionDays <= 0 {
		c.Slots.SuggestionDays = 3
	}
	if c.Slots.MaxSuggestions <= 0 {
		c.Slots.MaxSuggestions = 5
	}
	if c.Events.QueueSize <= 0 {
		c.Events.QueueSize = 256
	}
	if c.Events.Workers <= 0 {
		c.Events.Workers = 2
	}
	if c.Events.HandlerTimeoutSeconds <= 0 {
		c.Events.HandlerTimeoutSeconds = 10
	}
	if c.Reminders.Rate <= 0 {
		c.Reminders.Rate = 20
	}
	if c.Reminders.Burst <= 0 {
		c.Reminders.Burst = 30
	}
	if c.Availability.WatchIntervalSeconds <= 0 {
		c.Availability.WatchIntervalSeconds = 30
	}
}

// Validate reports every problem found, each prefixed by its YAML path.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Storage.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			add("storage.postgres_url is required for the postgres driver")
		}
	default:
		add("storage.driver: unknown driver %q, expected sqlite, postgres or memory", c.Storage.Driver)
	}

	if c.Backup.Enabled && c.Storage.Driver != "sqlite" {
		add("backup.enabled: backups are only supported for the sqlite driver")
	}
	if c.Backup.RetentionDays < 0 {
		add("backup.retention_days cannot be negative")
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		add("tracing.sample_ratio must be between 0 and 1, got %v", c.Tracing.SampleRatio)
	}

	keys := make(map[string]bool)
	for i, k := range c.Auth.APIKeys {
		prefix := fmt.Sprintf("auth.api_keys[%d]", i)
		if strings.TrimSpace(k.Key) == "" {
			add("%s.key is required", prefix)
		} else if keys[k.Key] {
			add("%s.key: duplicate key", prefix)
		}
		keys[k.Key] = true
		switch k.Role {
		case "admin", "service":
		case "agent":
			if k.AgentID == "" {
				add("%s.agent_id is required for the agent role", prefix)
			}
		default:
			add("%s.role: unknown role %q, expected agent, admin or service", prefix, k.Role)
		}
	}

	w := c.Scheduling.Weights
	for name, v := range map[string]float64{"proximity": w.Proximity, "urgency": w.Urgency, "load": w.Load, "peak": w.Peak} {
		if v < 0 {
			add("scheduling.weights.%s cannot be negative", name)
		}
	}
	if c.Slots.BufferMinutes < 0 {
		add("slots.buffer_minutes cannot be negative")
	}

	return errors.Join(errs...)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *Config) ReadTimeout() time.Duration     { return seconds(c.Server.ReadTimeoutSeconds) }
func (c *Config) WriteTimeout() time.Duration    { return seconds(c.Server.WriteTimeoutSeconds) }
func (c *Config) ShutdownTimeout() time.Duration { return seconds(c.Server.ShutdownTimeoutSeconds) }
func (c *Config) CacheTTL() time.Duration        { return seconds(c.Redis.CacheTTLSeconds) }
func (c *Config) HoldTTL() time.Duration         { return seconds(c.Scheduling.HoldTTLSeconds) }
func (c *Config) ScheduleTimeout() time.Duration { return seconds(c.Scheduling.TimeoutSeconds) }
func (c *Config) HandlerTimeout() time.Duration  { return seconds(c.Events.HandlerTimeoutSeconds) }
func (c *Config) WatchInterval() time.Duration   { return seconds(c.Availability.WatchIntervalSeconds) }

func (c *Config) SlotStep() time.Duration   { return time.Duration(c.Slots.StepMinutes) * time.Minute }
func (c *Config) SlotBuffer() time.Duration { return time.Duration(c.Slots.BufferMinutes) * time.Minute }
