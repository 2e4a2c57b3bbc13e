package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	API        APIConfig        `yaml:"api"`
	Targets    TargetsConfig    `yaml:"targets"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Queue      QueueConfig      `yaml:"queue"`
	Pool       PoolConfig       `yaml:"pool"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Health     HealthConfig     `yaml:"health"`
	Restricted RestrictedConfig `yaml:"restricted"`
	Backup     BackupConfig     `yaml:"backup"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	HeaderAPIKey string   `yaml:"header_api_key"`
	APIKeys      []string `yaml:"api_keys"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type TargetsConfig struct {
	Path string `yaml:"path"`
}

type SchedulerConfig struct {
	Tick          time.Duration         `yaml:"tick"`
	TierIntervals map[int]time.Duration `yaml:"tier_intervals"`
	MinInterval   time.Duration         `yaml:"min_interval"`
	Multiplier    float64               `yaml:"multiplier"`
}

type QueueConfig struct {
	Check        KindConfig    `yaml:"check"`
	Booking      KindConfig    `yaml:"booking"`
	Notification KindConfig    `yaml:"notification"`
	Retry        RetryConfig   `yaml:"retry"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type KindConfig struct {
	Workers     int           `yaml:"workers"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type RetryConfig struct {
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        float64       `yaml:"jitter"`
}

type PoolConfig struct {
	MaxSessions    int           `yaml:"max_sessions"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	UserAgent      string        `yaml:"user_agent"`
}

type ProxyConfig struct {
	ProviderURL string        `yaml:"provider_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type HealthConfig struct {
	ErrorThreshold int           `yaml:"error_threshold"`
	Cooldown       time.Duration `yaml:"cooldown"`
	AlertCooldown  time.Duration `yaml:"alert_cooldown"`
	SweepSpec      string        `yaml:"sweep_spec"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Schedule      string        `yaml:"schedule"`
	StoragePath   string        `yaml:"storage_path"`
	RetentionDays int           `yaml:"retention_days"`
	TaskRetention time.Duration `yaml:"task_retention"`
}

// RestrictedConfig points at the hot-reloaded restricted-budget overrides.
type RestrictedConfig struct {
	Path string `yaml:"path"`
}

// Restricted holds the restricted-budget overrides. Zero values mean "keep
// the default".
type Restricted struct {
	Multiplier  float64       `yaml:"multiplier"`
	MinInterval time.Duration `yaml:"min_interval"`
	AllowList   []string      `yaml:"allow_list"`
	MaxSessions int           `yaml:"max_sessions"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional in this service
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// LoadRestricted reads the restricted overrides file.
func LoadRestricted(path string) (Restricted, error) {
	var r Restricted
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &r); err != nil {
		return r, fmt.Errorf("parse restricted config: %w", err)
	}
	if err := r.Validate(); err != nil {
		return r, err
	}
	return r, nil
}

func (r Restricted) Validate() error {
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return fmt.Errorf("restricted.multiplier must be >= 1, got %v", r.Multiplier)
	}
	if r.MinInterval < 0 {
		return errors.New("restricted.min_interval must not be negative")
	}
	if r.MaxSessions < 0 {
		return errors.New("restricted.max_sessions must not be negative")
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Targets.Path == "" {
		return errors.New("targets path is required")
	}
	if c.Scheduler.Multiplier < 1 {
		return fmt.Errorf("scheduler.multiplier must be >= 1, got %v", c.Scheduler.Multiplier)
	}
	for tier := range c.Scheduler.TierIntervals {
		if tier < 1 || tier > 3 {
			return fmt.Errorf("scheduler.tier_intervals: unknown tier %d", tier)
		}
	}
	if c.API.Enabled && c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api.auth.api_keys is required when auth is enabled")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "slotwatch"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 5
	}

	if c.Scheduler.Tick == 0 {
		c.Scheduler.Tick = 2 * time.Second
	}
	if c.Scheduler.MinInterval == 0 {
		c.Scheduler.MinInterval = 5 * time.Second
	}
	if c.Scheduler.Multiplier == 0 {
		c.Scheduler.Multiplier = 1
	}
	if c.Scheduler.TierIntervals == nil {
		c.Scheduler.TierIntervals = map[int]time.Duration{}
	}
	defaults := map[int]time.Duration{1: 10 * time.Second, 2: 30 * time.Second, 3: 2 * time.Minute}
	for tier, d := range defaults {
		if c.Scheduler.TierIntervals[tier] == 0 {
			c.Scheduler.TierIntervals[tier] = d
		}
	}

	applyKind(&c.Queue.Check, 3, 60*time.Second, 3)
	applyKind(&c.Queue.Booking, 1, 3*time.Minute, 3)
	applyKind(&c.Queue.Notification, 16, 15*time.Second, 3)
	if c.Queue.Retry.InitialDelay == 0 {
		c.Queue.Retry.InitialDelay = 2 * time.Second
	}
	if c.Queue.Retry.MaxDelay == 0 {
		c.Queue.Retry.MaxDelay = time.Minute
	}
	if c.Queue.Retry.BackoffFactor == 0 {
		c.Queue.Retry.BackoffFactor = 2
	}
	if c.Queue.Retry.Jitter == 0 {
		c.Queue.Retry.Jitter = 0.2
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = 2 * time.Second
	}

	if c.Pool.MaxSessions == 0 {
		c.Pool.MaxSessions = 4
	}
	if c.Pool.AcquireTimeout == 0 {
		c.Pool.AcquireTimeout = 30 * time.Second
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = 5 * time.Minute
	}
	if c.Proxy.CacheTTL == 0 {
		c.Proxy.CacheTTL = 5 * time.Minute
	}

	if c.Health.ErrorThreshold == 0 {
		c.Health.ErrorThreshold = 5
	}
	if c.Health.Cooldown == 0 {
		c.Health.Cooldown = time.Hour
	}
	if c.Health.AlertCooldown == 0 {
		c.Health.AlertCooldown = 30 * time.Minute
	}
	if c.Health.SweepSpec == "" {
		c.Health.SweepSpec = "@every 1m"
	}

	if c.Backup.Schedule == "" {
		c.Backup.Schedule = "@daily"
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "data/backups"
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 7
	}
	if c.Backup.TaskRetention == 0 {
		c.Backup.TaskRetention = 72 * time.Hour
	}
}

func applyKind(k *KindConfig, workers int, timeout time.Duration, attempts int) {
	if k.Workers == 0 {
		k.Workers = workers
	}
	if k.Timeout == 0 {
		k.Timeout = timeout
	}
	if k.MaxAttempts == 0 {
		k.MaxAttempts = attempts
	}
}
