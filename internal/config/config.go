package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Cron     CronConfig     `yaml:"cron"`
	Lock     LockConfig     `yaml:"lock"`
	Queue    QueueConfig    `yaml:"queue"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

// CronConfig controls both the HTTP batch trigger endpoints and the
// in-process scheduler.
type CronConfig struct {
	// Token authenticates external schedulers via the X-Cron-Token header.
	// When empty the cron endpoints refuse all requests (fail closed).
	Token string `yaml:"token"`

	BatchSize   int `yaml:"batch_size"`
	Concurrency int `yaml:"concurrency"`

	// Per-IP rate limit on the cron trigger endpoints.
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`

	// Cron specs for the internal scheduler; empty disables a schedule.
	DailySpec   string `yaml:"daily_spec"`
	WeeklySpec  string `yaml:"weekly_spec"`
	MonthlySpec string `yaml:"monthly_spec"`

	// Timezone used for report period boundaries (e.g. "Asia/Tokyo").
	Timezone string `yaml:"timezone"`

	// SkipNonBusinessDays gates the scheduled daily run on business days.
	// Explicit HTTP triggers are never gated.
	SkipNonBusinessDays bool   `yaml:"skip_non_business_days"`
	BusinessCountry     string `yaml:"business_country"` // ISO code, e.g. "JP"
}

type LockConfig struct {
	TTLSeconds   int           `yaml:"ttl_seconds"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`

	// FailOpen makes TryAcquire report success when the store itself is
	// unreachable, trading strict exclusion for availability of the
	// generation path. At worst this duplicates work, never corrupts it.
	FailOpen bool `yaml:"fail_open"`
}

type QueueConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	WorkerID     string        `yaml:"worker_id"`
}

type NotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.overrideFromEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "release",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "insightd.db",
		},
		Cron: CronConfig{
			BatchSize:       200,
			Concurrency:     4,
			RateRPS:         10,
			RateBurst:       20,
			Timezone:        "Asia/Tokyo",
			BusinessCountry: "JP",
		},
		Lock: LockConfig{
			TTLSeconds:   180,
			PollInterval: 500 * time.Millisecond,
			PollTimeout:  8 * time.Second,
			FailOpen:     true,
		},
		Queue: QueueConfig{
			PollInterval: time.Second,
			MaxAttempts:  8,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if token := os.Getenv("CRON_TOKEN"); token != "" {
		c.Cron.Token = token
	}
	if v := os.Getenv("CRON_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Cron.BatchSize = n
		}
	}
	if v := os.Getenv("CRON_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Cron.Concurrency = n
		}
	}
	if tz := os.Getenv("CRON_TIMEZONE"); tz != "" {
		c.Cron.Timezone = tz
	}
	if v := os.Getenv("LOCK_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Lock.TTLSeconds = n
		}
	}
	if v := os.Getenv("LOCK_FAIL_OPEN"); v != "" {
		c.Lock.FailOpen = v != "false"
	}
	if v := os.Getenv("QUEUE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.MaxAttempts = n
		}
	}
	if id := os.Getenv("WORKER_ID"); id != "" {
		c.Queue.WorkerID = id
	}
	if url := os.Getenv("NOTIFY_WEBHOOK_URL"); url != "" {
		c.Notify.Enabled = true
		c.Notify.WebhookURL = url
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		c.Log.Level = lvl
	}
}

// applyDefaults backfills zero values that may come from a sparse yaml file.
func (c *Config) applyDefaults() {
	if c.Cron.BatchSize <= 0 {
		c.Cron.BatchSize = 200
	}
	if c.Cron.Concurrency <= 0 {
		c.Cron.Concurrency = 4
	}
	if c.Cron.RateRPS <= 0 {
		c.Cron.RateRPS = 10
	}
	if c.Cron.RateBurst <= 0 {
		c.Cron.RateBurst = 20
	}
	if c.Lock.TTLSeconds <= 0 {
		c.Lock.TTLSeconds = 180
	}
	if c.Lock.PollInterval <= 0 {
		c.Lock.PollInterval = 500 * time.Millisecond
	}
	if c.Lock.PollTimeout <= 0 {
		c.Lock.PollTimeout = 8 * time.Second
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 8
	}
	if c.Cron.Timezone == "" {
		c.Cron.Timezone = "UTC"
	}
}

// Location resolves the configured report timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Cron.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
