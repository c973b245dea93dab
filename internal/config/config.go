package config

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`

	// ----------------------------
	// Dispatch
	// ----------------------------
	WorkerCount       int           `envconfig:"EMAIL_WORKER_CONCURRENCY" default:"5"`
	MinSendDelay      time.Duration `envconfig:"MIN_SEND_DELAY" default:"2s"`
	MaxPerHour        int           `envconfig:"MAX_EMAILS_PER_HOUR_PER_SENDER" default:"200"`
	RetryAttempts     int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	SendTimeout       time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	VisibilityTimeout time.Duration `envconfig:"VISIBILITY_TIMEOUT" default:"10m"`
	ReapInterval      time.Duration `envconfig:"REAP_INTERVAL" default:"1m"`

	// ----------------------------
	// Reconciliation
	// ----------------------------
	SweepSchedule string        `envconfig:"SWEEP_SCHEDULE" default:"@every 1m"`
	SweepGrace    time.Duration `envconfig:"SWEEP_GRACE" default:"1m"`
	SweepBatch    int           `envconfig:"SWEEP_BATCH" default:"500"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort    string `envconfig:"API_PORT" default:"8080"`
	MaxCSVRows int    `envconfig:"MAX_CSV_ROWS" default:"5000"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Storage
	// ----------------------------
	// DatabaseURL empty keeps records in memory.
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
	RedisURL    string `envconfig:"REDIS_URL" default:"redis://localhost:6379"`

	// ----------------------------
	// Logging
	// ----------------------------
	LogDevelopment bool `envconfig:"LOG_DEVELOPMENT" default:"false"`
}

// Load reads a .env file when present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.WorkerCount <= 0 {
		errs = append(errs, errors.New("EMAIL_WORKER_CONCURRENCY must be > 0"))
	}
	if c.MinSendDelay <= 0 {
		errs = append(errs, errors.New("MIN_SEND_DELAY must be > 0"))
	}
	if c.MaxPerHour <= 0 {
		errs = append(errs, errors.New("MAX_EMAILS_PER_HOUR_PER_SENDER must be > 0"))
	}
	if c.RetryAttempts < 0 {
		errs = append(errs, errors.New("RETRY_ATTEMPTS must be >= 0"))
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, errors.New("SEND_TIMEOUT must be > 0"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be > 0"))
	}
	if c.SweepBatch <= 0 {
		errs = append(errs, errors.New("SWEEP_BATCH must be > 0"))
	}

	return errors.Join(errs...)
}
