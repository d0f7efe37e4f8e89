package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application-level settings.
type Config struct {
	// Server
	ServerAddr string `yaml:"server_addr"`
	LogLevel   string `yaml:"log_level"`

	// Redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// PostgreSQL
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBSSLMode  string `yaml:"db_sslmode"`

	// Worker (ComfyUI)
	WorkerBaseURL       string        `yaml:"worker_base_url"`       // e.g. http://127.0.0.1:8188
	WorkerWSURL         string        `yaml:"worker_ws_url"`         // e.g. ws://127.0.0.1:8188/ws
	WorkerClientID      string        `yaml:"worker_client_id"`      // process-wide caller identifier
	WorkerSubmitTimeout time.Duration `yaml:"worker_submit_timeout"` // bound on POST /prompt
	InterruptAttempts   int           `yaml:"interrupt_attempts"`
	InterruptDelay      time.Duration `yaml:"interrupt_delay"`

	// Admission
	MaxConcurrency int           `yaml:"max_concurrency"` // semaphore capacity
	TickInterval   time.Duration `yaml:"tick_interval"`
	TickLockTTL    time.Duration `yaml:"tick_lock_ttl"`
	PlaceholderTTL time.Duration `yaml:"placeholder_ttl"`
	RunningTTL     time.Duration `yaml:"running_ttl"`
	TerminalTTL    time.Duration `yaml:"terminal_ttl"` // de-duplication window for terminal callbacks

	// Cancel / Boost
	JobLockTTL     time.Duration `yaml:"job_lock_ttl"`
	BoostFee       int64         `yaml:"boost_fee"`
	BoostIncrement float64       `yaml:"boost_increment"`

	// Ledger & Compensation
	LedgerConflictRetries  int           `yaml:"ledger_conflict_retries"`
	CompensationInterval   time.Duration `yaml:"compensation_interval"`
	CompensationMaxRetries int           `yaml:"compensation_max_retries"`

	// Notifications
	ProgressRatePerSec int `yaml:"progress_rate_per_sec"`

	// Admin Authentication
	AdminToken string `yaml:"admin_token"` // Bearer token for admin API access
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		ServerAddr:             ":8080",
		LogLevel:               "info",
		RedisAddr:              "localhost:6379",
		DBHost:                 "localhost",
		DBPort:                 "5432",
		DBUser:                 "postgres",
		DBPassword:             "postgres",
		DBName:                 "stargraph",
		DBSSLMode:              "disable",
		WorkerBaseURL:          "http://127.0.0.1:8188",
		WorkerWSURL:            "ws://127.0.0.1:8188/ws",
		WorkerClientID:         "star-graph",
		WorkerSubmitTimeout:    30 * time.Second,
		InterruptAttempts:      3,
		InterruptDelay:         500 * time.Millisecond,
		MaxConcurrency:         1,
		TickInterval:           time.Second,
		TickLockTTL:            time.Minute,
		PlaceholderTTL:         10 * time.Minute,
		RunningTTL:             60 * time.Minute,
		TerminalTTL:            10 * time.Minute,
		JobLockTTL:             10 * time.Second,
		BoostFee:               5,
		BoostIncrement:         10,
		LedgerConflictRetries:  3,
		CompensationInterval:   5 * time.Minute,
		CompensationMaxRetries: 10,
		ProgressRatePerSec:     5,
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in that order of precedence (env wins).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be >= 1, got %d", c.MaxConcurrency)
	}
	if c.TickInterval < time.Second {
		return fmt.Errorf("tick_interval must be >= 1s, got %s", c.TickInterval)
	}
	// The tick lock must outlive a submit or a second instance could tick.
	if c.TickLockTTL <= c.WorkerSubmitTimeout {
		return fmt.Errorf("tick_lock_ttl (%s) must exceed worker_submit_timeout (%s)", c.TickLockTTL, c.WorkerSubmitTimeout)
	}
	if c.WorkerClientID == "" {
		return fmt.Errorf("worker_client_id is required")
	}
	if c.InterruptAttempts < 1 {
		return fmt.Errorf("interrupt_attempts must be >= 1, got %d", c.InterruptAttempts)
	}
	if c.CompensationMaxRetries < 1 {
		return fmt.Errorf("compensation_max_retries must be >= 1, got %d", c.CompensationMaxRetries)
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) applyEnv() {
	c.ServerAddr = envOr("SERVER_ADDR", c.ServerAddr)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.RedisAddr = envOr("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = envOr("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = envIntOr("REDIS_DB", c.RedisDB)
	c.DBHost = envOr("DB_HOST", c.DBHost)
	c.DBPort = envOr("DB_PORT", c.DBPort)
	c.DBUser = envOr("DB_USER", c.DBUser)
	c.DBPassword = envOr("DB_PASSWORD", c.DBPassword)
	c.DBName = envOr("DB_NAME", c.DBName)
	c.DBSSLMode = envOr("DB_SSLMODE", c.DBSSLMode)
	c.WorkerBaseURL = envOr("WORKER_BASE_URL", c.WorkerBaseURL)
	c.WorkerWSURL = envOr("WORKER_WS_URL", c.WorkerWSURL)
	c.WorkerClientID = envOr("WORKER_CLIENT_ID", c.WorkerClientID)
	c.WorkerSubmitTimeout = envDurationOr("WORKER_SUBMIT_TIMEOUT", c.WorkerSubmitTimeout)
	c.InterruptAttempts = envIntOr("INTERRUPT_ATTEMPTS", c.InterruptAttempts)
	c.InterruptDelay = envDurationOr("INTERRUPT_DELAY", c.InterruptDelay)
	c.MaxConcurrency = envIntOr("MAX_CONCURRENCY", c.MaxConcurrency)
	c.TickInterval = envDurationOr("TICK_INTERVAL", c.TickInterval)
	c.TickLockTTL = envDurationOr("TICK_LOCK_TTL", c.TickLockTTL)
	c.PlaceholderTTL = envDurationOr("PLACEHOLDER_TTL", c.PlaceholderTTL)
	c.RunningTTL = envDurationOr("RUNNING_TTL", c.RunningTTL)
	c.TerminalTTL = envDurationOr("TERMINAL_TTL", c.TerminalTTL)
	c.JobLockTTL = envDurationOr("JOB_LOCK_TTL", c.JobLockTTL)
	c.BoostFee = int64(envIntOr("BOOST_FEE", int(c.BoostFee)))
	c.BoostIncrement = envFloatOr("BOOST_INCREMENT", c.BoostIncrement)
	c.LedgerConflictRetries = envIntOr("LEDGER_CONFLICT_RETRIES", c.LedgerConflictRetries)
	c.CompensationInterval = envDurationOr("COMPENSATION_INTERVAL", c.CompensationInterval)
	c.CompensationMaxRetries = envIntOr("COMPENSATION_MAX_RETRIES", c.CompensationMaxRetries)
	c.ProgressRatePerSec = envIntOr("PROGRESS_RATE_PER_SEC", c.ProgressRatePerSec)
	c.AdminToken = envOr("ADMIN_TOKEN", c.AdminToken)
}

// ─── helpers ───

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
