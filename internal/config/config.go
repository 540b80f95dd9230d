// Package config provides configuration management for the video batch service.
// It loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Credits      CreditsConfig
	Orchestrator OrchestratorConfig
	Provider     ProviderConfig
	MediaHost    MediaHostConfig
	Webhooks     WebhookConfig
	Worker       WorkerConfig
	RateLimit    RateLimitConfig
	Logging      LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the postgres:// URL used by the migration tool
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration.
// Phase events are only written when Enabled is true.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// CreditsConfig holds the billing rate.
// One unit is one rendered minute; required credits = ceil(units * CreditsPerUnit).
type CreditsConfig struct {
	CreditsPerUnit float64
	SegmentSeconds int
}

// OrchestratorConfig holds job submission policy
type OrchestratorConfig struct {
	SubmissionDelay      time.Duration
	SubmissionsPerWindow int
	ReservedSubmissions  int
	SubmissionWindow     time.Duration
	MaxScenes            int
	MaxJobsPerBatch      int
	CallbackURL          string
	DefaultAvatarName    string
	MinTrimSeconds       float64
	MaxTrimSeconds       float64
}

// ProviderConfig holds render and prompt provider settings
type ProviderConfig struct {
	Name          string
	RenderBaseURL string
	RenderAPIKey  string
	RenderTimeout time.Duration
	PromptAPIKey  string
	PromptModel   string
}

// MediaHostConfig holds the transformation-capable media host settings
type MediaHostConfig struct {
	CloudName    string
	APIKey       string
	APISecret    string
	UploadPrefix string
}

// WebhookConfig holds inbound webhook secrets
type WebhookConfig struct {
	PaymentSecret       string
	RenderCallbackToken string
}

// WorkerConfig holds background worker configuration
type WorkerConfig struct {
	QueueName         string
	PollInterval      time.Duration
	SweepInterval     time.Duration
	GeneratingTimeout time.Duration
	StatusPollEnabled bool
	StatusPollBatch   int
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 5*time.Minute),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "video_batcher"),
				User:           getEnv("POSTGRES_USER", "batcher"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 25),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "video_batcher"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Credits: CreditsConfig{
			CreditsPerUnit: getEnvAsFloat("CREDITS_PER_UNIT", 10),
			SegmentSeconds: getEnvAsInt("SEGMENT_SECONDS", 8),
		},
		Orchestrator: OrchestratorConfig{
			SubmissionDelay:      getEnvAsDuration("SUBMISSION_DELAY", 1500*time.Millisecond),
			SubmissionsPerWindow: getEnvAsInt("SUBMISSIONS_PER_WINDOW", 20),
			ReservedSubmissions:  getEnvAsInt("RESERVED_SUBMISSIONS", 5),
			SubmissionWindow:     getEnvAsDuration("SUBMISSION_WINDOW", time.Minute),
			MaxScenes:            getEnvAsInt("MAX_SCENES", 6),
			MaxJobsPerBatch:      getEnvAsInt("MAX_JOBS_PER_BATCH", 200),
			CallbackURL:          getEnv("RENDER_CALLBACK_URL", ""),
			DefaultAvatarName:    getEnv("DEFAULT_AVATAR_NAME", "Alex"),
			MinTrimSeconds:       getEnvAsFloat("MIN_TRIM_SECONDS", 0.1),
			MaxTrimSeconds:       getEnvAsFloat("MAX_TRIM_SECONDS", 5),
		},
		Provider: ProviderConfig{
			Name:          getEnv("RENDER_PROVIDER", "veo"),
			RenderBaseURL: getEnv("RENDER_BASE_URL", ""),
			RenderAPIKey:  getEnv("RENDER_API_KEY", ""),
			RenderTimeout: getEnvAsDuration("RENDER_TIMEOUT", 30*time.Second),
			PromptAPIKey:  getEnv("GEMINI_API_KEY", ""),
			PromptModel:   getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		},
		MediaHost: MediaHostConfig{
			CloudName:    getEnv("MEDIA_CLOUD_NAME", ""),
			APIKey:       getEnv("MEDIA_API_KEY", ""),
			APISecret:    getEnv("MEDIA_API_SECRET", ""),
			UploadPrefix: getEnv("MEDIA_UPLOAD_PREFIX", "https://api.cloudinary.com"),
		},
		Webhooks: WebhookConfig{
			PaymentSecret:       getEnv("PAYMENT_WEBHOOK_SECRET", ""),
			RenderCallbackToken: getEnv("RENDER_CALLBACK_TOKEN", ""),
		},
		Worker: WorkerConfig{
			QueueName:         getEnv("BATCH_QUEUE_NAME", "batches:queue"),
			PollInterval:      getEnvAsDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			SweepInterval:     getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
			GeneratingTimeout: getEnvAsDuration("GENERATING_TIMEOUT", 30*time.Minute),
			StatusPollEnabled: getEnvAsBool("STATUS_POLL_ENABLED", false),
			StatusPollBatch:   getEnvAsInt("STATUS_POLL_BATCH", 50),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects values the service cannot run with
func (c *Config) Validate() error {
	if c.Credits.CreditsPerUnit <= 0 {
		return errors.New("CREDITS_PER_UNIT must be positive")
	}
	if c.Credits.SegmentSeconds <= 0 {
		return errors.New("SEGMENT_SECONDS must be positive")
	}
	if c.Orchestrator.MaxScenes <= 0 {
		return errors.New("MAX_SCENES must be positive")
	}
	if c.Orchestrator.MinTrimSeconds <= 0 || c.Orchestrator.MaxTrimSeconds < c.Orchestrator.MinTrimSeconds {
		return fmt.Errorf("invalid trim window [%v, %v]", c.Orchestrator.MinTrimSeconds, c.Orchestrator.MaxTrimSeconds)
	}
	if c.Orchestrator.SubmissionDelay < 0 {
		return errors.New("SUBMISSION_DELAY cannot be negative")
	}
	if c.Orchestrator.ReservedSubmissions > c.Orchestrator.SubmissionsPerWindow {
		return errors.New("RESERVED_SUBMISSIONS cannot exceed SUBMISSIONS_PER_WINDOW")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
