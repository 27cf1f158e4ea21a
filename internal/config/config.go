package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kiranshivaraju/etlpilot/internal/stage"
)

// Config holds all configuration for the etlpilot server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JobService JobServiceConfig
	Poll       stage.Policy
	Cache      CacheConfig
	RateLimit  RateLimitConfig
	Pipelines  map[string]PipelineDef
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type JobServiceConfig struct {
	Kind     string
	Region   string
	Endpoint string
}

type CacheConfig struct {
	StatusTTL time.Duration
}

type RateLimitConfig struct {
	PerMinute int
}

var validJobServices = map[string]bool{
	"glue":   true,
	"memory": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("ETLPILOT_PORT", 8080),
			Env:  envString("ETLPILOT_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		JobService: JobServiceConfig{
			Kind:     envString("JOB_SERVICE", "glue"),
			Region:   os.Getenv("AWS_REGION"),
			Endpoint: os.Getenv("GLUE_ENDPOINT"),
		},
		Poll: PolicyFromEnv(),
		Cache: CacheConfig{
			StatusTTL: envDuration("STATUS_CACHE_TTL", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MIN", 60),
		},
	}

	pipelines, err := loadPipelines()
	if err != nil {
		return nil, err
	}
	cfg.Pipelines = pipelines

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// PolicyFromEnv reads the POLL_* variables over DefaultPolicy.
func PolicyFromEnv() stage.Policy {
	def := stage.DefaultPolicy()
	return stage.Policy{
		InitialDelay:   envDuration("POLL_INITIAL_DELAY", def.InitialDelay),
		MaxDelay:       envDuration("POLL_MAX_DELAY", def.MaxDelay),
		BackoffFactor:  envFloat("POLL_BACKOFF_FACTOR", def.BackoffFactor),
		MaxElapsed:     envDuration("POLL_MAX_ELAPSED", def.MaxElapsed),
		MaxPollRetries: envInt("POLL_MAX_RETRIES", def.MaxPollRetries),
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validJobServices[c.JobService.Kind] {
		return fmt.Errorf("JOB_SERVICE must be one of glue, memory; got %q", c.JobService.Kind)
	}
	if c.JobService.Kind == "glue" && c.JobService.Region == "" {
		return fmt.Errorf("AWS_REGION is required when JOB_SERVICE is glue")
	}

	if err := c.Poll.Validate(); err != nil {
		return fmt.Errorf("POLL_*: %w", err)
	}

	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MIN must be positive, got %d", c.RateLimit.PerMinute)
	}

	if len(c.Pipelines) == 0 {
		return fmt.Errorf("no pipelines configured: set PIPELINES_FILE or GLUE_CRAWLER_NAME and GLUE_JOB_NAME")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
