package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Rate limit backends.
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config: activity locks and shared rate limit windows
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS; AWSEndpoint points SQS and SNS at LocalStack
	AWSRegion   string
	AWSEndpoint string

	// Activity intake queue (optional)
	SQSRegion           string
	ActivityQueueURL    string
	SQSPollWaitSeconds  int
	SQSVisibilitySecond int

	// Notification fan-out topic (optional)
	SNSRegion        string
	NotificationsARN string

	// Email dispatcher. QueueRateLimitRequeues is how often a rate-limited
	// job is put back after its wait before it fails.
	QueueConcurrency       int
	QueueTimeout           time.Duration
	QueueGracePeriod       time.Duration
	QueueRateLimitRequeues int
	MailMaxRetries         int

	// Recipient rate limiting
	RateLimitMax     int
	RateLimitWindow  time.Duration
	RateLimitBackend string

	// API rate limiting (requests per minute per key)
	APIRateLimit int

	// Templates; empty means the embedded set
	TemplateDir string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "labnotify",
		DBName:    "labnotify",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion: "us-east-1",

		SQSPollWaitSeconds:  20,
		SQSVisibilitySecond: 60,

		QueueConcurrency:       5,
		QueueTimeout:           60 * time.Second,
		QueueGracePeriod:       10 * time.Second,
		QueueRateLimitRequeues: 1,
		MailMaxRetries:         3,

		RateLimitMax:     10,
		RateLimitWindow:  60 * time.Second,
		RateLimitBackend: RateLimitBackendMemory,

		APIRateLimit: 300,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if endpoint := os.Getenv("AWS_ENDPOINT"); endpoint != "" {
		cfg.AWSEndpoint = endpoint
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("ACTIVITY_QUEUE_URL"); url != "" {
		cfg.ActivityQueueURL = url
	}

	if cfg.SQSPollWaitSeconds, err = intEnv("SQS_WAIT_SECONDS", cfg.SQSPollWaitSeconds); err != nil {
		return nil, err
	}

	if cfg.SQSVisibilitySecond, err = intEnv("SQS_VISIBILITY_SECONDS", cfg.SQSVisibilitySecond); err != nil {
		return nil, err
	}

	// SNS config
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if arn := os.Getenv("NOTIFICATIONS_TOPIC_ARN"); arn != "" {
		cfg.NotificationsARN = arn
	}

	// Dispatcher
	if cfg.QueueConcurrency, err = intEnv("QUEUE_CONCURRENCY", cfg.QueueConcurrency); err != nil {
		return nil, err
	}

	if cfg.QueueTimeout, err = durationEnv("QUEUE_TIMEOUT", cfg.QueueTimeout); err != nil {
		return nil, err
	}

	if cfg.QueueGracePeriod, err = durationEnv("QUEUE_GRACE_PERIOD", cfg.QueueGracePeriod); err != nil {
		return nil, err
	}

	if cfg.QueueRateLimitRequeues, err = intEnv("QUEUE_RATE_LIMIT_REQUEUES", cfg.QueueRateLimitRequeues); err != nil {
		return nil, err
	}

	if cfg.MailMaxRetries, err = intEnv("MAIL_MAX_RETRIES", cfg.MailMaxRetries); err != nil {
		return nil, err
	}

	// Rate limiting
	if cfg.RateLimitMax, err = intEnv("RATE_LIMIT_MAX", cfg.RateLimitMax); err != nil {
		return nil, err
	}

	if cfg.RateLimitWindow, err = durationEnv("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return nil, err
	}

	if backend := os.Getenv("RATE_LIMIT_BACKEND"); backend != "" {
		if backend != RateLimitBackendMemory && backend != RateLimitBackendRedis {
			return nil, fmt.Errorf("invalid RATE_LIMIT_BACKEND: %q (memory or redis)", backend)
		}
		cfg.RateLimitBackend = backend
	}

	if cfg.APIRateLimit, err = intEnv("API_RATE_LIMIT", cfg.APIRateLimit); err != nil {
		return nil, err
	}

	if dir := os.Getenv("TEMPLATE_DIR"); dir != "" {
		cfg.TemplateDir = dir
	}

	if cfg.QueueConcurrency <= 0 {
		return nil, fmt.Errorf("QUEUE_CONCURRENCY must be positive, got %d", cfg.QueueConcurrency)
	}
	if cfg.QueueRateLimitRequeues < 0 {
		return nil, fmt.Errorf("QUEUE_RATE_LIMIT_REQUEUES must not be negative, got %d", cfg.QueueRateLimitRequeues)
	}
	if cfg.MailMaxRetries <= 0 {
		return nil, fmt.Errorf("MAIL_MAX_RETRIES must be positive, got %d", cfg.MailMaxRetries)
	}

	return cfg, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

// durationEnv accepts Go duration strings ("90s") or bare seconds ("90").
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
