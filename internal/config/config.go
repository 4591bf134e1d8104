package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
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

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Rate limiting (per caller, per window). RateLimit covers inbox and
	// endpoint routes; dispatch routes have their own budget.
	RateLimit         int
	RateLimitDispatch int
	RateLimitWindow   time.Duration

	// SQS config for async dispatch intake
	AWSRegion   string
	SQSRegion   string
	SQSQueueURL string

	// Push gateway
	PushGatewayURL     string // "log" selects the development gateway
	PushGatewayToken   string // optional bearer token for the gateway
	PushGatewayTimeout time.Duration

	// Retry worker for failed deliveries
	RetryPollInterval time.Duration
	RetryBatchSize    int
	RetryMaxAttempts  int

	// Domain events
	EventsSNSTopicARN string
	EventsSNSRegion   string
	EventsAMQPURL     string

	// Auth. Empty disables bearer token checks.
	JWTSecret string

	// Fallback locale for notification templates
	DefaultLocale string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "eventhub",
		DBName:    "eventhub",
		DBSSLMode: "disable",

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		RateLimit:         100,
		RateLimitDispatch: 600,
		RateLimitWindow:   time.Minute,

		AWSRegion: "us-east-1",

		PushGatewayURL:     "https://exp.host/--/api/v2/push/send",
		PushGatewayTimeout: 10 * time.Second,

		RetryPollInterval: 15 * time.Second,
		RetryBatchSize:    20,
		RetryMaxAttempts:  5,

		DefaultLocale: "en",
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

	if cfg.RateLimit, err = intEnv("RATE_LIMIT", cfg.RateLimit); err != nil {
		return nil, err
	}

	if cfg.RateLimitDispatch, err = intEnv("RATE_LIMIT_DISPATCH", cfg.RateLimitDispatch); err != nil {
		return nil, err
	}

	if cfg.RateLimitWindow, err = durationEnv("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return nil, err
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// Push gateway
	if url := os.Getenv("PUSH_GATEWAY_URL"); url != "" {
		cfg.PushGatewayURL = url
	}

	if token := os.Getenv("PUSH_GATEWAY_TOKEN"); token != "" {
		cfg.PushGatewayToken = token
	}

	if cfg.PushGatewayTimeout, err = durationEnv("PUSH_GATEWAY_TIMEOUT", cfg.PushGatewayTimeout); err != nil {
		return nil, err
	}

	// Retry worker
	if cfg.RetryPollInterval, err = durationEnv("RETRY_POLL_INTERVAL", cfg.RetryPollInterval); err != nil {
		return nil, err
	}

	if cfg.RetryBatchSize, err = intEnv("RETRY_BATCH_SIZE", cfg.RetryBatchSize); err != nil {
		return nil, err
	}

	if cfg.RetryMaxAttempts, err = intEnv("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return nil, err
	}

	// Events
	if arn := os.Getenv("EVENTS_SNS_TOPIC_ARN"); arn != "" {
		cfg.EventsSNSTopicARN = arn
	}

	if region := os.Getenv("EVENTS_SNS_REGION"); region != "" {
		cfg.EventsSNSRegion = region
	} else {
		cfg.EventsSNSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("EVENTS_AMQP_URL"); url != "" {
		cfg.EventsAMQPURL = url
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}

	if locale := os.Getenv("DEFAULT_LOCALE"); locale != "" {
		cfg.DefaultLocale = locale
	}

	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// durationEnv accepts Go durations ("10s") or a bare number of seconds.
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
