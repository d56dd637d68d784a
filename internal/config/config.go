package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the presence server.
// Values are loaded from environment variables with defaults that let the
// binary run locally on the in-memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisKeyPrefix string

	PGDSN         string
	RunMigrations bool

	KafkaBrokers []string
	KafkaTopic   string

	NATSURL     string
	NATSSubject string

	BaseDuration  time.Duration
	ClaimFloor    time.Duration
	ExtensionStep time.Duration
	MaxExtensions int
	SweepInterval time.Duration

	StoreRetryAttempts int
	StoreRetryDelay    time.Duration

	WSWriteTimeout    time.Duration
	WSReadTimeout     time.Duration
	WSPingInterval    time.Duration
	WSMaxMessageBytes int64

	CORSAllowedOrigins []string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisKeyPrefix:     "presence:",
		KafkaTopic:         "presence-events",
		NATSSubject:        "presence.events",
		BaseDuration:       15 * time.Minute,
		ClaimFloor:         30 * time.Minute,
		ExtensionStep:      10 * time.Minute,
		MaxExtensions:      3,
		SweepInterval:      30 * time.Second,
		StoreRetryAttempts: 3,
		StoreRetryDelay:    100 * time.Millisecond,
		WSWriteTimeout:     10 * time.Second,
		WSReadTimeout:      60 * time.Second,
		WSPingInterval:     30 * time.Second,
		WSMaxMessageBytes:  4096,
		CORSAllowedOrigins: []string{"*"},
		LogLevel:           "info",
	}
}

// LoadServerConfig reads the environment, after loading a .env file from the
// working directory if one exists. All problems are reported together.
func LoadServerConfig() (ServerConfig, error) {
	loadDotEnv()
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.NATSURL = strings.TrimSpace(os.Getenv("NATS_URL"))
	setStringFromEnv(&cfg.NATSSubject, "NATS_SUBJECT")

	setDurationFromEnv(&cfg.BaseDuration, "PRESENCE_BASE_DURATION", &errs)
	setDurationFromEnv(&cfg.ClaimFloor, "PRESENCE_CLAIM_FLOOR", &errs)
	setDurationFromEnv(&cfg.ExtensionStep, "PRESENCE_EXTENSION_STEP", &errs)
	setIntFromEnv(&cfg.MaxExtensions, "PRESENCE_MAX_EXTENSIONS", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "PRESENCE_SWEEP_INTERVAL", &errs)

	setIntFromEnv(&cfg.StoreRetryAttempts, "STORE_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.StoreRetryDelay, "STORE_RETRY_DELAY", &errs)

	setDurationFromEnv(&cfg.WSWriteTimeout, "WS_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WSReadTimeout, "WS_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WSPingInterval, "WS_PING_INTERVAL", &errs)
	setInt64FromEnv(&cfg.WSMaxMessageBytes, "WS_MAX_MESSAGE_BYTES", &errs)

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.CORSAllowedOrigins = splitAndTrim(origins)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	positive := []struct {
		key string
		d   time.Duration
	}{
		{"PRESENCE_BASE_DURATION", c.BaseDuration},
		{"PRESENCE_CLAIM_FLOOR", c.ClaimFloor},
		{"PRESENCE_EXTENSION_STEP", c.ExtensionStep},
		{"PRESENCE_SWEEP_INTERVAL", c.SweepInterval},
		{"STORE_RETRY_DELAY", c.StoreRetryDelay},
		{"WS_WRITE_TIMEOUT", c.WSWriteTimeout},
		{"WS_READ_TIMEOUT", c.WSReadTimeout},
		{"WS_PING_INTERVAL", c.WSPingInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", p.key))
		}
	}
	if c.ClaimFloor < c.BaseDuration {
		errs = append(errs, fmt.Errorf("PRESENCE_CLAIM_FLOOR must be >= PRESENCE_BASE_DURATION"))
	}
	if c.MaxExtensions < 0 {
		errs = append(errs, fmt.Errorf("PRESENCE_MAX_EXTENSIONS must be >= 0"))
	}
	if c.StoreRetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("STORE_RETRY_ATTEMPTS must be > 0"))
	}
	if c.WSPingInterval >= c.WSReadTimeout {
		errs = append(errs, fmt.Errorf("WS_PING_INTERVAL must be < WS_READ_TIMEOUT"))
	}
	if c.WSMaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("WS_MAX_MESSAGE_BYTES must be > 0"))
	}
	return errs
}

// ConsumerConfig configures the audit-log consumer process.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	PGDSN         string
	RunMigrations bool
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	loadDotEnv()
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "presence-events",
		KafkaGroup:    "presence-audit",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setIntFromEnv(&cfg.RetryAttempts, "STORE_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "STORE_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("STORE_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func loadDotEnv() {
	// a missing .env is normal outside local development
	_ = godotenv.Load()
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
