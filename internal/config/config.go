package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Logger       LoggerConfig
	Engine       EngineConfig
	Notification NotificationConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values. An empty DSN runs the engine
// without durable storage.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig enables the external event stream when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level       string
	Development bool
}

// SweepGuard values.
const (
	SweepGuardLocal = "local"
	SweepGuardRedis = "redis"
)

// EngineConfig tunes the tracker and escalation machinery.
type EngineConfig struct {
	SLATablePath      string
	TickInterval      time.Duration
	ReminderCadence   time.Duration
	DeadlineLeadTime  time.Duration
	EvaluationTimeout time.Duration
	MutationTimeout   time.Duration
	PublishTimeout    time.Duration
	SweepConcurrency  int
	DegradedAfter     int
	StuckAfter        time.Duration
	SweepGuard        string
	SweepGuardTTL     time.Duration
}

// NotificationConfig holds stub notification endpoints.
type NotificationConfig struct {
	EmailFrom  string
	WebhookURL string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "complaint-engine"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Kafka: KafkaConfig{
			Brokers: parseList(os.Getenv("KAFKA_BROKERS")),
			Topic:   getEnv("KAFKA_TOPIC", "complaint-events"),
		},
		Logger: LoggerConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
		Engine: EngineConfig{
			SLATablePath:      os.Getenv("SLA_TABLE_PATH"),
			TickInterval:      getEnvAsDuration("ENGINE_TICK_INTERVAL", time.Minute),
			ReminderCadence:   getEnvAsDuration("ENGINE_REMINDER_CADENCE", 7*24*time.Hour),
			DeadlineLeadTime:  getEnvAsDuration("ENGINE_DEADLINE_LEAD_TIME", 2*time.Hour),
			EvaluationTimeout: getEnvAsDuration("ENGINE_EVALUATION_TIMEOUT", 2*time.Second),
			MutationTimeout:   getEnvAsDuration("ENGINE_MUTATION_TIMEOUT", 5*time.Second),
			PublishTimeout:    getEnvAsDuration("ENGINE_PUBLISH_TIMEOUT", 3*time.Second),
			SweepConcurrency:  getEnvAsInt("ENGINE_SWEEP_CONCURRENCY", 8),
			DegradedAfter:     getEnvAsInt("ENGINE_DEGRADED_AFTER", 3),
			StuckAfter:        getEnvAsDuration("ENGINE_STUCK_AFTER", 72*time.Hour),
			SweepGuard:        strings.ToLower(getEnv("ENGINE_SWEEP_GUARD", SweepGuardLocal)),
			SweepGuardTTL:     getEnvAsDuration("ENGINE_SWEEP_GUARD_TTL", 30*time.Second),
		},
		Notification: NotificationConfig{
			EmailFrom:  getEnv("NOTIFY_EMAIL_FROM", "noreply@grievance.example.gov"),
			WebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		},
	}

	if err := cfg.Engine.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (e EngineConfig) validate() error {
	switch {
	case e.TickInterval <= 0:
		return fmt.Errorf("ENGINE_TICK_INTERVAL must be positive")
	case e.ReminderCadence <= 0:
		return fmt.Errorf("ENGINE_REMINDER_CADENCE must be positive")
	case e.EvaluationTimeout <= 0:
		return fmt.Errorf("ENGINE_EVALUATION_TIMEOUT must be positive")
	case e.MutationTimeout <= 0:
		return fmt.Errorf("ENGINE_MUTATION_TIMEOUT must be positive")
	case e.StuckAfter <= 0:
		return fmt.Errorf("ENGINE_STUCK_AFTER must be positive")
	case e.SweepConcurrency <= 0:
		return fmt.Errorf("ENGINE_SWEEP_CONCURRENCY must be positive")
	case e.SweepGuard != SweepGuardLocal && e.SweepGuard != SweepGuardRedis:
		return fmt.Errorf("ENGINE_SWEEP_GUARD must be %q or %q, got %q", SweepGuardLocal, SweepGuardRedis, e.SweepGuard)
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

// parseList splits "host1:9092, host2:9092" into trimmed, non-empty entries.
func parseList(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
