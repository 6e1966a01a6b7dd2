package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort int

	DBConfig struct {
		Host     string
		Port     int
		User     string
		Password string
		Name     string
		SSLMode  string
	}

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokerURL          string
	KafkaOrderEventsTopic   string
	KafkaPaymentEventsTopic string
	KafkaConsumerGroup      string

	OutboxPollInterval time.Duration
	OutboxPollTimeout  time.Duration

	LockTTL        time.Duration
	IdempotencyTTL time.Duration

	ReconcileInterval       time.Duration
	PaymentStuckTimeout     time.Duration
	OrderStuckTimeout       time.Duration
	BreakerFailureThreshold uint32
	BreakerCooldown         time.Duration

	MigrationsPath string
}

func LoadConfig(service string) (*Config, error) {
	// Optional; real deployments inject env directly.
	_ = godotenv.Load()

	prefix := strings.ToUpper(service)
	cfg := &Config{}

	cfg.HTTPPort = getEnvAsInt(prefix+"_HTTP_PORT", 8080)

	cfg.DBConfig.Host = getEnvOrDefault(prefix+"_DB_HOST", "localhost")
	cfg.DBConfig.Port = getEnvAsInt(prefix+"_DB_PORT", 5432)
	cfg.DBConfig.User = getEnvOrDefault(prefix+"_DB_USER", "user")
	cfg.DBConfig.Password = getEnvOrDefault(prefix+"_DB_PASSWORD", "password")
	cfg.DBConfig.Name = getEnvOrDefault(prefix+"_DB_NAME", strings.ToLower(service)+"_db")
	cfg.DBConfig.SSLMode = getEnvOrDefault(prefix+"_DB_SSLMODE", "disable")

	cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnvOrDefault("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvAsInt("REDIS_DB", 0)

	cfg.KafkaBrokerURL = getEnvOrDefault("KAFKA_BROKER_URL", "localhost:9092")
	cfg.KafkaOrderEventsTopic = getEnvOrDefault("KAFKA_ORDER_EVENTS_TOPIC", "order_events")
	cfg.KafkaPaymentEventsTopic = getEnvOrDefault("KAFKA_PAYMENT_EVENTS_TOPIC", "payment_events")
	cfg.KafkaConsumerGroup = getEnvOrDefault("KAFKA_CONSUMER_GROUP", strings.ToLower(service)+"-service-group")

	cfg.OutboxPollInterval = getEnvAsDuration("OUTBOX_POLL_INTERVAL", 1*time.Second)
	cfg.OutboxPollTimeout = getEnvAsDuration("OUTBOX_POLL_TIMEOUT", 500*time.Millisecond)

	cfg.LockTTL = getEnvAsDuration("LOCK_TTL", 30*time.Second)
	cfg.IdempotencyTTL = getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour)

	cfg.ReconcileInterval = getEnvAsDuration("RECONCILE_INTERVAL", 1*time.Minute)
	cfg.PaymentStuckTimeout = getEnvAsDuration("PAYMENT_STUCK_TIMEOUT", 30*time.Minute)
	cfg.OrderStuckTimeout = getEnvAsDuration("ORDER_STUCK_TIMEOUT", 2*time.Hour)

	cfg.BreakerFailureThreshold = uint32(getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5))
	cfg.BreakerCooldown = getEnvAsDuration("BREAKER_COOLDOWN", 30*time.Second)

	cfg.MigrationsPath = getEnvOrDefault("MIGRATIONS_PATH", "file://migrations/"+strings.ToLower(service))

	return cfg, nil
}

func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBConfig.Host, c.DBConfig.Port, c.DBConfig.User, c.DBConfig.Password, c.DBConfig.Name, c.DBConfig.SSLMode)
}

func (c *Config) GetDBMigrationConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBConfig.User, c.DBConfig.Password, c.DBConfig.Host, c.DBConfig.Port, c.DBConfig.Name, c.DBConfig.SSLMode)
}

func (c *Config) GetKafkaBrokers() []string {
	return strings.Split(c.KafkaBrokerURL, ",")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnvOrDefault(key, strconv.Itoa(defaultValue))
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnvOrDefault(key, defaultValue.String())
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
