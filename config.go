package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ossobv/osso-djuty-sub000/database"
	"github.com/ossobv/osso-djuty-sub000/services"
)

// Config holds all configuration for the payments service.
type Config struct {
	Port        string `validate:"required,numeric"`
	Environment string
	ServiceName string `validate:"required"`

	// Store backend: postgres, dynamodb, mongo or memory.
	StoreBackend     string `validate:"required,oneof=postgres dynamodb mongo memory"`
	PostgresUser     string `validate:"required_if=StoreBackend postgres"`
	PostgresPassword string
	PostgresDB       string `validate:"required_if=StoreBackend postgres"`
	PostgresHost     string `validate:"required_if=StoreBackend postgres"`
	PostgresPort     string
	PostgresSSLMode  string
	PostgresTimeZone string
	DynamoTable      string `validate:"required_if=StoreBackend dynamodb"`
	DynamoKeyIndex   string `validate:"required_if=StoreBackend dynamodb"`
	DynamoCreate     bool
	MongoURL         string `validate:"required_if=StoreBackend mongo"`
	MongoDB          string `validate:"required_if=StoreBackend mongo"`

	PublicURL       string        `validate:"omitempty,url"`
	SuccessPath     string        `validate:"required,startswith=/"`
	AbortPath       string        `validate:"required,startswith=/"`
	PendingPath     string        `validate:"required,startswith=/"`
	PollDelay       time.Duration
	ProviderTimeout time.Duration `validate:"min=1s,max=20s"`

	RedisURL     string
	ReportWindow time.Duration

	PaymentTopicARN    string
	AlertTopicARN      string
	KafkaBrokers       []string
	KafkaTopic         string
	StatusPollQueueURL string
	BlobBucket         string
	BlobPrefix         string
	MetricsEnabled     bool
	MetricsNamespace   string
	LogGroup           string

	RateLimitPerMinute int `validate:"min=1"`
	RateLimitBurst     int `validate:"min=1"`

	MolliePartnerID     string
	MollieProfileKey    string
	MollieTestmode      bool
	MollieReopenAborted bool
	TargetPayLayoutCode string
	TargetPayTestmode   bool
	StripeSecretKey     string
	StripeWebhookSecret string `validate:"required_with=StripeSecretKey"`
	MidtransServerKey   string
	MidtransProduction  bool
}

// SecretSource is satisfied by *awspkg.SecretsClient.
type SecretSource interface {
	GetSecretMap(ctx context.Context, name string) (map[string]string, error)
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Port:        getEnv("PORT", "8095"),
		Environment: getEnv("ENVIRONMENT", "development"),
		ServiceName: getEnv("SERVICE_NAME", "payments"),

		StoreBackend:     getEnv("STORE_BACKEND", "postgres"),
		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresHost:     os.Getenv("POSTGRES_HOST"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		PostgresTimeZone: getEnv("POSTGRES_TIMEZONE", "UTC"),
		DynamoTable:      getEnv("DYNAMODB_TABLE", "payments"),
		DynamoKeyIndex:   getEnv("DYNAMODB_UNIQUE_KEY_INDEX", "unique_key-index"),
		DynamoCreate:     getEnvBool("DYNAMODB_CREATE_TABLE", false),
		MongoURL:         os.Getenv("MONGO_URL"),
		MongoDB:          getEnv("MONGO_DB", "payments"),

		PublicURL:       os.Getenv("PUBLIC_URL"),
		SuccessPath:     getEnv("SUCCESS_PATH", "/payment/success"),
		AbortPath:       getEnv("ABORT_PATH", "/payment/abort"),
		PendingPath:     getEnv("PENDING_PATH", "/payment/pending"),
		PollDelay:       getEnvDuration("STATUS_POLL_DELAY", time.Minute),
		ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second),

		RedisURL:     os.Getenv("REDIS_URL"),
		ReportWindow: getEnvDuration("REPORT_THROTTLE_WINDOW", 30*time.Second),

		PaymentTopicARN:    os.Getenv("PAYMENT_SNS_TOPIC_ARN"),
		AlertTopicARN:      os.Getenv("ALERT_SNS_TOPIC_ARN"),
		KafkaBrokers:       splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "payment-events"),
		StatusPollQueueURL: os.Getenv("STATUS_POLL_SQS_QUEUE_URL"),
		BlobBucket:         os.Getenv("BLOB_ARCHIVE_BUCKET"),
		BlobPrefix:         getEnv("BLOB_ARCHIVE_PREFIX", "provider-responses/"),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", false),
		MetricsNamespace:   getEnv("METRICS_NAMESPACE", "Payments"),
		LogGroup:           os.Getenv("CLOUDWATCH_LOG_GROUP"),

		RateLimitPerMinute: getEnvInt("CALLBACK_RATE_LIMIT_PER_MINUTE", 600),
		RateLimitBurst:     getEnvInt("CALLBACK_RATE_LIMIT_BURST", 50),

		MolliePartnerID:     os.Getenv("MOLLIE_PARTNER_ID"),
		MollieProfileKey:    os.Getenv("MOLLIE_PROFILE_KEY"),
		MollieTestmode:      getEnvBool("MOLLIE_TESTMODE", false),
		MollieReopenAborted: getEnvBool("MOLLIE_REOPEN_ABORTED", true),
		TargetPayLayoutCode: os.Getenv("TARGETPAY_LAYOUT_CODE"),
		TargetPayTestmode:   getEnvBool("TARGETPAY_TESTMODE", false),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		MidtransServerKey:   os.Getenv("MIDTRANS_SERVER_KEY"),
		MidtransProduction:  getEnvBool("MIDTRANS_PRODUCTION", false),
	}
}

// ApplySecrets overrides credentials from Secrets Manager. Missing secrets
// keep the environment values.
func (c *Config) ApplySecrets(ctx context.Context, sm SecretSource) {
	if db, err := sm.GetSecretMap(ctx, c.ServiceName+"/DB_CREDENTIALS"); err == nil {
		override(&c.PostgresUser, db["POSTGRES_USER"])
		override(&c.PostgresPassword, db["POSTGRES_PASSWORD"])
		override(&c.PostgresDB, db["POSTGRES_DB"])
		override(&c.PostgresHost, db["POSTGRES_HOST"])
		override(&c.PostgresPort, db["POSTGRES_PORT"])
		override(&c.MongoURL, db["MONGO_URL"])
		override(&c.RedisURL, db["REDIS_URL"])
	}
	if keys, err := sm.GetSecretMap(ctx, c.ServiceName+"/PROVIDER_KEYS"); err == nil {
		override(&c.MollieProfileKey, keys["MOLLIE_PROFILE_KEY"])
		override(&c.StripeSecretKey, keys["STRIPE_SECRET_KEY"])
		override(&c.StripeWebhookSecret, keys["STRIPE_WEBHOOK_SECRET"])
		override(&c.MidtransServerKey, keys["MIDTRANS_SERVER_KEY"])
	}
}

// Validate checks the configuration is complete.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.MolliePartnerID == "" && c.TargetPayLayoutCode == "" && c.StripeSecretKey == "" && c.MidtransServerKey == "" {
		return fmt.Errorf("invalid config: no payment provider configured")
	}
	if c.StripeSecretKey != "" && strings.TrimSpace(c.StripeWebhookSecret) == "" {
		return fmt.Errorf("invalid config: STRIPE_WEBHOOK_SECRET is required when Stripe is enabled")
	}
	return nil
}

// Postgres returns the database connection settings.
func (c *Config) Postgres() database.PostgresConfig {
	return database.PostgresConfig{
		Host:     c.PostgresHost,
		Port:     c.PostgresPort,
		User:     c.PostgresUser,
		Password: c.PostgresPassword,
		DBName:   c.PostgresDB,
		SSLMode:  c.PostgresSSLMode,
		TimeZone: c.PostgresTimeZone,
	}
}

// Reconciler returns the reconciler URL settings.
func (c *Config) Reconciler() services.ReconcilerConfig {
	return services.ReconcilerConfig{
		PublicURL:   c.PublicURL,
		SuccessPath: c.SuccessPath,
		AbortPath:   c.AbortPath,
		PendingPath: c.PendingPath,
		PollDelay:   c.PollDelay,
	}
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
