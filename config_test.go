package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecrets map[string]map[string]string

func (f fakeSecrets) GetSecretMap(_ context.Context, name string) (map[string]string, error) {
	if m, ok := f[name]; ok {
		return m, nil
	}
	return nil, errors.New("secret not found")
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("MOLLIE_PARTNER_ID", "123456")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("PROVIDER_TIMEOUT", "5s")

	cfg := LoadConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8095", cfg.Port)
	assert.True(t, cfg.MollieReopenAborted)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, time.Minute, cfg.Reconciler().PollDelay)
	assert.Equal(t, "/payment/success", cfg.Reconciler().SuccessPath)
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		t.Setenv("STORE_BACKEND", "memory")
		t.Setenv("TARGETPAY_LAYOUT_CODE", "12345")
		return LoadConfig()
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.StoreBackend = "postgres"
	assert.Error(t, cfg.Validate(), "postgres needs credentials")

	cfg = base()
	cfg.StoreBackend = "cassandra"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.ProviderTimeout = time.Minute
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.StripeSecretKey = "sk_test_123"
	assert.Error(t, cfg.Validate(), "stripe needs a webhook secret")

	cfg = base()
	cfg.StripeSecretKey = "sk_test_123"
	cfg.StripeWebhookSecret = "  "
	assert.ErrorContains(t, cfg.Validate(), "STRIPE_WEBHOOK_SECRET")

	cfg = base()
	cfg.StripeSecretKey = "sk_test_123"
	cfg.StripeWebhookSecret = "whsec_123"
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.TargetPayLayoutCode = ""
	assert.ErrorContains(t, cfg.Validate(), "no payment provider")
}

func TestConfig_ApplySecrets(t *testing.T) {
	t.Setenv("POSTGRES_USER", "env-user")
	t.Setenv("STRIPE_SECRET_KEY", "sk_env")
	cfg := LoadConfig()

	cfg.ApplySecrets(context.Background(), fakeSecrets{
		"payments/DB_CREDENTIALS": {"POSTGRES_PASSWORD": "from-sm", "POSTGRES_HOST": "db.internal"},
		"payments/PROVIDER_KEYS":  {"STRIPE_SECRET_KEY": "sk_live", "STRIPE_WEBHOOK_SECRET": "whsec_live"},
	})

	assert.Equal(t, "env-user", cfg.PostgresUser)
	assert.Equal(t, "from-sm", cfg.PostgresPassword)
	assert.Equal(t, "db.internal", cfg.Postgres().Host)
	assert.Equal(t, "sk_live", cfg.StripeSecretKey)
	assert.Equal(t, "whsec_live", cfg.StripeWebhookSecret)
}
