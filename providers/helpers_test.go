package providers_test

import (
	"context"
	"testing"

	"github.com/ossobv/osso-djuty-sub000/models"
	"github.com/ossobv/osso-djuty-sub000/repository"
	"github.com/ossobv/osso-djuty-sub000/services"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	repo   *repository.MemoryPaymentRepository
	driver services.PaymentService
	logger *zap.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	repo := repository.NewMemoryPaymentRepository()
	return &testEnv{repo: repo, driver: services.NewPaymentService(repo, nil, logger), logger: logger}
}

func (e *testEnv) payment(t *testing.T, provider, amount, currency string) *models.Payment {
	t.Helper()
	p, err := e.driver.CreatePayment(context.Background(), &models.CreatePaymentRequest{
		Realm:       "https://shop.example.com",
		Provider:    provider,
		Description: "Bestelling 1001 - café",
		Amount:      decimal.RequireFromString(amount),
		Currency:    currency,
	})
	require.NoError(t, err)
	return p
}

func (e *testEnv) reload(t *testing.T, p *models.Payment) *models.Payment {
	t.Helper()
	got, err := e.repo.FindByID(context.Background(), p.ID)
	require.NoError(t, err)
	return got
}
