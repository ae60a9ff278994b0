package providers_test

import (
	"testing"

	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/ossobv/osso-djuty-sub000/models"
	"github.com/ossobv/osso-djuty-sub000/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	e := newTestEnv(t)
	mollie := providers.NewMollieAdapter(providers.MollieConfig{PartnerID: "1"}, e.driver, e.logger)
	targetpay := providers.NewTargetPayAdapter(providers.TargetPayConfig{LayoutCode: "1"}, e.driver, e.logger)
	reg := providers.NewRegistry(mollie, targetpay)

	got, err := reg.Get(providers.Mollie)
	require.NoError(t, err)
	assert.Equal(t, providers.Mollie, got.ID())

	_, err = reg.Get(providers.Stripe)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	got, err = reg.ForPayment(&models.Payment{Provider: "targetpay"})
	require.NoError(t, err)
	assert.Equal(t, providers.TargetPay, got.ID())

	_, err = reg.ForPayment(&models.Payment{Provider: "paypal"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	assert.Equal(t, []providers.ProviderID{providers.Mollie, providers.TargetPay}, reg.Enabled())
}

func TestParseProviderID(t *testing.T) {
	for _, id := range providers.All {
		got, err := providers.ParseProviderID(string(id))
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
	_, err := providers.ParseProviderID("Mollie")
	assert.Error(t, err)
}
