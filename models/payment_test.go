package models_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ossobv/osso-djuty-sub000/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func ts(sec int) *time.Time {
	t := time.Date(2024, 1, 1, 12, 0, sec, 0, time.UTC)
	return &t
}

func boolPtr(b bool) *bool { return &b }

func TestState_MostSpecificFirst(t *testing.T) {
	tests := []struct {
		name    string
		payment models.Payment
		want    models.State
	}{
		{"unsent", models.Payment{}, models.StateUnsent},
		{"submitted", models.Payment{TransferInitiated: ts(1)}, models.StateSubmitted},
		{"processing", models.Payment{TransferInitiated: ts(1), TransferAllowed: ts(2)}, models.StateProcessing},
		{"final", models.Payment{TransferInitiated: ts(1), TransferFinalized: ts(3), IsSuccess: boolPtr(false)}, models.StateFinal},
		{"revoked", models.Payment{TransferInitiated: ts(1), TransferAllowed: ts(2), TransferFinalized: ts(3), TransferRevoked: ts(4), IsSuccess: boolPtr(false)}, models.StateRevoked},
		{"finalized without allowed", models.Payment{TransferFinalized: ts(3)}, models.StateFinal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.payment.State())
		})
	}
}

func TestStatus(t *testing.T) {
	assert.Equal(t, models.StatusTooSoon, (&models.Payment{}).Status())
	assert.Equal(t, models.StatusSuccess, (&models.Payment{IsSuccess: boolPtr(true)}).Status())
	assert.Equal(t, models.StatusAbort, (&models.Payment{IsSuccess: boolPtr(false)}).Status())
}

func TestMatches(t *testing.T) {
	p := &models.Payment{TransferInitiated: ts(1), UniqueKey: "tx-1"}

	assert.True(t, p.Matches(models.Fields{models.FieldTransferAllowed: nil, models.FieldIsSuccess: nil}))
	assert.True(t, p.Matches(models.Fields{models.FieldTransferInitiated: *ts(1)}))
	assert.True(t, p.Matches(models.Fields{models.FieldUniqueKey: "tx-1"}))
	assert.False(t, p.Matches(models.Fields{models.FieldTransferInitiated: nil}))
	assert.False(t, p.Matches(models.Fields{models.FieldBlob: "x"}))
	assert.True(t, p.Matches(models.Fields{models.FieldBlob: nil}))
}

func TestApply(t *testing.T) {
	p := &models.Payment{TransferFinalized: ts(3), IsSuccess: boolPtr(false)}

	p.Apply(models.Fields{
		models.FieldTransferFinalized: nil,
		models.FieldIsSuccess:         nil,
		models.FieldTransferAllowed:   *ts(4),
		models.FieldBlob:              "<xml/>",
	})

	assert.Nil(t, p.TransferFinalized)
	assert.Nil(t, p.IsSuccess)
	assert.Equal(t, *ts(4), *p.TransferAllowed)
	assert.Equal(t, "<xml/>", p.Blob)
}

func TestFieldsValidate(t *testing.T) {
	assert.NoError(t, models.Fields{models.FieldIsSuccess: true, models.FieldTransferAllowed: nil}.Validate())
	assert.Error(t, models.Fields{models.FieldIsSuccess: "yes"}.Validate())
	assert.Error(t, models.Fields{models.Field("amount"): "1.00"}.Validate())
}

func TestClone_IsDeep(t *testing.T) {
	uid := uuid.New()
	p := &models.Payment{ID: uuid.New(), PayingUserID: &uid, TransferInitiated: ts(1), IsSuccess: boolPtr(true), Amount: decimal.RequireFromString("10.00")}
	c := p.Clone()

	*c.TransferInitiated = *ts(9)
	*c.IsSuccess = false

	assert.Equal(t, *ts(1), *p.TransferInitiated)
	assert.True(t, *p.IsSuccess)
	assert.True(t, p.Amount.Equal(c.Amount))
}

func TestNewPaymentEvent(t *testing.T) {
	p := &models.Payment{ID: uuid.New(), Provider: "mollie", Amount: decimal.RequireFromString("12.5"), Currency: "EUR", TransferAllowed: ts(2)}
	ev := models.NewPaymentEvent(p, models.ChangePassed, *ts(5))

	assert.Equal(t, "payment_updated", ev.Type)
	assert.Equal(t, "12.50", ev.Amount)
	assert.Equal(t, models.StateProcessing, ev.State)
	assert.Equal(t, models.StatusTooSoon, ev.Status)
}

func TestLatestMilestone(t *testing.T) {
	p := &models.Payment{TransferInitiated: ts(1), TransferFinalized: ts(7)}
	assert.Equal(t, *ts(7), p.LatestMilestone())
	assert.True(t, (&models.Payment{}).LatestMilestone().IsZero())
}
