package providers_test

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	midtrans "github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/ossobv/osso-djuty-sub000/models"
	"github.com/ossobv/osso-djuty-sub000/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serverKey = "SB-Mid-server-test"

// ---- mock snap / core ----

type fakeSnap struct {
	req  *snap.Request
	resp *snap.Response
	err  *midtrans.Error
}

func (f *fakeSnap) CreateTransaction(req *snap.Request) (*snap.Response, *midtrans.Error) {
	f.req = req
	return f.resp, f.err
}

type fakeCore struct {
	resp *coreapi.TransactionStatusResponse
	err  *midtrans.Error
}

func (f *fakeCore) CheckTransaction(string) (*coreapi.TransactionStatusResponse, *midtrans.Error) {
	return f.resp, f.err
}

func startedMidtrans(t *testing.T) (*testEnv, *fakeSnap, *fakeCore, *providers.MidtransAdapter, *models.Payment) {
	e := newTestEnv(t)
	p := e.payment(t, "midtrans", "150000", "IDR")
	s := &fakeSnap{resp: &snap.Response{Token: "66e4fa55-fdac-4ef9-91b5-733b97d1b862", RedirectURL: "https://app.sandbox.midtrans.com/snap/v2/vtweb/66e4fa55"}}
	c := &fakeCore{}
	a := providers.NewMidtransAdapter(providers.MidtransConfig{ServerKey: serverKey}, s, c, e.driver, e.logger)
	_, err := a.StartTransaction(context.Background(), p, startOpts())
	require.NoError(t, err)
	return e, s, c, a, p
}

func TestMidtrans_StartTransaction(t *testing.T) {
	e, s, _, _, p := startedMidtrans(t)

	require.NotNil(t, s.req)
	assert.Equal(t, p.ID.String(), s.req.TransactionDetails.OrderID)
	assert.Equal(t, int64(150000), s.req.TransactionDetails.GrossAmt)
	assert.Equal(t, startOpts().ReturnURL, s.req.Callbacks.Finish)

	stored := e.reload(t, p)
	assert.Equal(t, models.StateSubmitted, stored.State())
	assert.Equal(t, "66e4fa55-fdac-4ef9-91b5-733b97d1b862", stored.ProviderTxnID())
}

func TestMidtrans_StartTransaction_RejectsCurrency(t *testing.T) {
	e := newTestEnv(t)
	p := e.payment(t, "midtrans", "10.00", "EUR")
	a := providers.NewMidtransAdapter(providers.MidtransConfig{ServerKey: serverKey}, &fakeSnap{}, &fakeCore{}, e.driver, e.logger)

	_, err := a.StartTransaction(context.Background(), p, startOpts())
	var startErr *providers.StartError
	require.True(t, errors.As(err, &startErr))
	assert.Equal(t, providers.StartRejected, startErr.Reason)
}

func TestMidtrans_RequestStatus_Mapping(t *testing.T) {
	tests := []struct {
		transaction string
		fraud       string
		wantState   models.State
		wantStatus  models.Status
	}{
		{"settlement", "", models.StateFinal, models.StatusSuccess},
		{"capture", "accept", models.StateFinal, models.StatusSuccess},
		{"capture", "challenge", models.StateProcessing, models.StatusTooSoon},
		{"pending", "", models.StateSubmitted, models.StatusTooSoon},
		{"deny", "", models.StateSubmitted, models.StatusTooSoon},
		{"expire", "", models.StateSubmitted, models.StatusTooSoon},
		{"cancel", "", models.StateFinal, models.StatusAbort},
	}

	for _, tt := range tests {
		t.Run(tt.transaction+"/"+tt.fraud, func(t *testing.T) {
			e, _, c, a, p := startedMidtrans(t)
			c.resp = &coreapi.TransactionStatusResponse{
				OrderID:           p.ID.String(),
				GrossAmount:       "150000.00",
				TransactionStatus: tt.transaction,
				FraudStatus:       tt.fraud,
			}

			require.NoError(t, a.RequestStatus(context.Background(), p))
			stored := e.reload(t, p)
			assert.Equal(t, tt.wantState, stored.State())
			assert.Equal(t, tt.wantStatus, stored.Status())
		})
	}
}

func TestMidtrans_RequestStatus_RefundRevokes(t *testing.T) {
	e, _, c, a, p := startedMidtrans(t)
	ctx := context.Background()

	c.resp = &coreapi.TransactionStatusResponse{OrderID: p.ID.String(), GrossAmount: "150000.00", TransactionStatus: "settlement"}
	require.NoError(t, a.RequestStatus(ctx, p))

	c.resp = &coreapi.TransactionStatusResponse{OrderID: p.ID.String(), GrossAmount: "150000.00", TransactionStatus: "refund"}
	require.NoError(t, a.RequestStatus(ctx, p))

	stored := e.reload(t, p)
	assert.Equal(t, models.StateRevoked, stored.State())
	assert.Equal(t, models.StatusAbort, stored.Status())
}

func TestMidtrans_RequestStatus_Errors(t *testing.T) {
	e, _, c, a, p := startedMidtrans(t)
	ctx := context.Background()

	c.err = &midtrans.Error{Message: "Transaction doesn't exist.", StatusCode: http.StatusNotFound}
	assert.NoError(t, a.RequestStatus(ctx, p))

	c.err = &midtrans.Error{Message: "upstream", StatusCode: http.StatusServiceUnavailable}
	assert.ErrorIs(t, a.RequestStatus(ctx, p), apperrors.ErrTransient)

	c.err = nil
	c.resp = &coreapi.TransactionStatusResponse{OrderID: p.ID.String(), GrossAmount: "1.00", TransactionStatus: "settlement"}
	assert.ErrorIs(t, a.RequestStatus(ctx, p), apperrors.ErrPaymentSuspect)

	assert.Equal(t, models.StateSubmitted, e.reload(t, p).State())
}

func signature(orderID, statusCode, gross string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + gross + serverKey))
	return hex.EncodeToString(sum[:])
}

func TestMidtrans_ParseCallback(t *testing.T) {
	_, _, _, a, p := startedMidtrans(t)

	body, _ := json.Marshal(map[string]string{
		"order_id":           p.ID.String(),
		"status_code":        "200",
		"gross_amount":       "150000.00",
		"transaction_status": "settlement",
		"signature_key":      signature(p.ID.String(), "200", "150000.00"),
	})
	r := httptest.NewRequest(http.MethodPost, "/callbacks/midtrans/report", nil)
	cb, err := a.ParseCallback(providers.CallbackReport, r, body)
	require.NoError(t, err)
	assert.Equal(t, p.ID, cb.PaymentID)
	assert.Empty(t, cb.ProviderTxnID)

	forged, _ := json.Marshal(map[string]string{
		"order_id":      p.ID.String(),
		"status_code":   "200",
		"gross_amount":  "1.00",
		"signature_key": signature(p.ID.String(), "200", "150000.00"),
	})
	_, err = a.ParseCallback(providers.CallbackReport, r, forged)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	r = httptest.NewRequest(http.MethodGet, "/callbacks/midtrans/return/x?order_id="+p.ID.String()+"&transaction_status=settlement", nil)
	cb, err = a.ParseCallback(providers.CallbackReturn, r, nil)
	require.NoError(t, err)
	assert.Equal(t, p.ID, cb.PaymentID)
}
