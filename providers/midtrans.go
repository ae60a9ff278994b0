package providers

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	midtrans "github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/ossobv/osso-djuty-sub000/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MidtransSnap is satisfied by *snap.Client.
type MidtransSnap interface {
	CreateTransaction(req *snap.Request) (*snap.Response, *midtrans.Error)
}

// MidtransCore is satisfied by *coreapi.Client.
type MidtransCore interface {
	CheckTransaction(param string) (*coreapi.TransactionStatusResponse, *midtrans.Error)
}

// NewMidtransClients creates the Snap and Core API clients for serverKey.
func NewMidtransClients(serverKey string, production bool) (*snap.Client, *coreapi.Client) {
	env := midtrans.Sandbox
	if production {
		env = midtrans.Production
	}
	var s snap.Client
	s.New(serverKey, env)
	var c coreapi.Client
	c.New(serverKey, env)
	return &s, &c
}

// MidtransConfig configures the Midtrans adapter.
type MidtransConfig struct {
	ServerKey string
	Policy    StatusPolicy
}

// MidtransAdapter starts payments through Snap and checks them through the
// Core API. The payment id is the Midtrans order id.
type MidtransAdapter struct {
	cfg    MidtransConfig
	snap   MidtransSnap
	core   MidtransCore
	driver Driver
	logger *zap.Logger
}

// NewMidtransAdapter creates the Midtrans adapter.
func NewMidtransAdapter(cfg MidtransConfig, snapClient MidtransSnap, core MidtransCore, driver Driver, logger *zap.Logger) *MidtransAdapter {
	return &MidtransAdapter{
		cfg:    cfg,
		snap:   snapClient,
		core:   core,
		driver: driver,
		logger: logger.With(zap.String("provider", string(Midtrans))),
	}
}

func (a *MidtransAdapter) ID() ProviderID { return Midtrans }

func (a *MidtransAdapter) CleanDescription(text string) string {
	return CleanDescription(text, MidtransDescriptionLen)
}

func (a *MidtransAdapter) StartTransaction(ctx context.Context, p *models.Payment, opts StartOptions) (*Redirect, error) {
	if err := checkUnused(p); err != nil {
		return nil, startError(err)
	}
	if err := checkCurrency(Midtrans, p, "IDR"); err != nil {
		return nil, startError(err)
	}
	if !p.Amount.Equal(p.Amount.Truncate(0)) {
		return nil, startError(apperrors.Newf(apperrors.KindProviderError, "midtrans needs a whole IDR amount, got %s", p.Amount))
	}

	gross := p.Amount.IntPart()
	req := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  p.ID.String(),
			GrossAmt: gross,
		},
		Items: &[]midtrans.ItemDetails{{
			ID:    p.ID.String(),
			Price: gross,
			Qty:   1,
			Name:  a.CleanDescription(p.Description),
		}},
		Callbacks: &snap.Callbacks{Finish: opts.ReturnURL},
	}

	resp, merr := a.snap.CreateTransaction(req)
	if merr != nil {
		return nil, startError(midtransError(merr))
	}
	if resp == nil || resp.Token == "" {
		return nil, startError(apperrors.Newf(apperrors.KindProviderError, "midtrans returned no snap token for payment %s", p.ID))
	}
	raw, _ := json.Marshal(resp)
	if err := recordStart(ctx, a.driver, a.logger, p, resp.Token, string(raw)); err != nil {
		return nil, startError(err)
	}
	a.logger.Info("Snap transaction created", zap.String("payment_id", p.ID.String()))
	return &Redirect{Method: http.MethodGet, URL: resp.RedirectURL}, nil
}

func (a *MidtransAdapter) RequestStatus(ctx context.Context, p *models.Payment) error {
	if !p.IsUsed() {
		return apperrors.Newf(apperrors.KindValidation, "payment %s was not started at midtrans", p.ID)
	}

	resp, merr := a.core.CheckTransaction(p.ID.String())
	if merr != nil {
		if merr.GetStatusCode() == http.StatusNotFound {
			// no payment method chosen yet
			a.logger.Info("Order not yet known at midtrans", zap.String("payment_id", p.ID.String()))
			return nil
		}
		return midtransError(merr)
	}
	if resp.OrderID != p.ID.String() {
		return apperrors.Newf(apperrors.KindPaymentSuspect, "midtrans status for %s answered order %s", p.ID, resp.OrderID)
	}
	if gross, err := decimal.NewFromString(resp.GrossAmount); err != nil || !gross.Equal(p.Amount) {
		return apperrors.Newf(apperrors.KindPaymentSuspect, "midtrans gross amount %q does not match payment %s amount %s", resp.GrossAmount, p.ID, p.Amount)
	}
	raw, _ := json.Marshal(resp)
	if err := a.driver.SetBlob(ctx, p, string(raw), true); err != nil {
		return err
	}

	status, err := midtransStatus(resp.TransactionStatus, resp.FraudStatus)
	if err != nil {
		return err
	}
	a.logger.Info("Transaction status",
		zap.String("payment_id", p.ID.String()),
		zap.String("transaction_status", resp.TransactionStatus),
		zap.String("fraud_status", resp.FraudStatus),
		zap.String("status", string(status)),
	)
	return ApplyStatus(ctx, a.driver, p, status, a.cfg.Policy)
}

func midtransStatus(transactionStatus, fraudStatus string) (TxnStatus, error) {
	switch transactionStatus {
	case "settlement":
		return TxnCompleted, nil
	case "capture":
		if fraudStatus == "challenge" {
			return TxnPending, nil
		}
		return TxnCompleted, nil
	case "authorize":
		return TxnPending, nil
	case "pending":
		return TxnOpen, nil
	case "deny", "expire", "failure":
		return TxnDeclined, nil
	case "cancel":
		return TxnCanceled, nil
	case "refund", "partial_refund", "chargeback", "partial_chargeback":
		return TxnRefunded, nil
	}
	return "", apperrors.Newf(apperrors.KindProviderError, "unknown midtrans transaction status %q", transactionStatus)
}

type midtransNotification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	TransactionID     string `json:"transaction_id"`
}

// ParseCallback authenticates HTTP notifications by their signature key,
// SHA512(order_id + status_code + gross_amount + server key). The browser
// return carries the order id only; its outcome is always re-checked.
func (a *MidtransAdapter) ParseCallback(kind CallbackKind, r *http.Request, body []byte) (Callback, error) {
	if kind != CallbackReport {
		orderID := r.URL.Query().Get("order_id")
		if orderID == "" {
			return Callback{}, nil
		}
		id, err := uuid.Parse(orderID)
		if err != nil {
			return Callback{}, apperrors.New(apperrors.KindValidation, "invalid midtrans order_id", err)
		}
		return Callback{PaymentID: id}, nil
	}

	var n midtransNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return Callback{}, apperrors.New(apperrors.KindValidation, "invalid midtrans notification", err)
	}
	sum := sha512.Sum512([]byte(n.OrderID + n.StatusCode + n.GrossAmount + a.cfg.ServerKey))
	if n.SignatureKey == "" || strings.ToLower(n.SignatureKey) != hex.EncodeToString(sum[:]) {
		a.logger.Warn("Midtrans notification signature mismatch", zap.String("order_id", n.OrderID))
		return Callback{}, apperrors.Newf(apperrors.KindValidation, "invalid midtrans signature")
	}
	id, err := uuid.Parse(n.OrderID)
	if err != nil {
		return Callback{}, apperrors.New(apperrors.KindValidation, "invalid midtrans order_id", err)
	}
	return Callback{PaymentID: id}, nil
}

func (a *MidtransAdapter) Acknowledge(err error) (int, string) {
	return defaultAcknowledge(err)
}

func midtransError(merr *midtrans.Error) error {
	code := merr.GetStatusCode()
	switch {
	case code == 0 || code >= 500:
		return apperrors.New(apperrors.KindTransient, "midtrans unavailable", merr)
	}
	return apperrors.New(apperrors.KindProviderError, "midtrans rejected the request", merr)
}
