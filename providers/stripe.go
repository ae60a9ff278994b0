package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/ossobv/osso-djuty-sub000/models"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/checkout/session"
	"github.com/stripe/stripe-go/v80/webhook"
	"go.uber.org/zap"
)

// ErrCallbackIgnored is returned by ParseCallback for notifications that
// carry nothing to reconcile. They are acknowledged without further work.
var ErrCallbackIgnored = errors.New("callback ignored")

// StripeSessions is satisfied by *session.Client.
type StripeSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Expire(id string, params *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error)
}

// NewStripeSessions returns a Checkout Session client bound to secretKey.
func NewStripeSessions(secretKey string) *session.Client {
	return &session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}
}

// StripeConfig configures the Stripe Checkout adapter.
type StripeConfig struct {
	WebhookSecret string
	Policy        StatusPolicy
}

// StripeAdapter uses Stripe Checkout Sessions.
type StripeAdapter struct {
	cfg      StripeConfig
	sessions StripeSessions
	driver   Driver
	logger   *zap.Logger
}

// NewStripeAdapter creates the Stripe adapter.
func NewStripeAdapter(cfg StripeConfig, sessions StripeSessions, driver Driver, logger *zap.Logger) *StripeAdapter {
	return &StripeAdapter{cfg: cfg, sessions: sessions, driver: driver, logger: logger.With(zap.String("provider", string(Stripe)))}
}

func (a *StripeAdapter) ID() ProviderID { return Stripe }

func (a *StripeAdapter) CleanDescription(text string) string {
	return CleanDescription(text, StripeDescriptionLen)
}

func (a *StripeAdapter) StartTransaction(ctx context.Context, p *models.Payment, opts StartOptions) (*Redirect, error) {
	if err := checkUnused(p); err != nil {
		return nil, startError(err)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(p.ID.String()),
		SuccessURL:        stripe.String(opts.ReturnURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(opts.AbortURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(p.Currency)),
				UnitAmount: stripe.Int64(p.Amount.Shift(2).IntPart()),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(a.CleanDescription(p.Description)),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	params.AddMetadata("payment_id", p.ID.String())

	sess, err := a.sessions.New(params)
	if err != nil {
		return nil, startError(stripeError(err))
	}
	raw, _ := json.Marshal(sess)
	if err := recordStart(ctx, a.driver, a.logger, p, sess.ID, string(raw)); err != nil {
		return nil, startError(err)
	}
	a.logger.Info("Checkout session created", zap.String("payment_id", p.ID.String()), zap.String("session_id", sess.ID))
	return &Redirect{Method: http.MethodGet, URL: sess.URL}, nil
}

func (a *StripeAdapter) RequestStatus(ctx context.Context, p *models.Payment) error {
	txn := p.ProviderTxnID()
	if txn == "" {
		return apperrors.Newf(apperrors.KindValidation, "payment %s has no checkout session", p.ID)
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")
	sess, err := a.sessions.Get(txn, params)
	if err != nil {
		return stripeError(err)
	}
	if sess.ClientReferenceID != p.ID.String() {
		return apperrors.Newf(apperrors.KindPaymentSuspect, "checkout session %s belongs to %q, not payment %s", sess.ID, sess.ClientReferenceID, p.ID)
	}
	if sess.AmountTotal != p.Amount.Shift(2).IntPart() || !strings.EqualFold(string(sess.Currency), p.Currency) {
		return apperrors.Newf(apperrors.KindPaymentSuspect, "checkout session %s amount %d %s does not match payment %s", sess.ID, sess.AmountTotal, sess.Currency, p.ID)
	}
	raw, _ := json.Marshal(sess)
	if err := a.driver.SetBlob(ctx, p, string(raw), true); err != nil {
		return err
	}

	status, err := stripeStatus(sess)
	if err != nil {
		return err
	}
	a.logger.Info("Checkout session status",
		zap.String("payment_id", p.ID.String()),
		zap.String("session_status", string(sess.Status)),
		zap.String("payment_status", string(sess.PaymentStatus)),
		zap.String("status", string(status)),
	)
	return ApplyStatus(ctx, a.driver, p, status, a.cfg.Policy)
}

// Abort expires the checkout session so it cannot be paid after the payer
// canceled. A session that can no longer be expired is reconciled from its
// actual status instead.
func (a *StripeAdapter) Abort(ctx context.Context, p *models.Payment) error {
	txn := p.ProviderTxnID()
	if txn == "" {
		return a.driver.MarkAborted(ctx, p)
	}

	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	sess, err := a.sessions.Expire(txn, params)
	if err != nil {
		err = stripeError(err)
		if apperrors.IsRetryable(err) {
			return err
		}
		a.logger.Info("Checkout session not expired, checking its status",
			zap.String("payment_id", p.ID.String()),
			zap.Error(err),
		)
		return a.RequestStatus(ctx, p)
	}
	if sess.Status != stripe.CheckoutSessionStatusExpired {
		return a.RequestStatus(ctx, p)
	}
	a.logger.Info("Checkout session expired on cancel", zap.String("payment_id", p.ID.String()), zap.String("session_id", sess.ID))
	return ApplyStatus(ctx, a.driver, p, TxnCanceled, a.cfg.Policy)
}

func stripeStatus(sess *stripe.CheckoutSession) (TxnStatus, error) {
	switch sess.Status {
	case stripe.CheckoutSessionStatusComplete:
		if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			return TxnCompleted, nil
		}
		return asyncPaymentStatus(sess.PaymentIntent), nil
	case stripe.CheckoutSessionStatusOpen:
		return TxnOpen, nil
	case stripe.CheckoutSessionStatusExpired:
		return TxnCanceled, nil
	}
	return "", apperrors.Newf(apperrors.KindProviderError, "unknown checkout session status %q", sess.Status)
}

// asyncPaymentStatus maps the payment intent behind a completed but unpaid
// session. A failed delayed payment leaves the session complete, so the
// intent is the only place the failure shows.
func asyncPaymentStatus(pi *stripe.PaymentIntent) TxnStatus {
	if pi == nil {
		return TxnPending
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		return TxnCanceled
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		return TxnOpen
	}
	return TxnPending
}

// ParseCallback verifies webhook signatures. Only checkout.session events
// are reconciled; the return URL carries the session id.
func (a *StripeAdapter) ParseCallback(kind CallbackKind, r *http.Request, body []byte) (Callback, error) {
	switch kind {
	case CallbackReturn:
		txn := r.URL.Query().Get("session_id")
		if txn == "" {
			return Callback{}, apperrors.Newf(apperrors.KindValidation, "stripe return without session_id")
		}
		return Callback{ProviderTxnID: txn}, nil
	case CallbackAbort:
		return Callback{}, nil
	}

	if a.cfg.WebhookSecret == "" {
		return Callback{}, apperrors.Newf(apperrors.KindValidation, "stripe webhook secret not configured")
	}
	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), a.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		a.logger.Warn("Stripe webhook signature verification failed", zap.Error(err))
		return Callback{}, apperrors.New(apperrors.KindValidation, "invalid stripe webhook", err)
	}
	if !strings.HasPrefix(string(event.Type), "checkout.session.") {
		a.logger.Info("Unhandled webhook event type", zap.String("event_type", string(event.Type)))
		return Callback{}, ErrCallbackIgnored
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return Callback{}, apperrors.New(apperrors.KindValidation, "invalid checkout session payload", err)
	}
	ref := sess.ClientReferenceID
	if ref == "" {
		ref = sess.Metadata["payment_id"]
	}
	id, err := uuid.Parse(ref)
	if err != nil {
		a.logger.Warn("Checkout session without payment reference", zap.String("session_id", sess.ID))
		return Callback{}, ErrCallbackIgnored
	}
	return Callback{PaymentID: id, ProviderTxnID: sess.ID}, nil
}

func (a *StripeAdapter) Acknowledge(err error) (int, string) {
	return defaultAcknowledge(err)
}

func stripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
			return apperrors.New(apperrors.KindTransient, "stripe unavailable", err)
		}
		return apperrors.New(apperrors.KindProviderError, "stripe rejected the request", err)
	}
	return apperrors.New(apperrors.KindTransient, "stripe unreachable", err)
}
