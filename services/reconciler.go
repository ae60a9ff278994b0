package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/ossobv/osso-djuty-sub000/models"
	awspkg "github.com/ossobv/osso-djuty-sub000/pkg/aws"
	"github.com/ossobv/osso-djuty-sub000/providers"
	"go.uber.org/zap"
)

// StatusPollQueue schedules a later provider status check.
type StatusPollQueue interface {
	EnqueueStatusPoll(ctx context.Context, req models.StatusPollRequest, delay time.Duration) error
}

// ReportThrottle serialises reports per payment. Acquire returns false while
// a report for key is being handled; the key is released when it finishes.
type ReportThrottle interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// ReconcilerConfig holds the URLs handed to gateways and payers.
type ReconcilerConfig struct {
	// PublicURL is where gateways reach the callback routes. When empty the
	// payment realm is used.
	PublicURL   string
	SuccessPath string
	AbortPath   string
	PendingPath string
	PollDelay   time.Duration
}

func (c *ReconcilerConfig) setDefaults() {
	if c.SuccessPath == "" {
		c.SuccessPath = "/payment/success"
	}
	if c.AbortPath == "" {
		c.AbortPath = "/payment/abort"
	}
	if c.PendingPath == "" {
		c.PendingPath = "/payment/pending"
	}
	if c.PollDelay <= 0 {
		c.PollDelay = time.Minute
	}
}

// ReturnResult is what the payer is sent back with.
type ReturnResult struct {
	Payment     *models.Payment
	Status      models.Status
	RedirectURL string
}

// Reconciler runs the start, callback and poll flows against the adapters.
type Reconciler struct {
	cfg      ReconcilerConfig
	payments PaymentService
	registry *providers.Registry
	queue    StatusPollQueue
	throttle ReportThrottle
	alerter  Alerter
	metrics  MetricsRecorder
	logger   *zap.Logger
}

// ReconcilerOption configures optional collaborators.
type ReconcilerOption func(*Reconciler)

func WithStatusPollQueue(q StatusPollQueue) ReconcilerOption {
	return func(r *Reconciler) { r.queue = q }
}

func WithReportThrottle(t ReportThrottle) ReconcilerOption {
	return func(r *Reconciler) { r.throttle = t }
}

func WithMetrics(m MetricsRecorder) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig, payments PaymentService, registry *providers.Registry, alerter Alerter, logger *zap.Logger, opts ...ReconcilerOption) *Reconciler {
	cfg.setDefaults()
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	r := &Reconciler{
		cfg:      cfg,
		payments: payments,
		registry: registry,
		alerter:  alerter,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start hands the payment to its gateway.
func (r *Reconciler) Start(ctx context.Context, id uuid.UUID, bankID string) (*providers.Redirect, error) {
	p, err := r.payments.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	adapter, err := r.registry.ForPayment(p)
	if err != nil {
		return nil, err
	}

	opts := providers.StartOptions{
		ReturnURL: r.callbackURL(p, providers.CallbackReturn),
		ReportURL: r.callbackURL(p, providers.CallbackReport),
		AbortURL:  r.callbackURL(p, providers.CallbackAbort),
		BankID:    bankID,
	}
	start := time.Now()
	redirect, err := adapter.StartTransaction(ctx, p, opts)
	r.recordLatency(ctx, p, "start", start)
	if err != nil {
		var startErr *providers.StartError
		if errors.As(err, &startErr) && startErr.Reason == providers.StartAlreadyUsed {
			r.logger.Info("Start of used payment refused", zap.String("payment_id", p.ID.String()))
		} else if needsOperator(err) {
			r.alerter.Alert(ctx, p, err)
		}
		return nil, err
	}
	return redirect, nil
}

// HandleReturn processes the payer coming back from the gateway. The
// outcome is requested from the gateway while it is still unknown; a
// transient failure schedules a poll and reports the payment as pending.
func (r *Reconciler) HandleReturn(ctx context.Context, provider providers.ProviderID, req *http.Request, body []byte, pathID uuid.UUID) (*ReturnResult, error) {
	adapter, p, err := r.resolve(ctx, provider, providers.CallbackReturn, req, body, pathID)
	if err != nil {
		if needsOperator(err) {
			r.alerter.Alert(ctx, p, err)
		}
		return r.result(p), err
	}

	if p.Status() == models.StatusTooSoon {
		if err := r.requestStatus(ctx, adapter, p, "return"); err != nil {
			return r.result(p), err
		}
	}
	return r.result(p), nil
}

// HandleReport processes a server-to-server notification and returns the
// acknowledgement the gateway expects.
func (r *Reconciler) HandleReport(ctx context.Context, provider providers.ProviderID, req *http.Request, body []byte, pathID uuid.UUID) (int, string) {
	adapter, err := r.registry.Get(provider)
	if err != nil {
		return http.StatusNotFound, "NAK"
	}
	_, p, err := r.resolve(ctx, provider, providers.CallbackReport, req, body, pathID)
	if errors.Is(err, providers.ErrCallbackIgnored) {
		return adapter.Acknowledge(nil)
	}
	if err != nil {
		r.logger.Warn("Rejected report", zap.String("provider", string(provider)), zap.Error(err))
		if needsOperator(err) {
			r.alerter.Alert(ctx, p, err)
		}
		return adapter.Acknowledge(err)
	}

	key := fmt.Sprintf("report:%s:%s", provider, p.ID)
	if r.throttle != nil {
		acquired, terr := r.throttle.Acquire(ctx, key)
		switch {
		case terr != nil:
			r.logger.Warn("Report throttle unavailable", zap.Error(terr))
		case !acquired:
			// another report for this payment is being handled; its status
			// check may predate this notification
			r.logger.Info("Report arrived while another is in flight", zap.String("payment_id", p.ID.String()))
			r.schedulePoll(ctx, p, "report")
			return adapter.Acknowledge(apperrors.Newf(apperrors.KindTransient, "report for payment %s already in progress", p.ID))
		default:
			defer r.releaseReport(ctx, key)
		}
	}

	return adapter.Acknowledge(r.requestStatus(ctx, adapter, p, "report"))
}

func (r *Reconciler) releaseReport(ctx context.Context, key string) {
	if err := r.throttle.Release(ctx, key); err != nil {
		r.logger.Warn("Failed to release report throttle", zap.String("key", key), zap.Error(err))
	}
}

// HandleAbort processes the payer canceling at the gateway. Gateways that
// keep the checkout payable are asked to close it first.
func (r *Reconciler) HandleAbort(ctx context.Context, provider providers.ProviderID, req *http.Request, body []byte, pathID uuid.UUID) (*ReturnResult, error) {
	adapter, p, err := r.resolve(ctx, provider, providers.CallbackAbort, req, body, pathID)
	if err != nil {
		if needsOperator(err) {
			r.alerter.Alert(ctx, p, err)
		}
		return r.result(p), err
	}

	if p.Status() == models.StatusTooSoon {
		err := r.abort(ctx, adapter, p)
		if apperrors.IsRetryable(err) {
			r.logger.Warn("Abort not confirmed by gateway, scheduling poll", zap.String("payment_id", p.ID.String()), zap.Error(err))
			r.schedulePoll(ctx, p, "abort")
			return r.result(p), nil
		}
		if errors.Is(err, apperrors.ErrStateConflict) {
			r.logger.Info("Abort lost to a concurrent transition", zap.String("payment_id", p.ID.String()))
			if fresh, ferr := r.payments.GetPayment(ctx, p.ID); ferr == nil {
				p = fresh
			}
		} else if err != nil {
			return r.result(p), err
		}
	}
	return r.result(p), nil
}

func (r *Reconciler) abort(ctx context.Context, adapter providers.Adapter, p *models.Payment) error {
	aborter, ok := adapter.(providers.Aborter)
	if !ok {
		return r.payments.MarkAborted(ctx, p)
	}
	start := time.Now()
	err := aborter.Abort(ctx, p)
	r.recordLatency(ctx, p, "abort", start)
	if err != nil && needsOperator(err) {
		r.alerter.Alert(ctx, p, err)
	}
	return err
}

// PollStatus checks a payment whose outcome is still unknown. Retryable
// failures are returned so the poll is retried; other failures are alerted
// and dropped.
func (r *Reconciler) PollStatus(ctx context.Context, id uuid.UUID) error {
	p, err := r.payments.GetPayment(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		r.logger.Warn("Status poll for unknown payment", zap.String("payment_id", id.String()))
		return nil
	}
	if err != nil {
		return err
	}
	if !p.IsUsed() || p.Status() != models.StatusTooSoon {
		return nil
	}
	adapter, err := r.registry.ForPayment(p)
	if err != nil {
		return nil
	}

	start := time.Now()
	err = adapter.RequestStatus(ctx, p)
	r.recordLatency(ctx, p, "poll", start)
	switch {
	case err == nil, errors.Is(err, apperrors.ErrStateConflict):
		return nil
	case apperrors.IsRetryable(err):
		return err
	}
	if needsOperator(err) {
		r.alerter.Alert(ctx, p, err)
	}
	r.logger.Warn("Status poll failed", zap.String("payment_id", p.ID.String()), zap.Error(err))
	return nil
}

// RequestStatus checks one payment on demand.
func (r *Reconciler) RequestStatus(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	p, err := r.payments.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	adapter, err := r.registry.ForPayment(p)
	if err != nil {
		return nil, err
	}
	if err := r.requestStatus(ctx, adapter, p, "manual"); err != nil {
		return p, err
	}
	return p, nil
}

// requestStatus asks the gateway and applies the outcome. Transient
// failures schedule a poll; hard failures alert operators.
func (r *Reconciler) requestStatus(ctx context.Context, adapter providers.Adapter, p *models.Payment, reason string) error {
	start := time.Now()
	err := adapter.RequestStatus(ctx, p)
	r.recordLatency(ctx, p, reason, start)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrStateConflict):
		return err
	case apperrors.IsRetryable(err):
		r.logger.Warn("Status request failed, scheduling poll",
			zap.String("payment_id", p.ID.String()),
			zap.String("reason", reason),
			zap.Error(err),
		)
		r.schedulePoll(ctx, p, reason)
		if reason == "return" {
			return nil
		}
		return err
	}
	if needsOperator(err) {
		r.alerter.Alert(ctx, p, err)
	}
	return err
}

func (r *Reconciler) schedulePoll(ctx context.Context, p *models.Payment, reason string) {
	if r.queue == nil {
		return
	}
	req := models.StatusPollRequest{PaymentID: p.ID.String(), Reason: reason, Requested: time.Now().UTC()}
	if err := r.queue.EnqueueStatusPoll(ctx, req, r.cfg.PollDelay); err != nil {
		r.logger.Error("Failed to schedule status poll", zap.String("payment_id", p.ID.String()), zap.Error(err))
	}
}

// resolve finds the payment a callback is about and checks the callback
// belongs to it. The payment is returned whenever it was found.
func (r *Reconciler) resolve(ctx context.Context, provider providers.ProviderID, kind providers.CallbackKind, req *http.Request, body []byte, pathID uuid.UUID) (providers.Adapter, *models.Payment, error) {
	adapter, err := r.registry.Get(provider)
	if err != nil {
		return nil, nil, err
	}
	cb, err := adapter.ParseCallback(kind, req, body)
	if err != nil {
		return adapter, nil, err
	}

	id := cb.PaymentID
	switch {
	case id == uuid.Nil:
		id = pathID
	case pathID != uuid.Nil && pathID != id:
		return adapter, nil, apperrors.Newf(apperrors.KindPaymentSuspect, "%s callback for payment %s arrived on the URL of %s", provider, id, pathID)
	}
	if id == uuid.Nil {
		return adapter, nil, apperrors.Newf(apperrors.KindValidation, "%s %s does not identify a payment", provider, kind)
	}

	p, err := r.payments.GetPayment(ctx, id)
	if err != nil {
		return adapter, nil, err
	}
	if p.Provider != string(provider) {
		return adapter, p, apperrors.Newf(apperrors.KindPaymentSuspect, "%s callback for payment %s created for %s", provider, p.ID, p.Provider)
	}
	if cb.ProviderTxnID != "" && cb.ProviderTxnID != p.ProviderTxnID() {
		return adapter, p, apperrors.Newf(apperrors.KindPaymentSuspect, "%s callback transaction %q does not match payment %s", provider, cb.ProviderTxnID, p.ID)
	}
	return adapter, p, nil
}

func (r *Reconciler) callbackURL(p *models.Payment, kind providers.CallbackKind) string {
	base := r.cfg.PublicURL
	if base == "" {
		base = strings.TrimRight(p.Realm, "/")
	}
	return fmt.Sprintf("%s/callbacks/%s/%s/%s", base, p.Provider, kind, p.ID)
}

func (r *Reconciler) result(p *models.Payment) *ReturnResult {
	if p == nil {
		return nil
	}
	path := r.cfg.PendingPath
	switch p.Status() {
	case models.StatusSuccess:
		path = r.cfg.SuccessPath
	case models.StatusAbort:
		path = r.cfg.AbortPath
	}
	return &ReturnResult{
		Payment:     p,
		Status:      p.Status(),
		RedirectURL: strings.TrimRight(p.Realm, "/") + path + "?payment_id=" + url.QueryEscape(p.ID.String()),
	}
}

func (r *Reconciler) recordLatency(ctx context.Context, p *models.Payment, op string, start time.Time) {
	if r.metrics == nil {
		return
	}
	dims := map[string]string{"Provider": p.Provider, "Operation": op}
	if err := r.metrics.RecordLatency(ctx, awspkg.MetricProviderLatency, time.Since(start), dims); err != nil {
		r.logger.Debug("Failed to record provider latency", zap.Error(err))
	}
}
