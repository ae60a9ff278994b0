package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/google/uuid"
	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/ossobv/osso-djuty-sub000/models"
	"go.uber.org/zap"
)

// ProviderID identifies one supported payment gateway.
type ProviderID string

const (
	Mollie    ProviderID = "mollie"
	TargetPay ProviderID = "targetpay"
	Stripe    ProviderID = "stripe"
	Midtrans  ProviderID = "midtrans"
)

// All lists every supported provider.
var All = []ProviderID{Mollie, TargetPay, Stripe, Midtrans}

// ParseProviderID resolves a provider name from a URL or a stored payment.
func ParseProviderID(s string) (ProviderID, error) {
	for _, id := range All {
		if string(id) == s {
			return id, nil
		}
	}
	return "", apperrors.Newf(apperrors.KindValidation, "unknown provider %q", s)
}

// Driver is the part of the payment service adapters drive. Every mark
// operation returns a StateConflict error when its precondition failed.
type Driver interface {
	MarkSubmitted(ctx context.Context, p *models.Payment) error
	MarkPassed(ctx context.Context, p *models.Payment) error
	MarkSucceeded(ctx context.Context, p *models.Payment) error
	MarkAborted(ctx context.Context, p *models.Payment) error
	MarkRevoked(ctx context.Context, p *models.Payment) error
	MarkReset(ctx context.Context, p *models.Payment) error

	GetUniqueKey(ctx context.Context, p *models.Payment) (string, error)
	SetUniqueKey(ctx context.Context, p *models.Payment, value string) error
	SetBlob(ctx context.Context, p *models.Payment, value string, overwrite bool) error
}

// StartOptions carries the per-payment URLs handed to the gateway.
type StartOptions struct {
	ReturnURL string
	ReportURL string
	AbortURL  string
	BankID    string
}

// Redirect tells the caller where to send the payer. A GET redirect only
// needs URL; a POST redirect is rendered as a form posting Fields to URL.
type Redirect struct {
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields,omitempty"`
}

// CallbackKind is one of the three inbound URL shapes.
type CallbackKind string

const (
	CallbackReturn CallbackKind = "return"
	CallbackReport CallbackKind = "report"
	CallbackAbort  CallbackKind = "abort"
)

// Callback is what an adapter extracts from an inbound request. PaymentID is
// uuid.Nil when the request itself does not name the payment. An empty
// ProviderTxnID means the adapter authenticated the request by other means.
type Callback struct {
	PaymentID     uuid.UUID
	ProviderTxnID string
}

// Adapter is implemented once per gateway.
type Adapter interface {
	ID() ProviderID

	// StartTransaction registers p at the gateway and marks it submitted.
	// Errors are always *StartError.
	StartTransaction(ctx context.Context, p *models.Payment, opts StartOptions) (*Redirect, error)

	// RequestStatus asks the gateway for the outcome of p and applies it.
	// Replays of an outcome already recorded return nil.
	RequestStatus(ctx context.Context, p *models.Payment) error

	CleanDescription(text string) string

	ParseCallback(kind CallbackKind, r *http.Request, body []byte) (Callback, error)

	// Acknowledge renders the report response for the outcome err.
	Acknowledge(err error) (int, string)
}

// Aborter is implemented by adapters whose gateway keeps a canceled
// checkout payable until it is closed there. The reconciler calls Abort
// instead of marking the payment aborted directly.
type Aborter interface {
	Abort(ctx context.Context, p *models.Payment) error
}

// Registry resolves provider IDs to adapters.
type Registry struct {
	adapters map[ProviderID]Adapter
}

// NewRegistry creates a Registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[ProviderID]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Get returns the adapter for id.
func (r *Registry) Get(id ProviderID) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindValidation, "provider %s is not enabled", id)
	}
	return a, nil
}

// ForPayment returns the adapter the payment was created for.
func (r *Registry) ForPayment(p *models.Payment) (Adapter, error) {
	id, err := ParseProviderID(p.Provider)
	if err != nil {
		return nil, err
	}
	return r.Get(id)
}

// Enabled lists the configured providers.
func (r *Registry) Enabled() []ProviderID {
	ids := make([]ProviderID, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StartReason classifies a failed StartTransaction.
type StartReason string

const (
	// StartAlreadyUsed: the payment was started before, e.g. a stale form
	// was resubmitted.
	StartAlreadyUsed StartReason = "already_used"
	// StartRejected: the gateway refused the request.
	StartRejected StartReason = "rejected"
	// StartUnavailable: the gateway or bank is down; try again later.
	StartUnavailable StartReason = "unavailable"
	StartFailed      StartReason = "failed"
)

// StartError is the typed failure of StartTransaction.
type StartError struct {
	Reason StartReason
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start transaction (%s): %v", e.Reason, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// startError wraps err with the reason matching its kind.
func startError(err error) error {
	reason := StartFailed
	switch apperrors.KindOf(err) {
	case apperrors.KindPaymentAlreadyUsed, apperrors.KindStateConflict:
		reason = StartAlreadyUsed
	case apperrors.KindProviderError, apperrors.KindValidation:
		reason = StartRejected
	case apperrors.KindProviderDown, apperrors.KindTransient:
		reason = StartUnavailable
	}
	return &StartError{Reason: reason, Err: err}
}

// checkUnused guards against starting a payment twice.
func checkUnused(p *models.Payment) error {
	if p.IsUsed() {
		return apperrors.Newf(apperrors.KindPaymentAlreadyUsed, "payment %s was already submitted", p.ID)
	}
	return nil
}

// checkCurrency rejects currencies the gateway cannot process.
func checkCurrency(id ProviderID, p *models.Payment, supported ...string) error {
	for _, c := range supported {
		if p.Currency == c {
			return nil
		}
	}
	return apperrors.Newf(apperrors.KindProviderError, "%s does not support currency %s", id, p.Currency)
}

// recordStart stores the gateway transaction and marks p submitted. The raw
// response is stored last; failing to keep it does not undo the start.
func recordStart(ctx context.Context, driver Driver, logger *zap.Logger, p *models.Payment, txnID, raw string) error {
	if err := driver.SetUniqueKey(ctx, p, models.UniqueKeyFor(txnID, p.ID)); err != nil {
		return alreadyUsed(p, err)
	}
	if err := driver.MarkSubmitted(ctx, p); err != nil {
		return alreadyUsed(p, err)
	}
	if raw != "" {
		if err := driver.SetBlob(ctx, p, raw, true); err != nil {
			logger.Warn("Failed to store start response", zap.String("payment_id", p.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func alreadyUsed(p *models.Payment, err error) error {
	if errors.Is(err, apperrors.ErrStateConflict) {
		return apperrors.New(apperrors.KindPaymentAlreadyUsed, fmt.Sprintf("payment %s was started concurrently", p.ID), err)
	}
	return err
}

// defaultAcknowledge is the OK/NAK convention shared by the gateways:
// processed or already processed is accepted, anything else asks for a retry.
func defaultAcknowledge(err error) (int, string) {
	if err == nil || errors.Is(err, apperrors.ErrStateConflict) {
		return http.StatusOK, "OK"
	}
	return http.StatusInternalServerError, "NAK"
}
