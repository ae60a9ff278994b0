package models

import "time"

// Change describes what a payment_updated notification reports.
type Change string

const (
	ChangePassed  Change = "passed"
	ChangeAborted Change = "aborted"
	ChangeReset   Change = "reset"
	ChangeRevoked Change = "revoked"
)

// PaymentEvent is the wire form of a payment_updated notification published
// to SNS and Kafka.
type PaymentEvent struct {
	Type      string    `json:"type"` // always "payment_updated"
	Change    Change    `json:"change"`
	PaymentID string    `json:"payment_id"`
	Provider  string    `json:"provider"`
	Realm     string    `json:"realm"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	State     State     `json:"state"`
	Status    Status    `json:"status"`
	UniqueKey string    `json:"unique_key,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPaymentEvent builds the wire event for change on p.
func NewPaymentEvent(p *Payment, change Change, at time.Time) PaymentEvent {
	return PaymentEvent{
		Type:      "payment_updated",
		Change:    change,
		PaymentID: p.ID.String(),
		Provider:  p.Provider,
		Realm:     p.Realm,
		Amount:    p.Amount.StringFixed(2),
		Currency:  p.Currency,
		State:     p.State(),
		Status:    p.Status(),
		UniqueKey: p.UniqueKey,
		Timestamp: at.UTC(),
	}
}

// StatusPollRequest is the SQS message body asking for a provider status check.
type StatusPollRequest struct {
	PaymentID string    `json:"payment_id"`
	Reason    string    `json:"reason,omitempty"`
	Requested time.Time `json:"requested"`
}
