package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State is the lifecycle position derived from the milestone timestamps.
type State string

const (
	StateUnsent     State = "unsent"
	StateSubmitted  State = "submitted"
	StateProcessing State = "processing"
	StateFinal      State = "final"
	StateRevoked    State = "revoked"
)

// Status is the payer-facing outcome.
type Status string

const (
	StatusTooSoon Status = "toosoon"
	StatusSuccess Status = "success"
	StatusAbort   Status = "abort"
)

// Payment is the single record tracking one payment attempt at one provider.
type Payment struct {
	ID                uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Created           time.Time       `gorm:"autoCreateTime;not null" json:"created"`
	Realm             string          `gorm:"type:varchar(255);not null" json:"realm"`
	PayingUserID      *uuid.UUID      `gorm:"type:uuid;index" json:"paying_user_id,omitempty"`
	Provider          string          `gorm:"type:varchar(32);not null;index" json:"provider"`
	Description       string          `gorm:"type:varchar(255);not null" json:"description"`
	Amount            decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Currency          string          `gorm:"type:char(3);not null" json:"currency"`
	TransferInitiated *time.Time      `json:"transfer_initiated"`
	TransferAllowed   *time.Time      `json:"transfer_allowed"`
	TransferFinalized *time.Time      `json:"transfer_finalized"`
	TransferRevoked   *time.Time      `json:"transfer_revoked"`
	IsSuccess         *bool           `json:"is_success"`
	UniqueKey         string          `gorm:"type:varchar(255);index" json:"unique_key"`
	Blob              string          `gorm:"type:text" json:"-"`
}

// TableName pins the table name for every store backend.
func (Payment) TableName() string { return "payments" }

// State derives the lifecycle state, most specific first.
func (p *Payment) State() State {
	switch {
	case p.TransferRevoked != nil:
		return StateRevoked
	case p.TransferFinalized != nil:
		return StateFinal
	case p.TransferAllowed != nil:
		return StateProcessing
	case p.TransferInitiated != nil:
		return StateSubmitted
	default:
		return StateUnsent
	}
}

// Status derives the payer-facing outcome from IsSuccess.
func (p *Payment) Status() Status {
	switch {
	case p.IsSuccess == nil:
		return StatusTooSoon
	case *p.IsSuccess:
		return StatusSuccess
	default:
		return StatusAbort
	}
}

// IsUsed reports whether a transaction has already been started for p.
func (p *Payment) IsUsed() bool {
	return p.TransferInitiated != nil
}

// LatestMilestone returns the most recent milestone timestamp that is set.
func (p *Payment) LatestMilestone() time.Time {
	var latest time.Time
	for _, t := range []*time.Time{p.TransferInitiated, p.TransferAllowed, p.TransferFinalized, p.TransferRevoked} {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	return latest
}

// Clone returns a deep copy of p.
func (p *Payment) Clone() *Payment {
	c := *p
	c.PayingUserID = cloneUUID(p.PayingUserID)
	c.TransferInitiated = cloneTime(p.TransferInitiated)
	c.TransferAllowed = cloneTime(p.TransferAllowed)
	c.TransferFinalized = cloneTime(p.TransferFinalized)
	c.TransferRevoked = cloneTime(p.TransferRevoked)
	if p.IsSuccess != nil {
		v := *p.IsSuccess
		c.IsSuccess = &v
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneUUID(u *uuid.UUID) *uuid.UUID {
	if u == nil {
		return nil
	}
	v := *u
	return &v
}

// UniqueKeyFor builds the conventional unique key for a provider
// transaction id. The payment id suffix keeps keys unique when a provider
// reuses transaction ids.
func UniqueKeyFor(providerTxnID string, paymentID uuid.UUID) string {
	return providerTxnID + "-" + paymentID.String()
}

// ProviderTxnID returns the provider transaction id stored in the unique
// key, or "" when the key was not built with UniqueKeyFor.
func (p *Payment) ProviderTxnID() string {
	suffix := "-" + p.ID.String()
	if !strings.HasSuffix(p.UniqueKey, suffix) {
		return ""
	}
	return strings.TrimSuffix(p.UniqueKey, suffix)
}

// CreatePaymentRequest is the payload for creating a payment.
type CreatePaymentRequest struct {
	Realm        string          `json:"realm" binding:"required" validate:"required,url"`
	PayingUserID *uuid.UUID      `json:"paying_user_id"`
	Provider     string          `json:"provider" binding:"required" validate:"required,oneof=mollie targetpay stripe midtrans"`
	Description  string          `json:"description" binding:"required" validate:"required,max=255"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency" binding:"required" validate:"required,len=3,uppercase"`
}

// StartPaymentRequest is the optional payload for starting a transaction.
type StartPaymentRequest struct {
	BankID string `json:"bank_id"`
}

// PaymentResponse is the API view of a payment.
type PaymentResponse struct {
	*Payment
	State  State  `json:"state"`
	Status Status `json:"status"`
}

// NewPaymentResponse wraps p with its derived state and status.
func NewPaymentResponse(p *Payment) PaymentResponse {
	return PaymentResponse{Payment: p, State: p.State(), Status: p.Status()}
}
