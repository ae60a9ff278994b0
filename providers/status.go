package providers

import (
	"context"
	"errors"

	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/ossobv/osso-djuty-sub000/models"
)

// TxnStatus is a gateway status normalised to the shared vocabulary.
type TxnStatus string

const (
	TxnCompleted      TxnStatus = "completed"
	TxnPending        TxnStatus = "pending"
	TxnOpen           TxnStatus = "open"
	TxnDeclined       TxnStatus = "declined"
	TxnCanceled       TxnStatus = "canceled"
	TxnRefunded       TxnStatus = "refunded"
	TxnAlreadyChecked TxnStatus = "already-checked"
)

// StatusPolicy holds the gateway specific parts of applying a status.
type StatusPolicy struct {
	// ReopenAborted resets an aborted payment when the gateway later reports
	// it as pending or completed. Without it such a report is suspect.
	ReopenAborted bool
}

// ApplyStatus drives p towards status. Outcomes already recorded are no-ops
// and a transition lost to a concurrent worker counts as handled.
func ApplyStatus(ctx context.Context, driver Driver, p *models.Payment, status TxnStatus, policy StatusPolicy) error {
	err := applyStatus(ctx, driver, p, status, policy)
	if errors.Is(err, apperrors.ErrStateConflict) {
		return nil
	}
	return err
}

func applyStatus(ctx context.Context, driver Driver, p *models.Payment, status TxnStatus, policy StatusPolicy) error {
	switch status {
	case TxnCompleted:
		switch {
		case p.Status() == models.StatusSuccess:
			return nil
		case p.State() == models.StateRevoked:
			return apperrors.Newf(apperrors.KindPaymentSuspect, "revoked payment %s reported as completed", p.ID)
		case p.Status() == models.StatusAbort:
			if err := reopen(ctx, driver, p, status, policy); err != nil {
				return err
			}
		}
		return driver.MarkSucceeded(ctx, p)

	case TxnPending:
		if p.Status() == models.StatusAbort && p.State() != models.StateRevoked {
			if err := reopen(ctx, driver, p, status, policy); err != nil {
				return err
			}
		}
		if p.TransferAllowed != nil || p.IsSuccess != nil {
			return nil
		}
		return driver.MarkPassed(ctx, p)

	case TxnCanceled:
		switch p.Status() {
		case models.StatusAbort:
			return nil
		case models.StatusSuccess:
			return apperrors.Newf(apperrors.KindPaymentSuspect, "paid payment %s reported as canceled", p.ID)
		}
		return driver.MarkAborted(ctx, p)

	case TxnRefunded:
		switch {
		case p.State() == models.StateRevoked:
			return nil
		case p.Status() != models.StatusSuccess:
			return apperrors.Newf(apperrors.KindPaymentSuspect, "unpaid payment %s reported as refunded", p.ID)
		}
		return driver.MarkRevoked(ctx, p)

	case TxnOpen, TxnDeclined, TxnAlreadyChecked:
		// a declined or expired transaction can still be reopened at the
		// gateway, so only an explicit cancel aborts the payment
		return nil
	}
	return apperrors.Newf(apperrors.KindProviderError, "unexpected status %q for payment %s", status, p.ID)
}

func reopen(ctx context.Context, driver Driver, p *models.Payment, status TxnStatus, policy StatusPolicy) error {
	if !policy.ReopenAborted {
		return apperrors.Newf(apperrors.KindPaymentSuspect, "aborted payment %s reported as %s", p.ID, status)
	}
	return driver.MarkReset(ctx, p)
}
