package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/ossobv/osso-djuty-sub000/events"
	"github.com/ossobv/osso-djuty-sub000/models"
	"github.com/ossobv/osso-djuty-sub000/repository"
	"go.uber.org/zap"
)

// PaymentService owns the payment state machine. Every transition goes
// through one atomic conditional update; the in-memory Payment passed in is
// only modified when that update is applied.
type PaymentService interface {
	CreatePayment(ctx context.Context, req *models.CreatePaymentRequest) (*models.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetPaymentByUniqueKey(ctx context.Context, uniqueKey string) (*models.Payment, error)

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

// BlobArchiver stores a copy of raw provider responses outside the record.
type BlobArchiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

type paymentServiceImpl struct {
	repo      repository.PaymentRepository
	publisher events.Publisher
	archive   BlobArchiver
	validate  *validator.Validate
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures the payment service.
type Option func(*paymentServiceImpl)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *paymentServiceImpl) { s.now = now }
}

// WithBlobArchive copies every blob written through SetBlob to archive.
func WithBlobArchive(archive BlobArchiver) Option {
	return func(s *paymentServiceImpl) { s.archive = archive }
}

// NewPaymentService creates a new PaymentService.
func NewPaymentService(
	repo repository.PaymentRepository,
	publisher events.Publisher,
	logger *zap.Logger,
	opts ...Option,
) PaymentService {
	s := &paymentServiceImpl{
		repo:      repo,
		publisher: publisher,
		validate:  validator.New(),
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePayment validates req and stores a new unsent payment.
func (s *paymentServiceImpl) CreatePayment(ctx context.Context, req *models.CreatePaymentRequest) (*models.Payment, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.New(apperrors.KindValidation, "Invalid payment", err)
	}
	if !req.Amount.IsPositive() {
		return nil, apperrors.Newf(apperrors.KindValidation, "amount must be positive, got %s", req.Amount)
	}
	if req.Amount.Exponent() < -2 && !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, apperrors.Newf(apperrors.KindValidation, "amount %s has more than two decimals", req.Amount)
	}

	p := &models.Payment{
		ID:           uuid.New(),
		Created:      s.now().UTC(),
		Realm:        strings.TrimRight(req.Realm, "/"),
		PayingUserID: req.PayingUserID,
		Provider:     req.Provider,
		Description:  req.Description,
		Amount:       req.Amount.Round(2),
		Currency:     req.Currency,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		s.logger.Error("Failed to persist payment", zap.Error(err))
		return nil, fmt.Errorf("create payment: %w", err)
	}

	s.logger.Info("Payment created",
		zap.String("payment_id", p.ID.String()),
		zap.String("provider", p.Provider),
		zap.String("amount", p.Amount.StringFixed(2)),
		zap.String("currency", p.Currency),
	)
	return p, nil
}

func (s *paymentServiceImpl) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *paymentServiceImpl) GetPaymentByUniqueKey(ctx context.Context, uniqueKey string) (*models.Payment, error) {
	if uniqueKey == "" {
		return nil, repository.ErrPaymentNotFound
	}
	return s.repo.FindByUniqueKey(ctx, uniqueKey)
}

// MarkSubmitted records that the payer was handed over to the provider.
func (s *paymentServiceImpl) MarkSubmitted(ctx context.Context, p *models.Payment) error {
	at := s.timestamp(p)
	_, err := s.transition(ctx, p, "mark_submitted",
		models.Fields{models.FieldTransferInitiated: nil, models.FieldIsSuccess: nil},
		models.Fields{models.FieldTransferInitiated: at},
		nil,
	)
	return err
}

// MarkPassed records that the provider accepted the payment and funds are
// on their way.
func (s *paymentServiceImpl) MarkPassed(ctx context.Context, p *models.Payment) error {
	at := s.timestamp(p)
	_, err := s.transition(ctx, p, "mark_passed",
		models.Fields{models.FieldTransferAllowed: nil, models.FieldIsSuccess: nil},
		models.Fields{models.FieldTransferAllowed: at},
		models.Fields{models.FieldTransferInitiated: at},
	)
	if err != nil {
		return err
	}
	s.fire(ctx, p, models.ChangePassed, at)
	return nil
}

// MarkSucceeded records the final successful outcome. A payment that never
// passed fires the passed notification now.
func (s *paymentServiceImpl) MarkSucceeded(ctx context.Context, p *models.Payment) error {
	at := s.timestamp(p)
	applied, err := s.transition(ctx, p, "mark_succeeded",
		models.Fields{models.FieldTransferFinalized: nil, models.FieldIsSuccess: nil},
		models.Fields{models.FieldTransferFinalized: at, models.FieldIsSuccess: true},
		models.Fields{models.FieldTransferInitiated: at, models.FieldTransferAllowed: at},
	)
	if err != nil {
		return err
	}
	if _, passedNow := applied[models.FieldTransferAllowed]; passedNow {
		s.fire(ctx, p, models.ChangePassed, at)
	}
	return nil
}

// MarkAborted records the final failed outcome. Only possible before the
// provider allowed the transfer.
func (s *paymentServiceImpl) MarkAborted(ctx context.Context, p *models.Payment) error {
	at := s.timestamp(p)
	_, err := s.transition(ctx, p, "mark_aborted",
		models.Fields{models.FieldTransferAllowed: nil, models.FieldTransferFinalized: nil, models.FieldIsSuccess: nil},
		models.Fields{models.FieldTransferFinalized: at, models.FieldIsSuccess: false},
		models.Fields{models.FieldTransferInitiated: at},
	)
	if err != nil {
		return err
	}
	s.fire(ctx, p, models.ChangeAborted, at)
	return nil
}

// MarkRevoked flips a successful payment to failed, e.g. after a refund or
// chargeback.
func (s *paymentServiceImpl) MarkRevoked(ctx context.Context, p *models.Payment) error {
	at := s.timestamp(p)
	_, err := s.transition(ctx, p, "mark_revoked",
		models.Fields{models.FieldIsSuccess: true, models.FieldTransferRevoked: nil},
		models.Fields{models.FieldTransferRevoked: at, models.FieldIsSuccess: false},
		nil,
	)
	if err != nil {
		return err
	}
	s.fire(ctx, p, models.ChangeRevoked, at)
	return nil
}

// MarkReset reopens an aborted payment so the provider outcome can be
// applied again. Whether a provider status warrants this is adapter policy.
func (s *paymentServiceImpl) MarkReset(ctx context.Context, p *models.Payment) error {
	at := s.now().UTC()
	_, err := s.transition(ctx, p, "mark_reset",
		models.Fields{models.FieldIsSuccess: false, models.FieldTransferAllowed: nil, models.FieldTransferRevoked: nil},
		models.Fields{models.FieldTransferFinalized: nil, models.FieldIsSuccess: nil},
		nil,
	)
	if err != nil {
		return err
	}
	s.fire(ctx, p, models.ChangeReset, at)
	return nil
}

// GetUniqueKey returns the payment's unique key, assigning a random one on
// first use. When a concurrent caller assigns first, its value is returned.
func (s *paymentServiceImpl) GetUniqueKey(ctx context.Context, p *models.Payment) (string, error) {
	if p.UniqueKey != "" {
		return p.UniqueKey, nil
	}

	key, err := generateUniqueKey(p.ID)
	if err != nil {
		return "", err
	}
	ok, err := s.repo.AtomicUpdate(ctx, p.ID,
		models.Fields{models.FieldUniqueKey: nil},
		models.Fields{models.FieldUniqueKey: key},
	)
	if err != nil {
		return "", fmt.Errorf("assign unique key: %w", err)
	}
	if ok {
		p.UniqueKey = key
		return key, nil
	}

	stored, err := s.repo.FindByID(ctx, p.ID)
	if err != nil {
		return "", fmt.Errorf("reload unique key: %w", err)
	}
	if stored.UniqueKey == "" {
		return "", apperrors.Newf(apperrors.KindStateConflict, "unique key of payment %s not assigned", p.ID)
	}
	p.UniqueKey = stored.UniqueKey
	return p.UniqueKey, nil
}

// SetUniqueKey assigns the unique key once.
func (s *paymentServiceImpl) SetUniqueKey(ctx context.Context, p *models.Payment, value string) error {
	if value == "" {
		return apperrors.Newf(apperrors.KindValidation, "empty unique key")
	}
	ok, err := s.repo.AtomicUpdate(ctx, p.ID,
		models.Fields{models.FieldUniqueKey: nil},
		models.Fields{models.FieldUniqueKey: value},
	)
	if err != nil {
		return fmt.Errorf("set unique key: %w", err)
	}
	if !ok {
		return apperrors.Newf(apperrors.KindStateConflict, "unique key of payment %s already set", p.ID)
	}
	p.UniqueKey = value
	return nil
}

// SetBlob stores the last raw provider response. Without overwrite the
// blob is only written when currently empty.
func (s *paymentServiceImpl) SetBlob(ctx context.Context, p *models.Payment, value string, overwrite bool) error {
	updates := models.Fields{models.FieldBlob: value}
	if overwrite {
		if err := s.repo.UpdateFields(ctx, p.ID, updates); err != nil {
			return fmt.Errorf("set blob: %w", err)
		}
		p.Blob = value
	} else {
		ok, err := s.repo.AtomicUpdate(ctx, p.ID, models.Fields{models.FieldBlob: nil}, updates)
		if err != nil {
			return fmt.Errorf("set blob: %w", err)
		}
		if !ok {
			return apperrors.Newf(apperrors.KindStateConflict, "blob of payment %s already set", p.ID)
		}
		p.Blob = value
	}

	if s.archive != nil && value != "" {
		key := fmt.Sprintf("%s/%s/%s.txt", p.Provider, p.ID, s.now().UTC().Format("20060102T150405.000000000"))
		if err := s.archive.Archive(ctx, key, []byte(value)); err != nil {
			s.logger.Warn("Failed to archive provider response", zap.String("payment_id", p.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// transition performs one compare-and-set. Fields in fill are written only
// when currently unset on the snapshot, keeping the milestone chain complete
// when a provider skips a step. If fill made the update fail because another
// worker set those fields meanwhile, the snapshot is refreshed and the
// transition retried once.
func (s *paymentServiceImpl) transition(ctx context.Context, p *models.Payment, op string, pre, upd, fill models.Fields) (models.Fields, error) {
	snapshot := p
	for attempt := 0; attempt < 2; attempt++ {
		fullPre := copyFields(pre)
		fullUpd := copyFields(upd)
		filled := false
		for k, v := range fill {
			if snapshot.Value(k) == nil {
				fullPre[k] = nil
				fullUpd[k] = v
				filled = true
			}
		}

		ok, err := s.repo.AtomicUpdate(ctx, p.ID, fullPre, fullUpd)
		if err != nil {
			s.logger.Error("Atomic update failed", zap.String("op", op), zap.String("payment_id", p.ID.String()), zap.Error(err))
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if ok {
			if snapshot != p {
				*p = *snapshot
			}
			p.Apply(fullUpd)
			s.logger.Info("Payment transition",
				zap.String("op", op),
				zap.String("payment_id", p.ID.String()),
				zap.String("state", string(p.State())),
			)
			return fullUpd, nil
		}
		if !filled {
			break
		}

		fresh, err := s.repo.FindByID(ctx, p.ID)
		if err != nil {
			if errors.Is(err, repository.ErrPaymentNotFound) {
				break
			}
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if !fresh.Matches(pre) {
			break
		}
		snapshot = fresh
	}

	s.logger.Info("Payment transition lost", zap.String("op", op), zap.String("payment_id", p.ID.String()))
	return nil, apperrors.Newf(apperrors.KindStateConflict, "%s: payment %s changed concurrently or is in the wrong state", op, p.ID)
}

// timestamp is now, but never earlier than a milestone already recorded.
func (s *paymentServiceImpl) timestamp(p *models.Payment) time.Time {
	at := s.now().UTC().Truncate(time.Millisecond)
	if latest := p.LatestMilestone(); at.Before(latest) {
		return latest
	}
	return at
}

func (s *paymentServiceImpl) fire(ctx context.Context, p *models.Payment, change models.Change, at time.Time) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, events.PaymentUpdated{Payment: p.Clone(), Change: change, At: at})
}

func copyFields(f models.Fields) models.Fields {
	c := make(models.Fields, len(f))
	for k, v := range f {
		c[k] = v
	}
	return c
}

func generateUniqueKey(id uuid.UUID) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate unique key: %w", err)
	}
	return hex.EncodeToString(b) + "-" + id.String(), nil
}
