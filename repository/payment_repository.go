package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/ossobv/osso-djuty-sub000/models"
	"gorm.io/gorm"
)

// ErrPaymentNotFound is returned by the finders when no record matches.
var ErrPaymentNotFound = apperrors.New(apperrors.KindNotFound, "Payment not found", nil)

// PaymentRepository defines data-access operations for payments.
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindByUniqueKey(ctx context.Context, uniqueKey string) (*models.Payment, error)
	// AtomicUpdate applies updates to the record only if all preconditions
	// hold, as a single store operation. It reports whether the record was
	// changed; a failed precondition is (false, nil).
	AtomicUpdate(ctx context.Context, id uuid.UUID, preconditions, updates models.Fields) (bool, error)
	// UpdateFields writes updates unconditionally.
	UpdateFields(ctx context.Context, id uuid.UUID, updates models.Fields) error
}

// GormPaymentRepository implements PaymentRepository using GORM.
type GormPaymentRepository struct {
	db *gorm.DB
}

// NewGormPaymentRepository creates a new GormPaymentRepository.
func NewGormPaymentRepository(db *gorm.DB) PaymentRepository {
	return &GormPaymentRepository{db: db}
}

func (r *GormPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *GormPaymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, translateGormError(err)
	}
	return &p, nil
}

func (r *GormPaymentRepository) FindByUniqueKey(ctx context.Context, uniqueKey string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.WithContext(ctx).
		Where("unique_key = ?", uniqueKey).
		First(&p).Error; err != nil {
		return nil, translateGormError(err)
	}
	return &p, nil
}

// AtomicUpdate issues one filtered UPDATE and relies on the affected row
// count, so the database row lock arbitrates concurrent writers.
func (r *GormPaymentRepository) AtomicUpdate(ctx context.Context, id uuid.UUID, preconditions, updates models.Fields) (bool, error) {
	if err := preconditions.Validate(); err != nil {
		return false, err
	}
	if err := updates.Validate(); err != nil {
		return false, err
	}
	if len(updates) == 0 {
		return false, fmt.Errorf("atomic update without updates")
	}

	query := r.db.WithContext(ctx).Model(&models.Payment{}).Where("id = ?", id)
	for _, k := range preconditions.Keys() {
		v := preconditions[k]
		switch {
		case v == nil && isStringField(k):
			query = query.Where(fmt.Sprintf("(%s IS NULL OR %s = '')", k, k))
		case v == nil:
			query = query.Where(fmt.Sprintf("%s IS NULL", k))
		default:
			query = query.Where(fmt.Sprintf("%s = ?", k), toColumnValue(v))
		}
	}

	res := query.Updates(toColumns(updates))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *GormPaymentRepository) UpdateFields(ctx context.Context, id uuid.UUID, updates models.Fields) error {
	if err := updates.Validate(); err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&models.Payment{}).Where("id = ?", id).Updates(toColumns(updates))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func toColumns(updates models.Fields) map[string]interface{} {
	cols := make(map[string]interface{}, len(updates))
	for k, v := range updates {
		if v == nil && isStringField(k) {
			cols[string(k)] = ""
			continue
		}
		cols[string(k)] = toColumnValue(v)
	}
	return cols
}

func toColumnValue(v interface{}) interface{} {
	if t, ok := v.(time.Time); ok {
		return t.UTC()
	}
	return v
}

func isStringField(f models.Field) bool {
	return f == models.FieldUniqueKey || f == models.FieldBlob
}

func translateGormError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrPaymentNotFound
	}
	return err
}
