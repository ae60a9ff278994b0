package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ossobv/osso-djuty-sub000/models"
)

// MemoryPaymentRepository keeps payments in process memory. It serializes
// every operation behind one mutex, which makes AtomicUpdate exact within a
// single process. Used for local development and tests.
type MemoryPaymentRepository struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*models.Payment
}

// NewMemoryPaymentRepository creates an empty MemoryPaymentRepository.
func NewMemoryPaymentRepository() *MemoryPaymentRepository {
	return &MemoryPaymentRepository{payments: make(map[uuid.UUID]*models.Payment)}
}

func (r *MemoryPaymentRepository) Create(_ context.Context, payment *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	if payment.Created.IsZero() {
		payment.Created = time.Now().UTC()
	}
	if _, exists := r.payments[payment.ID]; exists {
		return fmt.Errorf("payment %s already exists", payment.ID)
	}
	r.payments[payment.ID] = payment.Clone()
	return nil
}

func (r *MemoryPaymentRepository) FindByID(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return p.Clone(), nil
}

func (r *MemoryPaymentRepository) FindByUniqueKey(_ context.Context, uniqueKey string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.payments {
		if uniqueKey != "" && p.UniqueKey == uniqueKey {
			return p.Clone(), nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (r *MemoryPaymentRepository) AtomicUpdate(_ context.Context, id uuid.UUID, preconditions, updates models.Fields) (bool, error) {
	if err := preconditions.Validate(); err != nil {
		return false, err
	}
	if err := updates.Validate(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok || !p.Matches(preconditions) {
		return false, nil
	}
	p.Apply(updates)
	return true, nil
}

func (r *MemoryPaymentRepository) UpdateFields(_ context.Context, id uuid.UUID, updates models.Fields) error {
	if err := updates.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	p.Apply(updates)
	return nil
}
