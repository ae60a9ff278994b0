package repository_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ossobv/osso-djuty-sub000/models"
	"github.com/ossobv/osso-djuty-sub000/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_CreateAndFind(t *testing.T) {
	repo := repository.NewMemoryPaymentRepository()
	p := &models.Payment{Provider: "mollie", UniqueKey: "TX9-abc"}

	require.NoError(t, repo.Create(context.Background(), p))
	assert.NotEqual(t, uuid.Nil, p.ID)
	assert.False(t, p.Created.IsZero())

	got, err := repo.FindByUniqueKey(context.Background(), "TX9-abc")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = repo.FindByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repository.ErrPaymentNotFound)
}

func TestMemory_FindReturnsCopies(t *testing.T) {
	repo := repository.NewMemoryPaymentRepository()
	p := &models.Payment{}
	require.NoError(t, repo.Create(context.Background(), p))

	got, _ := repo.FindByID(context.Background(), p.ID)
	now := time.Now()
	got.TransferInitiated = &now

	again, _ := repo.FindByID(context.Background(), p.ID)
	assert.Nil(t, again.TransferInitiated)
}

func TestMemory_AtomicUpdateExactlyOneWinner(t *testing.T) {
	repo := repository.NewMemoryPaymentRepository()
	p := &models.Payment{}
	require.NoError(t, repo.Create(context.Background(), p))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.AtomicUpdate(context.Background(), p.ID,
				models.Fields{models.FieldTransferFinalized: nil, models.FieldIsSuccess: nil},
				models.Fields{models.FieldTransferFinalized: time.Now(), models.FieldIsSuccess: true},
			)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	got, _ := repo.FindByID(context.Background(), p.ID)
	assert.Equal(t, models.StatusSuccess, got.Status())
}

func TestMemory_AtomicUpdateUnknownID(t *testing.T) {
	repo := repository.NewMemoryPaymentRepository()
	ok, err := repo.AtomicUpdate(context.Background(), uuid.New(), nil, models.Fields{models.FieldBlob: "x"})
	assert.NoError(t, err)
	assert.False(t, ok)
}
