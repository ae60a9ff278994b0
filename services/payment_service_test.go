package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/ossobv/osso-djuty-sub000/events"
	"github.com/ossobv/osso-djuty-sub000/models"
	"github.com/ossobv/osso-djuty-sub000/repository"
	"github.com/ossobv/osso-djuty-sub000/services"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---- mock publisher ----

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.PaymentUpdated
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.PaymentUpdated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) changes() []models.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Change, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Change)
	}
	return out
}

// ---- mock archive ----

type recordingArchive struct{ keys []string }

func (a *recordingArchive) Archive(_ context.Context, key string, _ []byte) error {
	a.keys = append(a.keys, key)
	return nil
}

// ---- helpers ----

type fixture struct {
	repo *repository.MemoryPaymentRepository
	pub  *recordingPublisher
	svc  services.PaymentService
}

func newFixture(t *testing.T, opts ...services.Option) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	repo := repository.NewMemoryPaymentRepository()
	pub := &recordingPublisher{}
	return &fixture{repo: repo, pub: pub, svc: services.NewPaymentService(repo, pub, logger, opts...)}
}

func (f *fixture) create(t *testing.T) *models.Payment {
	t.Helper()
	p, err := f.svc.CreatePayment(context.Background(), &models.CreatePaymentRequest{
		Realm:       "https://shop.example.com/",
		Provider:    "mollie",
		Description: "Order 1001",
		Amount:      decimal.RequireFromString("10.00"),
		Currency:    "eur",
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) reload(t *testing.T, p *models.Payment) *models.Payment {
	t.Helper()
	got, err := f.repo.FindByID(context.Background(), p.ID)
	require.NoError(t, err)
	return got
}

func assertMonotonic(t *testing.T, p *models.Payment) {
	t.Helper()
	chain := []*time.Time{p.TransferInitiated, p.TransferAllowed, p.TransferFinalized, p.TransferRevoked}
	var prev *time.Time
	for i, ts := range chain {
		if ts == nil {
			continue
		}
		if i > 0 {
			assert.NotNil(t, p.TransferInitiated, "later milestone without transfer_initiated")
		}
		if prev != nil {
			assert.False(t, ts.Before(*prev), "milestone %d earlier than its predecessor", i)
		}
		prev = ts
	}
}

// ---- tests ----

func TestCreatePayment_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreatePayment(ctx, &models.CreatePaymentRequest{
		Realm: "https://shop.example.com", Provider: "mollie", Description: "x",
		Amount: decimal.RequireFromString("-1"), Currency: "EUR",
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.svc.CreatePayment(ctx, &models.CreatePaymentRequest{
		Realm: "https://shop.example.com", Provider: "paypal", Description: "x",
		Amount: decimal.RequireFromString("1"), Currency: "EUR",
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.svc.CreatePayment(ctx, &models.CreatePaymentRequest{
		Realm: "https://shop.example.com", Provider: "mollie", Description: "x",
		Amount: decimal.RequireFromString("1.005"), Currency: "EUR",
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCreatePayment_Normalizes(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)

	assert.Equal(t, "EUR", p.Currency)
	assert.Equal(t, "https://shop.example.com", p.Realm)
	assert.Equal(t, models.StateUnsent, p.State())
	assert.Equal(t, models.StatusTooSoon, p.Status())
}

func TestScenarioA_SubmitTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)

	require.NoError(t, f.svc.MarkSubmitted(context.Background(), p))
	assert.Equal(t, models.StateSubmitted, p.State())

	err := f.svc.MarkSubmitted(context.Background(), p)
	assert.ErrorIs(t, err, apperrors.ErrStateConflict)
	assert.Equal(t, models.StateSubmitted, f.reload(t, p).State())
}

func TestScenarioB_PassedThenSucceededFiresPassedOnce(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	ctx := context.Background()

	require.NoError(t, f.svc.MarkSubmitted(ctx, p))
	require.NoError(t, f.svc.MarkPassed(ctx, p))
	require.NoError(t, f.svc.MarkSucceeded(ctx, p))

	assert.Equal(t, models.StateFinal, p.State())
	assert.Equal(t, models.StatusSuccess, p.Status())
	assert.True(t, *p.IsSuccess)
	assert.Equal(t, []models.Change{models.ChangePassed}, f.pub.changes())
	assertMonotonic(t, f.reload(t, p))
}

func TestMarkSucceeded_WithoutPassFiresPassed(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)

	require.NoError(t, f.svc.MarkSucceeded(context.Background(), p))

	stored := f.reload(t, p)
	assert.NotNil(t, stored.TransferInitiated)
	assert.NotNil(t, stored.TransferAllowed)
	assertMonotonic(t, stored)
	assert.Equal(t, []models.Change{models.ChangePassed}, f.pub.changes())
}

func TestP1_SucceededTwiceConflictsAndKeepsFirstResult(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	ctx := context.Background()

	require.NoError(t, f.svc.MarkSucceeded(ctx, p))
	first := *f.reload(t, p).TransferFinalized

	err := f.svc.MarkSucceeded(ctx, p)
	assert.ErrorIs(t, err, apperrors.ErrStateConflict)

	stored := f.reload(t, p)
	assert.True(t, first.Equal(*stored.TransferFinalized))
	assert.True(t, *stored.IsSuccess)
	assert.Len(t, f.pub.changes(), 1)
}

func TestP2_SucceededAndAbortedRace(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	ctx := context.Background()
	require.NoError(t, f.svc.MarkSubmitted(ctx, p))

	a := f.reload(t, p)
	b := f.reload(t, p)

	var wg sync.WaitGroup
	var errSucceed, errAbort error
	wg.Add(2)
	go func() { defer wg.Done(); errSucceed = f.svc.MarkSucceeded(ctx, a) }()
	go func() { defer wg.Done(); errAbort = f.svc.MarkAborted(ctx, b) }()
	wg.Wait()

	assert.True(t, (errSucceed == nil) != (errAbort == nil), "exactly one terminal transition must win")
	loser := errSucceed
	if loser == nil {
		loser = errAbort
	}
	assert.ErrorIs(t, loser, apperrors.ErrStateConflict)
	assert.Equal(t, models.StateFinal, f.reload(t, p).State())
}

func TestScenarioC_ConcurrentAbortsOneWins(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	ctx := context.Background()
	require.NoError(t, f.svc.MarkSubmitted(ctx, p))

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.svc.MarkAborted(ctx, f.reload(t, p))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrStateConflict)
	}
	assert.Equal(t, 1, wins)

	stored := f.reload(t, p)
	assert.Equal(t, models.StateFinal, stored.State())
	assert.Equal(t, models.StatusAbort, stored.Status())
	assert.Equal(t, []models.Change{models.ChangeAborted}, f.pub.changes())
}

func TestMarkAborted_NotAfterPassed(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	ctx := context.Background()

	require.NoError(t, f.svc.MarkPassed(ctx, p))
	assert.ErrorIs(t, f.svc.MarkAborted(ctx, p), apperrors.ErrStateConflict)
	assert.Equal(t, models.StateProcessing, f.reload(t, p).State())
}

func TestMarkPassed_RetriesWhenBackfillRaced(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	ctx := context.Background()

	// another worker submits between our read and our update
	stale := f.reload(t, p)
	require.NoError(t, f.svc.MarkSubmitted(ctx, p))

	require.NoError(t, f.svc.MarkPassed(ctx, stale))
	assert.Equal(t, models.StateProcessing, stale.State())
	assert.True(t, p.TransferInitiated.Equal(*stale.TransferInitiated))
}

func TestMarkRevokedAndReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paid := f.create(t)
	assert.ErrorIs(t, f.svc.MarkRevoked(ctx, paid), apperrors.ErrStateConflict)
	require.NoError(t, f.svc.MarkSucceeded(ctx, paid))
	require.NoError(t, f.svc.MarkRevoked(ctx, paid))
	assert.Equal(t, models.StateRevoked, paid.State())
	assert.Equal(t, models.StatusAbort, paid.Status())
	assertMonotonic(t, f.reload(t, paid))
	assert.ErrorIs(t, f.svc.MarkReset(ctx, paid), apperrors.ErrStateConflict)

	aborted := f.create(t)
	require.NoError(t, f.svc.MarkAborted(ctx, aborted))
	require.NoError(t, f.svc.MarkReset(ctx, aborted))
	assert.Equal(t, models.StateSubmitted, aborted.State())
	assert.Equal(t, models.StatusTooSoon, aborted.Status())
	require.NoError(t, f.svc.MarkSucceeded(ctx, aborted))

	assert.Equal(t, []models.Change{
		models.ChangePassed, models.ChangeRevoked,
		models.ChangeAborted, models.ChangeReset, models.ChangePassed,
	}, f.pub.changes())
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, services.WithClock(func() time.Time { return clock }))
	p := f.create(t)
	ctx := context.Background()

	require.NoError(t, f.svc.MarkSubmitted(ctx, p))
	clock = clock.Add(-time.Hour)
	require.NoError(t, f.svc.MarkPassed(ctx, p))

	assert.False(t, p.TransferAllowed.Before(*p.TransferInitiated))
	assertMonotonic(t, f.reload(t, p))
}

func TestScenarioD_ConcurrentGetUniqueKey(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	ctx := context.Background()

	const callers = 16
	keys := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := f.svc.GetUniqueKey(ctx, f.reload(t, p))
			assert.NoError(t, err)
			keys[i] = k
		}(i)
	}
	wg.Wait()

	stored := f.reload(t, p).UniqueKey
	assert.NotEmpty(t, stored)
	for _, k := range keys {
		assert.Equal(t, stored, k)
	}

	again, err := f.svc.GetUniqueKey(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, stored, again)
}

func TestSetUniqueKey_OneShot(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	ctx := context.Background()

	key := models.UniqueKeyFor("TX123", p.ID)
	require.NoError(t, f.svc.SetUniqueKey(ctx, p, key))
	assert.ErrorIs(t, f.svc.SetUniqueKey(ctx, p, "other"), apperrors.ErrStateConflict)

	got, err := f.svc.GetUniqueKey(ctx, f.reload(t, p))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	found, err := f.svc.GetPaymentByUniqueKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)
}

func TestSetBlob(t *testing.T) {
	archive := &recordingArchive{}
	f := newFixture(t, services.WithBlobArchive(archive))
	p := f.create(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SetBlob(ctx, p, "first", false))
	assert.ErrorIs(t, f.svc.SetBlob(ctx, p, "second", false), apperrors.ErrStateConflict)
	assert.Equal(t, "first", f.reload(t, p).Blob)

	require.NoError(t, f.svc.SetBlob(ctx, p, "third", true))
	assert.Equal(t, "third", f.reload(t, p).Blob)
	assert.Equal(t, "third", p.Blob)
	assert.Len(t, archive.keys, 2)
}

func TestGetPayment_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetPayment(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
