package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ArpitTailong/food-express-sub001/internal/domain"
	"github.com/ArpitTailong/food-express-sub001/internal/metrics"
)

type fakeSweepRepo struct {
	stuck     []*domain.Payment
	retryable []*domain.Payment
}

func (r *fakeSweepRepo) CreateTx(ctx context.Context, q domain.Querier, p *domain.Payment) error {
	return nil
}

func (r *fakeSweepRepo) GetByIDTx(ctx context.Context, q domain.Querier, id string) (*domain.Payment, error) {
	return nil, domain.ErrPaymentNotFound
}

func (r *fakeSweepRepo) GetByIDForUpdateTx(ctx context.Context, q domain.Querier, id string) (*domain.Payment, error) {
	return nil, domain.ErrPaymentNotFound
}

func (r *fakeSweepRepo) GetByOrderIDTx(ctx context.Context, q domain.Querier, orderID string) (*domain.Payment, error) {
	return nil, domain.ErrPaymentNotFound
}

func (r *fakeSweepRepo) GetByIdempotencyKeyTx(ctx context.Context, q domain.Querier, key string) (*domain.Payment, error) {
	return nil, domain.ErrPaymentNotFound
}

func (r *fakeSweepRepo) UpdateTx(ctx context.Context, q domain.Querier, p *domain.Payment) error {
	return nil
}

func (r *fakeSweepRepo) FindStuckProcessing(ctx context.Context, q domain.Querier, olderThan time.Time, limit int) ([]*domain.Payment, error) {
	return r.stuck, nil
}

func (r *fakeSweepRepo) FindRetryable(ctx context.Context, q domain.Querier, maxAttempts int, limit int) ([]*domain.Payment, error) {
	return r.retryable, nil
}

type fakeFixer struct {
	timedOut []string
	retried  []string
	failOn   string
}

func (f *fakeFixer) FailTimedOutPayment(ctx context.Context, paymentID string) error {
	if paymentID == f.failOn {
		return errors.New("lock busy")
	}
	f.timedOut = append(f.timedOut, paymentID)
	return nil
}

func (f *fakeFixer) RetryDuePayment(ctx context.Context, paymentID string) error {
	f.retried = append(f.retried, paymentID)
	return nil
}

func newTestPaymentSweeper(repo *fakeSweepRepo, fixer *fakeFixer) *PaymentSweeper {
	return NewPaymentSweeper(nil, repo, fixer, time.Minute, 30*time.Minute, metrics.NoopSink{}, zap.NewNop())
}

func TestPaymentSweeper_TimesOutStuckPayments(t *testing.T) {
	repo := &fakeSweepRepo{stuck: []*domain.Payment{
		{ID: "pay-1", OrderID: "order-1", Status: domain.PaymentStatusProcessing},
		{ID: "pay-2", OrderID: "order-2", Status: domain.PaymentStatusProcessing},
	}}
	fixer := &fakeFixer{}

	newTestPaymentSweeper(repo, fixer).sweepStuckPayments(context.Background())
	assert.Equal(t, []string{"pay-1", "pay-2"}, fixer.timedOut)
}

func TestPaymentSweeper_FixerErrorDoesNotStopSweep(t *testing.T) {
	repo := &fakeSweepRepo{stuck: []*domain.Payment{
		{ID: "pay-1", Status: domain.PaymentStatusProcessing},
		{ID: "pay-2", Status: domain.PaymentStatusProcessing},
	}}
	fixer := &fakeFixer{failOn: "pay-1"}

	newTestPaymentSweeper(repo, fixer).sweepStuckPayments(context.Background())
	assert.Equal(t, []string{"pay-2"}, fixer.timedOut)
}

func TestPaymentSweeper_RetryRespectsBackoff(t *testing.T) {
	now := time.Now().UTC()
	repo := &fakeSweepRepo{retryable: []*domain.Payment{
		// First attempt 5 minutes ago: 2^1 = 2 minute backoff elapsed, due.
		{ID: "pay-due", Status: domain.PaymentStatusFailed, AttemptCount: 1, UpdatedAt: now.Add(-5 * time.Minute)},
		// Second attempt 3 minutes ago: 2^2 = 4 minute backoff, not yet due.
		{ID: "pay-waiting", Status: domain.PaymentStatusFailed, AttemptCount: 2, UpdatedAt: now.Add(-3 * time.Minute)},
	}}
	fixer := &fakeFixer{}

	newTestPaymentSweeper(repo, fixer).sweepRetryablePayments(context.Background())
	assert.Equal(t, []string{"pay-due"}, fixer.retried)
}

func TestBackoffInterval(t *testing.T) {
	assert.Equal(t, 2*time.Minute, backoffInterval(1))
	assert.Equal(t, 4*time.Minute, backoffInterval(2))
	assert.Equal(t, 8*time.Minute, backoffInterval(3))
}

type fakeFlagger struct {
	calls   int
	cutoffs []time.Time
}

func (f *fakeFlagger) FlagStuckOrders(ctx context.Context, olderThan time.Time) (int, error) {
	f.calls++
	f.cutoffs = append(f.cutoffs, olderThan)
	return 1, nil
}

func TestOrderSweeper_RunsOnTicker(t *testing.T) {
	flagger := &fakeFlagger{}
	sweeper := NewOrderSweeper(flagger, 10*time.Millisecond, 2*time.Hour, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	sweeper.Start(ctx)

	require.GreaterOrEqual(t, flagger.calls, 2)
	cutoff := flagger.cutoffs[0]
	assert.WithinDuration(t, time.Now().UTC().Add(-2*time.Hour), cutoff, time.Minute)
}
