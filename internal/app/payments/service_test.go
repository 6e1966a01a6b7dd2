package payments

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ArpitTailong/food-express-sub001/internal/domain"
	"github.com/ArpitTailong/food-express-sub001/internal/gateway"
	"github.com/ArpitTailong/food-express-sub001/internal/idempotency"
	"github.com/ArpitTailong/food-express-sub001/internal/lock"
	"github.com/ArpitTailong/food-express-sub001/internal/metrics"
)

// --- fakes -----------------------------------------------------------------

type fakePaymentRepo struct {
	mu        sync.Mutex
	payments  map[string]*domain.Payment
	byIdemKey map[string]string
	creates   int
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: map[string]*domain.Payment{}, byIdemKey: map[string]string{}}
}

func (r *fakePaymentRepo) put(p *domain.Payment) {
	cp := *p
	r.payments[p.ID] = &cp
	if p.IdempotencyKey != "" {
		r.byIdemKey[p.IdempotencyKey] = p.ID
	}
}

// get is the unlocked lookup; callers hold mu.
func (r *fakePaymentRepo) get(id string) (*domain.Payment, error) {
	p, ok := r.payments[id]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakePaymentRepo) CreateTx(ctx context.Context, q domain.Querier, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	r.put(p)
	return nil
}

func (r *fakePaymentRepo) GetByIDTx(ctx context.Context, q domain.Querier, id string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(id)
}

func (r *fakePaymentRepo) GetByIDForUpdateTx(ctx context.Context, q domain.Querier, id string) (*domain.Payment, error) {
	return r.GetByIDTx(ctx, q, id)
}

func (r *fakePaymentRepo) GetByOrderIDTx(ctx context.Context, q domain.Querier, orderID string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *domain.Payment
	for _, p := range r.payments {
		if p.OrderID == orderID && (latest == nil || p.CreatedAt.After(latest.CreatedAt)) {
			latest = p
		}
	}
	if latest == nil {
		return nil, domain.ErrPaymentNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *fakePaymentRepo) GetByIdempotencyKeyTx(ctx context.Context, q domain.Querier, key string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byIdemKey[key]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return r.get(id)
}

func (r *fakePaymentRepo) UpdateTx(ctx context.Context, q domain.Querier, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.payments[p.ID]
	if !ok || stored.Version != p.Version {
		return domain.ErrVersionConflict
	}
	p.Version++
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *fakePaymentRepo) FindStuckProcessing(ctx context.Context, q domain.Querier, olderThan time.Time, limit int) ([]*domain.Payment, error) {
	return nil, nil
}

func (r *fakePaymentRepo) FindRetryable(ctx context.Context, q domain.Querier, maxAttempts int, limit int) ([]*domain.Payment, error) {
	return nil, nil
}

type fakeInboxRepo struct {
	seen     map[string]domain.InboxMessageStatus
	finished map[string]domain.InboxMessageStatus
}

func newFakeInboxRepo() *fakeInboxRepo {
	return &fakeInboxRepo{seen: map[string]domain.InboxMessageStatus{}, finished: map[string]domain.InboxMessageStatus{}}
}

func (r *fakeInboxRepo) CreateMessageTx(ctx context.Context, q domain.Querier, msg *domain.InboxMessage) error {
	if _, dup := r.seen[msg.ID]; dup {
		return domain.ErrMessageAlreadyProcessed
	}
	r.seen[msg.ID] = msg.Status
	return nil
}

func (r *fakeInboxRepo) UpdateStatusTx(ctx context.Context, q domain.Querier, id string, status domain.InboxMessageStatus) error {
	r.finished[id] = status
	return nil
}

type fakeOutboxRepo struct {
	mu       sync.Mutex
	messages []*domain.OutboxMessage
}

func (r *fakeOutboxRepo) CreateMessageTx(ctx context.Context, q domain.Querier, msg *domain.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *fakeOutboxRepo) GetPendingMessages(ctx context.Context, q domain.Querier, limit int) ([]domain.OutboxMessage, error) {
	return nil, nil
}

func (r *fakeOutboxRepo) UpdateMessageStatusTx(ctx context.Context, q domain.Querier, id string, status domain.OutboxMessageStatus) error {
	return nil
}

func (r *fakeOutboxRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.messages))
	for i, m := range r.messages {
		types[i] = m.MessageType
	}
	return types
}

type fakeGuard struct {
	mu        sync.Mutex
	inflight  map[string]string
	completed map[string][]byte
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{inflight: map[string]string{}, completed: map[string][]byte{}}
}

func (g *fakeGuard) Begin(ctx context.Context, key, payloadHash string) (idempotency.Outcome, []byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if resp, ok := g.completed[key]; ok {
		return idempotency.OutcomeCompleted, resp, nil
	}
	if hash, ok := g.inflight[key]; ok {
		if hash != payloadHash {
			return idempotency.OutcomeInProgress, nil, idempotency.ErrPayloadMismatch
		}
		return idempotency.OutcomeInProgress, nil, nil
	}
	g.inflight[key] = payloadHash
	return idempotency.OutcomeNew, nil, nil
}

func (g *fakeGuard) Complete(ctx context.Context, key, payloadHash string, response []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, key)
	g.completed[key] = response
	return nil
}

func (g *fakeGuard) Abort(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, key)
	return nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
	busy bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

func (l *fakeLocker) Acquire(ctx context.Context, resource string) (*lock.Token, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy || l.held[resource] {
		return nil, lock.ErrLockBusy
	}
	l.held[resource] = true
	return &lock.Token{Key: "lock:" + resource, Owner: uuid.NewString()}, nil
}

func (l *fakeLocker) Release(ctx context.Context, token *lock.Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if token != nil {
		delete(l.held, token.Key[len("lock:"):])
	}
	return nil
}

// --- harness ---------------------------------------------------------------

type paymentHarness struct {
	service PaymentService
	repo    *fakePaymentRepo
	inbox   *fakeInboxRepo
	outbox  *fakeOutboxRepo
	guard   *fakeGuard
	locker  *fakeLocker
}

func newPaymentHarness(t *testing.T) *paymentHarness {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 16; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
		mock.ExpectRollback()
	}

	h := &paymentHarness{
		repo:   newFakePaymentRepo(),
		inbox:  newFakeInboxRepo(),
		outbox: &fakeOutboxRepo{},
		guard:  newFakeGuard(),
		locker: newFakeLocker(),
	}
	h.service = NewPaymentService(
		db, h.repo, h.inbox, h.outbox, h.guard, h.locker,
		gateway.NewMockGateway(), "payment_events", metrics.NoopSink{}, zap.NewNop(),
	)
	return h
}

func createRequest(token string) *CreatePaymentRequest {
	return &CreatePaymentRequest{
		OrderID:        "order-1",
		CustomerID:     "customer-1",
		Amount:         decimal.RequireFromString("100.00"),
		Currency:       "INR",
		PaymentMethod:  "CARD",
		GatewayToken:   token,
		CardLastFour:   "4242",
		CardBrand:      "VISA",
		IdempotencyKey: "idem-1",
	}
}

// --- tests -----------------------------------------------------------------

func TestCreatePayment_Success(t *testing.T) {
	h := newPaymentHarness(t)

	resp, err := h.service.CreatePayment(context.Background(), createRequest(gateway.TokenSuccess))
	require.NoError(t, err)

	assert.Equal(t, "SUCCESS", resp.Status)
	assert.Equal(t, 1, resp.AttemptCount)
	assert.NotEmpty(t, resp.TransactionID)
	assert.False(t, resp.Retryable)

	assert.Equal(t, []string{domain.EventPaymentCreated, domain.EventPaymentCompleted}, h.outbox.eventTypes())
	assert.Contains(t, h.guard.completed, "idem-1")
	assert.Empty(t, h.locker.held, "lock released")
}

func TestCreatePayment_Declined(t *testing.T) {
	h := newPaymentHarness(t)

	resp, err := h.service.CreatePayment(context.Background(), createRequest(gateway.TokenDeclined))
	require.NoError(t, err, "a decline is a settled outcome, not an error")

	assert.Equal(t, "FAILED", resp.Status)
	assert.Equal(t, "CARD_DECLINED", resp.ErrorCode)
	assert.Equal(t, 1, resp.AttemptCount)
	assert.True(t, resp.Retryable)

	assert.Equal(t, []string{domain.EventPaymentCreated, domain.EventPaymentFailed}, h.outbox.eventTypes())
	// Declines cache too: replaying the same key must not charge again.
	assert.Contains(t, h.guard.completed, "idem-1")
}

func TestCreatePayment_RequiresActionRecordedAsFailed(t *testing.T) {
	h := newPaymentHarness(t)

	resp, err := h.service.CreatePayment(context.Background(), createRequest(gateway.Token3DSRequired))
	require.NoError(t, err)
	assert.Equal(t, "FAILED", resp.Status)
	assert.Equal(t, "3DS_REQUIRED", resp.ErrorCode)
}

func TestCreatePayment_DuplicateReplaysCachedResponse(t *testing.T) {
	h := newPaymentHarness(t)
	ctx := context.Background()

	first, err := h.service.CreatePayment(ctx, createRequest(gateway.TokenSuccess))
	require.NoError(t, err)
	createsAfterFirst := h.repo.creates

	second, err := h.service.CreatePayment(ctx, createRequest(gateway.TokenSuccess))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, createsAfterFirst, h.repo.creates, "no second charge attempt")
}

func TestCreatePayment_InFlightDuplicateRejected(t *testing.T) {
	h := newPaymentHarness(t)
	req := createRequest(gateway.TokenSuccess)

	// Simulate the first request still holding the key.
	_, _, err := h.guard.Begin(context.Background(), req.IdempotencyKey, idempotency.HashPayload(req))
	require.NoError(t, err)

	_, err = h.service.CreatePayment(context.Background(), req)
	assert.True(t, errors.Is(err, ErrRequestInFlight))
	assert.Zero(t, h.repo.creates)
}

func TestCreatePayment_KeyReuseWithDifferentPayload(t *testing.T) {
	h := newPaymentHarness(t)
	ctx := context.Background()

	first := createRequest(gateway.TokenSuccess)
	_, _, err := h.guard.Begin(ctx, first.IdempotencyKey, idempotency.HashPayload(first))
	require.NoError(t, err)

	second := createRequest(gateway.TokenSuccess)
	second.Amount = decimal.RequireFromString("999.00")
	_, err = h.service.CreatePayment(ctx, second)

	var validationErr *domain.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "idempotency_key", validationErr.Field)
}

func TestCreatePayment_LockBusy(t *testing.T) {
	h := newPaymentHarness(t)
	h.locker.busy = true

	_, err := h.service.CreatePayment(context.Background(), createRequest(gateway.TokenSuccess))
	assert.True(t, errors.Is(err, ErrPaymentConflict))
	assert.Zero(t, h.repo.creates)
	assert.Empty(t, h.guard.inflight, "marker cleared so the client can retry")
}

func TestCreatePayment_GatewayUnavailable(t *testing.T) {
	h := newPaymentHarness(t)

	_, err := h.service.CreatePayment(context.Background(), createRequest(gateway.TokenNetworkError))
	require.True(t, errors.Is(err, ErrServiceUnavailable))

	// The attempt is persisted as FAILED so the retry sweep can find it.
	stored, getErr := h.repo.GetByIdempotencyKeyTx(context.Background(), nil, "idem-1")
	require.NoError(t, getErr)
	assert.Equal(t, domain.PaymentStatusFailed, stored.Status)
	assert.Equal(t, "GATEWAY_UNAVAILABLE", stored.ErrorCode)

	assert.Equal(t, []string{domain.EventPaymentCreated, domain.EventPaymentFailed}, h.outbox.eventTypes())
	assert.Empty(t, h.guard.inflight, "marker cleared so the client can retry with the same key")
	assert.NotContains(t, h.guard.completed, "idem-1")
}

func TestCreatePayment_ResubmitAfterGatewayOutageRetries(t *testing.T) {
	h := newPaymentHarness(t)

	_, err := h.service.CreatePayment(context.Background(), createRequest(gateway.TokenNetworkError))
	require.True(t, errors.Is(err, ErrServiceUnavailable))

	// Same key once the gateway is reachable again: the stored FAILED
	// attempt is re-driven through the gateway, not replayed.
	resp, err := h.service.CreatePayment(context.Background(), createRequest(gateway.TokenSuccess))
	require.NoError(t, err)
	assert.Equal(t, string(domain.PaymentStatusSuccess), resp.Status)
	assert.Equal(t, 2, resp.AttemptCount)
	assert.Equal(t, 1, h.repo.creates, "resubmission reuses the existing payment row")

	assert.Equal(t, []string{
		domain.EventPaymentCreated,
		domain.EventPaymentFailed,
		domain.EventPaymentCompleted,
	}, h.outbox.eventTypes())
	assert.Contains(t, h.guard.completed, "idem-1")
}

func TestCreatePayment_ResubmitAfterDeclineDoesNotRecharge(t *testing.T) {
	h := newPaymentHarness(t)

	first, err := h.service.CreatePayment(context.Background(), createRequest(gateway.TokenDeclined))
	require.NoError(t, err)
	assert.Equal(t, string(domain.PaymentStatusFailed), first.Status)

	// A decline is a terminal response for this key; resubmitting replays it.
	second, err := h.service.CreatePayment(context.Background(), createRequest(gateway.TokenDeclined))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.AttemptCount, second.AttemptCount)
	assert.Equal(t, []string{domain.EventPaymentCreated, domain.EventPaymentFailed}, h.outbox.eventTypes())
}

type countingGateway struct {
	inner   gateway.PaymentGateway
	charges int32
}

func (g *countingGateway) Charge(ctx context.Context, token string, amount decimal.Decimal, currency string) (*gateway.ChargeResult, error) {
	atomic.AddInt32(&g.charges, 1)
	return g.inner.Charge(ctx, token, amount, currency)
}

func (g *countingGateway) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*gateway.RefundResult, error) {
	return g.inner.Refund(ctx, transactionID, amount)
}

func TestCreatePayment_ConcurrentDuplicatesChargeOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 16; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
		mock.ExpectRollback()
	}

	repo := newFakePaymentRepo()
	guard := newFakeGuard()
	outbox := &fakeOutboxRepo{}
	gw := &countingGateway{inner: gateway.NewMockGateway()}
	service := NewPaymentService(
		db, repo, newFakeInboxRepo(), outbox, guard, newFakeLocker(),
		gw, "payment_events", metrics.NoopSink{}, zap.NewNop(),
	)

	const workers = 8
	responses := make([]*PaymentResponse, workers)
	failures := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], failures[i] = service.CreatePayment(context.Background(), createRequest(gateway.TokenSuccess))
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&gw.charges), "gateway charged exactly once")
	assert.Equal(t, 1, repo.creates, "one payment row for all duplicates")

	succeeded := 0
	for i := 0; i < workers; i++ {
		if failures[i] == nil {
			require.NotNil(t, responses[i])
			assert.Equal(t, string(domain.PaymentStatusSuccess), responses[i].Status)
			succeeded++
			continue
		}
		assert.True(t,
			errors.Is(failures[i], ErrRequestInFlight) || errors.Is(failures[i], ErrPaymentConflict),
			"loser %d got %v", i, failures[i])
	}
	require.GreaterOrEqual(t, succeeded, 1, "the winner settles the payment")
}

func TestCreatePayment_ExistingPaymentUnderLockReplayed(t *testing.T) {
	h := newPaymentHarness(t)

	// A payment for this key already exists (e.g. guard state was lost).
	p, err := domain.NewPayment("order-1", "customer-1", "idem-1",
		decimal.RequireFromString("100.00"), "INR", "CARD", "corr-1")
	require.NoError(t, err)
	p.ID = "pay-existing"
	require.NoError(t, p.StartProcessing(gateway.TokenSuccess))
	require.NoError(t, p.MarkSuccess("txn-prior", "00"))
	h.repo.put(p)

	resp, err := h.service.CreatePayment(context.Background(), createRequest(gateway.TokenSuccess))
	require.NoError(t, err)
	assert.Equal(t, "pay-existing", resp.ID)
	assert.Equal(t, "txn-prior", resp.TransactionID)
	assert.Zero(t, h.repo.creates, "no duplicate payment row")
}

func TestRetryPayment_FailedThenSuccess(t *testing.T) {
	h := newPaymentHarness(t)
	ctx := context.Background()

	_, err := h.service.CreatePayment(ctx, createRequest(gateway.TokenFail))
	require.NoError(t, err)
	stored, err := h.repo.GetByIdempotencyKeyTx(ctx, nil, "idem-1")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusFailed, stored.Status)
	require.Equal(t, 1, stored.AttemptCount)

	resp, err := h.service.RetryPayment(ctx, stored.ID, gateway.TokenSuccess)
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", resp.Status)
	assert.Equal(t, 2, resp.AttemptCount)
	assert.NotEmpty(t, resp.TransactionID)

	assert.Equal(t, []string{
		domain.EventPaymentCreated,
		domain.EventPaymentFailed,
		domain.EventPaymentCompleted,
	}, h.outbox.eventTypes())
}

func TestRetryPayment_OnlyFromFailed(t *testing.T) {
	h := newPaymentHarness(t)
	ctx := context.Background()

	_, err := h.service.CreatePayment(ctx, createRequest(gateway.TokenSuccess))
	require.NoError(t, err)
	stored, err := h.repo.GetByIdempotencyKeyTx(ctx, nil, "idem-1")
	require.NoError(t, err)

	_, err = h.service.RetryPayment(ctx, stored.ID, gateway.TokenSuccess)
	var transitionErr *domain.InvalidStateTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, "SUCCESS", transitionErr.From)
}

func TestRetryPayment_AttemptCapEnforced(t *testing.T) {
	h := newPaymentHarness(t)
	ctx := context.Background()

	_, err := h.service.CreatePayment(ctx, createRequest(gateway.TokenDeclined))
	require.NoError(t, err)
	stored, err := h.repo.GetByIdempotencyKeyTx(ctx, nil, "idem-1")
	require.NoError(t, err)

	for attempt := 2; attempt <= domain.MaxPaymentAttempts; attempt++ {
		resp, err := h.service.RetryPayment(ctx, stored.ID, gateway.TokenDeclined)
		require.NoError(t, err)
		assert.Equal(t, attempt, resp.AttemptCount)
	}

	_, err = h.service.RetryPayment(ctx, stored.ID, gateway.TokenSuccess)
	assert.True(t, errors.Is(err, domain.ErrMaxRetriesExceeded))
}

func TestRefundPayment_Full(t *testing.T) {
	h := newPaymentHarness(t)
	ctx := context.Background()

	_, err := h.service.CreatePayment(ctx, createRequest(gateway.TokenSuccess))
	require.NoError(t, err)
	stored, err := h.repo.GetByIdempotencyKeyTx(ctx, nil, "idem-1")
	require.NoError(t, err)

	resp, err := h.service.RefundPayment(ctx, &RefundPaymentRequest{
		PaymentID:      stored.ID,
		Reason:         "customer request",
		IdempotencyKey: "refund-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "REFUNDED", resp.Status)
	assert.NotEmpty(t, resp.RefundID)
	assert.Equal(t, "100", resp.RefundAmount)

	assert.Contains(t, h.outbox.eventTypes(), domain.EventPaymentRefunded)
}

func TestRefundPayment_PartialAndBounds(t *testing.T) {
	h := newPaymentHarness(t)
	ctx := context.Background()

	_, err := h.service.CreatePayment(ctx, createRequest(gateway.TokenSuccess))
	require.NoError(t, err)
	stored, err := h.repo.GetByIdempotencyKeyTx(ctx, nil, "idem-1")
	require.NoError(t, err)

	tooMuch := decimal.RequireFromString("100.01")
	_, err = h.service.RefundPayment(ctx, &RefundPaymentRequest{
		PaymentID: stored.ID, Reason: "oops", Amount: &tooMuch, IdempotencyKey: "refund-big",
	})
	assert.True(t, errors.Is(err, domain.ErrRefundExceedsCharge))

	after, err := h.repo.GetByIDTx(ctx, nil, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, after.Status, "rejected refund leaves payment settled")

	partial := decimal.RequireFromString("40.00")
	resp, err := h.service.RefundPayment(ctx, &RefundPaymentRequest{
		PaymentID: stored.ID, Reason: "partial", Amount: &partial, IdempotencyKey: "refund-partial",
	})
	require.NoError(t, err)
	assert.Equal(t, "REFUNDED", resp.Status)
	assert.Equal(t, "40", resp.RefundAmount)
}

func TestRefundPayment_OnlySuccessRefundable(t *testing.T) {
	h := newPaymentHarness(t)
	ctx := context.Background()

	_, err := h.service.CreatePayment(ctx, createRequest(gateway.TokenDeclined))
	require.NoError(t, err)
	stored, err := h.repo.GetByIdempotencyKeyTx(ctx, nil, "idem-1")
	require.NoError(t, err)

	_, err = h.service.RefundPayment(ctx, &RefundPaymentRequest{
		PaymentID: stored.ID, Reason: "nope", IdempotencyKey: "refund-1",
	})
	assert.True(t, errors.Is(err, ErrNotRefundable))
}

func TestRefundPayment_AlreadyRefundedReplays(t *testing.T) {
	h := newPaymentHarness(t)
	ctx := context.Background()

	_, err := h.service.CreatePayment(ctx, createRequest(gateway.TokenSuccess))
	require.NoError(t, err)
	stored, err := h.repo.GetByIdempotencyKeyTx(ctx, nil, "idem-1")
	require.NoError(t, err)

	_, err = h.service.RefundPayment(ctx, &RefundPaymentRequest{
		PaymentID: stored.ID, Reason: "first", IdempotencyKey: "refund-1",
	})
	require.NoError(t, err)

	// A different caller refunding the already-refunded payment gets the
	// refunded state back, not an error.
	resp, err := h.service.RefundPayment(ctx, &RefundPaymentRequest{
		PaymentID: stored.ID, Reason: "second", IdempotencyKey: "refund-2",
	})
	require.NoError(t, err)
	assert.Equal(t, "REFUNDED", resp.Status)
}

func TestProcessPaymentRequestedEvent(t *testing.T) {
	h := newPaymentHarness(t)
	ctx := context.Background()

	event := &domain.OrderEvent{
		EventID:       "evt-1",
		EventType:     domain.EventPaymentRequested,
		OrderID:       "order-1",
		CustomerID:    "customer-1",
		Status:        string(domain.OrderStatusPaymentPending),
		TotalAmount:   "69.50",
		Currency:      "INR",
		PaymentMethod: "CARD",
		GatewayToken:  gateway.TokenSuccess,
		CorrelationID: "corr-1",
	}
	raw, _ := json.Marshal(event)

	require.NoError(t, h.service.ProcessPaymentRequestedEvent(ctx, event, raw))
	assert.Equal(t, 1, h.repo.creates)
	assert.Equal(t, domain.InboxStatusProcessed, h.inbox.finished["evt-1"])

	// Redelivery of the same event is absorbed by inbox dedup.
	require.NoError(t, h.service.ProcessPaymentRequestedEvent(ctx, event, raw))
	assert.Equal(t, 1, h.repo.creates)
}

func TestProcessPaymentRequestedEvent_MalformedAmount(t *testing.T) {
	h := newPaymentHarness(t)

	event := &domain.OrderEvent{
		EventID:     "evt-bad",
		EventType:   domain.EventPaymentRequested,
		OrderID:     "order-1",
		CustomerID:  "customer-1",
		TotalAmount: "not-a-number",
		Currency:    "INR",
	}
	raw, _ := json.Marshal(event)

	require.NoError(t, h.service.ProcessPaymentRequestedEvent(context.Background(), event, raw))
	assert.Zero(t, h.repo.creates)
	assert.Equal(t, domain.InboxStatusFailed, h.inbox.finished["evt-bad"])
}

func TestProcessOrderCancelledEvent_RefundsSuccessfulPayment(t *testing.T) {
	h := newPaymentHarness(t)
	ctx := context.Background()

	_, err := h.service.CreatePayment(ctx, createRequest(gateway.TokenSuccess))
	require.NoError(t, err)

	event := &domain.OrderEvent{
		EventID:   "evt-cancel",
		EventType: domain.EventOrderCancelled,
		OrderID:   "order-1",
		Reason:    "customer changed mind",
	}
	raw, _ := json.Marshal(event)

	require.NoError(t, h.service.ProcessOrderCancelledEvent(ctx, event, raw))

	stored, err := h.repo.GetByOrderIDTx(ctx, nil, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, stored.Status)
	assert.Equal(t, "customer changed mind", stored.RefundReason)
	assert.Equal(t, domain.InboxStatusProcessed, h.inbox.finished["evt-cancel"])
}

func TestProcessOrderCancelledEvent_NoPaymentIsNoop(t *testing.T) {
	h := newPaymentHarness(t)

	event := &domain.OrderEvent{
		EventID:   "evt-cancel",
		EventType: domain.EventOrderCancelled,
		OrderID:   "order-without-payment",
	}
	raw, _ := json.Marshal(event)

	require.NoError(t, h.service.ProcessOrderCancelledEvent(context.Background(), event, raw))
	assert.Equal(t, domain.InboxStatusProcessed, h.inbox.finished["evt-cancel"])
}

func TestFailTimedOutPayment(t *testing.T) {
	h := newPaymentHarness(t)
	ctx := context.Background()

	p, err := domain.NewPayment("order-1", "customer-1", "idem-1",
		decimal.RequireFromString("100.00"), "INR", "CARD", "corr-1")
	require.NoError(t, err)
	p.ID = "pay-stuck"
	require.NoError(t, p.StartProcessing(gateway.TokenSuccess))
	h.repo.put(p)

	require.NoError(t, h.service.FailTimedOutPayment(ctx, "pay-stuck"))

	stored, err := h.repo.GetByIDTx(ctx, nil, "pay-stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, stored.Status)
	assert.Equal(t, "TIMEOUT", stored.ErrorCode)
	assert.Contains(t, h.outbox.eventTypes(), domain.EventPaymentFailed)
}

func TestFailTimedOutPayment_AlreadySettledIsNoop(t *testing.T) {
	h := newPaymentHarness(t)
	ctx := context.Background()

	_, err := h.service.CreatePayment(ctx, createRequest(gateway.TokenSuccess))
	require.NoError(t, err)
	stored, err := h.repo.GetByIdempotencyKeyTx(ctx, nil, "idem-1")
	require.NoError(t, err)
	eventsBefore := len(h.outbox.messages)

	require.NoError(t, h.service.FailTimedOutPayment(ctx, stored.ID))

	after, err := h.repo.GetByIDTx(ctx, nil, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, after.Status)
	assert.Len(t, h.outbox.messages, eventsBefore, "no spurious event")
}

func TestRetryDuePayment_UsesStoredToken(t *testing.T) {
	h := newPaymentHarness(t)
	ctx := context.Background()

	_, err := h.service.CreatePayment(ctx, createRequest(gateway.TokenFail))
	require.NoError(t, err)
	stored, err := h.repo.GetByIdempotencyKeyTx(ctx, nil, "idem-1")
	require.NoError(t, err)

	// Stored token is tok_fail: the sweep-driven retry fails the same way
	// and burns an attempt.
	require.NoError(t, h.service.RetryDuePayment(ctx, stored.ID))

	after, err := h.repo.GetByIDTx(ctx, nil, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, after.Status)
	assert.Equal(t, 2, after.AttemptCount)
}
