package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPayment(t *testing.T) *Payment {
	t.Helper()
	p, err := NewPayment("order-1", "customer-1", "idem-1", decimal.RequireFromString("100.00"), "INR", "CARD", "corr-1")
	require.NoError(t, err)
	return p
}

func TestNewPayment_Validation(t *testing.T) {
	amount := decimal.RequireFromString("100.00")

	tests := []struct {
		name           string
		orderID        string
		customerID     string
		idempotencyKey string
		amount         decimal.Decimal
		currency       string
		wantField      string
	}{
		{"missing order id", "", "c1", "k1", amount, "INR", "order_id"},
		{"missing customer id", "o1", "", "k1", amount, "INR", "customer_id"},
		{"missing idempotency key", "o1", "c1", "", amount, "INR", "idempotency_key"},
		{"zero amount", "o1", "c1", "k1", decimal.Zero, "INR", "amount"},
		{"negative amount", "o1", "c1", "k1", decimal.RequireFromString("-1.00"), "INR", "amount"},
		{"missing currency", "o1", "c1", "k1", amount, "", "currency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPayment(tt.orderID, tt.customerID, tt.idempotencyKey, tt.amount, tt.currency, "CARD", "")
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.wantField, validationErr.Field)
		})
	}
}

func TestNewPayment_Defaults(t *testing.T) {
	p := newTestPayment(t)

	assert.Equal(t, PaymentStatusCreated, p.Status)
	assert.Equal(t, 0, p.AttemptCount)
	assert.Equal(t, int64(1), p.Version)
	assert.Nil(t, p.ProcessedAt)
	assert.Nil(t, p.CompletedAt)
}

func TestPayment_TransitionTable(t *testing.T) {
	all := []PaymentStatus{
		PaymentStatusCreated,
		PaymentStatusProcessing,
		PaymentStatusSuccess,
		PaymentStatusFailed,
		PaymentStatusRefunded,
	}
	legal := map[PaymentStatus][]PaymentStatus{
		PaymentStatusCreated:    {PaymentStatusProcessing},
		PaymentStatusProcessing: {PaymentStatusSuccess, PaymentStatusFailed},
		PaymentStatusSuccess:    {PaymentStatusRefunded},
		PaymentStatusFailed:     {PaymentStatusProcessing},
		PaymentStatusRefunded:   {},
	}

	for _, from := range all {
		for _, to := range all {
			p := &Payment{Status: from}
			want := false
			for _, next := range legal[from] {
				if next == to {
					want = true
				}
			}
			assert.Equal(t, want, p.CanTransitionTo(to), "transition %s -> %s", from, to)
		}
	}
}

func TestPayment_IsTerminal(t *testing.T) {
	assert.False(t, (&Payment{Status: PaymentStatusCreated}).IsTerminal())
	assert.False(t, (&Payment{Status: PaymentStatusProcessing}).IsTerminal())
	assert.False(t, (&Payment{Status: PaymentStatusSuccess}).IsTerminal())
	// FAILED keeps the retry edge open, so it is not terminal.
	assert.False(t, (&Payment{Status: PaymentStatusFailed}).IsTerminal())
	assert.True(t, (&Payment{Status: PaymentStatusRefunded}).IsTerminal())
}

func TestPayment_StartProcessing_IncrementsAttempts(t *testing.T) {
	p := newTestPayment(t)

	require.NoError(t, p.StartProcessing("tok_success"))
	assert.Equal(t, PaymentStatusProcessing, p.Status)
	assert.Equal(t, 1, p.AttemptCount)
	assert.Equal(t, "tok_success", p.GatewayToken)
	require.NotNil(t, p.ProcessedAt)

	require.NoError(t, p.MarkFailed("CARD_DECLINED", "card declined"))
	require.NoError(t, p.StartProcessing("tok_retry"))
	assert.Equal(t, 2, p.AttemptCount)
	assert.Equal(t, "tok_retry", p.GatewayToken)
}

func TestPayment_StartProcessing_FromSuccessRejected(t *testing.T) {
	p := newTestPayment(t)
	require.NoError(t, p.StartProcessing("tok_success"))
	require.NoError(t, p.MarkSuccess("txn-1", "00"))

	err := p.StartProcessing("tok_again")
	var transitionErr *InvalidStateTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, "SUCCESS", transitionErr.From)
	assert.Equal(t, 1, p.AttemptCount)
}

func TestPayment_MarkSuccess_ClearsErrorFields(t *testing.T) {
	p := newTestPayment(t)
	require.NoError(t, p.StartProcessing("tok_fail"))
	require.NoError(t, p.MarkFailed("PROCESSING_ERROR", "gateway failure"))
	require.NoError(t, p.StartProcessing("tok_success"))

	require.NoError(t, p.MarkSuccess("txn-42", "00"))

	assert.Equal(t, PaymentStatusSuccess, p.Status)
	assert.Equal(t, "txn-42", p.GatewayTransactionID)
	assert.Equal(t, "00", p.GatewayResponseCode)
	assert.Empty(t, p.ErrorCode)
	assert.Empty(t, p.ErrorMessage)
	require.NotNil(t, p.CompletedAt)
}

func TestPayment_MarkRefunded(t *testing.T) {
	t.Run("full refund", func(t *testing.T) {
		p := newTestPayment(t)
		require.NoError(t, p.StartProcessing("tok_success"))
		require.NoError(t, p.MarkSuccess("txn-1", "00"))

		require.NoError(t, p.MarkRefunded("ref-1", decimal.RequireFromString("100.00"), "customer request"))
		assert.Equal(t, PaymentStatusRefunded, p.Status)
		assert.True(t, p.RefundAmount.Equal(decimal.RequireFromString("100.00")))
		require.NotNil(t, p.RefundedAt)
	})

	t.Run("partial refund", func(t *testing.T) {
		p := newTestPayment(t)
		require.NoError(t, p.StartProcessing("tok_success"))
		require.NoError(t, p.MarkSuccess("txn-1", "00"))

		require.NoError(t, p.MarkRefunded("ref-1", decimal.RequireFromString("40.00"), "partial"))
		assert.True(t, p.RefundAmount.Equal(decimal.RequireFromString("40.00")))
	})

	t.Run("refund above charge leaves payment unchanged", func(t *testing.T) {
		p := newTestPayment(t)
		require.NoError(t, p.StartProcessing("tok_success"))
		require.NoError(t, p.MarkSuccess("txn-1", "00"))

		err := p.MarkRefunded("ref-1", decimal.RequireFromString("100.01"), "too much")
		require.True(t, errors.Is(err, ErrRefundExceedsCharge))
		assert.Equal(t, PaymentStatusSuccess, p.Status)
		assert.Empty(t, p.RefundID)
		assert.Nil(t, p.RefundedAt)
	})

	t.Run("refund of unsettled payment rejected", func(t *testing.T) {
		p := newTestPayment(t)
		err := p.MarkRefunded("ref-1", decimal.RequireFromString("10.00"), "nope")
		var transitionErr *InvalidStateTransitionError
		require.ErrorAs(t, err, &transitionErr)
	})

	t.Run("non-positive refund rejected", func(t *testing.T) {
		p := newTestPayment(t)
		require.NoError(t, p.StartProcessing("tok_success"))
		require.NoError(t, p.MarkSuccess("txn-1", "00"))

		err := p.MarkRefunded("ref-1", decimal.Zero, "zero")
		var validationErr *ValidationError
		require.ErrorAs(t, err, &validationErr)
	})
}

func TestPayment_RetryEligible(t *testing.T) {
	p := newTestPayment(t)
	assert.False(t, p.RetryEligible(), "CREATED is not retryable")

	require.NoError(t, p.StartProcessing("tok_fail"))
	assert.False(t, p.RetryEligible(), "PROCESSING is not retryable")

	require.NoError(t, p.MarkFailed("CARD_DECLINED", "declined"))
	assert.True(t, p.RetryEligible())

	for p.AttemptCount < MaxPaymentAttempts {
		require.NoError(t, p.StartProcessing("tok_fail"))
		require.NoError(t, p.MarkFailed("CARD_DECLINED", "declined"))
	}
	assert.False(t, p.RetryEligible(), "attempt cap reached")
}
