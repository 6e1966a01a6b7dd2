package payments_repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ArpitTailong/food-express-sub001/internal/domain"
)

type paymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *paymentRepository {
	return &paymentRepository{db: db}
}

const paymentColumns = `
	id, order_id, customer_id, idempotency_key, amount, currency, status,
	payment_method, gateway_token, gateway_transaction_id, gateway_response_code,
	card_last_four, card_brand, error_code, error_message, attempt_count,
	refund_id, refund_amount, refund_reason, refunded_at,
	created_at, updated_at, processed_at, completed_at, version, correlation_id`

func (r *paymentRepository) CreateTx(ctx context.Context, querier domain.Querier, p *domain.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`
	_, err := querier.ExecContext(ctx, query,
		p.ID, p.OrderID, p.CustomerID, p.IdempotencyKey, p.Amount, p.Currency, p.Status,
		p.PaymentMethod, p.GatewayToken, p.GatewayTransactionID, p.GatewayResponseCode,
		p.CardLastFour, p.CardBrand, p.ErrorCode, p.ErrorMessage, p.AttemptCount,
		nullString(p.RefundID), nullDecimal(p.RefundAmount), nullString(p.RefundReason), nullTime(p.RefundedAt),
		p.CreatedAt, p.UpdatedAt, nullTime(p.ProcessedAt), nullTime(p.CompletedAt), p.Version, p.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (r *paymentRepository) GetByIDTx(ctx context.Context, querier domain.Querier, id string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return r.scanOne(querier.QueryRowContext(ctx, query, id), id)
}

func (r *paymentRepository) GetByIDForUpdateTx(ctx context.Context, querier domain.Querier, id string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`
	return r.scanOne(querier.QueryRowContext(ctx, query, id), id)
}

func (r *paymentRepository) GetByOrderIDTx(ctx context.Context, querier domain.Querier, orderID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`
	return r.scanOne(querier.QueryRowContext(ctx, query, orderID), orderID)
}

func (r *paymentRepository) GetByIdempotencyKeyTx(ctx context.Context, querier domain.Querier, key string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE idempotency_key = $1`
	return r.scanOne(querier.QueryRowContext(ctx, query, key), key)
}

func (r *paymentRepository) UpdateTx(ctx context.Context, querier domain.Querier, p *domain.Payment) error {
	query := `
		UPDATE payments SET
			status = $1, gateway_token = $2, gateway_transaction_id = $3,
			gateway_response_code = $4, error_code = $5, error_message = $6,
			attempt_count = $7, refund_id = $8, refund_amount = $9,
			refund_reason = $10, refunded_at = $11, updated_at = $12,
			processed_at = $13, completed_at = $14, version = version + 1
		WHERE id = $15 AND version = $16
	`
	res, err := querier.ExecContext(ctx, query,
		p.Status, p.GatewayToken, p.GatewayTransactionID,
		p.GatewayResponseCode, p.ErrorCode, p.ErrorMessage,
		p.AttemptCount, nullString(p.RefundID), nullDecimal(p.RefundAmount),
		nullString(p.RefundReason), nullTime(p.RefundedAt), p.UpdatedAt,
		nullTime(p.ProcessedAt), nullTime(p.CompletedAt),
		p.ID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment %s: %w", p.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for payment update: %w", err)
	}
	if rows == 0 {
		return domain.ErrVersionConflict
	}
	p.Version++
	return nil
}

func (r *paymentRepository) FindStuckProcessing(ctx context.Context, querier domain.Querier, olderThan time.Time, limit int) ([]*domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	return r.scanMany(ctx, querier, query, domain.PaymentStatusProcessing, olderThan, limit)
}

func (r *paymentRepository) FindRetryable(ctx context.Context, querier domain.Querier, maxAttempts int, limit int) ([]*domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = $1 AND attempt_count < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	return r.scanMany(ctx, querier, query, domain.PaymentStatusFailed, maxAttempts, limit)
}

func (r *paymentRepository) scanMany(ctx context.Context, querier domain.Querier, query string, args ...interface{}) ([]*domain.Payment, error) {
	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows.Scan)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payments: %w", err)
	}
	return payments, nil
}

func (r *paymentRepository) scanOne(row *sql.Row, key string) (*domain.Payment, error) {
	p, err := scanPayment(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment %s: %w", key, err)
	}
	return p, nil
}

func scanPayment(scan func(dest ...interface{}) error) (*domain.Payment, error) {
	p := &domain.Payment{}
	var (
		refundID     sql.NullString
		refundAmount decimal.NullDecimal
		refundReason sql.NullString
		refundedAt   sql.NullTime
		processedAt  sql.NullTime
		completedAt  sql.NullTime
	)
	err := scan(
		&p.ID, &p.OrderID, &p.CustomerID, &p.IdempotencyKey, &p.Amount, &p.Currency, &p.Status,
		&p.PaymentMethod, &p.GatewayToken, &p.GatewayTransactionID, &p.GatewayResponseCode,
		&p.CardLastFour, &p.CardBrand, &p.ErrorCode, &p.ErrorMessage, &p.AttemptCount,
		&refundID, &refundAmount, &refundReason, &refundedAt,
		&p.CreatedAt, &p.UpdatedAt, &processedAt, &completedAt, &p.Version, &p.CorrelationID,
	)
	if err != nil {
		return nil, err
	}
	p.RefundID = refundID.String
	if refundAmount.Valid {
		p.RefundAmount = refundAmount.Decimal
	}
	p.RefundReason = refundReason.String
	if refundedAt.Valid {
		p.RefundedAt = &refundedAt.Time
	}
	if processedAt.Valid {
		p.ProcessedAt = &processedAt.Time
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: !d.IsZero()}
}
