package order_repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ArpitTailong/food-express-sub001/internal/domain"
)

type orderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *orderRepository {
	return &orderRepository{db: db}
}

const orderColumns = `
	id, customer_id, restaurant_id, driver_id,
	street, city, postal_code, latitude, longitude, address_notes,
	subtotal, delivery_fee, tax_amount, discount_amount, tip_amount, total_amount,
	currency, coupon_code, status,
	payment_id, payment_method, payment_status,
	cancelled_by, cancel_reason, failure_reason,
	restaurant_rating, driver_rating, customer_feedback,
	created_at, updated_at, confirmed_at, preparing_at, ready_at,
	picked_up_at, delivered_at, cancelled_at, version, correlation_id`

func (r *orderRepository) CreateTx(ctx context.Context, querier domain.Querier, o *domain.Order) error {
	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19,
		        $20, $21, $22, $23, $24, $25, $26, $27, $28,
		        $29, $30, $31, $32, $33, $34, $35, $36, $37, $38)
	`
	_, err := querier.ExecContext(ctx, query,
		o.ID, o.CustomerID, o.RestaurantID, nullString(o.DriverID),
		o.Address.Street, o.Address.City, o.Address.PostalCode, o.Address.Latitude, o.Address.Longitude, o.Address.Notes,
		o.Subtotal, o.DeliveryFee, o.TaxAmount, o.DiscountAmount, o.TipAmount, o.TotalAmount,
		o.Currency, nullString(o.CouponCode), o.Status,
		nullString(o.PaymentID), nullString(o.PaymentMethod), nullString(o.PaymentStatus),
		nullString(o.CancelledBy), nullString(o.CancelReason), nullString(o.FailureReason),
		o.RestaurantRating, o.DriverRating, o.CustomerFeedback,
		o.CreatedAt, o.UpdatedAt, nullTime(o.ConfirmedAt), nullTime(o.PreparingAt), nullTime(o.ReadyAt),
		nullTime(o.PickedUpAt), nullTime(o.DeliveredAt), nullTime(o.CancelledAt), o.Version, o.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return r.insertItems(ctx, querier, o)
}

func (r *orderRepository) insertItems(ctx context.Context, querier domain.Querier, o *domain.Order) error {
	query := `
		INSERT INTO order_items (id, order_id, menu_item_id, name, unit_price, quantity, total_price, special_instructions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, it := range o.Items {
		if _, err := querier.ExecContext(ctx, query,
			it.ID, o.ID, it.MenuItemID, it.Name, it.UnitPrice, it.Quantity, it.TotalPrice, it.SpecialInstructions,
		); err != nil {
			return fmt.Errorf("failed to create order item for order %s: %w", o.ID, err)
		}
	}
	return nil
}

// ReplaceItemsTx rewrites the item rows while the order is still PENDING.
func (r *orderRepository) ReplaceItemsTx(ctx context.Context, querier domain.Querier, o *domain.Order) error {
	if _, err := querier.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = $1`, o.ID); err != nil {
		return fmt.Errorf("failed to clear order items for order %s: %w", o.ID, err)
	}
	return r.insertItems(ctx, querier, o)
}

func (r *orderRepository) GetByIDTx(ctx context.Context, querier domain.Querier, id string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return r.getOne(ctx, querier, query, id)
}

func (r *orderRepository) GetByIDForUpdateTx(ctx context.Context, querier domain.Querier, id string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, querier, query, id)
}

func (r *orderRepository) getOne(ctx context.Context, querier domain.Querier, query, id string) (*domain.Order, error) {
	o, err := scanOrder(querier.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	if err := r.loadItems(ctx, querier, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *orderRepository) GetByCustomerIDTx(ctx context.Context, querier domain.Querier, customerID string) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE customer_id = $1 ORDER BY created_at DESC`
	orders, err := r.scanMany(ctx, querier, query, customerID)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if err := r.loadItems(ctx, querier, o); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (r *orderRepository) UpdateTx(ctx context.Context, querier domain.Querier, o *domain.Order) error {
	query := `
		UPDATE orders SET
			driver_id = $1, subtotal = $2, delivery_fee = $3, tax_amount = $4,
			discount_amount = $5, tip_amount = $6, total_amount = $7,
			coupon_code = $8, status = $9,
			payment_id = $10, payment_method = $11, payment_status = $12,
			cancelled_by = $13, cancel_reason = $14, failure_reason = $15,
			restaurant_rating = $16, driver_rating = $17, customer_feedback = $18,
			updated_at = $19, confirmed_at = $20, preparing_at = $21, ready_at = $22,
			picked_up_at = $23, delivered_at = $24, cancelled_at = $25,
			version = version + 1
		WHERE id = $26 AND version = $27
	`
	res, err := querier.ExecContext(ctx, query,
		nullString(o.DriverID), o.Subtotal, o.DeliveryFee, o.TaxAmount,
		o.DiscountAmount, o.TipAmount, o.TotalAmount,
		nullString(o.CouponCode), o.Status,
		nullString(o.PaymentID), nullString(o.PaymentMethod), nullString(o.PaymentStatus),
		nullString(o.CancelledBy), nullString(o.CancelReason), nullString(o.FailureReason),
		o.RestaurantRating, o.DriverRating, o.CustomerFeedback,
		o.UpdatedAt, nullTime(o.ConfirmedAt), nullTime(o.PreparingAt), nullTime(o.ReadyAt),
		nullTime(o.PickedUpAt), nullTime(o.DeliveredAt), nullTime(o.CancelledAt),
		o.ID, o.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for order update: %w", err)
	}
	if rows == 0 {
		return domain.ErrVersionConflict
	}
	o.Version++
	return nil
}

func (r *orderRepository) FindStuck(ctx context.Context, querier domain.Querier, statuses []domain.OrderStatus, olderThan time.Time, limit int) ([]*domain.Order, error) {
	statusStrs := make([]string, len(statuses))
	for i, s := range statuses {
		statusStrs[i] = string(s)
	}
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	return r.scanMany(ctx, querier, query, pq.Array(statusStrs), olderThan, limit)
}

func (r *orderRepository) scanMany(ctx context.Context, querier domain.Querier, query string, args ...interface{}) ([]*domain.Order, error) {
	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

func (r *orderRepository) loadItems(ctx context.Context, querier domain.Querier, o *domain.Order) error {
	query := `
		SELECT id, menu_item_id, name, unit_price, quantity, total_price, special_instructions
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`
	rows, err := querier.QueryContext(ctx, query, o.ID)
	if err != nil {
		return fmt.Errorf("failed to load items for order %s: %w", o.ID, err)
	}
	defer rows.Close()

	o.Items = nil
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.MenuItemID, &it.Name, &it.UnitPrice, &it.Quantity, &it.TotalPrice, &it.SpecialInstructions); err != nil {
			return fmt.Errorf("failed to scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	return rows.Err()
}

func scanOrder(scan func(dest ...interface{}) error) (*domain.Order, error) {
	o := &domain.Order{}
	var (
		driverID      sql.NullString
		couponCode    sql.NullString
		paymentID     sql.NullString
		paymentMethod sql.NullString
		paymentStatus sql.NullString
		cancelledBy   sql.NullString
		cancelReason  sql.NullString
		failureReason sql.NullString
		confirmedAt   sql.NullTime
		preparingAt   sql.NullTime
		readyAt       sql.NullTime
		pickedUpAt    sql.NullTime
		deliveredAt   sql.NullTime
		cancelledAt   sql.NullTime
	)
	err := scan(
		&o.ID, &o.CustomerID, &o.RestaurantID, &driverID,
		&o.Address.Street, &o.Address.City, &o.Address.PostalCode, &o.Address.Latitude, &o.Address.Longitude, &o.Address.Notes,
		&o.Subtotal, &o.DeliveryFee, &o.TaxAmount, &o.DiscountAmount, &o.TipAmount, &o.TotalAmount,
		&o.Currency, &couponCode, &o.Status,
		&paymentID, &paymentMethod, &paymentStatus,
		&cancelledBy, &cancelReason, &failureReason,
		&o.RestaurantRating, &o.DriverRating, &o.CustomerFeedback,
		&o.CreatedAt, &o.UpdatedAt, &confirmedAt, &preparingAt, &readyAt,
		&pickedUpAt, &deliveredAt, &cancelledAt, &o.Version, &o.CorrelationID,
	)
	if err != nil {
		return nil, err
	}
	o.DriverID = driverID.String
	o.CouponCode = couponCode.String
	o.PaymentID = paymentID.String
	o.PaymentMethod = paymentMethod.String
	o.PaymentStatus = paymentStatus.String
	o.CancelledBy = cancelledBy.String
	o.CancelReason = cancelReason.String
	o.FailureReason = failureReason.String
	if confirmedAt.Valid {
		o.ConfirmedAt = &confirmedAt.Time
	}
	if preparingAt.Valid {
		o.PreparingAt = &preparingAt.Time
	}
	if readyAt.Valid {
		o.ReadyAt = &readyAt.Time
	}
	if pickedUpAt.Valid {
		o.PickedUpAt = &pickedUpAt.Time
	}
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	if cancelledAt.Valid {
		o.CancelledAt = &cancelledAt.Time
	}
	return o, nil
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
