package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists orders. Orders are never deleted; cancellation
// and refund are terminal states.
type Repository interface {
	// Create persists the order and its items in one transaction and
	// assigns a fresh sequential order number. Concurrent creations
	// never receive the same number.
	Create(ctx context.Context, o *Order) error

	Get(ctx context.Context, id string) (*Order, error)
	GetByExternalID(ctx context.Context, externalID string) (*Order, error)

	SetPaid(ctx context.Context, id string, paidAt time.Time, result json.RawMessage) error
	SetDelivered(ctx context.Context, id string, deliveredAt time.Time) error

	// UpdateStatus applies from -> to with a compare-and-set on the
	// current status; ErrStale when the order has moved on.
	UpdateStatus(ctx context.Context, id string, from, to Status) error

	// DueAutomatic lists orders whose named transition is scheduled at
	// or before now and not yet executed, still sitting in the
	// transition's from-state. This filter is the primary idempotence
	// guard for the scheduler.
	DueAutomatic(ctx context.Context, t Transition, now time.Time, limit int) ([]*Order, error)

	// MarkAutomatic advances the order and stamps executed_at, again
	// guarded by a compare-and-set on both status and executed_at.
	MarkAutomatic(ctx context.Context, id string, t Transition, executedAt time.Time) error
}

type PGRepo struct{ DB *pgxpool.Pool }

const orderColumns = `
	id, order_number, external_id, user_id, status,
	shipping_address, payment_method, payment_result,
	is_paid, paid_at, is_delivered, delivered_at,
	items_price_cents, tax_price_cents, shipping_price_cents, total_price_cents,
	p2p_scheduled_at, p2p_executed_at, p2d_scheduled_at, p2d_executed_at,
	created_at, updated_at`

func (r *PGRepo) Create(ctx context.Context, o *Order) error {
	if len(o.Items) == 0 {
		return fmt.Errorf("%w: order has no items", ErrValidation)
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin create tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The counter row update takes a row lock, so the sequence cannot
	// hand the same number to two transactions.
	var seq int64
	err = tx.QueryRow(ctx, `
		UPDATE order_counters SET last_number = last_number + 1
		WHERE name = 'orders'
		RETURNING last_number`).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next order number: %w", err)
	}
	o.Number = fmt.Sprintf("ORD-%06d", seq)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (
			id, order_number, external_id, user_id, status,
			shipping_address, payment_method,
			items_price_cents, tax_price_cents, shipping_price_cents, total_price_cents,
			p2p_scheduled_at, p2d_scheduled_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)`,
		o.ID, o.Number, nullable(o.ExternalID), o.UserID, o.Status,
		o.ShippingAddress, o.PaymentMethod,
		o.Totals.ItemsCents, o.Totals.TaxCents, o.Totals.ShippingCents, o.Totals.TotalCents,
		o.PendingToProcessing.ScheduledAt, o.ProcessingToDelivering.ScheduledAt, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, it := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (order_id, product_id, variant_id, name, image, qty, price_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			o.ID, it.ProductID, nullable(it.VariantID), it.Name, it.Image, it.Qty, it.PriceCents)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

func (r *PGRepo) Get(ctx context.Context, id string) (*Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *PGRepo) GetByExternalID(ctx context.Context, externalID string) (*Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_id = $1`, externalID)
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *PGRepo) SetPaid(ctx context.Context, id string, paidAt time.Time, result json.RawMessage) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET is_paid = TRUE, paid_at = $2, payment_result = $3, updated_at = now()
		WHERE id = $1`, id, paidAt, result)
	if err != nil {
		return fmt.Errorf("set paid: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepo) SetDelivered(ctx context.Context, id string, deliveredAt time.Time) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET is_delivered = TRUE, delivered_at = $2, status = $3, updated_at = now()
		WHERE id = $1 AND status = $4`,
		id, deliveredAt, StatusDelivered, StatusDelivering)
	if err != nil {
		return fmt.Errorf("set delivered: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

func (r *PGRepo) UpdateStatus(ctx context.Context, id string, from, to Status) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

func (r *PGRepo) DueAutomatic(ctx context.Context, t Transition, now time.Time, limit int) ([]*Order, error) {
	from, _ := t.Endpoints()
	if from == "" {
		return nil, fmt.Errorf("%w: unknown transition %q", ErrValidation, t)
	}
	scheduledCol, executedCol := transitionColumns(t)

	rows, err := r.DB.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND `+scheduledCol+` <= $2 AND `+executedCol+` IS NULL
		ORDER BY `+scheduledCol+`
		LIMIT $3`, from, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due automatic query: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *PGRepo) MarkAutomatic(ctx context.Context, id string, t Transition, executedAt time.Time) error {
	from, to := t.Endpoints()
	if from == "" {
		return fmt.Errorf("%w: unknown transition %q", ErrValidation, t)
	}
	scheduledCol, executedCol := transitionColumns(t)

	ct, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET status = $3, `+executedCol+` = $4, updated_at = now()
		WHERE id = $1 AND status = $2 AND `+scheduledCol+` <= $4 AND `+executedCol+` IS NULL`,
		id, from, to, executedAt)
	if err != nil {
		return fmt.Errorf("mark automatic: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

func transitionColumns(t Transition) (scheduled, executed string) {
	if t == TransitionProcessingToDelivering {
		return "p2d_scheduled_at", "p2d_executed_at"
	}
	return "p2p_scheduled_at", "p2p_executed_at"
}

func (r *PGRepo) loadItems(ctx context.Context, o *Order) error {
	rows, err := r.DB.Query(ctx, `
		SELECT product_id, COALESCE(variant_id, ''), name, image, qty, price_cents
		FROM order_items WHERE order_id = $1`, o.ID)
	if err != nil {
		return fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ProductID, &it.VariantID, &it.Name, &it.Image, &it.Qty, &it.PriceCents); err != nil {
			return err
		}
		o.Items = append(o.Items, it)
	}
	return rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var externalID *string
	err := row.Scan(
		&o.ID, &o.Number, &externalID, &o.UserID, &o.Status,
		&o.ShippingAddress, &o.PaymentMethod, &o.PaymentResult,
		&o.IsPaid, &o.PaidAt, &o.IsDelivered, &o.DeliveredAt,
		&o.Totals.ItemsCents, &o.Totals.TaxCents, &o.Totals.ShippingCents, &o.Totals.TotalCents,
		&o.PendingToProcessing.ScheduledAt, &o.PendingToProcessing.ExecutedAt,
		&o.ProcessingToDelivering.ScheduledAt, &o.ProcessingToDelivering.ExecutedAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	if externalID != nil {
		o.ExternalID = *externalID
	}
	return &o, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
