package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PGLedger implements Ledger on Postgres. Row-level locks
// (SELECT ... FOR UPDATE) make read-check-write indivisible per
// product/variant, which is what keeps concurrent reservations from
// overselling.
type PGLedger struct {
	DB  *pgxpool.Pool
	Log *zap.Logger
}

func NewPGLedger(db *pgxpool.Pool, log *zap.Logger) *PGLedger {
	if log == nil {
		log = zap.NewNop()
	}
	return &PGLedger{DB: db, Log: log}
}

func (l *PGLedger) Validate(ctx context.Context, items []Item) ([]Shortage, error) {
	if err := validateItems(items); err != nil {
		return nil, err
	}

	var shortages []Shortage
	for _, it := range items {
		var available int
		var published bool
		var err error
		if it.VariantID != "" {
			err = l.DB.QueryRow(ctx, `
				SELECT v.stock, p.published
				FROM product_variants v JOIN products p ON p.id = v.product_id
				WHERE v.id = $1 AND v.product_id = $2`,
				it.VariantID, it.ProductID).Scan(&available, &published)
		} else {
			err = l.DB.QueryRow(ctx,
				`SELECT stock, published FROM products WHERE id = $1`,
				it.ProductID).Scan(&available, &published)
		}
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			shortages = append(shortages, Shortage{
				ProductID: it.ProductID, VariantID: it.VariantID,
				Requested: it.Qty, Reason: ReasonNotFound,
			})
		case err != nil:
			return nil, fmt.Errorf("validate stock for %s: %w", it.Key(), err)
		case !published:
			shortages = append(shortages, Shortage{
				ProductID: it.ProductID, VariantID: it.VariantID,
				Requested: it.Qty, Available: available, Reason: ReasonUnpublished,
			})
		case available < it.Qty:
			shortages = append(shortages, Shortage{
				ProductID: it.ProductID, VariantID: it.VariantID,
				Requested: it.Qty, Available: available, Reason: ReasonInsufficient,
			})
		}
	}
	return shortages, nil
}

func (l *PGLedger) Reserve(ctx context.Context, items []Item) error {
	if err := validateItems(items); err != nil {
		return err
	}

	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin reserve tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var shortages []Shortage
	for _, it := range items {
		// Re-read under lock; a prior Validate result is stale by now.
		row, err := lockRow(ctx, tx, it)
		if err != nil {
			return err
		}
		if !row.found {
			shortages = append(shortages, Shortage{
				ProductID: it.ProductID, VariantID: it.VariantID,
				Requested: it.Qty, Reason: ReasonNotFound,
			})
			continue
		}
		if !row.published {
			shortages = append(shortages, Shortage{
				ProductID: it.ProductID, VariantID: it.VariantID,
				Requested: it.Qty, Available: row.stock, Reason: ReasonUnpublished,
			})
			continue
		}
		if row.stock < it.Qty {
			shortages = append(shortages, Shortage{
				ProductID: it.ProductID, VariantID: it.VariantID,
				Requested: it.Qty, Available: row.stock, Reason: ReasonInsufficient,
			})
			continue
		}
		if err := applyDelta(ctx, tx, it, -it.Qty); err != nil {
			return err
		}
	}

	if len(shortages) > 0 {
		return &InsufficientStockError{Shortages: shortages} // rollback via defer
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reserve: %w", err)
	}
	return nil
}

func (l *PGLedger) Restore(ctx context.Context, items []Item) error {
	if err := validateItems(items); err != nil {
		return err
	}

	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin restore tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, it := range items {
		row, err := lockRow(ctx, tx, it)
		if err != nil {
			return err
		}
		if !row.found {
			// Product deleted since reservation; skip rather than fail
			// the rest of the compensation.
			l.Log.Warn("restore skipped missing product",
				zap.String("product_id", it.ProductID),
				zap.String("variant_id", it.VariantID),
				zap.Int("qty", it.Qty))
			continue
		}
		if err := applyDelta(ctx, tx, it, it.Qty); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit restore: %w", err)
	}
	return nil
}

func (l *PGLedger) Snapshots(ctx context.Context, items []Item) ([]Snapshot, error) {
	if err := validateItems(items); err != nil {
		return nil, err
	}

	out := make([]Snapshot, 0, len(items))
	var missing []Shortage
	for _, it := range items {
		snap := Snapshot{ProductID: it.ProductID, VariantID: it.VariantID}
		var err error
		if it.VariantID != "" {
			err = l.DB.QueryRow(ctx, `
				SELECT p.name, p.image, v.sku, v.price_cents
				FROM product_variants v JOIN products p ON p.id = v.product_id
				WHERE v.id = $1 AND v.product_id = $2`,
				it.VariantID, it.ProductID).Scan(&snap.Name, &snap.Image, &snap.SKU, &snap.PriceCents)
		} else {
			err = l.DB.QueryRow(ctx, `
				SELECT name, image, sku, price_cents FROM products WHERE id = $1`,
				it.ProductID).Scan(&snap.Name, &snap.Image, &snap.SKU, &snap.PriceCents)
		}
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			missing = append(missing, Shortage{
				ProductID: it.ProductID, VariantID: it.VariantID,
				Requested: it.Qty, Reason: ReasonNotFound,
			})
		case err != nil:
			return nil, fmt.Errorf("snapshot %s: %w", it.Key(), err)
		default:
			out = append(out, snap)
		}
	}
	if len(missing) > 0 {
		return nil, &InsufficientStockError{Shortages: missing}
	}
	return out, nil
}

func (l *PGLedger) Info(ctx context.Context, productID, variantID string) (Info, error) {
	if productID == "" {
		return Info{}, fmt.Errorf("%w: missing product id", ErrValidation)
	}
	info := Info{ProductID: productID, VariantID: variantID}
	var err error
	if variantID != "" {
		err = l.DB.QueryRow(ctx, `
			SELECT v.sku, v.stock, v.sales_count, p.low_stock_threshold
			FROM product_variants v JOIN products p ON p.id = v.product_id
			WHERE v.id = $1 AND v.product_id = $2`,
			variantID, productID).Scan(&info.SKU, &info.Quantity, &info.SalesCount, &info.Threshold)
	} else {
		err = l.DB.QueryRow(ctx, `
			SELECT sku, stock, sales_count, low_stock_threshold
			FROM products WHERE id = $1`,
			productID).Scan(&info.SKU, &info.Quantity, &info.SalesCount, &info.Threshold)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Info{}, ErrProductNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("stock info: %w", err)
	}
	info.IsLowStock = info.Quantity <= info.Threshold
	info.IsOutOfStock = info.Quantity == 0
	return info, nil
}

func (l *PGLedger) LowStock(ctx context.Context, threshold *int) ([]Info, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT id::text, ''::text AS variant_id, sku, stock, sales_count, low_stock_threshold
		FROM products
		WHERE stock <= COALESCE($1, low_stock_threshold)
		UNION ALL
		SELECT v.product_id::text, v.id::text, v.sku, v.stock, v.sales_count, p.low_stock_threshold
		FROM product_variants v JOIN products p ON p.id = v.product_id
		WHERE v.stock <= COALESCE($1, p.low_stock_threshold)
		ORDER BY stock, sku`, threshold)
	if err != nil {
		return nil, fmt.Errorf("low stock query: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		if err := rows.Scan(&info.ProductID, &info.VariantID, &info.SKU, &info.Quantity, &info.SalesCount, &info.Threshold); err != nil {
			return nil, err
		}
		info.IsLowStock = true
		info.IsOutOfStock = info.Quantity == 0
		out = append(out, info)
	}
	return out, rows.Err()
}

func (l *PGLedger) Adjust(ctx context.Context, productID, variantID string, delta int) (Info, error) {
	if productID == "" {
		return Info{}, fmt.Errorf("%w: missing product id", ErrValidation)
	}
	if delta == 0 {
		return l.Info(ctx, productID, variantID)
	}

	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Info{}, fmt.Errorf("begin adjust tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	it := Item{ProductID: productID, VariantID: variantID, Qty: 1}
	row, err := lockRow(ctx, tx, it)
	if err != nil {
		return Info{}, err
	}
	if !row.found {
		return Info{}, ErrProductNotFound
	}

	if variantID != "" {
		_, err = tx.Exec(ctx,
			`UPDATE product_variants SET stock = GREATEST(stock + $2, 0) WHERE id = $1`,
			variantID, delta)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE products SET stock = GREATEST(stock + $2, 0), updated_at = now() WHERE id = $1`,
			productID, delta)
	}
	if err != nil {
		return Info{}, fmt.Errorf("adjust stock: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Info{}, fmt.Errorf("commit adjust: %w", err)
	}
	return l.Info(ctx, productID, variantID)
}

func (l *PGLedger) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	err := l.DB.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE stock = 0),
		       COUNT(*) FILTER (WHERE stock > 0 AND stock <= low_stock_threshold)
		FROM products`).Scan(&s.TotalProducts, &s.OutOfStock, &s.LowStock)
	if err != nil {
		return Summary{}, fmt.Errorf("stock summary: %w", err)
	}
	return s, nil
}

// ErrProductNotFound reports a read against a product/variant that does
// not exist.
var ErrProductNotFound = errors.New("product not found")

type lockedRow struct {
	stock     int
	published bool
	found     bool
}

func lockRow(ctx context.Context, tx pgx.Tx, it Item) (lockedRow, error) {
	var row lockedRow
	var err error
	if it.VariantID != "" {
		err = tx.QueryRow(ctx, `
			SELECT v.stock, p.published
			FROM product_variants v JOIN products p ON p.id = v.product_id
			WHERE v.id = $1 AND v.product_id = $2
			FOR UPDATE OF v`,
			it.VariantID, it.ProductID).Scan(&row.stock, &row.published)
	} else {
		err = tx.QueryRow(ctx,
			`SELECT stock, published FROM products WHERE id = $1 FOR UPDATE`,
			it.ProductID).Scan(&row.stock, &row.published)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return lockedRow{}, nil
	}
	if err != nil {
		return lockedRow{}, fmt.Errorf("lock stock row %s: %w", it.Key(), err)
	}
	row.found = true
	return row, nil
}

// applyDelta moves stock by delta and keeps sales_count in step:
// reservations (negative delta) sell, restorations unsell, floored at 0.
func applyDelta(ctx context.Context, tx pgx.Tx, it Item, delta int) error {
	var err error
	if it.VariantID != "" {
		_, err = tx.Exec(ctx, `
			UPDATE product_variants
			SET stock = stock + $2, sales_count = GREATEST(sales_count - $2, 0)
			WHERE id = $1`,
			it.VariantID, delta)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE products
			SET stock = stock + $2, sales_count = GREATEST(sales_count - $2, 0), updated_at = now()
			WHERE id = $1`,
			it.ProductID, delta)
	}
	if err != nil {
		return fmt.Errorf("update stock row %s: %w", it.Key(), err)
	}
	return nil
}
