package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrValidation marks malformed input; surfaced immediately, never retried.
var ErrValidation = errors.New("invalid input")

// Item is one line of a reservation or restoration batch.
type Item struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Qty       int    `json:"qty"`
}

func (it Item) Key() string {
	if it.VariantID != "" {
		return it.ProductID + "/" + it.VariantID
	}
	return it.ProductID
}

// Shortage reasons.
const (
	ReasonNotFound     = "not_found"
	ReasonUnpublished  = "unpublished"
	ReasonInsufficient = "insufficient_stock"
)

// Shortage describes why a single line could not be satisfied.
type Shortage struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Reason    string `json:"reason"`
}

// InsufficientStockError carries every offending line of a batch, not
// just the first, so callers can present all problems at once.
type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	var b strings.Builder
	b.WriteString("insufficient stock:")
	for _, s := range e.Shortages {
		fmt.Fprintf(&b, " %s", s.ProductID)
		if s.VariantID != "" {
			fmt.Fprintf(&b, "/%s", s.VariantID)
		}
		fmt.Fprintf(&b, " (%s: requested %d, available %d)", s.Reason, s.Requested, s.Available)
	}
	return b.String()
}

// Info is a read-only projection of one product or variant stock row.
type Info struct {
	ProductID    string `json:"product_id"`
	VariantID    string `json:"variant_id,omitempty"`
	SKU          string `json:"sku"`
	Quantity     int    `json:"quantity"`
	SalesCount   int    `json:"sales_count"`
	Threshold    int    `json:"low_stock_threshold"`
	IsLowStock   bool   `json:"is_low_stock"`
	IsOutOfStock bool   `json:"is_out_of_stock"`
}

// Summary aggregates the catalog's stock health.
type Summary struct {
	TotalProducts int `json:"total_products"`
	OutOfStock    int `json:"out_of_stock"`
	LowStock      int `json:"low_stock"`
}

// Snapshot is the catalog data frozen onto an order line at creation:
// the order keeps these values even if the catalog changes later.
type Snapshot struct {
	ProductID  string `json:"product_id"`
	VariantID  string `json:"variant_id,omitempty"`
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Image      string `json:"image,omitempty"`
	PriceCents int    `json:"price_cents"`
}

// Ledger validates, reserves and restores stock for batches of line
// items. Reserve and Restore are all-or-nothing with respect to the
// batch; concurrent reservations on the same row are serialized so
// stock can never go negative.
type Ledger interface {
	// Validate is a pure read: it reports every unsatisfiable line
	// without mutating anything. A later Reserve re-checks inside its
	// own transaction and must not trust this result.
	Validate(ctx context.Context, items []Item) ([]Shortage, error)

	// Reserve decrements stock and increments sales_count for every
	// item in one transaction. Any shortage aborts the whole batch and
	// returns *InsufficientStockError with the complete shortage list.
	Reserve(ctx context.Context, items []Item) error

	// Restore is the compensating inverse of Reserve. Rows that no
	// longer exist are skipped with a warning; compensation is
	// best-effort, not strictly symmetric.
	Restore(ctx context.Context, items []Item) error

	// Snapshots resolves current catalog name/image/price for every
	// item, one Snapshot per input line in order. Missing rows abort
	// with *InsufficientStockError listing them.
	Snapshots(ctx context.Context, items []Item) ([]Snapshot, error)

	Info(ctx context.Context, productID, variantID string) (Info, error)

	// LowStock lists rows at or below the threshold. A nil threshold
	// uses each product's own reorder point.
	LowStock(ctx context.Context, threshold *int) ([]Info, error)

	// Adjust applies a manual delta (admin correction), flooring at 0.
	Adjust(ctx context.Context, productID, variantID string, delta int) (Info, error)

	Summary(ctx context.Context) (Summary, error)
}

func validateItems(items []Item) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: no items", ErrValidation)
	}
	for _, it := range items {
		if it.ProductID == "" {
			return fmt.Errorf("%w: missing product id", ErrValidation)
		}
		if it.Qty <= 0 {
			return fmt.Errorf("%w: non-positive quantity for product %s", ErrValidation, it.ProductID)
		}
	}
	return nil
}
