package orders

import (
	"encoding/json"
	"time"
)

// PaymentCOD is exempt from the paid-before-delivering precondition.
const PaymentCOD = "COD"

type Item struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	// Name, Image and PriceCents are snapshots taken at checkout; they
	// must not change if the catalog later does.
	Name       string `json:"name"`
	Image      string `json:"image,omitempty"`
	Qty        int    `json:"qty"`
	PriceCents int    `json:"price_cents"`
}

type Address struct {
	FullName   string `json:"full_name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Totals are computed once at creation and persisted verbatim; the
// order never recomputes them from current catalog prices.
type Totals struct {
	ItemsCents    int `json:"items_cents"`
	TaxCents      int `json:"tax_cents"`
	ShippingCents int `json:"shipping_cents"`
	TotalCents    int `json:"total_cents"`
}

// ScheduledTransition holds the timing metadata of one automatic edge.
type ScheduledTransition struct {
	ScheduledAt time.Time  `json:"scheduled_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
}

type Order struct {
	ID         string `json:"id"`
	Number     string `json:"number"`
	ExternalID string `json:"external_id,omitempty"`
	UserID     string `json:"user_id"`
	Status     Status `json:"status"`

	Items           []Item  `json:"items"`
	ShippingAddress Address `json:"shipping_address"`
	Totals          Totals  `json:"totals"`

	PaymentMethod string          `json:"payment_method"`
	PaymentResult json.RawMessage `json:"payment_result,omitempty"`
	IsPaid        bool            `json:"is_paid"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	IsDelivered   bool            `json:"is_delivered"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`

	PendingToProcessing    ScheduledTransition `json:"pending_to_processing"`
	ProcessingToDelivering ScheduledTransition `json:"processing_to_delivering"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scheduled returns the metadata for the named automatic transition.
func (o *Order) Scheduled(t Transition) ScheduledTransition {
	if t == TransitionProcessingToDelivering {
		return o.ProcessingToDelivering
	}
	return o.PendingToProcessing
}
