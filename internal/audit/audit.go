package audit

import (
	"context"
	"time"
)

type Action string

const (
	ActionOrderCreated        Action = "order_created"
	ActionOrderUpdated        Action = "order_updated"
	ActionStatusChange        Action = "status_change"
	ActionPaymentStatusChange Action = "payment_status_change"
	ActionStockAdjust         Action = "stock_adjustment"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// SystemActor is the changed_by value for scheduler-driven mutations.
const SystemActor = "system"

// Entry is one immutable record of a state-affecting mutation. It must
// answer "what changed, from what, to what, by whom, when, and why"
// without consulting any other system.
type Entry struct {
	ID            int64          `json:"id"`
	OrderID       string         `json:"order_id"`
	OrderNumber   string         `json:"order_number,omitempty"`
	Action        Action         `json:"action"`
	Field         string         `json:"field,omitempty"`
	OldValue      string         `json:"old_value,omitempty"`
	NewValue      string         `json:"new_value,omitempty"`
	ChangedBy     string         `json:"changed_by"`
	ChangedByRole Role           `json:"changed_by_role"`
	Note          string         `json:"note,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Store is the append-only persistence behind the logger. There is no
// update or delete.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	ListByOrder(ctx context.Context, orderID string, limit int) ([]Entry, error)
}
