package redisx

import (
	"fmt"
	"time"
)

const (
	// Idempotent order creation: idem:order:create:{external_id} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Order status read cache: order_status:{order_id} -> {"status": "..."}
	KeyOrderStatus = "order_status:%s"

	// Consumer-side event dedup: dedup:{consumer}:{event_id}
	KeyEventDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)

func OrderStatusKey(orderID string) string   { return fmt.Sprintf(KeyOrderStatus, orderID) }
func IdemOrderCreateKey(extID string) string { return fmt.Sprintf(KeyIdemOrderCreate, extID) }

func EventDedupKey(consumer, id string) string {
	return fmt.Sprintf(KeyEventDedup, consumer, id)
}
