package projector

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nandasafiq/go-shop-orders/internal/kafka"
	"github.com/nandasafiq/go-shop-orders/internal/orders"
	"github.com/nandasafiq/go-shop-orders/internal/redisx"
)

// Projector keeps the redis order-status cache in step with the order
// event stream, so status reads rarely hit the database.
type Projector struct {
	Redis *redis.Client
	Log   *zap.Logger
	// Name scopes the event dedup keys per consumer group.
	Name string
}

// HandleEvent is the kafka consumer handler. Unknown event types are
// ignored; duplicates are dropped via redis SETNX.
func (p *Projector) HandleEvent(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// Poison message; log and commit past it.
		p.Log.Warn("undecodable event", zap.String("topic", m.Topic), zap.Error(err))
		return nil
	}

	seen, err := redisx.SeenEvent(ctx, p.Redis, p.Name, env.EventID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	switch env.EventType {
	case orders.EventOrderCreated:
		payload, err := kafka.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
		if err != nil {
			p.Log.Warn("bad OrderCreated payload", zap.Error(err))
			return nil
		}
		return p.setStatus(ctx, payload.OrderID, payload.Status)
	case orders.EventOrderStatusChanged:
		payload, err := kafka.UnwrapPayload[orders.OrderStatusChangedPayload](env.Payload)
		if err != nil {
			p.Log.Warn("bad OrderStatusChanged payload", zap.Error(err))
			return nil
		}
		return p.setStatus(ctx, payload.OrderID, payload.To)
	default:
		return nil
	}
}

func (p *Projector) setStatus(ctx context.Context, orderID string, status orders.Status) error {
	body, _ := json.Marshal(map[string]string{"status": string(status)})
	return p.Redis.Set(ctx, redisx.OrderStatusKey(orderID), body, redisx.TTLStatusCache).Err()
}
