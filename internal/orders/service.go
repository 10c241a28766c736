package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nandasafiq/go-shop-orders/internal/audit"
	"github.com/nandasafiq/go-shop-orders/internal/kafka"
	"github.com/nandasafiq/go-shop-orders/internal/stock"
)

// AuditRecorder is the fire-and-forget audit sink; the nil return on
// failure is deliberately ignored by this service.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) *audit.Entry
}

// Publisher emits lifecycle events. *kafka.Producer satisfies it.
type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

// Actor identifies who requested a mutation.
type Actor struct {
	ID   string
	Role audit.Role
}

// TransitionOffsets are the policy delays applied to the two automatic
// edges when an order is created.
type TransitionOffsets struct {
	PendingToProcessing    time.Duration
	ProcessingToDelivering time.Duration
}

// Pricing carries the checkout rules applied when totals are computed
// from the catalog-snapshotted line prices.
type Pricing struct {
	TaxRateBasisPoints int
	FreeShippingCents  int
	ShippingFeeCents   int
}

type ServiceDeps struct {
	Ledger   stock.Ledger
	Repo     Repository
	Audit    AuditRecorder
	Producer Publisher // optional
	Clock    func() time.Time
	Log      *zap.Logger
	Offsets  TransitionOffsets
	Pricing  Pricing
	Name     string // producer name stamped on events
}

type Service struct {
	ledger   stock.Ledger
	repo     Repository
	audit    AuditRecorder
	producer Publisher
	clock    func() time.Time
	log      *zap.Logger
	offsets  TransitionOffsets
	pricing  Pricing
	name     string
}

func NewService(deps ServiceDeps) *Service {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	offsets := deps.Offsets
	if offsets.PendingToProcessing <= 0 {
		offsets.PendingToProcessing = time.Minute
	}
	if offsets.ProcessingToDelivering <= 0 {
		offsets.ProcessingToDelivering = 31 * time.Minute
	}
	return &Service{
		ledger:   deps.Ledger,
		repo:     deps.Repo,
		audit:    deps.Audit,
		producer: deps.Producer,
		clock:    func() time.Time { return clock().UTC() },
		log:      log,
		offsets:  offsets,
		pricing:  deps.Pricing,
		name:     deps.Name,
	}
}

type CreateInput struct {
	ExternalID      string
	UserID          string
	Items           []Item
	ShippingAddress Address
	PaymentMethod   string
}

// Create snapshots the requested lines from the catalog, reserves
// stock, persists the order in pending state and writes the
// order_created audit entry. Name, image and price come from the
// catalog rows, never from the caller; totals are computed from those
// snapshots. If persistence fails after the reservation committed, the
// reservation is compensated before the error surfaces.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Order, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}

	snaps, err := s.ledger.Snapshots(ctx, toStockItems(in.Items))
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(in.Items))
	for i, it := range in.Items {
		items[i] = Item{
			ProductID:  snaps[i].ProductID,
			VariantID:  snaps[i].VariantID,
			Name:       snaps[i].Name,
			Image:      snaps[i].Image,
			Qty:        it.Qty,
			PriceCents: snaps[i].PriceCents,
		}
	}
	totals := ComputeTotals(items,
		s.pricing.TaxRateBasisPoints, s.pricing.FreeShippingCents, s.pricing.ShippingFeeCents)

	now := s.clock()
	o := &Order{
		ID:              uuid.NewString(),
		ExternalID:      in.ExternalID,
		UserID:          in.UserID,
		Status:          StatusPending,
		Items:           items,
		ShippingAddress: in.ShippingAddress,
		Totals:          totals,
		PaymentMethod:   in.PaymentMethod,
		PendingToProcessing: ScheduledTransition{
			ScheduledAt: now.Add(s.offsets.PendingToProcessing),
		},
		ProcessingToDelivering: ScheduledTransition{
			ScheduledAt: now.Add(s.offsets.ProcessingToDelivering),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	reserved := toStockItems(items)
	if err := s.withReservedStock(ctx, reserved, func() error {
		return s.repo.Create(ctx, o)
	}); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		OrderID:       o.ID,
		OrderNumber:   o.Number,
		Action:        audit.ActionOrderCreated,
		NewValue:      string(o.Status),
		ChangedBy:     in.UserID,
		ChangedByRole: audit.RoleUser,
		Metadata: map[string]any{
			"item_count":  len(o.Items),
			"total_cents": o.Totals.TotalCents,
		},
	})

	s.publish(ctx, TopicOrderCreated, EventOrderCreated, o.ID, OrderCreatedPayload{
		OrderID:    o.ID,
		Number:     o.Number,
		UserID:     o.UserID,
		Status:     o.Status,
		Items:      toItemQty(o.Items),
		TotalCents: o.Totals.TotalCents,
	})
	return o, nil
}

// withReservedStock runs fn under a committed reservation and restores
// the same items if fn fails. Compensation failures are logged; the
// original error still surfaces.
func (s *Service) withReservedStock(ctx context.Context, items []stock.Item, fn func() error) error {
	if err := s.ledger.Reserve(ctx, items); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if rerr := s.ledger.Restore(ctx, items); rerr != nil {
			s.log.Error("stock restore after failed persist",
				zap.Error(rerr), zap.NamedError("cause", err))
		}
		return fmt.Errorf("persist order: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetByExternalID(ctx context.Context, externalID string) (*Order, error) {
	return s.repo.GetByExternalID(ctx, externalID)
}

// MarkPaid stores the opaque gateway payload and flips is_paid. Calling
// it on an already-paid order is a no-op.
func (s *Service) MarkPaid(ctx context.Context, id string, result json.RawMessage, actor Actor) (*Order, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.IsPaid {
		return o, nil
	}

	now := s.clock()
	if err := s.repo.SetPaid(ctx, id, now, result); err != nil {
		return nil, err
	}
	o.IsPaid = true
	o.PaidAt = &now
	o.PaymentResult = result

	s.audit.Record(ctx, audit.Entry{
		OrderID:       o.ID,
		OrderNumber:   o.Number,
		Action:        audit.ActionPaymentStatusChange,
		Field:         "is_paid",
		OldValue:      strconv.FormatBool(false),
		NewValue:      strconv.FormatBool(true),
		ChangedBy:     actor.ID,
		ChangedByRole: actor.Role,
	})

	s.publish(ctx, TopicOrderPaid, EventOrderPaid, o.ID, OrderPaidPayload{
		OrderID: o.ID,
		Number:  o.Number,
	})
	return o, nil
}

// MarkDelivered flips is_delivered and moves the order to delivered.
func (s *Service) MarkDelivered(ctx context.Context, id string, actor Actor) (*Order, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.IsDelivered {
		return o, nil
	}
	if !CanTransition(o.Status, StatusDelivered) {
		return nil, &InvalidTransitionError{From: o.Status, To: StatusDelivered}
	}

	now := s.clock()
	if err := s.repo.SetDelivered(ctx, id, now); err != nil {
		return nil, err
	}
	prev := o.Status
	o.IsDelivered = true
	o.DeliveredAt = &now
	o.Status = StatusDelivered

	s.recordStatusChange(ctx, o, prev, StatusDelivered, actor, false)
	return o, nil
}

// ChangeStatus applies an operator/user transition after validating it
// against the state machine. Cancellation and refund release the
// order's reserved stock back to the catalog.
func (s *Service) ChangeStatus(ctx context.Context, id string, to Status, actor Actor) (*Order, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, to) {
		return nil, &InvalidTransitionError{From: o.Status, To: to}
	}

	from := o.Status
	if err := s.repo.UpdateStatus(ctx, id, from, to); err != nil {
		return nil, err
	}
	o.Status = to

	if to == StatusCancelled || to == StatusRefunded {
		// The status change already committed; a failed restoration is
		// an operational problem, not a reason to unwind the order.
		if rerr := s.ledger.Restore(ctx, toStockItems(o.Items)); rerr != nil {
			s.log.Error("stock restore on "+string(to),
				zap.String("order_id", o.ID), zap.Error(rerr))
		}
	}

	s.recordStatusChange(ctx, o, from, to, actor, false)
	return o, nil
}

func (s *Service) recordStatusChange(ctx context.Context, o *Order, from, to Status, actor Actor, automatic bool) {
	note := ""
	if automatic {
		note = "automatic transition"
	}
	s.audit.Record(ctx, audit.Entry{
		OrderID:       o.ID,
		OrderNumber:   o.Number,
		Action:        audit.ActionStatusChange,
		Field:         "status",
		OldValue:      string(from),
		NewValue:      string(to),
		ChangedBy:     actor.ID,
		ChangedByRole: actor.Role,
		Note:          note,
	})

	s.publish(ctx, TopicOrderStatusChanged, EventOrderStatusChanged, o.ID, OrderStatusChangedPayload{
		OrderID:   o.ID,
		Number:    o.Number,
		From:      from,
		To:        to,
		Actor:     actor.ID,
		Automatic: automatic,
	})
}

func (s *Service) publish(ctx context.Context, topic, eventType, orderID string, payload any) {
	if s.producer == nil {
		return
	}
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    s.clock(),
		Producer:      s.name,
		CorrelationID: orderID,
		Payload:       kafka.MustMarshal(payload),
	}
	s.producer.Publish(topic, PartitionKey(orderID), kafka.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func validateCreate(in CreateInput) error {
	if in.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrValidation)
	}
	if len(in.Items) == 0 {
		return fmt.Errorf("%w: order has no items", ErrValidation)
	}
	for _, it := range in.Items {
		if it.ProductID == "" {
			return fmt.Errorf("%w: item missing product id", ErrValidation)
		}
		if it.Qty <= 0 {
			return fmt.Errorf("%w: non-positive quantity for product %s", ErrValidation, it.ProductID)
		}
	}
	addr := in.ShippingAddress
	if addr.FullName == "" || addr.Line1 == "" || addr.City == "" || addr.Country == "" {
		return fmt.Errorf("%w: incomplete shipping address", ErrValidation)
	}
	if in.PaymentMethod == "" {
		return fmt.Errorf("%w: missing payment method", ErrValidation)
	}
	return nil
}

func toStockItems(items []Item) []stock.Item {
	out := make([]stock.Item, 0, len(items))
	for _, it := range items {
		out = append(out, stock.Item{ProductID: it.ProductID, VariantID: it.VariantID, Qty: it.Qty})
	}
	return out
}

func toItemQty(items []Item) []ItemQty {
	out := make([]ItemQty, 0, len(items))
	for _, it := range items {
		out = append(out, ItemQty{ProductID: it.ProductID, VariantID: it.VariantID, Qty: it.Qty})
	}
	return out
}
