package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nandasafiq/go-shop-orders/internal/audit"
	"github.com/nandasafiq/go-shop-orders/internal/kafka"
	"github.com/nandasafiq/go-shop-orders/internal/orders"
)

// OrdersRepo is the slice of the order repository the scheduler needs.
type OrdersRepo interface {
	DueAutomatic(ctx context.Context, t orders.Transition, now time.Time, limit int) ([]*orders.Order, error)
	MarkAutomatic(ctx context.Context, id string, t orders.Transition, executedAt time.Time) error
}

// AuditRecorder mirrors the audit logger's fire-and-forget contract.
type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) *audit.Entry
}

type Config struct {
	Interval   time.Duration
	BatchLimit int
	// Bounds for the in-memory dedup set. The set is an optimization
	// against rapid successive ticks; the DB query filter plus the
	// compare-and-set update remain the correctness guard.
	DedupSize int
	DedupTTL  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 200
	}
	if c.DedupSize <= 0 {
		c.DedupSize = 4096
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
}

// Scheduler periodically sweeps orders whose automatic transition time
// has elapsed and advances them. Ticks run inline in the loop
// goroutine, so two ticks can never overlap; a tick that overruns the
// interval simply delays the next one.
type Scheduler struct {
	repo     OrdersRepo
	audit    AuditRecorder
	producer orders.Publisher
	clock    func() time.Time
	log      *zap.Logger
	cfg      Config
	name     string

	seen    *expirable.LRU[string, struct{}]
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type Deps struct {
	Repo     OrdersRepo
	Audit    AuditRecorder
	Producer orders.Publisher // optional
	Clock    func() time.Time
	Log      *zap.Logger
	Config   Config
	Name     string
}

func New(deps Deps) *Scheduler {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	cfg := deps.Config
	cfg.applyDefaults()
	return &Scheduler{
		repo:     deps.Repo,
		audit:    deps.Audit,
		producer: deps.Producer,
		clock:    func() time.Time { return clock().UTC() },
		log:      log,
		cfg:      cfg,
		name:     deps.Name,
		seen:     expirable.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupTTL),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic loop. Stop halts it and waits for any
// in-flight tick to finish.
func (s *Scheduler) Start(ctx context.Context) {
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

func (s *Scheduler) Stop() {
	if !s.started {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	s.log.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-t.C:
			// A tick already underway runs to completion even when Stop
			// is called mid-sweep.
			s.tick(context.WithoutCancel(ctx))
		}
	}
}

// tick sweeps both automatic edges. Per-order failures are isolated:
// logged, skipped, and retried on a later tick.
func (s *Scheduler) tick(ctx context.Context) (advanced int) {
	now := s.clock()
	advanced += s.sweep(ctx, now, orders.TransitionPendingToProcessing, nil)
	advanced += s.sweep(ctx, now, orders.TransitionProcessingToDelivering, paymentGate)
	return advanced
}

// paymentGate holds back unpaid non-COD orders: they stay in processing
// for a later tick or manual handling rather than failing.
func paymentGate(o *orders.Order) bool {
	return o.IsPaid || o.PaymentMethod == orders.PaymentCOD
}

func (s *Scheduler) sweep(ctx context.Context, now time.Time, t orders.Transition, gate func(*orders.Order) bool) int {
	from, to := t.Endpoints()

	due, err := s.repo.DueAutomatic(ctx, t, now, s.cfg.BatchLimit)
	if err != nil {
		s.log.Error("due orders query failed",
			zap.String("transition", string(t)), zap.Error(err))
		return 0
	}

	advanced := 0
	for _, o := range due {
		key := o.ID + ":" + string(t)
		if _, ok := s.seen.Get(key); ok {
			continue
		}
		if gate != nil && !gate(o) {
			s.log.Debug("transition gated",
				zap.String("order_id", o.ID), zap.String("transition", string(t)))
			continue
		}
		if !orders.CanTransition(o.Status, to) {
			// A manual action moved the order since the query.
			continue
		}

		if err := s.repo.MarkAutomatic(ctx, o.ID, t, now); err != nil {
			if errors.Is(err, orders.ErrStale) {
				// Lost the race to a manual transition or another
				// instance; nothing to do.
				continue
			}
			s.log.Error("automatic transition failed",
				zap.String("order_id", o.ID),
				zap.String("transition", string(t)),
				zap.Error(err))
			continue
		}
		s.seen.Add(key, struct{}{})
		advanced++

		s.audit.Record(ctx, audit.Entry{
			OrderID:       o.ID,
			OrderNumber:   o.Number,
			Action:        audit.ActionStatusChange,
			Field:         "status",
			OldValue:      string(from),
			NewValue:      string(to),
			ChangedBy:     audit.SystemActor,
			ChangedByRole: audit.RoleSystem,
			Note:          "automatic transition",
		})
		s.publishStatusChanged(o, from, to, now)
	}
	return advanced
}

func (s *Scheduler) publishStatusChanged(o *orders.Order, from, to orders.Status, now time.Time) {
	if s.producer == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderStatusChanged,
		EventVersion:  1,
		OccurredAt:    now,
		Producer:      s.name,
		CorrelationID: o.ID,
		Payload: kafka.MustMarshal(orders.OrderStatusChangedPayload{
			OrderID:   o.ID,
			Number:    o.Number,
			From:      from,
			To:        to,
			Actor:     audit.SystemActor,
			Automatic: true,
		}),
	}
	s.producer.Publish(orders.TopicOrderStatusChanged, orders.PartitionKey(o.ID), kafka.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderStatusChanged)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
