package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/nandasafiq/go-shop-orders/internal/audit"
	"github.com/nandasafiq/go-shop-orders/internal/orders"
)

// memRepo mimics the repository's due-query filter and compare-and-set
// semantics in memory.
type memRepo struct {
	mu      sync.Mutex
	orders  map[string]*orders.Order
	markErr map[string]error

	dueErr error
}

var _ OrdersRepo = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{orders: map[string]*orders.Order{}, markErr: map[string]error{}}
}

func (r *memRepo) add(o *orders.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o
}

func (r *memRepo) status(id string) orders.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id].Status
}

func (r *memRepo) get(id string) orders.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.orders[id]
}

func (r *memRepo) setPaid(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[id].IsPaid = true
}

func (r *memRepo) clearErr(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.markErr, id)
}

func (r *memRepo) DueAutomatic(ctx context.Context, t orders.Transition, now time.Time, limit int) ([]*orders.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dueErr != nil {
		return nil, r.dueErr
	}
	from, _ := t.Endpoints()
	var out []*orders.Order
	for _, o := range r.orders {
		st := o.Scheduled(t)
		if o.Status == from && st.ExecutedAt == nil && !st.ScheduledAt.After(now) {
			cp := *o
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) MarkAutomatic(ctx context.Context, id string, t orders.Transition, executedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.markErr[id]; err != nil {
		return err
	}
	o, ok := r.orders[id]
	if !ok {
		return orders.ErrNotFound
	}
	from, to := t.Endpoints()
	st := o.Scheduled(t)
	if o.Status != from || st.ExecutedAt != nil || st.ScheduledAt.After(executedAt) {
		return orders.ErrStale
	}
	o.Status = to
	at := executedAt
	if t == orders.TransitionProcessingToDelivering {
		o.ProcessingToDelivering.ExecutedAt = &at
	} else {
		o.PendingToProcessing.ExecutedAt = &at
	}
	return nil
}

type recordingAudit struct{ entries []audit.Entry }

func (a *recordingAudit) Record(ctx context.Context, e audit.Entry) *audit.Entry {
	a.entries = append(a.entries, e)
	return &e
}

type recordingPublisher struct{ topics []string }

func (p *recordingPublisher) Publish(topic string, key, value []byte, headers ...kafkago.Header) {
	p.topics = append(p.topics, topic)
}

type harness struct {
	repo  *memRepo
	audit *recordingAudit
	pub   *recordingPublisher
	sched *Scheduler
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:  newMemRepo(),
		audit: &recordingAudit{},
		pub:   &recordingPublisher{},
		now:   time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	h.sched = New(Deps{
		Repo:     h.repo,
		Audit:    h.audit,
		Producer: h.pub,
		Clock:    func() time.Time { return h.now },
		Name:     "scheduler-test",
	})
	return h
}

func pendingOrder(id string, scheduledAt time.Time) *orders.Order {
	return &orders.Order{
		ID:            id,
		Number:        "ORD-000042",
		Status:        orders.StatusPending,
		PaymentMethod: "COD",
		PendingToProcessing: orders.ScheduledTransition{
			ScheduledAt: scheduledAt,
		},
		ProcessingToDelivering: orders.ScheduledTransition{
			ScheduledAt: scheduledAt.Add(30 * time.Minute),
		},
	}
}

func processingOrder(id string, scheduledAt time.Time, method string, paid bool) *orders.Order {
	executed := scheduledAt.Add(-time.Minute)
	return &orders.Order{
		ID:            id,
		Number:        "ORD-000043",
		Status:        orders.StatusProcessing,
		PaymentMethod: method,
		IsPaid:        paid,
		PendingToProcessing: orders.ScheduledTransition{
			ScheduledAt: scheduledAt.Add(-30 * time.Minute),
			ExecutedAt:  &executed,
		},
		ProcessingToDelivering: orders.ScheduledTransition{
			ScheduledAt: scheduledAt,
		},
	}
}

func TestTickAdvancesDueOrder(t *testing.T) {
	h := newHarness(t)
	h.repo.add(pendingOrder("o1", h.now.Add(-time.Second)))

	if n := h.sched.tick(context.Background()); n != 1 {
		t.Fatalf("advanced = %d, want 1", n)
	}

	o := h.repo.get("o1")
	if o.Status != orders.StatusProcessing {
		t.Fatalf("status = %s, want processing", o.Status)
	}
	if o.PendingToProcessing.ExecutedAt == nil {
		t.Fatal("executed_at not stamped")
	}

	if len(h.audit.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(h.audit.entries))
	}
	e := h.audit.entries[0]
	if e.ChangedBy != audit.SystemActor || e.ChangedByRole != audit.RoleSystem {
		t.Fatalf("audit actor %s/%s, want system", e.ChangedBy, e.ChangedByRole)
	}
	if e.OldValue != "pending" || e.NewValue != "processing" || e.Note != "automatic transition" {
		t.Fatalf("audit entry %+v", e)
	}

	if len(h.pub.topics) != 1 || h.pub.topics[0] != orders.TopicOrderStatusChanged {
		t.Fatalf("published topics %v", h.pub.topics)
	}
}

func TestTickIgnoresFutureOrders(t *testing.T) {
	h := newHarness(t)
	h.repo.add(pendingOrder("o1", h.now.Add(time.Minute)))

	if n := h.sched.tick(context.Background()); n != 0 {
		t.Fatalf("advanced = %d, want 0", n)
	}
	if h.repo.status("o1") != orders.StatusPending {
		t.Fatal("order must stay pending until its scheduled time")
	}
}

func TestDoubleTickIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.repo.add(pendingOrder("o1", h.now.Add(-time.Second)))

	first := h.sched.tick(context.Background())
	second := h.sched.tick(context.Background())
	if first != 1 || second != 0 {
		t.Fatalf("advanced = %d then %d, want 1 then 0", first, second)
	}
	if len(h.audit.entries) != 1 || len(h.pub.topics) != 1 {
		t.Fatalf("second tick must not audit or publish again: %d entries, %d events",
			len(h.audit.entries), len(h.pub.topics))
	}
}

func TestPaymentGateHoldsUnpaidOrders(t *testing.T) {
	h := newHarness(t)
	h.repo.add(processingOrder("unpaid", h.now.Add(-time.Second), "VA_BCA", false))
	h.repo.add(processingOrder("cod", h.now.Add(-time.Second), orders.PaymentCOD, false))
	h.repo.add(processingOrder("paid", h.now.Add(-time.Second), "VA_BCA", true))

	if n := h.sched.tick(context.Background()); n != 2 {
		t.Fatalf("advanced = %d, want 2 (cod and paid)", n)
	}
	if h.repo.status("unpaid") != orders.StatusProcessing {
		t.Fatal("unpaid non-COD order must stay in processing")
	}
	if h.repo.status("cod") != orders.StatusDelivering {
		t.Fatal("COD order must advance without payment")
	}
	if h.repo.status("paid") != orders.StatusDelivering {
		t.Fatal("paid order must advance")
	}

	// payment arrives, the next tick picks it up
	h.repo.setPaid("unpaid")
	if n := h.sched.tick(context.Background()); n != 1 {
		t.Fatalf("advanced = %d after payment, want 1", n)
	}
	if h.repo.status("unpaid") != orders.StatusDelivering {
		t.Fatal("order must advance once paid")
	}
}

func TestPerOrderFailureIsolated(t *testing.T) {
	h := newHarness(t)
	h.repo.add(pendingOrder("broken", h.now.Add(-time.Second)))
	h.repo.add(pendingOrder("fine", h.now.Add(-time.Second)))
	h.repo.markErr["broken"] = errors.New("deadlock detected")

	if n := h.sched.tick(context.Background()); n != 1 {
		t.Fatalf("advanced = %d, want 1", n)
	}
	if h.repo.status("fine") != orders.StatusProcessing {
		t.Fatal("healthy order must advance despite the neighbour failing")
	}
	if h.repo.status("broken") != orders.StatusPending {
		t.Fatal("failed order keeps its state for a retry")
	}

	// the failure clears and a later tick retries it
	h.repo.clearErr("broken")
	if n := h.sched.tick(context.Background()); n != 1 {
		t.Fatalf("retry advanced = %d, want 1", n)
	}
}

func TestLostRaceIsSilent(t *testing.T) {
	h := newHarness(t)
	h.repo.add(pendingOrder("o1", h.now.Add(-time.Second)))
	h.repo.markErr["o1"] = orders.ErrStale

	if n := h.sched.tick(context.Background()); n != 0 {
		t.Fatalf("advanced = %d, want 0", n)
	}
	if len(h.audit.entries) != 0 || len(h.pub.topics) != 0 {
		t.Fatal("a lost compare-and-set must not audit or publish")
	}
}

func TestDueQueryFailureSkipsTick(t *testing.T) {
	h := newHarness(t)
	h.repo.add(pendingOrder("o1", h.now.Add(-time.Second)))
	h.repo.dueErr = errors.New("connection refused")

	if n := h.sched.tick(context.Background()); n != 0 {
		t.Fatalf("advanced = %d, want 0", n)
	}

	h.repo.dueErr = nil
	if n := h.sched.tick(context.Background()); n != 1 {
		t.Fatalf("advanced = %d once the query recovers, want 1", n)
	}
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	h.sched.cfg.Interval = 5 * time.Millisecond
	h.repo.add(pendingOrder("o1", h.now.Add(-time.Second)))

	h.sched.Start(context.Background())
	deadline := time.After(2 * time.Second)
	for h.repo.status("o1") != orders.StatusProcessing {
		select {
		case <-deadline:
			t.Fatal("scheduler never advanced the due order")
		case <-time.After(5 * time.Millisecond):
		}
	}
	h.sched.Stop()
}

func TestStopWithoutStartReturns(t *testing.T) {
	h := newHarness(t)

	done := make(chan struct{})
	go func() {
		h.sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a scheduler that was never started")
	}
}
