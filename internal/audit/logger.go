package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Logger writes audit entries best-effort: a failed append is reported
// to operational logging and swallowed, never propagated, because the
// primary state change it describes is already committed and must stand.
type Logger struct {
	store Store
	clock func() time.Time
	log   *zap.Logger
}

func NewLogger(store Store, clock func() time.Time, log *zap.Logger) *Logger {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{
		store: store,
		clock: func() time.Time { return clock().UTC() },
		log:   log,
	}
}

// Record appends the entry and returns it, or nil when the write
// failed. Callers do not branch on the result.
func (l *Logger) Record(ctx context.Context, e Entry) *Entry {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.clock()
	}
	if e.ChangedBy == "" {
		e.ChangedBy = SystemActor
		e.ChangedByRole = RoleSystem
	}
	if e.ChangedByRole == "" {
		e.ChangedByRole = RoleUser
	}
	if err := l.store.Append(ctx, &e); err != nil {
		l.log.Warn("audit append failed",
			zap.String("order_id", e.OrderID),
			zap.String("action", string(e.Action)),
			zap.Error(err))
		return nil
	}
	return &e
}

// OrderHistory lists an order's entries most-recent-first. Read
// failures degrade to an empty history.
func (l *Logger) OrderHistory(ctx context.Context, orderID string, limit int) []Entry {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	entries, err := l.store.ListByOrder(ctx, orderID, limit)
	if err != nil {
		l.log.Warn("audit history read failed",
			zap.String("order_id", orderID), zap.Error(err))
		return nil
	}
	return entries
}
