package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"e2ee/internal/domain"
	"e2ee/internal/platform/privacylog"
)

// StoreLogger appends entries to an AuditStore.
type StoreLogger struct {
	store domain.AuditStore
	log   *slog.Logger
	now   func() time.Time
}

// NewStoreLogger returns a logger backed by store.
func NewStoreLogger(store domain.AuditStore, log *slog.Logger, now func() time.Time) *StoreLogger {
	if now == nil {
		now = time.Now
	}
	return &StoreLogger{
		store: store,
		log:   privacylog.OrDiscard(log).With("component", "audit"),
		now:   now,
	}
}

// Record assigns an id and timestamp to e and appends it. Caller-set Seq,
// ID and Timestamp are overwritten.
func (l *StoreLogger) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.Seq = 0
	e.ID = uuid.NewString()
	e.Timestamp = l.now().UTC()
	if e.Outcome == "" {
		e.Outcome = domain.OutcomeSuccess
	}
	if _, err := l.store.AppendAudit(e); err != nil {
		l.log.Error("audit append failed", "event", string(e.Event), "error", err)
		return err
	}
	return nil
}

// Query returns matching entries oldest first.
func (l *StoreLogger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.store.QueryAudit(f)
}
