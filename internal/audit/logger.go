// Package audit records security-relevant events.
//
// Entries are metadata only: the event, the devices involved, an outcome and,
// for failures, the redacted error kind. They never carry plaintext, key
// material or raw error text.
package audit

import (
	"context"
	"log/slog"
	"time"

	"e2ee/internal/domain"
)

type (
	Entry  = domain.AuditEntry
	Filter = domain.AuditFilter
)

// Logger is the pluggable audit sink.
type Logger interface {
	Record(ctx context.Context, e Entry) error
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

// Config selects the audit backend.
type Config struct {
	Enabled bool `yaml:"enabled"`
}

// New returns a store-backed logger, or a no-op logger when auditing is
// disabled or no store is given.
func New(cfg Config, store domain.AuditStore, log *slog.Logger) Logger {
	if !cfg.Enabled || store == nil {
		return NewNoOpLogger()
	}
	return NewStoreLogger(store, log, time.Now)
}

// Event builds an entry for event with the outcome and error kind derived
// from err.
func Event(event domain.AuditEvent, device, peer domain.DeviceID, err error) Entry {
	e := Entry{
		Event:        event,
		DeviceID:     device,
		PeerDeviceID: peer,
		Outcome:      domain.OutcomeSuccess,
	}
	if err != nil {
		e.Outcome = domain.OutcomeFailure
		e.ErrorKind = domain.KindOf(err)
	}
	return e
}
