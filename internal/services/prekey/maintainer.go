package prekey

import (
	"context"
	"log/slog"
	"time"

	"e2ee/internal/domain"
	"e2ee/internal/platform/privacylog"
	"e2ee/internal/vault"
)

// Request asks the Maintainer for work.
type Request int

const (
	// RotateNow rotates the signed pre-key regardless of its age, then tops
	// up the one-time pool.
	RotateNow Request = iota + 1
	// Replenish tops up the one-time pool.
	Replenish
	// check is the periodic run: rotate when due, then top up.
	check
)

func (r Request) String() string {
	switch r {
	case RotateNow:
		return "rotate"
	case Replenish:
		return "replenish"
	case check:
		return "check"
	default:
		return "unknown"
	}
}

// Change describes what a maintenance run altered.
type Change struct {
	Rotated     domain.SignedPreKeyID
	Replenished int
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool { return c.Rotated == "" && c.Replenished == 0 }

// MaintainerOptions tunes the background task. Zero values select the defaults.
type MaintainerOptions struct {
	// CheckInterval is how often rotation and the one-time pool are checked.
	CheckInterval time.Duration
	// MinBackoff and MaxBackoff bound the retry delay after a failed run.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// Publish runs after a change, typically to republish the bundle. A
	// failure is retried together with the run.
	Publish func(ctx context.Context, c Change) error

	Logger *slog.Logger
}

// Maintainer rotates the signed pre-key and replenishes one-time pre-keys off
// the send/receive path.
type Maintainer struct {
	svc      *Service
	opts     MaintainerOptions
	log      *slog.Logger
	requests chan Request
}

// NewMaintainer returns a maintainer for svc. Call Run to start it.
func NewMaintainer(svc *Service, opts MaintainerOptions) *Maintainer {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Hour
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(32*time.Second, opts.MinBackoff)
	}
	return &Maintainer{
		svc:      svc,
		opts:     opts,
		log:      privacylog.OrDiscard(opts.Logger).With("component", "prekey-maintainer"),
		requests: make(chan Request, 8),
	}
}

// Request queues r without blocking. It reports false when the queue is full,
// in which case an equivalent request is already pending.
func (m *Maintainer) Request(r Request) bool {
	select {
	case m.requests <- r:
		return true
	default:
		return false
	}
}

// Run processes requests and periodic checks until ctx is cancelled or h is
// closed. Closing the handle cancels in-flight work.
func (m *Maintainer) Run(ctx context.Context, h *vault.Handle) error {
	ctx, cancel := h.Context(ctx)
	defer cancel()

	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	m.log.Info("maintainer started", "check_interval", m.opts.CheckInterval)
	m.process(ctx, h, check)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("maintainer stopped", "reason", ctx.Err())
			return ctx.Err()
		case r := <-m.requests:
			m.process(ctx, h, r)
		case <-ticker.C:
			m.process(ctx, h, check)
		}
	}
}

// run tracks progress across retries so a failed publish does not rotate twice.
type run struct {
	change      Change
	rotated     bool
	replenished bool
}

func (m *Maintainer) process(ctx context.Context, w domain.KeyWrapper, r Request) {
	var state run
	backoff := m.opts.MinBackoff
	for attempt := 1; ; attempt++ {
		err := m.step(ctx, w, r, &state)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			m.log.Warn("maintenance interrupted", "request", r.String(), "err", err)
			return
		}
		m.log.Warn("maintenance failed, retrying",
			"request", r.String(), "attempt", attempt, "backoff", backoff, "err", err)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			m.log.Warn("maintenance interrupted", "request", r.String(), "err", ctx.Err())
			return
		case <-t.C:
		}
		backoff = min(backoff*2, m.opts.MaxBackoff)
	}
}

func (m *Maintainer) step(ctx context.Context, w domain.KeyWrapper, r Request, state *run) error {
	if !state.rotated {
		rotate := r == RotateNow
		if r == check {
			st, err := m.svc.Status()
			if err != nil {
				return err
			}
			if st.Stale {
				m.log.Warn("signed pre-key is stale",
					"spk_id", string(st.ActiveSignedPreKey), "age", st.SignedPreKeyAge)
			}
			rotate = st.NeedsRotation
		}
		if rotate {
			rec, err := m.svc.RotateSignedPreKey(ctx, w)
			if err != nil {
				return err
			}
			state.change.Rotated = rec.ID
		}
		state.rotated = true
	}
	if !state.replenished {
		opts := m.svc.Options()
		n, err := m.svc.ReplenishOneTimePreKeys(ctx, w, opts.LowWatermark, opts.BatchSize)
		if err != nil {
			return err
		}
		state.change.Replenished = n
		state.replenished = true
	}
	if state.change.Empty() || m.opts.Publish == nil {
		return nil
	}
	return m.opts.Publish(ctx, state.change)
}
