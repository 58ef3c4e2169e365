package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"e2ee/internal/domain"
	"e2ee/internal/metrics"
	"e2ee/internal/platform/privacylog"
	"e2ee/internal/protocol/ratchet"
	"e2ee/internal/services/session"
)

// DefaultMaxConsecutiveFailures is how many undecryptable messages in a row
// make Decrypt recommend a new handshake.
const DefaultMaxConsecutiveFailures = 10

// ErrRepeatedFailures is wrapped into the undecryptable error once a session
// has seen MaxConsecutiveFailures in a row. The session stays usable; the
// sender is probably out of sync and a new handshake is advised.
var ErrRepeatedFailures = errors.New("message: repeated decryption failures")

var errUnsupportedEnvelope = errors.New("message: unsupported envelope version")

// Options tunes the engine. Zero values select the defaults.
type Options struct {
	MaxConsecutiveFailures int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Engine encrypts and decrypts messages with the Double Ratchet state of a
// stored session.
//
// High-level flow for both directions:
//   - Hold the vault key, then take the session lock so there is a single
//     writer per session.
//   - Unwrap the ratchet state with the vault handle.
//   - Run the ratchet; it commits only on success.
//   - Apply the phase transitions the step implies.
//   - Re-wrap and persist the session with an advanced version.
type Engine struct {
	store       domain.SessionStore
	sessions    *session.Service
	maxFailures int
	log         *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// New constructs a ratchet engine.
func New(store domain.SessionStore, sessions *session.Service, opts Options) *Engine {
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:       store,
		sessions:    sessions,
		maxFailures: opts.MaxConsecutiveFailures,
		log:         privacylog.OrDiscard(opts.Logger).With("component", "message"),
		metrics:     metrics.OrNew(opts.Metrics),
		now:         opts.Now,
	}
}

// Encrypt seals plaintext in session id and returns the envelope for the
// remote device. Until the peer has answered, the envelope carries the
// pending pre-key message so the peer can complete the handshake.
func (e *Engine) Encrypt(
	ctx context.Context,
	w domain.KeyWrapper,
	id domain.SessionID,
	plaintext []byte,
) (env domain.Envelope, err error) {
	defer func() { e.metrics.Messages.WithLabelValues("encrypt", metrics.Outcome(err)).Inc() }()
	if err := ctx.Err(); err != nil {
		return domain.Envelope{}, err
	}
	defer w.Hold()()
	defer e.sessions.Lock(id)()

	sess, st, err := e.open(w, id)
	if err != nil {
		return domain.Envelope{}, err
	}
	defer st.Wipe()

	epoch := st.Epoch
	header, ct, err := ratchet.Encrypt(st, sess.AssociatedData, plaintext)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("message: encrypt for %s: %w", sess.RemoteDevice, err)
	}
	events := []domain.SessionEvent{domain.EventSuccess}
	if st.Epoch != epoch {
		events = []domain.SessionEvent{domain.EventLocalRatchet, domain.EventSuccess}
	}
	if err := e.commit(w, &sess, st, events...); err != nil {
		return domain.Envelope{}, err
	}

	return domain.Envelope{
		Version:    domain.EnvelopeVersion,
		From:       sess.LocalDevice,
		To:         sess.RemoteDevice,
		SessionID:  sess.ID,
		Header:     header,
		PreKey:     sess.PendingPreKey,
		Ciphertext: ct,
		SentAt:     e.now().UTC(),
	}, nil
}

// Accept opens an incoming envelope. An envelope that carries a pre-key
// message for a handshake we have not seen yet starts a session: the first
// message is decrypted against the derived state and the session is stored
// only if that succeeds. Any other envelope goes to Decrypt. The returned
// handshake has Created set when a new session was stored.
func (e *Engine) Accept(
	ctx context.Context,
	w domain.KeyWrapper,
	env domain.Envelope,
) (msg domain.DecryptedMessage, hs session.Handshake, err error) {
	if env.PreKey == nil {
		msg, err = e.Decrypt(ctx, w, env)
		return msg, session.Handshake{}, err
	}
	if err := checkEnvelope(ctx, env); err != nil {
		return domain.DecryptedMessage{}, session.Handshake{}, err
	}

	var plaintext []byte
	hs, responded, err := e.sessions.Accept(ctx, w, env.From, *env.PreKey,
		func(st *domain.RatchetState, ad []byte) error {
			pt, err := ratchet.Decrypt(st, ad, env.Header, env.Ciphertext)
			if err != nil {
				return fmt.Errorf("message: first message from %s: %w", env.From, err)
			}
			plaintext = pt
			return nil
		})
	if err != nil {
		e.metrics.Messages.WithLabelValues("decrypt", metrics.Outcome(err)).Inc()
		return domain.DecryptedMessage{}, hs, err
	}
	if !responded {
		msg, err = e.Decrypt(ctx, w, env)
		return msg, hs, err
	}
	e.metrics.Messages.WithLabelValues("decrypt", metrics.Outcome(nil)).Inc()
	return domain.DecryptedMessage{
		From:      env.From,
		To:        env.To,
		SessionID: hs.Session.ID,
		Plaintext: plaintext,
		SentAt:    env.SentAt,
	}, hs, nil
}

// Decrypt opens an envelope addressed to the local device over an existing
// session. Undecryptable messages leave the ratchet untouched and are
// counted; a replayed message is dropped without counting. Neither breaks the
// session.
func (e *Engine) Decrypt(
	ctx context.Context,
	w domain.KeyWrapper,
	env domain.Envelope,
) (msg domain.DecryptedMessage, err error) {
	defer func() { e.metrics.Messages.WithLabelValues("decrypt", metrics.Outcome(err)).Inc() }()
	if err := checkEnvelope(ctx, env); err != nil {
		return domain.DecryptedMessage{}, err
	}
	id := domain.NewSessionID(env.To, env.From)
	defer w.Hold()()
	defer e.sessions.Lock(id)()

	sess, st, err := e.open(w, id)
	if err != nil {
		return domain.DecryptedMessage{}, err
	}
	defer st.Wipe()

	epoch := st.Epoch
	plaintext, err := ratchet.Decrypt(st, sess.AssociatedData, env.Header, env.Ciphertext)
	switch {
	case errors.Is(err, domain.ErrReplay):
		e.log.Info("duplicate message dropped", "session_id", string(sess.ID), "index", env.Header.MessageIndex)
		return domain.DecryptedMessage{}, err
	case errors.Is(err, domain.ErrUndecryptable):
		return domain.DecryptedMessage{}, e.failed(sess, err)
	case err != nil:
		return domain.DecryptedMessage{}, err
	}

	events := []domain.SessionEvent{domain.EventSuccess}
	if st.Epoch != epoch {
		events = []domain.SessionEvent{domain.EventRemoteRatchet, domain.EventSuccess}
	}
	sess.ConsecutiveFailures = 0
	// The peer answered, so it holds the session and needs no more pre-key messages.
	sess.PendingPreKey = nil
	if err := e.commit(w, &sess, st, events...); err != nil {
		return domain.DecryptedMessage{}, err
	}
	return domain.DecryptedMessage{
		From:      env.From,
		To:        env.To,
		SessionID: sess.ID,
		Plaintext: plaintext,
		SentAt:    env.SentAt,
	}, nil
}

func checkEnvelope(ctx context.Context, env domain.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env.Version != domain.EnvelopeVersion {
		return fmt.Errorf("%w %d", errUnsupportedEnvelope, env.Version)
	}
	return nil
}

// open loads session id and unwraps its ratchet state. A state that fails to
// unwrap or decode is corrupt and breaks the session. Callers hold the
// session lock.
func (e *Engine) open(w domain.KeyWrapper, id domain.SessionID) (domain.Session, *domain.RatchetState, error) {
	sess, ok, err := e.store.LoadSession(id)
	if err != nil {
		return domain.Session{}, nil, err
	}
	if !ok {
		return domain.Session{}, nil, fmt.Errorf("message: session %s: %w", id, domain.ErrNotFound)
	}
	if !sess.Phase.Usable() {
		return domain.Session{}, nil, fmt.Errorf("message: session %s is %s: %w", id, sess.Phase, domain.ErrSessionBroken)
	}
	st, err := session.OpenState(w, sess.WrappedState)
	switch {
	case err == nil:
		return sess, st, nil
	case errors.Is(err, domain.ErrAuthentication), errors.Is(err, domain.ErrSessionBroken):
		return domain.Session{}, nil, e.breakSession(sess, err)
	default:
		return domain.Session{}, nil, err
	}
}

// failed records an undecryptable message. The ratchet state is not
// modified. From the maxFailures-th failure in a row on, the error also wraps
// ErrRepeatedFailures.
func (e *Engine) failed(sess domain.Session, cause error) error {
	sess.ConsecutiveFailures++
	e.log.Warn("undecryptable message",
		"session_id", string(sess.ID), "failures", sess.ConsecutiveFailures, "kind", string(domain.KindOf(cause)))
	if err := e.save(&sess); err != nil {
		return errors.Join(cause, err)
	}
	if sess.ConsecutiveFailures >= e.maxFailures {
		return fmt.Errorf("message: session %s: %d failures in a row: %w: %w",
			sess.ID, sess.ConsecutiveFailures, ErrRepeatedFailures, cause)
	}
	return cause
}

func (e *Engine) breakSession(sess domain.Session, cause error) error {
	if err := sess.Advance(domain.EventFatal); err != nil {
		return errors.Join(cause, err)
	}
	e.log.Error("session broken", "session_id", string(sess.ID), "peer", string(sess.RemoteDevice), "err", cause)
	if err := e.save(&sess); err != nil {
		return errors.Join(cause, err)
	}
	e.metrics.SessionPhases.WithLabelValues(sess.Phase.String()).Inc()
	return fmt.Errorf("message: session %s: %w: %w", sess.ID, domain.ErrSessionBroken, cause)
}

// commit applies events, seals st and persists sess.
func (e *Engine) commit(w domain.KeyWrapper, sess *domain.Session, st *domain.RatchetState, events ...domain.SessionEvent) error {
	from := sess.Phase
	for _, ev := range events {
		if err := sess.Advance(ev); err != nil {
			return err
		}
	}
	sess.Epoch = st.Epoch
	blob, err := session.SealState(w, st)
	if err != nil {
		return err
	}
	sess.WrappedState = blob
	if err := e.save(sess); err != nil {
		return err
	}
	if sess.Phase != from {
		e.metrics.SessionPhases.WithLabelValues(sess.Phase.String()).Inc()
		e.log.Debug("session phase changed",
			"session_id", string(sess.ID), "from", from.String(), "to", sess.Phase.String())
	}
	return nil
}

func (e *Engine) save(sess *domain.Session) error {
	sess.Version++
	sess.UpdatedAt = e.now().UTC()
	return e.store.SaveSession(*sess)
}
