package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/singleflight"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
	"e2ee/internal/metrics"
	"e2ee/internal/platform/privacylog"
	"e2ee/internal/protocol/ratchet"
	"e2ee/internal/protocol/x3dh"
	"e2ee/internal/services/identity"
	"e2ee/internal/services/prekey"
)

// Handshake is the outcome of an initiated or responded X3DH.
type Handshake struct {
	Session domain.Session
	// Warning is a non-fatal condition. It wraps ErrExhaustedPreKeys when the
	// peer's bundle carried no one-time pre-key.
	Warning error
	// IdentityChanged is set when the peer presented a different identity
	// than the session it replaces.
	IdentityChanged bool
	// Joined is set when the call joined a handshake already in flight for
	// the same device pair.
	Joined bool
	// Created is set when this handshake stored a new session rather than
	// returning an existing one.
	Created bool
}

// Service negotiates pairwise sessions with X3DH and persists them.
//
// A session holds the wrapped Double Ratchet state seeded by the handshake.
// This service handles:
//   - Running X3DH as initiator against a fetched pre-key bundle.
//   - Running X3DH as responder, committing only once the first message opens.
//   - Keeping at most one handshake per device pair in flight.
//   - Persisting the resulting session for the ratchet engine.
type Service struct {
	store     domain.SessionStore
	identity  *identity.Service
	prekeys   *prekey.Service
	directory domain.Directory
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	flights singleflight.Group
	// pairs serializes handshakes per device pair; locks guards single
	// session writes and nests inside it.
	pairs locks
	locks locks
}

// Options carries optional collaborators.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// New constructs a session service.
func New(
	store domain.SessionStore,
	ids *identity.Service,
	prekeys *prekey.Service,
	directory domain.Directory,
	opts Options,
) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:     store,
		identity:  ids,
		prekeys:   prekeys,
		directory: directory,
		log:       privacylog.OrDiscard(opts.Logger).With("component", "session"),
		metrics:   metrics.OrNew(opts.Metrics),
		now:       opts.Now,
	}
}

// Lock serializes mutations of one session. Every writer of a session holds
// it across load, update and save.
func (s *Service) Lock(id domain.SessionID) (unlock func()) { return s.locks.lock(id) }

// Load returns the session with remote, if any.
func (s *Service) Load(remote domain.DeviceID) (domain.Session, bool, error) {
	local, err := s.identity.DeviceID()
	if err != nil {
		return domain.Session{}, false, err
	}
	return s.store.LoadSession(domain.NewSessionID(local, remote))
}

// PeerIdentity returns the identity remote presented in our session, or the
// one the directory publishes when there is no session yet.
func (s *Service) PeerIdentity(ctx context.Context, remote domain.DeviceID) (domain.IdentityPublic, error) {
	sess, ok, err := s.Load(remote)
	if err != nil {
		return domain.IdentityPublic{}, err
	}
	if ok && !sess.PeerIdentity.IsZero() {
		return sess.PeerIdentity, nil
	}
	return s.directory.LookupIdentity(ctx, remote)
}

// List returns every stored session.
func (s *Service) List() ([]domain.Session, error) { return s.store.ListSessions() }

// ErrSimultaneousHandshake refuses a peer's handshake that lost the
// tie-break against one we initiated at the same time.
var ErrSimultaneousHandshake = fmt.Errorf("session: simultaneous handshake: %w", domain.ErrStaleState)

// maxPreviousHandshakes bounds the replaced handshakes a session remembers.
const maxPreviousHandshakes = 16

// OpenFunc decrypts the first message of a handshake against the freshly
// derived ratchet state. It may advance st; the session is only stored when
// it returns nil.
type OpenFunc func(st *domain.RatchetState, ad []byte) error

// base is the stored session a handshake started from.
type base struct {
	exists    bool
	ephemeral domain.X25519Public
}

func baseOf(sess domain.Session, ok bool) base {
	if !ok {
		return base{}
	}
	return base{exists: true, ephemeral: sess.HandshakeEphemeral}
}

// Ensure returns a usable session with remote, fetching the peer's bundle and
// initiating a handshake when there is none or the old one is broken.
// Concurrent callers for the same peer share one handshake.
func (s *Service) Ensure(ctx context.Context, w domain.KeyWrapper, remote domain.DeviceID) (Handshake, error) {
	local, err := s.identity.DeviceID()
	if err != nil {
		return Handshake{}, err
	}
	id := domain.NewSessionID(local, remote)
	v, err, shared := s.flights.Do(flightKey(id), func() (any, error) {
		defer s.pairs.lock(id)()
		sess, ok, err := s.store.LoadSession(id)
		if err != nil {
			return Handshake{}, err
		}
		if ok && sess.Phase.Usable() {
			return Handshake{Session: sess}, nil
		}
		bundle, err := s.directory.FetchBundle(ctx, remote)
		if err != nil {
			return Handshake{}, fmt.Errorf("session: fetch bundle for %s: %w", remote, err)
		}
		return s.initiate(ctx, w, local, bundle, baseOf(sess, ok))
	})
	hs, _ := v.(Handshake)
	hs.Joined = shared
	return hs, err
}

// Initiate runs X3DH as initiator against bundle and stores the new session
// in the handshaking phase, replacing any previous one with the same peer.
func (s *Service) Initiate(ctx context.Context, w domain.KeyWrapper, bundle domain.PreKeyBundle) (Handshake, error) {
	local, err := s.identity.DeviceID()
	if err != nil {
		return Handshake{}, err
	}
	id := domain.NewSessionID(local, bundle.DeviceID)
	v, err, shared := s.flights.Do(flightKey(id), func() (any, error) {
		defer s.pairs.lock(id)()
		sess, ok, err := s.store.LoadSession(id)
		if err != nil {
			return Handshake{}, err
		}
		return s.initiate(ctx, w, local, bundle, baseOf(sess, ok))
	})
	hs, _ := v.(Handshake)
	hs.Joined = shared
	return hs, err
}

func flightKey(id domain.SessionID) string { return "handshake/" + string(id) }

func (s *Service) initiate(
	ctx context.Context,
	w domain.KeyWrapper,
	local domain.DeviceID,
	bundle domain.PreKeyBundle,
	from base,
) (hs Handshake, err error) {
	defer func() {
		s.metrics.Handshakes.WithLabelValues(domain.RoleInitiator.String(), metrics.Outcome(err)).Inc()
	}()
	if err := ctx.Err(); err != nil {
		return Handshake{}, err
	}
	defer w.Hold()()

	id, err := s.identity.Load(w)
	if err != nil {
		return Handshake{}, err
	}
	defer crypto.WipeIdentity(&id)

	result, err := x3dh.Initiate(id, bundle)
	if err != nil {
		s.log.Warn("bundle rejected", "peer", string(bundle.DeviceID), "err", err)
		return Handshake{}, err
	}
	defer crypto.Wipe(result.SharedSecret)

	st, err := ratchet.InitInitiator(result.SharedSecret, bundle.SignedPreKey)
	if err != nil {
		return Handshake{}, err
	}
	defer st.Wipe()

	msg := result.Message
	sess := domain.Session{
		LocalDevice:           local,
		RemoteDevice:          bundle.DeviceID,
		Role:                  domain.RoleInitiator,
		PeerIdentity:          bundle.Identity(),
		AssociatedData:        result.AssociatedData,
		ReducedForwardSecrecy: !result.UsedOneTimePreKey,
		PendingPreKey:         &msg,
		HandshakeEphemeral:    msg.EphemeralKey,
	}
	hs, err = s.persist(w, from, sess, st)
	if err != nil {
		return Handshake{}, err
	}
	if !result.UsedOneTimePreKey {
		hs.Warning = fmt.Errorf("session: bundle for %s: %w", bundle.DeviceID, domain.ErrExhaustedPreKeys)
		s.log.Warn("handshake without one-time pre-key, reduced forward secrecy",
			"peer", string(bundle.DeviceID), "session_id", string(hs.Session.ID))
	}
	s.log.Info("session initiated",
		"peer", string(bundle.DeviceID), "session_id", string(hs.Session.ID), "spk_id", string(msg.SignedPreKeyID))
	return hs, nil
}

// Accept handles the pre-key message carried by an incoming envelope and
// reports whether it responded. Responding derives the session in memory and
// hands the state to open; the session is stored and the one-time pre-key
// consumed only when open succeeds, so a forged or corrupt first message
// leaves the current session alone.
//
// A message for the handshake already stored is not a new handshake. One for
// a handshake the session has since replaced fails with ErrReplay. When both
// sides initiated at once, the device with the lower id keeps its own
// handshake and refuses the peer's with ErrSimultaneousHandshake; the peer
// adopts ours once it reads our pre-key message.
func (s *Service) Accept(
	ctx context.Context,
	w domain.KeyWrapper,
	from domain.DeviceID,
	msg domain.PreKeyMessage,
	open OpenFunc,
) (Handshake, bool, error) {
	local, err := s.identity.DeviceID()
	if err != nil {
		return Handshake{}, false, err
	}
	id := domain.NewSessionID(local, from)
	defer s.pairs.lock(id)()

	sess, ok, err := s.store.LoadSession(id)
	if err != nil {
		return Handshake{}, false, err
	}
	if ok {
		if sess.HandshakeEphemeral == msg.EphemeralKey {
			return Handshake{Session: sess}, false, nil
		}
		if slices.Contains(sess.PreviousHandshakes, msg.EphemeralKey) {
			s.log.Warn("replayed handshake", "peer", string(from), "session_id", string(id))
			return Handshake{}, false, fmt.Errorf("session: handshake from %s already replaced: %w", from, domain.ErrReplay)
		}
		if sess.Role == domain.RoleInitiator && sess.PendingPreKey != nil && sess.Phase.Usable() && local < from {
			s.log.Info("simultaneous handshake, keeping ours", "peer", string(from), "session_id", string(id))
			return Handshake{Session: sess}, false, fmt.Errorf("session: handshake from %s: %w", from, ErrSimultaneousHandshake)
		}
	}
	hs, err := s.respond(ctx, w, local, from, msg, baseOf(sess, ok), open)
	if err != nil {
		return Handshake{}, false, err
	}
	return hs, true, nil
}

func (s *Service) respond(
	ctx context.Context,
	w domain.KeyWrapper,
	local, from domain.DeviceID,
	msg domain.PreKeyMessage,
	prev base,
	open OpenFunc,
) (hs Handshake, err error) {
	defer func() {
		s.metrics.Handshakes.WithLabelValues(domain.RoleResponder.String(), metrics.Outcome(err)).Inc()
	}()
	if err := ctx.Err(); err != nil {
		return Handshake{}, err
	}
	defer w.Hold()()

	id, err := s.identity.Load(w)
	if err != nil {
		return Handshake{}, err
	}
	defer crypto.WipeIdentity(&id)

	s.prekeys.Pin(msg.SignedPreKeyID)
	defer s.prekeys.Unpin(msg.SignedPreKeyID)

	spk, err := s.prekeys.SignedPreKeyPair(w, msg.SignedPreKeyID)
	if err != nil {
		return Handshake{}, err
	}
	defer crypto.Wipe(spk.Priv[:])

	var opk *domain.X25519Private
	if msg.OneTimePreKeyID != "" {
		priv, err := s.prekeys.OneTimePreKey(w, msg.OneTimePreKeyID)
		if err != nil {
			s.log.Warn("one-time pre-key unavailable", "peer", string(from), "err", err)
			return Handshake{}, err
		}
		defer crypto.Wipe(priv[:])
		opk = &priv
	}

	sk, ad, err := x3dh.Respond(id, spk.Priv, opk, msg)
	if err != nil {
		return Handshake{}, err
	}
	defer crypto.Wipe(sk)

	st := ratchet.InitResponder(sk, spk)
	defer st.Wipe()

	epoch := st.Epoch
	if err := open(st, ad); err != nil {
		s.log.Warn("first message rejected, handshake discarded", "peer", string(from), "err", err)
		return Handshake{}, err
	}
	events := []domain.SessionEvent{domain.EventSuccess}
	if st.Epoch != epoch {
		events = []domain.SessionEvent{domain.EventRemoteRatchet, domain.EventSuccess}
	}

	if opk != nil {
		if err := s.prekeys.ClaimOneTimePreKey(msg.OneTimePreKeyID); err != nil {
			s.log.Warn("one-time pre-key claimed concurrently", "peer", string(from), "err", err)
			return Handshake{}, err
		}
	}

	sess := domain.Session{
		LocalDevice:           local,
		RemoteDevice:          from,
		Role:                  domain.RoleResponder,
		PeerIdentity:          msg.InitiatorIdentity(),
		AssociatedData:        ad,
		ReducedForwardSecrecy: opk == nil,
		HandshakeEphemeral:    msg.EphemeralKey,
	}
	hs, err = s.persist(w, prev, sess, st, events...)
	if err != nil {
		return Handshake{}, err
	}
	if hs.IdentityChanged {
		s.log.Warn("peer identity changed", "peer", string(from), "session_id", string(hs.Session.ID))
	}
	s.log.Info("session responded", "peer", string(from), "session_id", string(hs.Session.ID))
	return hs, nil
}

// persist seals st into sess and stores it over the session the handshake
// started from, advancing the version. If that session was replaced or
// deleted meanwhile the handshake fails with ErrStaleState. events are
// applied after the handshake event.
func (s *Service) persist(
	w domain.KeyWrapper,
	from base,
	sess domain.Session,
	st *domain.RatchetState,
	events ...domain.SessionEvent,
) (Handshake, error) {
	sess.ID = domain.NewSessionID(sess.LocalDevice, sess.RemoteDevice)
	defer s.Lock(sess.ID)()

	prev, ok, err := s.store.LoadSession(sess.ID)
	if err != nil {
		return Handshake{}, err
	}
	if ok != from.exists || (ok && prev.HandshakeEphemeral != from.ephemeral) {
		return Handshake{}, fmt.Errorf("session: %s changed during handshake: %w", sess.ID, domain.ErrStaleState)
	}

	var hs Handshake
	now := s.now().UTC()
	sess.CreatedAt, sess.UpdatedAt = now, now
	sess.Version = 1
	sess.Epoch = st.Epoch
	if ok {
		sess.Version = prev.Version + 1
		hs.IdentityChanged = !prev.PeerIdentity.IsZero() && prev.PeerIdentity != sess.PeerIdentity
		sess.Phase = prev.Phase
		sess.PreviousHandshakes = previousHandshakes(prev)
	}
	if err := sess.Advance(domain.EventHandshake); err != nil {
		return Handshake{}, err
	}
	for _, ev := range events {
		if err := sess.Advance(ev); err != nil {
			return Handshake{}, err
		}
	}
	if sess.WrappedState, err = SealState(w, st); err != nil {
		return Handshake{}, err
	}
	if err := s.store.SaveSession(sess); err != nil {
		return Handshake{}, err
	}
	s.metrics.SessionPhases.WithLabelValues(sess.Phase.String()).Inc()
	hs.Session = sess
	hs.Created = true
	return hs, nil
}

func previousHandshakes(prev domain.Session) []domain.X25519Public {
	out := slices.Clone(prev.PreviousHandshakes)
	if prev.HandshakeEphemeral != (domain.X25519Public{}) {
		out = append(out, prev.HandshakeEphemeral)
	}
	if n := len(out); n > maxPreviousHandshakes {
		out = out[n-maxPreviousHandshakes:]
	}
	return out
}

// Reset deletes the session with remote. The next message starts a new
// handshake.
func (s *Service) Reset(remote domain.DeviceID) error {
	local, err := s.identity.DeviceID()
	if err != nil {
		return err
	}
	id := domain.NewSessionID(local, remote)
	defer s.Lock(id)()

	if _, ok, err := s.store.LoadSession(id); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("session: %s: %w", remote, domain.ErrNotFound)
	}
	if err := s.store.DeleteSession(id); err != nil {
		return err
	}
	s.log.Info("session reset", "peer", string(remote), "session_id", string(id))
	return nil
}
