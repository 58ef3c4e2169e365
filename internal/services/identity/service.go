package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
	"e2ee/internal/platform/privacylog"
)

var errEmptyDeviceID = errors.New("identity: device id must not be empty")

// Service manages the local device identity on top of an IdentityStore.
//
// The identity contains:
//   - X25519 key pair for Diffie-Hellman (X3DH).
//   - Ed25519 key pair for signing (for example, signing the Signed Pre-Key).
//
// Private halves are only ever persisted wrapped by the vault. The public
// half is cached after the first load; wrapped blobs are always read from the
// store since a password change re-wraps them.
type Service struct {
	store domain.IdentityStore
	log   *slog.Logger
	now   func() time.Time

	mu     sync.RWMutex
	cached *domain.IdentityRecord
}

// New returns an identity service backed by the given store.
func New(s domain.IdentityStore, log *slog.Logger) *Service {
	return &Service{
		store: s,
		log:   privacylog.OrDiscard(log).With("component", "identity"),
		now:   time.Now,
	}
}

// Generate creates the device identity, wraps its private halves with w and
// persists it. It fails with ErrAlreadyInitialized when an identity exists.
func (s *Service) Generate(
	ctx context.Context,
	w domain.KeyWrapper,
	deviceID domain.DeviceID,
) (domain.IdentityPublic, error) {
	if err := ctx.Err(); err != nil {
		return domain.IdentityPublic{}, err
	}
	if deviceID == "" {
		return domain.IdentityPublic{}, errEmptyDeviceID
	}
	if _, ok, err := s.store.LoadIdentity(); err != nil {
		return domain.IdentityPublic{}, err
	} else if ok {
		return domain.IdentityPublic{}, domain.ErrAlreadyInitialized
	}

	id, err := crypto.NewIdentity()
	if err != nil {
		return domain.IdentityPublic{}, err
	}
	defer crypto.WipeIdentity(&id)
	defer w.Hold()()

	priv := crypto.MarshalIdentityPrivate(id)
	wrapped, err := w.Wrap(priv)
	crypto.Wipe(priv)
	if err != nil {
		return domain.IdentityPublic{}, fmt.Errorf("identity: wrap: %w", err)
	}

	rec := domain.IdentityRecord{
		DeviceID:       deviceID,
		Public:         id.Public(),
		WrappedPrivate: wrapped,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.SaveIdentity(rec); err != nil {
		return domain.IdentityPublic{}, err
	}

	s.remember(rec)
	s.log.Info("identity generated",
		"device_id", string(deviceID),
		"fingerprint", string(crypto.IdentityFingerprint(rec.Public)))
	return rec.Public, nil
}

// Load unwraps and returns the full identity. Callers wipe it with
// crypto.WipeIdentity once done.
func (s *Service) Load(w domain.KeyWrapper) (domain.Identity, error) {
	rec, err := s.load()
	if err != nil {
		return domain.Identity{}, err
	}
	priv, err := w.Unwrap(rec.WrappedPrivate)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("identity: unwrap: %w", err)
	}
	defer crypto.Wipe(priv)
	return crypto.UnmarshalIdentityPrivate(rec.Public, priv)
}

// Record returns the public part of the identity record. WrappedPrivate is
// left empty.
func (s *Service) Record() (domain.IdentityRecord, error) {
	s.mu.RLock()
	cached := s.cached
	s.mu.RUnlock()
	if cached != nil {
		return *cached, nil
	}
	rec, err := s.load()
	if err != nil {
		return domain.IdentityRecord{}, err
	}
	return s.remember(rec), nil
}

func (s *Service) load() (domain.IdentityRecord, error) {
	rec, ok, err := s.store.LoadIdentity()
	if err != nil {
		return domain.IdentityRecord{}, err
	}
	if !ok {
		return domain.IdentityRecord{}, domain.ErrNotInitialized
	}
	return rec, nil
}

func (s *Service) remember(rec domain.IdentityRecord) domain.IdentityRecord {
	rec.WrappedPrivate = nil
	s.mu.Lock()
	s.cached = &rec
	s.mu.Unlock()
	return rec
}

// Public returns the local public identity.
func (s *Service) Public() (domain.IdentityPublic, error) {
	rec, err := s.Record()
	return rec.Public, err
}

// DeviceID returns the local device id.
func (s *Service) DeviceID() (domain.DeviceID, error) {
	rec, err := s.Record()
	return rec.DeviceID, err
}

// Fingerprint returns a short fingerprint of the local identity.
func (s *Service) Fingerprint() (domain.Fingerprint, error) {
	rec, err := s.Record()
	if err != nil {
		return "", err
	}
	return crypto.IdentityFingerprint(rec.Public), nil
}

// Forget drops the cached record, for use after the store was reset.
func (s *Service) Forget() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}
