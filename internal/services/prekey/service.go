package prekey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
	"e2ee/internal/metrics"
	"e2ee/internal/platform/privacylog"
	"e2ee/internal/protocol/x3dh"
	"e2ee/internal/services/identity"
)

const (
	DefaultRotationInterval = 7 * 24 * time.Hour
	DefaultBatchSize        = 100
	DefaultLowWatermark     = 20
)

var errNoSignedPreKey = errors.New("prekey: no active signed pre-key")

// Options tunes the pre-key lifecycle. Zero values select the defaults.
type Options struct {
	// RotationInterval is the age at which the active signed pre-key is replaced.
	RotationInterval time.Duration
	// GracePeriod is how long a retired signed pre-key stays usable for
	// responder handshakes. It defaults to RotationInterval.
	GracePeriod time.Duration
	// BatchSize is the number of one-time pre-keys generated per batch.
	BatchSize int
	// LowWatermark triggers replenishment when fewer unused keys remain.
	LowWatermark int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Service manages signed pre-keys and one-time pre-keys for X3DH bootstrap.
//
// Private halves are wrapped by the vault handle passed to each call. Key
// generation is serialized; pins keep retired signed pre-keys referenced by
// in-flight handshakes from being purged.
type Service struct {
	store    domain.PreKeyStore
	identity *identity.Service
	opts     Options
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu sync.Mutex

	pinMu sync.Mutex
	pins  map[domain.SignedPreKeyID]int

	hookMu sync.Mutex
	onLow  []func()
}

// New returns a pre-key service.
func New(store domain.PreKeyStore, ids *identity.Service, opts Options) *Service {
	if opts.RotationInterval <= 0 {
		opts.RotationInterval = DefaultRotationInterval
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = opts.RotationInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.LowWatermark <= 0 {
		opts.LowWatermark = DefaultLowWatermark
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:    store,
		identity: ids,
		opts:     opts,
		log:      privacylog.OrDiscard(opts.Logger).With("component", "prekey"),
		metrics:  metrics.OrNew(opts.Metrics),
		pins:     make(map[domain.SignedPreKeyID]int),
	}
}

// Options returns the effective options.
func (s *Service) Options() Options { return s.opts }

// OnLow registers fn to run when consuming a one-time pre-key leaves fewer
// than LowWatermark unused keys.
func (s *Service) OnLow(fn func()) {
	s.hookMu.Lock()
	s.onLow = append(s.onLow, fn)
	s.hookMu.Unlock()
}

// GenerateDeviceKeys creates the device identity, the first signed pre-key and
// a full batch of one-time pre-keys, and returns the resulting public bundle.
func (s *Service) GenerateDeviceKeys(
	ctx context.Context,
	w domain.KeyWrapper,
	deviceID domain.DeviceID,
) (domain.PreKeyBundle, error) {
	if _, err := s.identity.Generate(ctx, w, deviceID); err != nil {
		return domain.PreKeyBundle{}, err
	}
	if _, err := s.RotateSignedPreKey(ctx, w); err != nil {
		return domain.PreKeyBundle{}, err
	}
	if _, err := s.ReplenishOneTimePreKeys(ctx, w, s.opts.BatchSize, s.opts.BatchSize); err != nil {
		return domain.PreKeyBundle{}, err
	}
	return s.Bundle(ctx, deviceID)
}

// RotateSignedPreKey creates a new signed pre-key, signs it with the identity
// Ed25519 key, retires the previous one and purges retired keys whose grace
// period elapsed and that no handshake pins.
func (s *Service) RotateSignedPreKey(ctx context.Context, w domain.KeyWrapper) (rec domain.SignedPreKeyRecord, err error) {
	defer func() { s.metrics.Rotations.WithLabelValues(metrics.Outcome(err)).Inc() }()
	if err := ctx.Err(); err != nil {
		return domain.SignedPreKeyRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer w.Hold()()

	id, err := s.identity.Load(w)
	if err != nil {
		return domain.SignedPreKeyRecord{}, err
	}
	defer crypto.WipeIdentity(&id)

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.SignedPreKeyRecord{}, err
	}
	wrapped, err := w.Wrap(priv[:])
	crypto.Wipe(priv[:])
	if err != nil {
		return domain.SignedPreKeyRecord{}, fmt.Errorf("prekey: wrap signed pre-key: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return domain.SignedPreKeyRecord{}, err
	}

	now := s.opts.Now().UTC()
	rec = domain.SignedPreKeyRecord{
		ID:             domain.SignedPreKeyID("spk-" + uuid.NewString()),
		Public:         pub,
		Signature:      x3dh.SignPreKey(id.EdPriv, pub),
		WrappedPrivate: wrapped,
		State:          domain.SignedPreKeyActive,
		CreatedAt:      now,
	}
	if err := s.store.RotateSignedPreKey(rec, now); err != nil {
		return domain.SignedPreKeyRecord{}, err
	}
	s.metrics.SignedPreKeyAge.Set(0)
	s.log.Info("signed pre-key rotated", "spk_id", string(rec.ID))

	if purged, err := s.purgeRetired(now); err != nil {
		s.log.Warn("purge retired signed pre-keys failed", "err", err)
	} else if purged > 0 {
		s.log.Info("retired signed pre-keys purged", "count", purged)
	}
	return rec, nil
}

func (s *Service) purgeRetired(now time.Time) (int, error) {
	recs, err := s.store.ListSignedPreKeys()
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, rec := range recs {
		if rec.State != domain.SignedPreKeyRetired || now.Sub(rec.RetiredAt) < s.opts.GracePeriod {
			continue
		}
		if s.pinned(rec.ID) {
			continue
		}
		if err := s.store.DeleteSignedPreKey(rec.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// ReplenishOneTimePreKeys generates batchSize new one-time pre-keys when fewer
// than threshold unused keys remain, and returns how many were added. The
// batch is persisted in one transaction; if ctx is cancelled while generating,
// nothing is stored.
func (s *Service) ReplenishOneTimePreKeys(
	ctx context.Context,
	w domain.KeyWrapper,
	threshold, batchSize int,
) (n int, err error) {
	defer func() {
		if n > 0 || err != nil {
			s.metrics.Replenishments.WithLabelValues(metrics.Outcome(err)).Inc()
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	defer w.Hold()()

	count, err := s.store.CountOneTimePreKeys()
	if err != nil {
		return 0, err
	}
	s.metrics.OneTimePreKeys.Set(float64(count))
	if count >= threshold || batchSize <= 0 {
		return 0, nil
	}

	now := s.opts.Now().UTC()
	batch := make([]domain.OneTimePreKeyRecord, 0, batchSize)
	for range batchSize {
		if err := ctx.Err(); err != nil {
			s.log.Warn("one-time pre-key batch discarded", "generated", len(batch), "err", err)
			return 0, err
		}
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return 0, err
		}
		wrapped, err := w.Wrap(priv[:])
		crypto.Wipe(priv[:])
		if err != nil {
			return 0, fmt.Errorf("prekey: wrap one-time pre-key: %w", err)
		}
		batch = append(batch, domain.OneTimePreKeyRecord{
			ID:             domain.OneTimePreKeyID("opk-" + uuid.NewString()),
			Public:         pub,
			WrappedPrivate: wrapped,
			CreatedAt:      now,
		})
	}
	if err := s.store.SaveOneTimePreKeys(batch); err != nil {
		return 0, err
	}
	s.metrics.OneTimePreKeys.Set(float64(count + len(batch)))
	s.log.Info("one-time pre-keys replenished", "added", len(batch), "unused", count+len(batch))
	return len(batch), nil
}

// Bundle builds the public bundle of the local device from the active signed
// pre-key and every unused one-time pre-key.
func (s *Service) Bundle(ctx context.Context, deviceID domain.DeviceID) (domain.PreKeyBundle, error) {
	if err := ctx.Err(); err != nil {
		return domain.PreKeyBundle{}, err
	}
	rec, err := s.identity.Record()
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	if deviceID != rec.DeviceID {
		return domain.PreKeyBundle{}, fmt.Errorf("prekey: bundle for %s: %w", deviceID, domain.ErrNotFound)
	}
	spk, ok, err := s.store.ActiveSignedPreKey()
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	if !ok {
		return domain.PreKeyBundle{}, errNoSignedPreKey
	}
	opks, err := s.store.ListOneTimePreKeys()
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	return domain.PreKeyBundle{
		DeviceID:              rec.DeviceID,
		IdentityKey:           rec.Public.XPub,
		SigningKey:            rec.Public.EdPub,
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.Public,
		SignedPreKeySignature: spk.Signature,
		OneTimePreKeys:        opks,
	}, nil
}

// MarkPublished records the bundle last handed to the directory.
func (s *Service) MarkPublished(b domain.PreKeyBundle) error {
	return s.store.SaveBundleView(b)
}

// SignedPreKeyPair unwraps the signed pre-key with the given ID, active or
// retired.
func (s *Service) SignedPreKeyPair(w domain.KeyWrapper, id domain.SignedPreKeyID) (domain.X25519Pair, error) {
	rec, ok, err := s.store.LoadSignedPreKey(id)
	if err != nil {
		return domain.X25519Pair{}, err
	}
	if !ok {
		return domain.X25519Pair{}, fmt.Errorf("prekey: signed pre-key %s: %w", id, domain.ErrNotFound)
	}
	priv, err := w.Unwrap(rec.WrappedPrivate)
	if err != nil {
		return domain.X25519Pair{}, fmt.Errorf("prekey: unwrap signed pre-key: %w", err)
	}
	defer crypto.Wipe(priv)
	var pair domain.X25519Pair
	copy(pair.Priv[:], priv)
	pair.Pub = rec.Public
	return pair, nil
}

// OneTimePreKey returns the private half of an unused one-time pre-key
// without consuming it. A key that is missing or was already consumed fails
// with ErrReplay.
func (s *Service) OneTimePreKey(w domain.KeyWrapper, id domain.OneTimePreKeyID) (domain.X25519Private, error) {
	rec, ok, err := s.store.LoadOneTimePreKey(id)
	if err != nil {
		return domain.X25519Private{}, err
	}
	if !ok {
		return domain.X25519Private{}, fmt.Errorf("prekey: one-time pre-key %s: %w", id, domain.ErrReplay)
	}
	raw, err := w.Unwrap(rec.WrappedPrivate)
	if err != nil {
		return domain.X25519Private{}, fmt.Errorf("prekey: unwrap one-time pre-key: %w", err)
	}
	defer crypto.Wipe(raw)
	var priv domain.X25519Private
	copy(priv[:], raw)
	return priv, nil
}

// ClaimOneTimePreKey consumes the one-time pre-key with the given ID. Only
// one caller can claim a key; the others fail with ErrReplay.
func (s *Service) ClaimOneTimePreKey(id domain.OneTimePreKeyID) error {
	_, ok, err := s.store.ConsumeOneTimePreKey(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("prekey: one-time pre-key %s: %w", id, domain.ErrReplay)
	}
	s.checkLow()
	return nil
}

func (s *Service) checkLow() {
	count, err := s.store.CountOneTimePreKeys()
	if err != nil {
		s.log.Warn("count one-time pre-keys failed", "err", err)
		return
	}
	s.metrics.OneTimePreKeys.Set(float64(count))
	if count >= s.opts.LowWatermark {
		return
	}
	s.hookMu.Lock()
	hooks := append([]func(){}, s.onLow...)
	s.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Pin marks a signed pre-key as referenced by an in-flight handshake. Pinned
// keys are never purged.
func (s *Service) Pin(id domain.SignedPreKeyID) {
	s.pinMu.Lock()
	s.pins[id]++
	s.pinMu.Unlock()
}

// Unpin releases one Pin.
func (s *Service) Unpin(id domain.SignedPreKeyID) {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	if s.pins[id] <= 1 {
		delete(s.pins, id)
		return
	}
	s.pins[id]--
}

func (s *Service) pinned(id domain.SignedPreKeyID) bool {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	return s.pins[id] > 0
}

// Status summarizes the local key material.
type Status struct {
	DeviceID             domain.DeviceID
	Fingerprint          domain.Fingerprint
	ActiveSignedPreKey   domain.SignedPreKeyID
	SignedPreKeyAge      time.Duration
	RetiredSignedPreKeys int
	OneTimePreKeys       int
	// NeedsRotation is set once the active key reached the rotation interval.
	NeedsRotation bool
	// Stale is set once the active key is older than twice the rotation interval.
	Stale bool
	// Low is set when fewer than LowWatermark one-time pre-keys remain.
	Low bool
}

// Status reports the current key material without unwrapping anything.
func (s *Service) Status() (Status, error) {
	rec, err := s.identity.Record()
	if err != nil {
		return Status{}, err
	}
	st := Status{
		DeviceID:    rec.DeviceID,
		Fingerprint: crypto.IdentityFingerprint(rec.Public),
	}

	spks, err := s.store.ListSignedPreKeys()
	if err != nil {
		return Status{}, err
	}
	now := s.opts.Now()
	for _, spk := range spks {
		switch spk.State {
		case domain.SignedPreKeyActive:
			st.ActiveSignedPreKey = spk.ID
			st.SignedPreKeyAge = now.Sub(spk.CreatedAt)
		case domain.SignedPreKeyRetired:
			st.RetiredSignedPreKeys++
		}
	}
	if st.ActiveSignedPreKey == "" {
		st.NeedsRotation = true
	} else {
		st.NeedsRotation = st.SignedPreKeyAge >= s.opts.RotationInterval
		st.Stale = st.SignedPreKeyAge > 2*s.opts.RotationInterval
	}
	s.metrics.SignedPreKeyAge.Set(st.SignedPreKeyAge.Seconds())

	if st.OneTimePreKeys, err = s.store.CountOneTimePreKeys(); err != nil {
		return Status{}, err
	}
	st.Low = st.OneTimePreKeys < s.opts.LowWatermark
	return st, nil
}
