package safety

import (
	"context"
	"log/slog"
	"time"

	"e2ee/internal/domain"
	"e2ee/internal/platform/privacylog"
	"e2ee/internal/services/identity"
)

// IdentityResolver returns the identity a peer currently presents.
type IdentityResolver interface {
	PeerIdentity(ctx context.Context, peer domain.DeviceID) (domain.IdentityPublic, error)
}

// Service caches safety numbers per peer and records verification.
//
// A cached number is reused only while both identities it was computed from
// are unchanged; otherwise it is recomputed and the verified mark is dropped.
type Service struct {
	store    domain.SafetyNumberStore
	identity *identity.Service
	peers    IdentityResolver
	log      *slog.Logger
	now      func() time.Time
}

// New returns a safety-number service.
func New(store domain.SafetyNumberStore, ids *identity.Service, peers IdentityResolver, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		identity: ids,
		peers:    peers,
		log:      privacylog.OrDiscard(log).With("component", "safety"),
		now:      time.Now,
	}
}

// ForPeer returns the safety number for peer, recomputing it when either
// identity changed since it was cached.
func (s *Service) ForPeer(ctx context.Context, peer domain.DeviceID) (domain.SafetyNumberRecord, error) {
	local, err := s.identity.Public()
	if err != nil {
		return domain.SafetyNumberRecord{}, err
	}
	remote, err := s.peers.PeerIdentity(ctx, peer)
	if err != nil {
		return domain.SafetyNumberRecord{}, err
	}

	prev, ok, err := s.store.LoadSafetyNumber(peer)
	if err != nil {
		return domain.SafetyNumberRecord{}, err
	}
	if ok && prev.LocalIdentity == local && prev.RemoteIdentity == remote {
		return prev, nil
	}
	if ok && prev.Verified {
		s.log.Warn("identity changed, safety number verification reset", "peer", string(peer))
	}

	rec := domain.SafetyNumberRecord{
		Peer:           peer,
		LocalIdentity:  local,
		RemoteIdentity: remote,
		KeyDigest:      KeyDigest(local, remote),
		SafetyNumber:   Compute(local, remote),
		ComputedAt:     s.now().UTC(),
	}
	if err := s.store.SaveSafetyNumber(rec); err != nil {
		return domain.SafetyNumberRecord{}, err
	}
	return rec, nil
}

// MarkVerified compares scanned against the current safety number for peer
// and, on a match, records the peer as verified. It reports whether the
// numbers matched.
func (s *Service) MarkVerified(ctx context.Context, peer domain.DeviceID, scanned string) (bool, error) {
	rec, err := s.ForPeer(ctx, peer)
	if err != nil {
		return false, err
	}
	if !Verify(rec.LocalIdentity, rec.RemoteIdentity, scanned) {
		s.log.Warn("safety number mismatch", "peer", string(peer))
		return false, nil
	}
	rec.Verified = true
	rec.VerifiedAt = s.now().UTC()
	if err := s.store.SaveSafetyNumber(rec); err != nil {
		return false, err
	}
	s.log.Info("safety number verified", "peer", string(peer))
	return true, nil
}
