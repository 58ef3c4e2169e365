package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"e2ee/internal/domain"
	"e2ee/internal/relay"
	"e2ee/internal/services/identity"
	"e2ee/internal/services/prekey"
	"e2ee/internal/services/session"
	"e2ee/internal/store"
	"e2ee/internal/vault"
)

const password = "Correct-Horse-Battery-9"

type peer struct {
	id       domain.DeviceID
	h        *vault.Handle
	prekeys  *prekey.Service
	sessions *session.Service
}

// opened accepts any first message.
func opened(*domain.RatchetState, []byte) error { return nil }

func remainingOneTimePreKeys(t *testing.T, p peer) int {
	t.Helper()
	st, err := p.prekeys.Status()
	require.NoError(t, err)
	return st.OneTimePreKeys
}

func newPeer(t *testing.T, dir *relay.Memory, id domain.DeviceID, opks int) peer {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "e2ee.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	v := vault.New(db, vault.Options{Iterations: vault.MinIterations})
	require.NoError(t, v.Initialize(password))
	h, err := v.Unlock(ctx, password)
	require.NoError(t, err)
	t.Cleanup(v.Lock)

	ids := identity.New(db, nil)
	pks := prekey.New(db, ids, prekey.Options{BatchSize: opks})
	b, err := pks.GenerateDeviceKeys(ctx, h, id)
	require.NoError(t, err)
	require.NoError(t, dir.PublishBundle(ctx, b))
	return peer{id: id, h: h, prekeys: pks, sessions: session.New(db, ids, pks, dir, session.Options{})}
}

func TestEnsure_ConcurrentCallersShareOneHandshake(t *testing.T) {
	dir := relay.NewMemory(0)
	alice := newPeer(t, dir, "alice-laptop", 1)
	bob := newPeer(t, dir, "bob-phone", 5)

	const n = 8
	results := make([]session.Handshake, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = alice.sessions.Ensure(context.Background(), alice.h, bob.id)
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].Session.ID, results[i].Session.ID)
		require.Equal(t, results[0].Session.HandshakeEphemeral, results[i].Session.HandshakeEphemeral)
	}
	require.Equal(t, 4, dir.RemainingOneTimePreKeys(bob.id), "exactly one one-time pre-key is fetched")

	sess, ok, err := alice.sessions.Load(bob.id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.PhaseHandshaking, sess.Phase)
	require.Equal(t, domain.RoleInitiator, sess.Role)
	require.NotNil(t, sess.PendingPreKey)
	require.False(t, sess.ReducedForwardSecrecy)
}

func TestInitiate_RejectsForgedBundle(t *testing.T) {
	dir := relay.NewMemory(0)
	alice := newPeer(t, dir, "alice-laptop", 1)
	bob := newPeer(t, dir, "bob-phone", 1)

	b, err := dir.FetchBundle(context.Background(), bob.id)
	require.NoError(t, err)
	b.SignedPreKeySignature[0] ^= 0xFF
	_, err = alice.sessions.Initiate(context.Background(), alice.h, b)
	require.ErrorIs(t, err, domain.ErrKeyVerification)

	_, ok, err := alice.sessions.Load(bob.id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAccept_DetectsIdentityChange(t *testing.T) {
	dir := relay.NewMemory(0)
	alice := newPeer(t, dir, "alice-laptop", 1)
	bob := newPeer(t, dir, "bob-phone", 2)
	ctx := context.Background()

	hs, err := alice.sessions.Ensure(ctx, alice.h, bob.id)
	require.NoError(t, err)
	first, responded, err := bob.sessions.Accept(ctx, bob.h, alice.id, *hs.Session.PendingPreKey, opened)
	require.NoError(t, err)
	require.True(t, responded)
	require.False(t, first.IdentityChanged)
	require.Equal(t, domain.RoleResponder, first.Session.Role)
	require.Equal(t, domain.PhaseEstablished, first.Session.Phase)

	// Alice reinstalls: same device id, new identity.
	reinstalled := newPeer(t, dir, "alice-laptop", 1)
	hs, err = reinstalled.sessions.Ensure(ctx, reinstalled.h, bob.id)
	require.NoError(t, err)
	second, responded, err := bob.sessions.Accept(ctx, bob.h, alice.id, *hs.Session.PendingPreKey, opened)
	require.NoError(t, err)
	require.True(t, responded)
	require.True(t, second.IdentityChanged)
	require.Greater(t, second.Session.Version, first.Session.Version)
	require.Equal(t, []domain.X25519Public{first.Session.HandshakeEphemeral}, second.Session.PreviousHandshakes)
}

func TestAccept_RejectedFirstMessageStoresNothing(t *testing.T) {
	ctx := context.Background()
	dir := relay.NewMemory(0)
	alice := newPeer(t, dir, "alice-laptop", 1)
	bob := newPeer(t, dir, "bob-phone", 3)
	rejected := errors.New("authentication failed")
	reject := func(*domain.RatchetState, []byte) error { return rejected }

	hs, err := alice.sessions.Ensure(ctx, alice.h, bob.id)
	require.NoError(t, err)
	msg := *hs.Session.PendingPreKey

	_, responded, err := bob.sessions.Accept(ctx, bob.h, alice.id, msg, reject)
	require.ErrorIs(t, err, rejected)
	require.False(t, responded)
	_, ok, err := bob.sessions.Load(alice.id)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 3, remainingOneTimePreKeys(t, bob), "the one-time pre-key is still unused")

	established, responded, err := bob.sessions.Accept(ctx, bob.h, alice.id, msg, opened)
	require.NoError(t, err)
	require.True(t, responded)
	require.Equal(t, 2, remainingOneTimePreKeys(t, bob))

	// A rejected handshake from an impostor leaves the established session alone.
	impostor := newPeer(t, dir, "alice-laptop", 1)
	forged, err := impostor.sessions.Ensure(ctx, impostor.h, bob.id)
	require.NoError(t, err)
	_, _, err = bob.sessions.Accept(ctx, bob.h, alice.id, *forged.Session.PendingPreKey, reject)
	require.ErrorIs(t, err, rejected)

	sess, ok, err := bob.sessions.Load(alice.id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, established.Session.Version, sess.Version)
	require.Equal(t, established.Session.HandshakeEphemeral, sess.HandshakeEphemeral)
	require.Equal(t, established.Session.PeerIdentity, sess.PeerIdentity)
	require.Equal(t, 2, remainingOneTimePreKeys(t, bob))
}

func TestAccept_ReplacedHandshakeIsReplay(t *testing.T) {
	ctx := context.Background()
	dir := relay.NewMemory(0)
	alice := newPeer(t, dir, "alice-laptop", 1)
	bob := newPeer(t, dir, "bob-phone", 3)

	first, err := alice.sessions.Ensure(ctx, alice.h, bob.id)
	require.NoError(t, err)
	_, _, err = bob.sessions.Accept(ctx, bob.h, alice.id, *first.Session.PendingPreKey, opened)
	require.NoError(t, err)

	b, err := dir.FetchBundle(ctx, bob.id)
	require.NoError(t, err)
	second, err := alice.sessions.Initiate(ctx, alice.h, b)
	require.NoError(t, err)
	_, responded, err := bob.sessions.Accept(ctx, bob.h, alice.id, *second.Session.PendingPreKey, opened)
	require.NoError(t, err)
	require.True(t, responded)

	_, responded, err = bob.sessions.Accept(ctx, bob.h, alice.id, *first.Session.PendingPreKey, opened)
	require.ErrorIs(t, err, domain.ErrReplay)
	require.False(t, responded)

	sess, _, err := bob.sessions.Load(alice.id)
	require.NoError(t, err)
	require.Equal(t, second.Session.HandshakeEphemeral, sess.HandshakeEphemeral)
}

func TestHandshake_InitiatorAndResponderSerialize(t *testing.T) {
	ctx := context.Background()
	for range 4 {
		dir := relay.NewMemory(0)
		alice := newPeer(t, dir, "alice-laptop", 2)
		bob := newPeer(t, dir, "bob-phone", 2)

		fromAlice, err := alice.sessions.Ensure(ctx, alice.h, bob.id)
		require.NoError(t, err)
		msg := *fromAlice.Session.PendingPreKey

		var (
			wg        sync.WaitGroup
			ensured   session.Handshake
			ensureErr error
			acceptErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			ensured, ensureErr = bob.sessions.Ensure(ctx, bob.h, alice.id)
		}()
		go func() {
			defer wg.Done()
			_, _, acceptErr = bob.sessions.Accept(ctx, bob.h, alice.id, msg, opened)
		}()
		wg.Wait()
		require.NoError(t, ensureErr)
		require.NoError(t, acceptErr)

		// Whichever ran first, Alice's handshake ends up stored.
		sess, ok, err := bob.sessions.Load(alice.id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, domain.RoleResponder, sess.Role)
		require.Equal(t, msg.EphemeralKey, sess.HandshakeEphemeral)
		if ensured.Created {
			require.Contains(t, sess.PreviousHandshakes, ensured.Session.HandshakeEphemeral)
			require.EqualValues(t, 2, sess.Version)
		} else {
			require.EqualValues(t, 1, sess.Version)
		}
	}
}

func TestReset_NotFound(t *testing.T) {
	dir := relay.NewMemory(0)
	alice := newPeer(t, dir, "alice-laptop", 1)

	require.ErrorIs(t, alice.sessions.Reset("nobody"), domain.ErrNotFound)
}

func TestAccept_SimultaneousInitiation(t *testing.T) {
	ctx := context.Background()
	dir := relay.NewMemory(0)
	alice := newPeer(t, dir, "alice-laptop", 2)
	bob := newPeer(t, dir, "bob-phone", 2)

	fromAlice, err := alice.sessions.Ensure(ctx, alice.h, bob.id)
	require.NoError(t, err)
	fromBob, err := bob.sessions.Ensure(ctx, bob.h, alice.id)
	require.NoError(t, err)

	// The lower device id keeps its own handshake.
	_, responded, err := alice.sessions.Accept(ctx, alice.h, bob.id, *fromBob.Session.PendingPreKey, opened)
	require.ErrorIs(t, err, session.ErrSimultaneousHandshake)
	require.ErrorIs(t, err, domain.ErrStaleState)
	require.False(t, responded)

	hs, responded, err := bob.sessions.Accept(ctx, bob.h, alice.id, *fromAlice.Session.PendingPreKey, opened)
	require.NoError(t, err)
	require.True(t, responded)
	require.Equal(t, domain.RoleResponder, hs.Session.Role)

	// A repeated pre-key message is recognised and not answered again.
	_, responded, err = bob.sessions.Accept(ctx, bob.h, alice.id, *fromAlice.Session.PendingPreKey, opened)
	require.NoError(t, err)
	require.False(t, responded)
}
