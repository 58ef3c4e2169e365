package message_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"e2ee/internal/domain"
	"e2ee/internal/relay"
	"e2ee/internal/services/identity"
	"e2ee/internal/services/message"
	"e2ee/internal/services/prekey"
	"e2ee/internal/services/session"
	"e2ee/internal/store"
	"e2ee/internal/vault"
)

const password = "Correct-Horse-Battery-9"

type device struct {
	id       domain.DeviceID
	db       *store.Bolt
	h        *vault.Handle
	prekeys  *prekey.Service
	sessions *session.Service
	engine   *message.Engine
}

func newDevice(t *testing.T, dir *relay.Memory, id domain.DeviceID, opks int) *device {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), string(id)+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	v := vault.New(db, vault.Options{Iterations: vault.MinIterations})
	require.NoError(t, v.Initialize(password))
	h, err := v.Unlock(ctx, password)
	require.NoError(t, err)
	t.Cleanup(v.Lock)

	ids := identity.New(db, nil)
	pks := prekey.New(db, ids, prekey.Options{BatchSize: max(opks, 1)})
	b, err := pks.GenerateDeviceKeys(ctx, h, id)
	require.NoError(t, err)
	b.OneTimePreKeys = b.OneTimePreKeys[:opks]
	require.NoError(t, dir.PublishBundle(ctx, b))

	sessions := session.New(db, ids, pks, dir, session.Options{})
	return &device{
		id:       id,
		db:       db,
		h:        h,
		prekeys:  pks,
		sessions: sessions,
		engine:   message.New(db, sessions, message.Options{}),
	}
}

// send encrypts to peer, handshaking first when needed.
func (d *device) send(t *testing.T, peer domain.DeviceID, text string) domain.Envelope {
	t.Helper()
	hs, err := d.sessions.Ensure(context.Background(), d.h, peer)
	require.NoError(t, err)
	env, err := d.engine.Encrypt(context.Background(), d.h, hs.Session.ID, []byte(text))
	require.NoError(t, err)
	return env
}

// receive opens env, starting a session when it carries a new handshake.
func (d *device) receive(env domain.Envelope) (string, error) {
	msg, _, err := d.engine.Accept(context.Background(), d.h, env)
	return string(msg.Plaintext), err
}

func (d *device) phase(t *testing.T, peer domain.DeviceID) domain.SessionPhase {
	t.Helper()
	sess, ok, err := d.sessions.Load(peer)
	require.NoError(t, err)
	require.True(t, ok)
	return sess.Phase
}

func TestConversation_PhasesAndPreKeyMessage(t *testing.T) {
	dir := relay.NewMemory(0)
	alice := newDevice(t, dir, "alice-laptop", 1)
	bob := newDevice(t, dir, "bob-phone", 1)

	e1 := alice.send(t, bob.id, "hi bob")
	require.NotNil(t, e1.PreKey)
	require.Equal(t, domain.PhaseEstablished, alice.phase(t, bob.id))

	e2 := alice.send(t, bob.id, "still there?")
	require.NotNil(t, e2.PreKey, "pre-key message repeats until the peer answers")

	got, err := bob.receive(e1)
	require.NoError(t, err)
	require.Equal(t, "hi bob", got)
	got, err = bob.receive(e2)
	require.NoError(t, err)
	require.Equal(t, "still there?", got)
	require.Equal(t, domain.PhaseEstablished, bob.phase(t, alice.id))

	r1 := bob.send(t, alice.id, "hey alice")
	require.Nil(t, r1.PreKey)
	got, err = alice.receive(r1)
	require.NoError(t, err)
	require.Equal(t, "hey alice", got)
	require.Equal(t, domain.PhaseHealing, alice.phase(t, bob.id))

	e3 := alice.send(t, bob.id, "bye")
	require.Nil(t, e3.PreKey)
	require.Equal(t, domain.PhaseEstablished, alice.phase(t, bob.id))
	got, err = bob.receive(e3)
	require.NoError(t, err)
	require.Equal(t, "bye", got)
}

func TestConversation_OutOfOrder(t *testing.T) {
	dir := relay.NewMemory(0)
	alice := newDevice(t, dir, "alice-laptop", 1)
	bob := newDevice(t, dir, "bob-phone", 1)

	m1 := alice.send(t, bob.id, "m1")
	m2 := alice.send(t, bob.id, "m2")
	m3 := alice.send(t, bob.id, "m3")

	for _, c := range []struct {
		env  domain.Envelope
		want string
	}{{m3, "m3"}, {m1, "m1"}, {m2, "m2"}} {
		got, err := bob.receive(c.env)
		require.NoError(t, err)
		require.Equal(t, c.want, got)
	}

	_, err := bob.engine.Decrypt(context.Background(), bob.h, m2)
	require.ErrorIs(t, err, domain.ErrReplay)
}

func TestConversation_ReducedForwardSecrecyWithoutOneTimePreKey(t *testing.T) {
	dir := relay.NewMemory(0)
	alice := newDevice(t, dir, "alice-laptop", 1)
	bob := newDevice(t, dir, "bob-phone", 0)

	hs, err := alice.sessions.Ensure(context.Background(), alice.h, bob.id)
	require.NoError(t, err)
	require.ErrorIs(t, hs.Warning, domain.ErrExhaustedPreKeys)
	require.True(t, hs.Session.ReducedForwardSecrecy)

	env, err := alice.engine.Encrypt(context.Background(), alice.h, hs.Session.ID, []byte("hello"))
	require.NoError(t, err)
	got, err := bob.receive(env)
	require.NoError(t, err)
	require.Equal(t, "hello", got)
}

func TestAccept_DuplicateFirstMessageIsReplay(t *testing.T) {
	dir := relay.NewMemory(0)
	alice := newDevice(t, dir, "alice-laptop", 1)
	bob := newDevice(t, dir, "bob-phone", 1)

	env := alice.send(t, bob.id, "hi")
	_, err := bob.receive(env)
	require.NoError(t, err)

	_, hs, err := bob.engine.Accept(context.Background(), bob.h, env)
	require.ErrorIs(t, err, domain.ErrReplay)
	require.False(t, hs.Created)
}

func TestAccept_ConsumedOneTimePreKeyIsReplay(t *testing.T) {
	dir := relay.NewMemory(0)
	alice := newDevice(t, dir, "alice-laptop", 1)
	bob := newDevice(t, dir, "bob-phone", 1)
	carol := newDevice(t, dir, "carol-tablet", 1)

	env := alice.send(t, bob.id, "hi")
	_, err := bob.receive(env)
	require.NoError(t, err)

	// A forged first message from another device that reuses the same
	// one-time pre-key cannot complete a handshake.
	forged := *env.PreKey
	forged.EphemeralKey[0] ^= 1
	env.From = carol.id
	env.PreKey = &forged
	_, err = bob.receive(env)
	require.ErrorIs(t, err, domain.ErrReplay)

	_, ok, err := bob.sessions.Load(carol.id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAccept_ForgedHandshakeKeepsSession(t *testing.T) {
	ctx := context.Background()
	dir := relay.NewMemory(0)
	alice := newDevice(t, dir, "alice-laptop", 1)
	bob := newDevice(t, dir, "bob-phone", 2)

	_, err := bob.receive(alice.send(t, bob.id, "hi"))
	require.NoError(t, err)
	_, err = alice.receive(bob.send(t, alice.id, "hi alice"))
	require.NoError(t, err)
	before, _, err := bob.sessions.Load(alice.id)
	require.NoError(t, err)

	// Someone else claims to be alice-laptop and starts a new handshake with
	// a fresh ephemeral key and garbage ciphertext.
	mallory := newDevice(t, dir, "alice-laptop", 1)
	forged := mallory.send(t, bob.id, "it's me")
	forged.Ciphertext[0] ^= 0xFF
	_, hs, err := bob.engine.Accept(ctx, bob.h, forged)
	require.ErrorIs(t, err, domain.ErrUndecryptable)
	require.False(t, hs.Created)

	after, _, err := bob.sessions.Load(alice.id)
	require.NoError(t, err)
	require.Equal(t, before.Version, after.Version)
	require.Equal(t, before.HandshakeEphemeral, after.HandshakeEphemeral)
	require.Equal(t, before.PeerIdentity, after.PeerIdentity)

	got, err := bob.receive(alice.send(t, bob.id, "still me"))
	require.NoError(t, err)
	require.Equal(t, "still me", got)
}

func TestAccept_StaleHandshakeDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	dir := relay.NewMemory(0)
	alice := newDevice(t, dir, "alice-laptop", 1)
	bob := newDevice(t, dir, "bob-phone", 0)

	// Without one-time pre-keys nothing is consumed, so only the session
	// itself can tell an old handshake from a new one.
	old := alice.send(t, bob.id, "first")
	_, err := bob.receive(old)
	require.NoError(t, err)

	require.NoError(t, alice.sessions.Reset(bob.id))
	got, err := bob.receive(alice.send(t, bob.id, "second"))
	require.NoError(t, err)
	require.Equal(t, "second", got)
	current, _, err := bob.sessions.Load(alice.id)
	require.NoError(t, err)

	_, hs, err := bob.engine.Accept(ctx, bob.h, old)
	require.ErrorIs(t, err, domain.ErrReplay)
	require.False(t, hs.Created)

	after, _, err := bob.sessions.Load(alice.id)
	require.NoError(t, err)
	require.Equal(t, current.Version, after.Version)
	require.Equal(t, current.HandshakeEphemeral, after.HandshakeEphemeral)

	got, err = bob.receive(alice.send(t, bob.id, "third"))
	require.NoError(t, err)
	require.Equal(t, "third", got)
}

func TestDecrypt_DuplicatesLeaveSessionUsable(t *testing.T) {
	dir := relay.NewMemory(0)
	alice := newDevice(t, dir, "alice-laptop", 1)
	bob := newDevice(t, dir, "bob-phone", 1)
	bob.engine = message.New(bob.db, bob.sessions, message.Options{MaxConsecutiveFailures: 3})

	_, err := bob.receive(alice.send(t, bob.id, "hello"))
	require.NoError(t, err)
	dup := alice.send(t, bob.id, "once")
	_, err = bob.receive(dup)
	require.NoError(t, err)

	for range 20 {
		_, err := bob.receive(dup)
		require.ErrorIs(t, err, domain.ErrReplay)
		require.NotErrorIs(t, err, message.ErrRepeatedFailures)
	}
	sess, _, err := bob.sessions.Load(alice.id)
	require.NoError(t, err)
	require.Equal(t, domain.PhaseEstablished, sess.Phase)
	require.Zero(t, sess.ConsecutiveFailures)

	got, err := bob.receive(alice.send(t, bob.id, "after"))
	require.NoError(t, err)
	require.Equal(t, "after", got)
}

func TestDecrypt_RepeatedFailuresAdviseNewHandshake(t *testing.T) {
	dir := relay.NewMemory(0)
	alice := newDevice(t, dir, "alice-laptop", 1)
	bob := newDevice(t, dir, "bob-phone", 1)
	bob.engine = message.New(bob.db, bob.sessions, message.Options{MaxConsecutiveFailures: 3})

	_, err := bob.receive(alice.send(t, bob.id, "hello"))
	require.NoError(t, err)

	for i := range 5 {
		env := alice.send(t, bob.id, fmt.Sprintf("m%d", i))
		env.Ciphertext[0] ^= 0xFF
		_, err := bob.engine.Decrypt(context.Background(), bob.h, env)
		require.ErrorIs(t, err, domain.ErrUndecryptable)
		if i < 2 {
			require.NotErrorIs(t, err, message.ErrRepeatedFailures)
		} else {
			require.ErrorIs(t, err, message.ErrRepeatedFailures)
		}
		require.Equal(t, domain.PhaseEstablished, bob.phase(t, alice.id))
	}

	got, err := bob.receive(alice.send(t, bob.id, "after"))
	require.NoError(t, err)
	require.Equal(t, "after", got)
	sess, _, err := bob.sessions.Load(alice.id)
	require.NoError(t, err)
	require.Zero(t, sess.ConsecutiveFailures)
}

func TestDecrypt_CorruptStateBreaksSession(t *testing.T) {
	ctx := context.Background()
	dir := relay.NewMemory(0)
	alice := newDevice(t, dir, "alice-laptop", 1)
	bob := newDevice(t, dir, "bob-phone", 1)

	_, err := bob.receive(alice.send(t, bob.id, "hello"))
	require.NoError(t, err)

	sess, _, err := bob.sessions.Load(alice.id)
	require.NoError(t, err)
	sess.WrappedState[len(sess.WrappedState)-1] ^= 0xFF
	sess.Version++
	require.NoError(t, bob.db.SaveSession(sess))

	_, err = bob.engine.Decrypt(ctx, bob.h, alice.send(t, bob.id, "after"))
	require.ErrorIs(t, err, domain.ErrSessionBroken)
	require.Equal(t, domain.PhaseBroken, bob.phase(t, alice.id))
	_, err = bob.engine.Encrypt(ctx, bob.h, domain.NewSessionID(bob.id, alice.id), []byte("x"))
	require.ErrorIs(t, err, domain.ErrSessionBroken)

	// A new handshake replaces the broken session.
	require.NoError(t, bob.sessions.Reset(alice.id))
	require.NoError(t, alice.sessions.Reset(bob.id))
	require.NoError(t, dir.PublishBundle(ctx, mustBundle(t, bob)))
	got, err := bob.receive(alice.send(t, bob.id, "fresh start"))
	require.NoError(t, err)
	require.Equal(t, "fresh start", got)
}

func TestDecrypt_SuccessResetsFailureCount(t *testing.T) {
	dir := relay.NewMemory(0)
	alice := newDevice(t, dir, "alice-laptop", 1)
	bob := newDevice(t, dir, "bob-phone", 1)
	bob.engine = message.New(bob.db, bob.sessions, message.Options{MaxConsecutiveFailures: 2})

	_, err := bob.receive(alice.send(t, bob.id, "hello"))
	require.NoError(t, err)

	for range 3 {
		bad := alice.send(t, bob.id, "tampered")
		bad.Ciphertext[0] ^= 0xFF
		_, err := bob.engine.Decrypt(context.Background(), bob.h, bad)
		require.ErrorIs(t, err, domain.ErrUndecryptable)
		require.NotErrorIs(t, err, message.ErrRepeatedFailures)

		_, err = bob.receive(alice.send(t, bob.id, "fine"))
		require.NoError(t, err)
	}
	require.Equal(t, domain.PhaseEstablished, bob.phase(t, alice.id))
}

func TestEncrypt_VersionAdvances(t *testing.T) {
	dir := relay.NewMemory(0)
	alice := newDevice(t, dir, "alice-laptop", 1)
	bob := newDevice(t, dir, "bob-phone", 1)

	alice.send(t, bob.id, "one")
	before, _, err := alice.sessions.Load(bob.id)
	require.NoError(t, err)
	alice.send(t, bob.id, "two")
	after, _, err := alice.sessions.Load(bob.id)
	require.NoError(t, err)
	require.Greater(t, after.Version, before.Version)

	// Writing the old version back is rejected.
	require.ErrorIs(t, alice.db.SaveSession(before), domain.ErrStaleState)
}

func mustBundle(t *testing.T, d *device) domain.PreKeyBundle {
	t.Helper()
	ctx := context.Background()
	_, err := d.prekeys.ReplenishOneTimePreKeys(ctx, d.h, 1, 1)
	require.NoError(t, err)
	b, err := d.prekeys.Bundle(ctx, d.id)
	require.NoError(t, err)
	return b
}
