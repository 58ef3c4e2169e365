package ratchet_test

import (
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
	"e2ee/internal/protocol/ratchet"
)

var testAD = []byte("alice||bob")

// newPair returns initiator and responder states sharing a simulated X3DH secret.
func newPair(t *testing.T) (alice, bob *domain.RatchetState) {
	t.Helper()
	sk := make([]byte, 32)
	_, err := rand.Read(sk)
	require.NoError(t, err)

	spk, err := crypto.GenerateX25519Pair()
	require.NoError(t, err)

	alice, err = ratchet.InitInitiator(sk, spk.Pub)
	require.NoError(t, err)
	return alice, ratchet.InitResponder(sk, spk)
}

type sealed struct {
	h  domain.RatchetHeader
	ct []byte
}

func send(t *testing.T, st *domain.RatchetState, msg string) sealed {
	t.Helper()
	h, ct, err := ratchet.Encrypt(st, testAD, []byte(msg))
	require.NoError(t, err)
	return sealed{h, ct}
}

func recv(t *testing.T, st *domain.RatchetState, m sealed) string {
	t.Helper()
	pt, err := ratchet.Decrypt(st, testAD, m.h, m.ct)
	require.NoError(t, err)
	return string(pt)
}

func TestDoubleRatchet_OneRoundTrip(t *testing.T) {
	alice, bob := newPair(t)

	require.Equal(t, "hi", recv(t, bob, send(t, alice, "hi")))
	require.Equal(t, "hello back", recv(t, alice, send(t, bob, "hello back")))
}

func TestDoubleRatchet_ManySteps(t *testing.T) {
	alice, bob := newPair(t)

	for i := 0; i < 25; i++ {
		msg := fmt.Sprintf("a->b %d", i)
		require.Equal(t, msg, recv(t, bob, send(t, alice, msg)))
		msg = fmt.Sprintf("b->a %d", i)
		require.Equal(t, msg, recv(t, alice, send(t, bob, msg)))
	}
	// Every turn of the conversation is one DH step on each side.
	require.GreaterOrEqual(t, alice.Epoch, uint64(49))
	require.GreaterOrEqual(t, bob.Epoch, uint64(49))
}

func TestDoubleRatchet_OutOfOrder(t *testing.T) {
	alice, bob := newPair(t)

	m1 := send(t, alice, "m1")
	m2 := send(t, alice, "m2")
	m3 := send(t, alice, "m3")

	require.Equal(t, "m3", recv(t, bob, m3))
	require.Len(t, bob.SkippedKeys, 2)
	require.Equal(t, "m1", recv(t, bob, m1))
	require.Equal(t, "m2", recv(t, bob, m2))
	require.Empty(t, bob.SkippedKeys)
}

func TestDoubleRatchet_OutOfOrderAcrossChains(t *testing.T) {
	alice, bob := newPair(t)
	require.Equal(t, "first", recv(t, bob, send(t, alice, "first")))

	// Bob sends two messages; Alice only sees the second before replying.
	b1 := send(t, bob, "b1")
	b2 := send(t, bob, "b2")
	require.Equal(t, "b2", recv(t, alice, b2))
	require.Equal(t, "a2", recv(t, bob, send(t, alice, "a2")))

	// Bob's next chain arrives at Alice before the straggler from the old one.
	b3 := send(t, bob, "b3")
	require.Equal(t, "b3", recv(t, alice, b3))
	require.Equal(t, "b1", recv(t, alice, b1))
}

func TestDoubleRatchet_ReplayRejected(t *testing.T) {
	alice, bob := newPair(t)
	m := send(t, alice, "once")
	require.Equal(t, "once", recv(t, bob, m))

	_, err := ratchet.Decrypt(bob, testAD, m.h, m.ct)
	require.ErrorIs(t, err, domain.ErrUndecryptable)
	require.ErrorIs(t, err, domain.ErrReplay)
}

func TestDoubleRatchet_FailedDecryptLeavesStateUntouched(t *testing.T) {
	alice, bob := newPair(t)
	require.Equal(t, "ok", recv(t, bob, send(t, alice, "ok")))

	m := send(t, alice, "tampered")
	m.ct[0] ^= 0xFF
	before := bob.Clone()

	_, err := ratchet.Decrypt(bob, testAD, m.h, m.ct)
	require.ErrorIs(t, err, domain.ErrUndecryptable)
	require.Equal(t, before, bob)

	// The next genuine message still decrypts.
	require.Equal(t, "next", recv(t, bob, send(t, alice, "next")))
}

func TestDoubleRatchet_WrongAssociatedData(t *testing.T) {
	alice, bob := newPair(t)
	m := send(t, alice, "bound")

	_, err := ratchet.Decrypt(bob, []byte("mallory||bob"), m.h, m.ct)
	require.ErrorIs(t, err, domain.ErrUndecryptable)
}

func TestDoubleRatchet_TooFarAhead(t *testing.T) {
	alice, bob := newPair(t)
	require.Equal(t, "sync", recv(t, bob, send(t, alice, "sync")))

	var last sealed
	for i := 0; i <= ratchet.MaxSkip+1; i++ {
		last = send(t, alice, "skip")
	}
	_, err := ratchet.Decrypt(bob, testAD, last.h, last.ct)
	require.ErrorIs(t, err, domain.ErrUndecryptable)
	require.Empty(t, bob.SkippedKeys)
}

func TestDoubleRatchet_SkippedCacheBounded(t *testing.T) {
	alice, bob := newPair(t)

	// Three chains of MaxSkip-1 skipped keys each exceed the global cap.
	var first sealed
	for round := 0; round < 3; round++ {
		var last sealed
		for i := 0; i < ratchet.MaxSkip; i++ {
			m := send(t, alice, "x")
			if round == 0 && i == 0 {
				first = m
			}
			last = m
		}
		recv(t, bob, last)
		recv(t, alice, send(t, bob, "turn"))
	}
	require.LessOrEqual(t, len(bob.SkippedKeys), ratchet.MaxSkippedKeys)

	// The oldest skipped key was evicted.
	_, err := ratchet.Decrypt(bob, testAD, first.h, first.ct)
	require.ErrorIs(t, err, domain.ErrUndecryptable)
}

func TestDoubleRatchet_ForwardSecrecy(t *testing.T) {
	alice, bob := newPair(t)
	old := send(t, alice, "secret past")
	require.Equal(t, "secret past", recv(t, bob, old))
	for i := 0; i < 3; i++ {
		recv(t, bob, send(t, alice, "more"))
	}

	// An attacker holding Bob's current state cannot open the earlier message.
	stolen := bob.Clone()
	_, err := ratchet.Decrypt(stolen, testAD, old.h, old.ct)
	require.Error(t, err)
}

func TestDoubleRatchet_Healing(t *testing.T) {
	alice, bob := newPair(t)
	recv(t, bob, send(t, alice, "a1"))
	recv(t, alice, send(t, bob, "b1"))

	// Compromise: the attacker copies Bob's full state.
	stolen := bob.Clone()

	// The attacker can read Alice's messages on the current chain...
	cur := send(t, alice, "still exposed")
	_, err := ratchet.Decrypt(stolen.Clone(), testAD, cur.h, cur.ct)
	require.NoError(t, err)
	recv(t, bob, cur)

	// ...until one exchange performs fresh DH steps on both sides.
	recv(t, alice, send(t, bob, "heal"))
	healed := send(t, alice, "private again")
	require.Equal(t, "private again", recv(t, bob, healed))

	_, err = ratchet.Decrypt(stolen, testAD, healed.h, healed.ct)
	require.Error(t, err)
	require.False(t, errors.Is(err, domain.ErrReplay))
}

func TestDoubleRatchet_ResponderCannotSendFirst(t *testing.T) {
	_, bob := newPair(t)
	_, _, err := ratchet.Encrypt(bob, testAD, []byte("too early"))
	require.Error(t, err)
}
