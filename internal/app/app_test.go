package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"e2ee/internal/app"
	"e2ee/internal/audit"
	"e2ee/internal/domain"
	"e2ee/internal/platform/privacylog"
	"e2ee/internal/relay"
	"e2ee/internal/vault"
)

const (
	password = "Correct-Horse-Battery-9"
	conv     = domain.ConversationID("family")
)

func newApp(t *testing.T, rc domain.RelayClient, device domain.DeviceID) *app.App {
	t.Helper()
	cfg := app.DefaultConfig(t.TempDir())
	cfg.DeviceID = device
	cfg.Vault.Iterations = vault.MinIterations
	cfg.Vault.AutoLockAfter = 0
	cfg.PreKeys.BatchSize = 10
	cfg.PreKeys.LowWatermark = 2
	cfg.PreKeys.CheckInterval = time.Hour

	a, err := app.Open(cfg, app.Options{
		Relay:      rc,
		Registerer: prometheus.NewRegistry(),
		Logger:     privacylog.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func newMember(t *testing.T, rc *relay.Memory, device domain.DeviceID) *app.App {
	t.Helper()
	ctx := context.Background()
	a := newApp(t, rc, device)
	_, err := a.InitializeDevice(ctx, password)
	require.NoError(t, err)
	require.NoError(t, a.JoinConversation(ctx, conv))
	return a
}

func receiveOne(t *testing.T, a *app.App) app.Incoming {
	t.Helper()
	box, err := a.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, box.Failures)
	require.Len(t, box.Messages, 1)
	return box.Messages[0]
}

func TestConversation_EndToEndWithRotation(t *testing.T) {
	ctx := context.Background()
	rc := relay.NewMemory(0)
	alice := newMember(t, rc, "alice-laptop")
	bob := newMember(t, rc, "bob-phone")

	res, err := alice.Send(ctx, conv, []byte("hello bob"))
	require.NoError(t, err)
	require.Len(t, res.Envelopes, 1)
	require.Empty(t, res.Warnings)
	require.NotNil(t, res.Envelopes[0].PreKey)

	// Bob rotates before reading Alice's first message, which still names
	// the retired signed pre-key.
	before, err := bob.GetStatus(ctx, "")
	require.NoError(t, err)
	rotated, err := bob.RotateNow(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before.PreKeys.ActiveSignedPreKey, rotated)

	in := receiveOne(t, bob)
	require.Equal(t, "hello bob", string(in.Message.Plaintext))
	require.True(t, in.NewSession)
	require.False(t, in.IdentityChanged)

	_, err = bob.Send(ctx, conv, []byte("hi alice"))
	require.NoError(t, err)
	in = receiveOne(t, alice)
	require.Equal(t, "hi alice", string(in.Message.Plaintext))
	require.False(t, in.NewSession)

	for _, text := range []string{"one", "two", "three"} {
		_, err = alice.Send(ctx, conv, []byte(text))
		require.NoError(t, err)
	}
	box, err := bob.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, box.Messages, 3)
	require.Equal(t, "three", string(box.Messages[2].Message.Plaintext))

	// A new member handshakes against Bob's rotated key and fans out to both.
	carol := newMember(t, rc, "carol-tablet")
	res, err = carol.Send(ctx, conv, []byte("hi all"))
	require.NoError(t, err)
	require.Len(t, res.Envelopes, 2)
	require.Equal(t, "hi all", string(receiveOne(t, bob).Message.Plaintext))
	require.Equal(t, "hi all", string(receiveOne(t, alice).Message.Plaintext))

	st, err := bob.GetStatus(ctx, "bob-phone")
	require.NoError(t, err)
	require.Equal(t, rotated, st.PreKeys.ActiveSignedPreKey)
	require.Equal(t, 1, st.PreKeys.RetiredSignedPreKeys)
	require.Len(t, st.Sessions, 2)
	for _, s := range st.Sessions {
		require.True(t, s.Phase.Usable())
	}
}

func TestSafetyNumbers_MatchAcrossDevices(t *testing.T) {
	ctx := context.Background()
	rc := relay.NewMemory(0)
	alice := newMember(t, rc, "alice-laptop")
	bob := newMember(t, rc, "bob-phone")

	fromAlice, err := alice.GetSafetyNumber(ctx, "bob-phone")
	require.NoError(t, err)
	fromBob, err := bob.GetSafetyNumber(ctx, "alice-laptop")
	require.NoError(t, err)
	require.Equal(t, fromAlice.SafetyNumber, fromBob.SafetyNumber)

	ok, err := alice.VerifySafetyNumber(ctx, "bob-phone", "12345")
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = alice.VerifySafetyNumber(ctx, "bob-phone", fromBob.SafetyNumber.QR)
	require.NoError(t, err)
	require.True(t, ok)

	entries, err := alice.GetAuditLog(ctx, audit.Filter{Event: domain.AuditSafetyNumberVerified})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, domain.OutcomeFailure, entries[0].Outcome)
	require.Equal(t, domain.KindKeyVerification, entries[0].ErrorKind)
	require.Equal(t, domain.OutcomeSuccess, entries[1].Outcome)
}

func TestFailures_CarryActionAndAudit(t *testing.T) {
	ctx := context.Background()
	rc := relay.NewMemory(0)
	alice := newMember(t, rc, "alice-laptop")
	bob := newMember(t, rc, "bob-phone")

	_, err := alice.InitializeDevice(ctx, password)
	f, ok := app.AsFailure(err)
	require.True(t, ok)
	require.ErrorIs(t, err, domain.ErrAlreadyInitialized)
	require.Equal(t, app.ActionNone, f.Action)

	alice.Lock(ctx)
	_, err = alice.Send(ctx, conv, []byte("secret plans"))
	f, ok = app.AsFailure(err)
	require.True(t, ok)
	require.Equal(t, domain.KindVaultLocked, f.Kind)
	require.Equal(t, app.ActionReAuthenticate, f.Action)

	err = alice.Unlock(ctx, "Wrong-Password-000")
	f, ok = app.AsFailure(err)
	require.True(t, ok)
	require.Equal(t, domain.KindAuthentication, f.Kind)
	require.NoError(t, alice.Unlock(ctx, password))

	// Bob forgets the session; Alice's next ordinary message cannot be read.
	_, err = alice.Send(ctx, conv, []byte("first"))
	require.NoError(t, err)
	receiveOne(t, bob)
	_, err = bob.Send(ctx, conv, []byte("reply"))
	require.NoError(t, err)
	receiveOne(t, alice)
	require.NoError(t, bob.ResetSession(ctx, "alice-laptop"))

	_, err = alice.Send(ctx, conv, []byte("lost"))
	require.NoError(t, err)
	box, err := bob.Receive(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, box.Messages)
	require.Len(t, box.Failures, 1)
	require.Equal(t, app.ActionReHandshake, box.Failures[0].Action)
	require.Zero(t, box.Pending)

	failures, err := alice.GetAuditLog(ctx, audit.Filter{Outcome: domain.OutcomeFailure})
	require.NoError(t, err)
	kinds := map[domain.ErrorKind]bool{}
	for _, e := range failures {
		kinds[e.ErrorKind] = true
	}
	require.True(t, kinds[domain.KindAlreadyInitialized])
	require.True(t, kinds[domain.KindVaultLocked])
	require.True(t, kinds[domain.KindAuthentication])
}

func TestReceive_DuplicateAndTamperedEnvelopesKeepSession(t *testing.T) {
	ctx := context.Background()
	rc := relay.NewMemory(0)
	alice := newMember(t, rc, "alice-laptop")
	bob := newMember(t, rc, "bob-phone")

	res, err := alice.Send(ctx, conv, []byte("hello bob"))
	require.NoError(t, err)
	first := res.Envelopes[0]
	receiveOne(t, bob)

	tampered := first
	tampered.Ciphertext = append([]byte(nil), first.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xFF
	const copies = 12
	for range copies {
		require.NoError(t, rc.Post(ctx, first))
	}
	require.NoError(t, rc.Post(ctx, tampered))

	box, err := bob.Receive(ctx, 20)
	require.NoError(t, err)
	require.Empty(t, box.Messages)
	require.Len(t, box.Failures, copies+1)
	for _, f := range box.Failures {
		require.Equal(t, app.ActionNone, f.Action)
	}

	_, err = alice.Send(ctx, conv, []byte("still here"))
	require.NoError(t, err)
	in := receiveOne(t, bob)
	require.Equal(t, "still here", string(in.Message.Plaintext))
	require.False(t, in.NewSession)
}

func TestReceive_LockedVaultKeepsEnvelopes(t *testing.T) {
	ctx := context.Background()
	rc := relay.NewMemory(0)
	alice := newMember(t, rc, "alice-laptop")
	bob := newMember(t, rc, "bob-phone")

	_, err := alice.Send(ctx, conv, []byte("wait for me"))
	require.NoError(t, err)

	bob.Lock(ctx)
	box, err := bob.Receive(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, box.Messages)
	require.Equal(t, 1, box.Pending)

	require.NoError(t, bob.Unlock(ctx, password))
	require.Equal(t, "wait for me", string(receiveOne(t, bob).Message.Plaintext))
}

func TestRecovery_ThroughApp(t *testing.T) {
	ctx := context.Background()
	rc := relay.NewMemory(0)
	alice := newMember(t, rc, "alice-laptop")
	bob := newMember(t, rc, "bob-phone")

	_, err := alice.Send(ctx, conv, []byte("before"))
	require.NoError(t, err)
	receiveOne(t, bob)

	code, err := alice.GenerateRecoveryCode(ctx)
	require.NoError(t, err)
	alice.Lock(ctx)

	next, err := alice.RecoverWithCode(ctx, code, "New-Password-123")
	require.NoError(t, err)
	require.NotEqual(t, code, next)

	// The existing session survives the rekey.
	_, err = alice.Send(ctx, conv, []byte("after"))
	require.NoError(t, err)
	require.Equal(t, "after", string(receiveOne(t, bob).Message.Plaintext))

	alice.Lock(ctx)
	require.NoError(t, alice.Unlock(ctx, "New-Password-123"))

	_, err = alice.RecoverWithCode(ctx, code, "Second-Password-2")
	require.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestStart_QueuesRotationToMaintainer(t *testing.T) {
	ctx := context.Background()
	rc := relay.NewMemory(0)
	alice := newMember(t, rc, "alice-laptop")

	before, err := alice.GetStatus(ctx, "")
	require.NoError(t, err)
	require.False(t, before.Maintaining)

	require.NoError(t, alice.Start(ctx))
	id, err := alice.RotateNow(ctx)
	require.NoError(t, err)
	require.Empty(t, id)

	require.Eventually(t, func() bool {
		st, err := alice.GetStatus(ctx, "")
		return err == nil && st.Maintaining && st.PreKeys.ActiveSignedPreKey != before.PreKeys.ActiveSignedPreKey
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		entries, err := alice.GetAuditLog(ctx, audit.Filter{Event: domain.AuditSignedPreKeyRotated})
		return err == nil && len(entries) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err = alice.GetStatus(ctx, "someone-else")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
