package store_test

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"e2ee/internal/domain"
	"e2ee/internal/store"
)

func openStore(t *testing.T) *store.Bolt {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "e2ee.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIdentity_SaveOnce(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.LoadIdentity()
	require.NoError(t, err)
	require.False(t, ok)

	rec := domain.IdentityRecord{DeviceID: "alice-laptop", WrappedPrivate: []byte("wrapped"), CreatedAt: time.Now()}
	require.NoError(t, s.SaveIdentity(rec))
	require.ErrorIs(t, s.SaveIdentity(rec), domain.ErrAlreadyInitialized)

	got, ok, err := s.LoadIdentity()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.DeviceID, got.DeviceID)
	require.Equal(t, rec.WrappedPrivate, got.WrappedPrivate)
	require.True(t, rec.CreatedAt.Equal(got.CreatedAt))
}

func TestOneTimePreKey_ConcurrentConsumeOnce(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.SaveOneTimePreKeys([]domain.OneTimePreKeyRecord{
		{ID: "opk-1", WrappedPrivate: []byte("a")},
		{ID: "opk-2", WrappedPrivate: []byte("b")},
	}))

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.ConsumeOneTimePreKey("opk-1")
			if err != nil {
				t.Errorf("ConsumeOneTimePreKey: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)

	n, err := s.CountOneTimePreKeys()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSignedPreKey_Rotate(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.RotateSignedPreKey(domain.SignedPreKeyRecord{ID: "spk-1"}, time.Now()))
	require.NoError(t, s.RotateSignedPreKey(domain.SignedPreKeyRecord{ID: "spk-2"}, time.Now()))

	active, ok, err := s.ActiveSignedPreKey()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.SignedPreKeyID("spk-2"), active.ID)

	old, ok, err := s.LoadSignedPreKey("spk-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.SignedPreKeyRetired, old.State)
	require.False(t, old.RetiredAt.IsZero())

	all, err := s.ListSignedPreKeys()
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, s.DeleteSignedPreKey("spk-1"))
	_, ok, err = s.LoadSignedPreKey("spk-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSession_VersionMustAdvance(t *testing.T) {
	s := openStore(t)
	sess := domain.Session{
		ID:           domain.NewSessionID("a", "b"),
		LocalDevice:  "a",
		RemoteDevice: "b",
		Phase:        domain.PhaseHandshaking,
		Version:      1,
		PendingPreKey: &domain.PreKeyMessage{
			SignedPreKeyID: "spk-1",
		},
	}
	require.NoError(t, s.SaveSession(sess))
	require.ErrorIs(t, s.SaveSession(sess), domain.ErrStaleState)

	sess.Version = 2
	sess.Phase = domain.PhaseEstablished
	require.NoError(t, s.SaveSession(sess))

	sess.Version = 1
	require.ErrorIs(t, s.SaveSession(sess), domain.ErrStaleState)

	got, ok, err := s.LoadSession(sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), got.Version)
	require.Equal(t, domain.PhaseEstablished, got.Phase)
	require.NotNil(t, got.PendingPreKey)
	require.Equal(t, domain.SignedPreKeyID("spk-1"), got.PendingPreKey.SignedPreKeyID)
}

type prefixRewrapper struct{ fail bool }

func (r prefixRewrapper) Rewrap(blob []byte) ([]byte, error) {
	if r.fail {
		return nil, errors.New("boom")
	}
	return append([]byte("new:"), blob...), nil
}

func (r prefixRewrapper) Reseal(rec domain.RecoveryRecord) (domain.RecoveryRecord, error) {
	rec.Escrow = append([]byte("new:"), rec.Escrow...)
	return rec, nil
}

func seedWrapped(t *testing.T, s *store.Bolt) {
	t.Helper()
	require.NoError(t, s.SaveVaultParams(domain.VaultParams{Iterations: 1}))
	require.NoError(t, s.SaveIdentity(domain.IdentityRecord{DeviceID: "a", WrappedPrivate: []byte("id")}))
	require.NoError(t, s.RotateSignedPreKey(domain.SignedPreKeyRecord{ID: "spk-1", WrappedPrivate: []byte("spk")}, time.Now()))
	require.NoError(t, s.SaveOneTimePreKeys([]domain.OneTimePreKeyRecord{{ID: "opk-1", WrappedPrivate: []byte("opk")}}))
	require.NoError(t, s.SaveSession(domain.Session{ID: "sess_1", Version: 1, WrappedState: []byte("state")}))
	require.NoError(t, s.SaveRecovery(domain.RecoveryRecord{Escrow: []byte("escrow")}))
}

func TestRewrapAll(t *testing.T) {
	s := openStore(t)
	seedWrapped(t, s)

	require.NoError(t, s.RewrapAll(domain.VaultParams{Iterations: 2}, prefixRewrapper{}))

	p, _, err := s.LoadVaultParams()
	require.NoError(t, err)
	require.Equal(t, 2, p.Iterations)

	id, _, _ := s.LoadIdentity()
	spk, _, _ := s.LoadSignedPreKey("spk-1")
	opk, _, _ := s.ConsumeOneTimePreKey("opk-1")
	sess, _, _ := s.LoadSession("sess_1")
	rec, _, _ := s.LoadRecovery()
	for _, blob := range [][]byte{id.WrappedPrivate, spk.WrappedPrivate, opk.WrappedPrivate, sess.WrappedState, rec.Escrow} {
		require.True(t, bytes.HasPrefix(blob, []byte("new:")), "blob %q not rewrapped", blob)
	}
}

func TestRewrapAll_RollsBackOnError(t *testing.T) {
	s := openStore(t)
	seedWrapped(t, s)

	require.Error(t, s.RewrapAll(domain.VaultParams{Iterations: 2}, prefixRewrapper{fail: true}))

	p, _, err := s.LoadVaultParams()
	require.NoError(t, err)
	require.Equal(t, 1, p.Iterations)
	id, _, _ := s.LoadIdentity()
	require.Equal(t, []byte("id"), id.WrappedPrivate)
}

func TestAudit_AppendAndQuery(t *testing.T) {
	s := openStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		outcome := domain.OutcomeSuccess
		if i%2 == 1 {
			outcome = domain.OutcomeFailure
		}
		e, err := s.AppendAudit(domain.AuditEntry{
			ID:        fmt.Sprintf("e%d", i),
			Event:     domain.AuditMessageDecrypted,
			DeviceID:  "bob",
			Outcome:   outcome,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), e.Seq)
	}

	failures, err := s.QueryAudit(domain.AuditFilter{Outcome: domain.OutcomeFailure})
	require.NoError(t, err)
	require.Len(t, failures, 5)

	page, err := s.QueryAudit(domain.AuditFilter{Offset: 2, Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, uint64(3), page[0].Seq)

	window, err := s.QueryAudit(domain.AuditFilter{Since: base.Add(5 * time.Minute), Until: base.Add(7 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, window, 3)
}

func TestReset(t *testing.T) {
	s := openStore(t)
	seedWrapped(t, s)
	require.NoError(t, s.Reset())

	_, ok, err := s.LoadIdentity()
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.LoadVaultParams()
	require.NoError(t, err)
	require.False(t, ok)
}
