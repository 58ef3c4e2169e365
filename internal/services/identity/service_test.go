package identity_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
	"e2ee/internal/services/identity"
	"e2ee/internal/store"
	"e2ee/internal/vault"
)

const password = "Correct-Horse-Battery-9"

func setup(t *testing.T) (*identity.Service, *vault.Handle, *store.Bolt) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "e2ee.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	v := vault.New(s, vault.Options{Iterations: vault.MinIterations})
	require.NoError(t, v.Initialize(password))
	h, err := v.Unlock(context.Background(), password)
	require.NoError(t, err)
	t.Cleanup(v.Lock)
	return identity.New(s, nil), h, s
}

func TestGenerate_PersistsWrappedIdentity(t *testing.T) {
	svc, h, s := setup(t)

	pub, err := svc.Generate(context.Background(), h, "alice-laptop")
	require.NoError(t, err)
	require.False(t, pub.IsZero())

	rec, ok, err := s.LoadIdentity()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pub, rec.Public)
	require.NotContains(t, string(rec.WrappedPrivate), string(pub.XPub[:]))

	id, err := svc.Load(h)
	require.NoError(t, err)
	defer crypto.WipeIdentity(&id)
	require.Equal(t, pub, id.Public())

	fp, err := svc.Fingerprint()
	require.NoError(t, err)
	require.Equal(t, crypto.IdentityFingerprint(pub), fp)

	dev, err := svc.DeviceID()
	require.NoError(t, err)
	require.Equal(t, domain.DeviceID("alice-laptop"), dev)
}

func TestGenerate_Once(t *testing.T) {
	svc, h, _ := setup(t)

	_, err := svc.Generate(context.Background(), h, "alice-laptop")
	require.NoError(t, err)
	_, err = svc.Generate(context.Background(), h, "alice-laptop")
	require.ErrorIs(t, err, domain.ErrAlreadyInitialized)
}

func TestPublic_NotInitialized(t *testing.T) {
	svc, _, _ := setup(t)

	_, err := svc.Public()
	require.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestLoad_LockedVault(t *testing.T) {
	svc, h, _ := setup(t)

	_, err := svc.Generate(context.Background(), h, "alice-laptop")
	require.NoError(t, err)
	h.Close()

	_, err = svc.Load(h)
	require.ErrorIs(t, err, domain.ErrVaultLocked)
}
