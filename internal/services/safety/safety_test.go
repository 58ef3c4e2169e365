package safety_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
	"e2ee/internal/services/identity"
	"e2ee/internal/services/safety"
	"e2ee/internal/store"
	"e2ee/internal/vault"
)

func newIdentity(t *testing.T) domain.IdentityPublic {
	t.Helper()
	id, err := crypto.NewIdentity()
	require.NoError(t, err)
	return id.Public()
}

func TestCompute_Symmetric(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)

	ab := safety.Compute(a, b)
	ba := safety.Compute(b, a)
	require.Equal(t, ab, ba)

	groups := strings.Fields(ab.Number)
	require.Len(t, groups, 12)
	for _, g := range groups {
		require.Len(t, g, 5)
	}
	require.NotEqual(t, ab, safety.Compute(a, newIdentity(t)))
}

func TestVerify(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	sn := safety.Compute(a, b)

	require.True(t, safety.Verify(a, b, sn.Number))
	require.True(t, safety.Verify(b, a, strings.ReplaceAll(sn.Number, " ", "\n")))
	require.True(t, safety.Verify(a, b, sn.QR))

	tampered := []byte(strings.ReplaceAll(sn.Number, " ", ""))
	tampered[0] = '0' + (tampered[0]-'0'+1)%10
	require.False(t, safety.Verify(a, b, string(tampered)))
	require.False(t, safety.Verify(a, newIdentity(t), sn.Number))
}

type resolver map[domain.DeviceID]domain.IdentityPublic

func (r resolver) PeerIdentity(_ context.Context, peer domain.DeviceID) (domain.IdentityPublic, error) {
	id, ok := r[peer]
	if !ok {
		return domain.IdentityPublic{}, domain.ErrNotFound
	}
	return id, nil
}

func TestService_CachesUntilIdentityChanges(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "e2ee.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	v := vault.New(db, vault.Options{Iterations: vault.MinIterations})
	require.NoError(t, v.Initialize("Correct-Horse-Battery-9"))
	h, err := v.Unlock(ctx, "Correct-Horse-Battery-9")
	require.NoError(t, err)
	t.Cleanup(v.Lock)

	ids := identity.New(db, nil)
	local, err := ids.Generate(ctx, h, "alice-laptop")
	require.NoError(t, err)

	peers := resolver{"bob-phone": newIdentity(t)}
	svc := safety.New(db, ids, peers, nil)

	first, err := svc.ForPeer(ctx, "bob-phone")
	require.NoError(t, err)
	require.Equal(t, safety.Compute(local, peers["bob-phone"]), first.SafetyNumber)
	require.False(t, first.Verified)

	ok, err := svc.MarkVerified(ctx, "bob-phone", "00000 00000")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = svc.MarkVerified(ctx, "bob-phone", first.SafetyNumber.QR)
	require.NoError(t, err)
	require.True(t, ok)

	cached, err := svc.ForPeer(ctx, "bob-phone")
	require.NoError(t, err)
	require.True(t, cached.Verified)
	require.True(t, first.ComputedAt.Equal(cached.ComputedAt))

	// A new peer identity invalidates the cached number and its verification.
	peers["bob-phone"] = newIdentity(t)
	changed, err := svc.ForPeer(ctx, "bob-phone")
	require.NoError(t, err)
	require.False(t, changed.Verified)
	require.NotEqual(t, first.SafetyNumber, changed.SafetyNumber)

	_, err = svc.ForPeer(ctx, "nobody")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
