package interfaces

import (
	"time"

	domaintypes "e2ee/internal/domain/types"
)

// Rewrapper moves wrapped material from one master key to another.
type Rewrapper interface {
	// Rewrap unwraps blob under the old key and wraps it under the new one.
	Rewrap(blob []byte) ([]byte, error)
	// Reseal re-seals the master-key escrow of a recovery record for the new key.
	Reseal(rec domaintypes.RecoveryRecord) (domaintypes.RecoveryRecord, error)
}

// KeyWrapper wraps and unwraps private key material under the master key.
type KeyWrapper interface {
	Wrap(plaintext []byte) ([]byte, error)
	Unwrap(blob []byte) ([]byte, error)
	// Hold keeps the master key from being replaced until release is called.
	// Code that wraps a blob and saves it later holds it across both steps so
	// a password change never misses the blob. Holds must not nest.
	Hold() (release func())
}

// VaultStore persists master-key derivation parameters.
type VaultStore interface {
	LoadVaultParams() (domaintypes.VaultParams, bool, error)
	SaveVaultParams(params domaintypes.VaultParams) error
	// RewrapAll re-wraps every stored private blob with rw and swaps in next,
	// all in one transaction.
	RewrapAll(next domaintypes.VaultParams, rw Rewrapper) error
	// Reset erases every bucket.
	Reset() error
}

// IdentityStore persists the local device identity.
type IdentityStore interface {
	// SaveIdentity fails with ErrAlreadyInitialized when an identity exists.
	SaveIdentity(rec domaintypes.IdentityRecord) error
	LoadIdentity() (domaintypes.IdentityRecord, bool, error)
}

// PreKeyStore manages signed and one-time pre-keys.
type PreKeyStore interface {
	// Signed pre-keys
	SaveSignedPreKey(rec domaintypes.SignedPreKeyRecord) error
	LoadSignedPreKey(id domaintypes.SignedPreKeyID) (domaintypes.SignedPreKeyRecord, bool, error)
	ActiveSignedPreKey() (domaintypes.SignedPreKeyRecord, bool, error)
	// RotateSignedPreKey stores next as the active key and retires the
	// previous active key at retiredAt, in one transaction.
	RotateSignedPreKey(next domaintypes.SignedPreKeyRecord, retiredAt time.Time) error
	ListSignedPreKeys() ([]domaintypes.SignedPreKeyRecord, error)
	DeleteSignedPreKey(id domaintypes.SignedPreKeyID) error

	// One-time pre-keys
	// SaveOneTimePreKeys persists the whole batch or nothing.
	SaveOneTimePreKeys(recs []domaintypes.OneTimePreKeyRecord) error
	LoadOneTimePreKey(id domaintypes.OneTimePreKeyID) (domaintypes.OneTimePreKeyRecord, bool, error)
	// ConsumeOneTimePreKey reads and deletes the key in one transaction.
	// ok is false when the key does not exist or was already consumed.
	ConsumeOneTimePreKey(id domaintypes.OneTimePreKeyID) (domaintypes.OneTimePreKeyRecord, bool, error)
	CountOneTimePreKeys() (int, error)
	ListOneTimePreKeys() ([]domaintypes.OneTimePreKeyPublic, error)

	// Last published bundle
	SaveBundleView(bundle domaintypes.PreKeyBundle) error
	LoadBundleView() (domaintypes.PreKeyBundle, bool, error)
}

// SessionStore persists pairwise sessions.
type SessionStore interface {
	// SaveSession rejects a session whose Version does not advance past the
	// stored one with ErrStaleState.
	SaveSession(s domaintypes.Session) error
	LoadSession(id domaintypes.SessionID) (domaintypes.Session, bool, error)
	DeleteSession(id domaintypes.SessionID) error
	ListSessions() ([]domaintypes.Session, error)
}

// SafetyNumberStore caches per-peer safety numbers.
type SafetyNumberStore interface {
	SaveSafetyNumber(rec domaintypes.SafetyNumberRecord) error
	LoadSafetyNumber(peer domaintypes.DeviceID) (domaintypes.SafetyNumberRecord, bool, error)
}

// RecoveryStore keeps the current recovery code record.
type RecoveryStore interface {
	SaveRecovery(rec domaintypes.RecoveryRecord) error
	LoadRecovery() (domaintypes.RecoveryRecord, bool, error)
	DeleteRecovery() error
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	// AppendAudit assigns the next sequence number and stores the entry.
	AppendAudit(e domaintypes.AuditEntry) (domaintypes.AuditEntry, error)
	QueryAudit(f domaintypes.AuditFilter) ([]domaintypes.AuditEntry, error)
}
