package types

import "time"

// VaultParams are the persisted master-key derivation parameters. The master
// key itself is never stored.
type VaultParams struct {
	Salt       []byte    `json:"salt"`
	Iterations int       `json:"iterations"`
	Verifier   []byte    `json:"verifier"`
	CreatedAt  time.Time `json:"created_at"`
	RotatedAt  time.Time `json:"rotated_at"`
}

// RecoveryRecord is the persisted state of the current recovery code.
//
// Hash is argon2id over the recovery secret. Escrow is the master key sealed
// under a key derived from the secret; WrappedEscrowKey is that same key
// wrapped by the master key, so a password change can re-seal the escrow.
type RecoveryRecord struct {
	Hash             []byte    `json:"hash"`
	HashSalt         []byte    `json:"hash_salt"`
	EscrowSalt       []byte    `json:"escrow_salt"`
	EscrowIterations int       `json:"escrow_iterations"`
	Escrow           []byte    `json:"escrow"`
	WrappedEscrowKey []byte    `json:"wrapped_escrow_key"`
	CreatedAt        time.Time `json:"created_at"`
}

// SafetyNumber is the rendered fingerprint of a pair of identities.
type SafetyNumber struct {
	Number string `json:"number"`
	QR     string `json:"qr"`
}

// SafetyNumberRecord caches the safety number computed for a peer and the
// identities it was computed from.
type SafetyNumberRecord struct {
	Peer           DeviceID       `json:"peer"`
	LocalIdentity  IdentityPublic `json:"local_identity"`
	RemoteIdentity IdentityPublic `json:"remote_identity"`
	KeyDigest      []byte         `json:"key_digest"`
	SafetyNumber   SafetyNumber   `json:"safety_number"`
	Verified       bool           `json:"verified"`
	VerifiedAt     time.Time      `json:"verified_at,omitempty"`
	ComputedAt     time.Time      `json:"computed_at"`
}
