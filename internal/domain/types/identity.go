package types

import "time"

// Identity holds a device's long-term X25519 and Ed25519 keys.
//
// It only ever lives in memory; at rest the private halves are wrapped by the
// vault (see IdentityRecord).
type Identity struct {
	XPub   X25519Public   `json:"xpub"`
	XPriv  X25519Private  `json:"xpriv"`
	EdPub  Ed25519Public  `json:"edpub"`
	EdPriv Ed25519Private `json:"edpriv"`
}

// Public returns the public half of the identity.
func (id Identity) Public() IdentityPublic {
	return IdentityPublic{XPub: id.XPub, EdPub: id.EdPub}
}

// IdentityPublic is the public identity of a device: the X25519 key used in
// X3DH and the Ed25519 key that signs pre-keys.
type IdentityPublic struct {
	XPub  X25519Public  `json:"xpub"`
	EdPub Ed25519Public `json:"edpub"`
}

// Bytes returns the canonical 64-byte encoding (X25519 || Ed25519).
func (p IdentityPublic) Bytes() []byte {
	out := make([]byte, 0, 64)
	out = append(out, p.XPub[:]...)
	return append(out, p.EdPub[:]...)
}

// IsZero reports whether the identity is unset.
func (p IdentityPublic) IsZero() bool { return p == IdentityPublic{} }

// IdentityRecord is the persisted form of the local identity.
type IdentityRecord struct {
	DeviceID       DeviceID       `json:"device_id"`
	Public         IdentityPublic `json:"public"`
	WrappedPrivate []byte         `json:"wrapped_private"`
	CreatedAt      time.Time      `json:"created_at"`
}
