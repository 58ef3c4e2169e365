package types

import "time"

// SignedPreKeyState tracks where a signed pre-key is in its lifecycle.
type SignedPreKeyState string

const (
	SignedPreKeyActive  SignedPreKeyState = "active"
	SignedPreKeyRetired SignedPreKeyState = "retired"
)

// SignedPreKeyRecord is a persisted signed pre-key. The private half is wrapped.
type SignedPreKeyRecord struct {
	ID             SignedPreKeyID    `json:"id"`
	Public         X25519Public      `json:"public"`
	Signature      []byte            `json:"signature"`
	WrappedPrivate []byte            `json:"wrapped_private"`
	State          SignedPreKeyState `json:"state"`
	CreatedAt      time.Time         `json:"created_at"`
	RetiredAt      time.Time         `json:"retired_at,omitempty"`
}

// OneTimePreKeyRecord is a persisted, unused one-time pre-key.
type OneTimePreKeyRecord struct {
	ID             OneTimePreKeyID `json:"id"`
	Public         X25519Public    `json:"public"`
	WrappedPrivate []byte          `json:"wrapped_private"`
	CreatedAt      time.Time       `json:"created_at"`
}

// OneTimePreKeyPublic is only the public half (sent in bundles).
type OneTimePreKeyPublic struct {
	ID  OneTimePreKeyID `json:"id"`
	Pub X25519Public    `json:"pub"`
}

// PreKeyBundle is the set of public keys a device publishes to the directory.
type PreKeyBundle struct {
	DeviceID              DeviceID              `json:"device_id"`
	IdentityKey           X25519Public          `json:"identity_key"`
	SigningKey            Ed25519Public         `json:"signing_key"`
	SignedPreKeyID        SignedPreKeyID        `json:"signed_pre_key_id"`
	SignedPreKey          X25519Public          `json:"signed_pre_key"`
	SignedPreKeySignature []byte                `json:"signed_pre_key_signature"`
	OneTimePreKeys        []OneTimePreKeyPublic `json:"one_time_pre_keys,omitempty"`
}

// Identity returns the bundle owner's public identity.
func (b PreKeyBundle) Identity() IdentityPublic {
	return IdentityPublic{XPub: b.IdentityKey, EdPub: b.SigningKey}
}

// PreKeyMessage carries the X3DH handshake parameters in the first message(s)
// an initiator sends.
type PreKeyMessage struct {
	InitiatorIdentityKey X25519Public    `json:"initiator_identity_key"`
	InitiatorSigningKey  Ed25519Public   `json:"initiator_signing_key"`
	EphemeralKey         X25519Public    `json:"ephemeral_key"`
	SignedPreKeyID       SignedPreKeyID  `json:"signed_pre_key_id"`
	OneTimePreKeyID      OneTimePreKeyID `json:"one_time_pre_key_id,omitempty"`
}

// InitiatorIdentity returns the initiator's public identity.
func (m PreKeyMessage) InitiatorIdentity() IdentityPublic {
	return IdentityPublic{XPub: m.InitiatorIdentityKey, EdPub: m.InitiatorSigningKey}
}
