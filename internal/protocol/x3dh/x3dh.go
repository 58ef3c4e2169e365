package x3dh

import (
	"fmt"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
)

var (
	kdfInfo = []byte("e2ee/x3dh/v1")
	kdfSalt = make([]byte, 32)
)

// Initiated is the outcome of an initiator handshake.
type Initiated struct {
	// SharedSecret seeds the Double Ratchet root key.
	SharedSecret []byte
	// Message is sent with the first ciphertexts so the responder can mirror
	// the handshake.
	Message domain.PreKeyMessage
	// AssociatedData binds both identities to every ratchet message.
	AssociatedData []byte
	// UsedOneTimePreKey is false when the bundle carried no one-time pre-key.
	UsedOneTimePreKey bool
}

// SignPreKey signs a signed pre-key public with the identity Ed25519 key.
func SignPreKey(edPriv domain.Ed25519Private, spk domain.X25519Public) []byte {
	return crypto.SignEd25519(edPriv, spk.Slice())
}

// VerifyBundle checks the signed prekey signature.
func VerifyBundle(b domain.PreKeyBundle) error {
	if !crypto.VerifyEd25519(b.SigningKey, b.SignedPreKey.Slice(), b.SignedPreKeySignature) {
		return fmt.Errorf("signed pre-key %s: %w", b.SignedPreKeyID, domain.ErrKeyVerification)
	}
	return nil
}

// AssociatedData returns the initiator-then-responder identity encoding.
func AssociatedData(initiator, responder domain.IdentityPublic) []byte {
	out := make([]byte, 0, 128)
	out = append(out, initiator.Bytes()...)
	return append(out, responder.Bytes()...)
}

// Initiate runs X3DH against a peer's bundle. The first one-time pre-key in
// the bundle, if any, is used.
func Initiate(our domain.Identity, bundle domain.PreKeyBundle) (Initiated, error) {
	if err := VerifyBundle(bundle); err != nil {
		return Initiated{}, err
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return Initiated{}, err
	}
	defer crypto.Wipe(ephPriv[:])

	var opk *domain.X25519Public
	msg := domain.PreKeyMessage{
		InitiatorIdentityKey: our.XPub,
		InitiatorSigningKey:  our.EdPub,
		EphemeralKey:         ephPub,
		SignedPreKeyID:       bundle.SignedPreKeyID,
	}
	if len(bundle.OneTimePreKeys) > 0 {
		opk = &bundle.OneTimePreKeys[0].Pub
		msg.OneTimePreKeyID = bundle.OneTimePreKeys[0].ID
	}

	dhs := make([][32]byte, 0, 4)
	for _, pair := range []struct {
		priv domain.X25519Private
		pub  domain.X25519Public
	}{
		{our.XPriv, bundle.SignedPreKey}, // DH(IKA, SPKB)
		{ephPriv, bundle.IdentityKey},    // DH(EKA, IKB)
		{ephPriv, bundle.SignedPreKey},   // DH(EKA, SPKB)
	} {
		out, err := crypto.DH(pair.priv, pair.pub)
		if err != nil {
			return Initiated{}, fmt.Errorf("x3dh: %w", err)
		}
		dhs = append(dhs, out)
	}
	if opk != nil {
		out, err := crypto.DH(ephPriv, *opk) // DH(EKA, OPKB)
		if err != nil {
			return Initiated{}, fmt.Errorf("x3dh: %w", err)
		}
		dhs = append(dhs, out)
	}

	sk, err := deriveSecret(dhs)
	if err != nil {
		return Initiated{}, err
	}
	return Initiated{
		SharedSecret:      sk,
		Message:           msg,
		AssociatedData:    AssociatedData(our.Public(), bundle.Identity()),
		UsedOneTimePreKey: opk != nil,
	}, nil
}

// Respond mirrors Initiate from the responder's static material. opk is nil
// when the message references no one-time pre-key.
func Respond(
	our domain.Identity,
	spk domain.X25519Private,
	opk *domain.X25519Private,
	msg domain.PreKeyMessage,
) (sk, ad []byte, err error) {
	if (opk == nil) != (msg.OneTimePreKeyID == "") {
		return nil, nil, fmt.Errorf("x3dh: one-time pre-key mismatch for %q", msg.OneTimePreKeyID)
	}

	dhs := make([][32]byte, 0, 4)
	for _, pair := range []struct {
		priv domain.X25519Private
		pub  domain.X25519Public
	}{
		{spk, msg.InitiatorIdentityKey}, // DH(SPKB, IKA)
		{our.XPriv, msg.EphemeralKey},   // DH(IKB, EKA)
		{spk, msg.EphemeralKey},         // DH(SPKB, EKA)
	} {
		out, err := crypto.DH(pair.priv, pair.pub)
		if err != nil {
			return nil, nil, fmt.Errorf("x3dh: %w", err)
		}
		dhs = append(dhs, out)
	}
	if opk != nil {
		out, err := crypto.DH(*opk, msg.EphemeralKey) // DH(OPKB, EKA)
		if err != nil {
			return nil, nil, fmt.Errorf("x3dh: %w", err)
		}
		dhs = append(dhs, out)
	}

	sk, err = deriveSecret(dhs)
	if err != nil {
		return nil, nil, err
	}
	return sk, AssociatedData(msg.InitiatorIdentity(), our.Public()), nil
}

// deriveSecret computes HKDF(F || DH1 || DH2 || DH3 [|| DH4]) where F is 32
// 0xFF bytes, and wipes the DH outputs.
func deriveSecret(dhs [][32]byte) ([]byte, error) {
	ikm := make([]byte, 32, 32*(len(dhs)+1))
	for i := range ikm {
		ikm[i] = 0xFF
	}
	for i := range dhs {
		ikm = append(ikm, dhs[i][:]...)
		crypto.Wipe(dhs[i][:])
	}
	defer crypto.Wipe(ikm)
	return crypto.HKDF(ikm, kdfSalt, kdfInfo, 32)
}
