package crypto

import (
	"errors"

	"e2ee/internal/domain"
)

// identityPrivateLen is the size of the serialised private identity
// (X25519 private key followed by the Ed25519 private key).
const identityPrivateLen = 32 + 64

// NewIdentity generates a fresh X25519 key pair and an Ed25519 key pair.
func NewIdentity() (domain.Identity, error) {
	xpriv, xpub, err := GenerateX25519()
	if err != nil {
		return domain.Identity{}, err
	}
	edpriv, edpub, err := GenerateEd25519()
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{XPub: xpub, XPriv: xpriv, EdPub: edpub, EdPriv: edpriv}, nil
}

// MarshalIdentityPrivate serialises the private halves for wrapping.
func MarshalIdentityPrivate(id domain.Identity) []byte {
	out := make([]byte, 0, identityPrivateLen)
	out = append(out, id.XPriv[:]...)
	return append(out, id.EdPriv[:]...)
}

// UnmarshalIdentityPrivate rebuilds an identity from its public record and the
// unwrapped private halves, checking that both halves belong together.
func UnmarshalIdentityPrivate(pub domain.IdentityPublic, priv []byte) (domain.Identity, error) {
	if len(priv) != identityPrivateLen {
		return domain.Identity{}, errors.New("identity: bad private key length")
	}
	var id domain.Identity
	copy(id.XPriv[:], priv[:32])
	copy(id.EdPriv[:], priv[32:])
	id.XPub, id.EdPub = pub.XPub, pub.EdPub

	xpub, err := PublicX25519(id.XPriv)
	if err != nil {
		return domain.Identity{}, err
	}
	if xpub != pub.XPub || [32]byte(id.EdPriv[32:]) != [32]byte(pub.EdPub) {
		return domain.Identity{}, errors.New("identity: private key does not match public key")
	}
	return id, nil
}

// WipeIdentity zeroes the private halves.
func WipeIdentity(id *domain.Identity) {
	Wipe(id.XPriv[:])
	Wipe(id.EdPriv[:])
}
