package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"e2ee/internal/domain"
)

// Fingerprint returns a short hex fingerprint of a public key.
//
// It hashes with SHA-256 and truncates to 10 bytes (20 hex chars).
func Fingerprint(pub []byte) domain.Fingerprint {
	sum := sha256.Sum256(pub)
	return domain.Fingerprint(hex.EncodeToString(sum[:10]))
}

// IdentityFingerprint fingerprints the full public identity.
func IdentityFingerprint(pub domain.IdentityPublic) domain.Fingerprint {
	return Fingerprint(pub.Bytes())
}
