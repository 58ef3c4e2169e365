package vault

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 work factor for new vaults.
	DefaultIterations = 210_000
	// MinIterations is the lowest work factor accepted.
	MinIterations = 100_000
	// SaltSize is the per-user salt length.
	SaltSize = 32
	// KeySize is the master key length.
	KeySize = 32
)

var (
	verifierLabel = []byte("vault verifier")
	wrapAD        = []byte("e2ee/vault/wrap/v1")
	escrowAD      = []byte("e2ee/vault/escrow/v1")
)

// Derive computes the master key from a password and salt with
// PBKDF2-HMAC-SHA256. Identical inputs always yield the same key.
func Derive(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New)
}

// verifier is the value persisted to check a candidate master key.
func verifier(masterKey []byte) []byte {
	m := hmac.New(sha256.New, masterKey)
	m.Write(verifierLabel)
	return m.Sum(nil)
}

func verify(masterKey, want []byte) bool {
	return subtle.ConstantTimeCompare(verifier(masterKey), want) == 1
}
