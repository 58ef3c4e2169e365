package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// WrapVersion prefixes every AES-GCM wrapped blob.
const WrapVersion byte = 1

var errBadBlob = errors.New("wrapped blob malformed")

// SealAESGCM encrypts plaintext under a 32-byte key with AES-256-GCM and
// returns version || nonce || ciphertext.
func SealAESGCM(key, plaintext, ad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+gcm.NonceSize(), 1+gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	out[0] = WrapVersion
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, err
	}
	return gcm.Seal(out, out[1:1+gcm.NonceSize()], plaintext, ad), nil
}

// OpenAESGCM reverses SealAESGCM.
func OpenAESGCM(key, blob, ad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < 1+gcm.NonceSize()+gcm.Overhead() {
		return nil, errBadBlob
	}
	if blob[0] != WrapVersion {
		return nil, fmt.Errorf("%w: version %d", errBadBlob, blob[0])
	}
	nonce := blob[1 : 1+gcm.NonceSize()]
	return gcm.Open(nil, nonce, blob[1+gcm.NonceSize():], ad)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, errors.New("aes-gcm: key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
