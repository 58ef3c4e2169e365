// Package crypto exposes the minimal primitives used by the engine.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519,
//     DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - Identity generation and private-half serialisation for wrapping
//   - HKDF/HMAC helpers and AES-256-GCM sealing for wrapped blobs
//   - Memory wiping for sensitive byte slices (Wipe, backed by memguard)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// # Notes
//
// All functions return fixed-size array types defined in internal/domain to
// avoid accidental reallocations. Callers should treat returned secrets as
// sensitive and rely on Wipe when practical to reduce lifetime in memory.
package crypto
