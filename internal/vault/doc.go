// Package vault derives and guards the master key.
//
// The master key is derived with PBKDF2-HMAC-SHA256 from the user's password
// and a per-user salt; only the salt, work factor and an HMAC verifier are
// persisted. Unlock returns a Handle that keeps the key in memguard-protected
// memory and wraps/unwraps private key material with AES-256-GCM. The handle
// closes on Lock, on Close, or after AutoLockAfter of inactivity; closing
// destroys the key and cancels every context derived from Handle.Context, so
// in-flight key generation stops.
//
// ChangePassword and Rekey re-wrap every stored blob under a freshly derived
// key in one store transaction.
package vault
