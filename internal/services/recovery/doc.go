// Package recovery issues and redeems recovery codes.
//
// A recovery code is a 12-word BIP-39 mnemonic over a 128-bit secret. The
// store keeps an argon2id hash of the secret and the master key sealed under
// a key derived from it; redeeming a code rekeys the vault to a new password
// and replaces the code.
package recovery
