// Package identity manages creation, wrapping and loading of the local identity.
//
// It generates X25519 and Ed25519 key pairs, wraps the private halves with the
// vault handle, and persists them via the domain.IdentityStore.
package identity
