// Package session negotiates pairwise sessions with X3DH.
//
// It runs the initiator and responder sides of the handshake, deduplicates
// concurrent handshakes per device pair and persists the wrapped Double
// Ratchet state that the message engine advances.
package session
