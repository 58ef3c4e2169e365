// Package message runs the Double Ratchet over stored sessions.
//
// Engine serializes every mutation of a session, drives its phase through
// handshaking, established, healing and broken, and persists the wrapped
// ratchet state with a strictly advancing version.
package message
