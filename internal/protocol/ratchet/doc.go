// Package ratchet implements the Double Ratchet algorithm following Signal's design.
//
// The algorithm maintains a root key and two message chains (send and receive).
// Each message advances a KDF chain so that keys are forward secure. When a party
// sees a new remote ratchet public key it derives a new receiving chain and
// schedules its own DH step for the next send; both steps advance the state's
// Epoch.
//
// Out-of-order messages are handled with a cache of skipped message keys
// bounded per chain (MaxSkip) and overall (MaxSkippedKeys). Decrypt runs on a
// copy of the state and only commits on success.
//
// Concurrency: RatchetState is NOT safe for concurrent use. Callers must
// serialise access per session.
package ratchet
