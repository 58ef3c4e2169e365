// Package store provides bbolt-backed persistence for the engine's core data.
//
// A single Bolt value implements every domain storage interface. Records are
// encoded with deterministic CBOR, one bucket per entity:
//   - vault: master-key derivation parameters
//   - identity: the local identity (private half wrapped)
//   - signed_prekeys / one_time_prekeys: pre-key pairs (private halves wrapped)
//   - sessions: pairwise sessions with wrapped ratchet state
//   - safety_numbers: per-peer safety number cache
//   - recovery: the current recovery code record
//   - audit: the append-only audit log, keyed by sequence
//   - bundle_view: the last published pre-key bundle
//
// Single-use and versioned writes (one-time pre-key consumption, session
// saves, password re-wrap) are atomic read-modify-write transactions.
package store
