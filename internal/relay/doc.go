// Package relay provides the directory and mailbox the engine talks to.
//
// The relay is a store-and-forward service for encrypted envelopes and
// pre-key bundles between devices. This package offers:
//   - Memory, an in-process relay used by tests and by the relay server.
//   - HTTP, a client implementing domain.RelayClient over JSON/HTTP.
//   - NewRouter, the chi handler that serves a Memory relay.
//
// Fetching a bundle hands out at most one one-time pre-key and removes it
// from the pool, so no two initiators receive the same key. Non-2xx statuses
// are returned as errors carrying the method, path and status; 404 wraps
// domain.ErrNotFound.
package relay
