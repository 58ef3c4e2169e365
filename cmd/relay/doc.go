// Package main runs the in-memory HTTP relay. It stores published pre-key
// bundles and conversation membership, and queues encrypted envelopes for
// recipients until they fetch and acknowledge them.
//
// HTTP API
//
//	PUT  /v1/devices/{device}/bundle
//	POST /v1/devices/{device}/bundle/fetch   claims one one-time pre-key
//	GET  /v1/devices/{device}/identity
//	POST /v1/devices/{device}/messages
//	GET  /v1/devices/{device}/messages?limit=N
//	POST /v1/devices/{device}/messages/ack   {"count": N}
//	POST /v1/conversations/{conversation}/devices
//	GET  /v1/conversations/{conversation}/devices
//	GET  /healthz
//	GET  /metrics
//
// All state is held in memory and lost on exit. The relay never sees
// plaintext or private keys.
package main
