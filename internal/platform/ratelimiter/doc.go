// Package ratelimiter provides per-key token buckets for the relay's HTTP
// endpoints.
package ratelimiter
