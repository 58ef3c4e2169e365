// Package prekey manages signed pre-keys and one-time pre-keys for X3DH bootstrap.
//
// Service rotates the active signed pre-key, replenishes the one-time pool,
// builds the public bundle and hands responder handshakes their private
// halves. Maintainer runs rotation and replenishment in the background.
package prekey
