package types

import (
	"encoding/binary"
	"slices"
)

// RatchetHeader is sent alongside every ciphertext.
type RatchetHeader struct {
	DiffieHellmanPublicKey X25519Public `json:"dh_pub"`
	PreviousChainLength    uint32       `json:"pn"`
	MessageIndex           uint32       `json:"n"`
}

// Bytes returns the fixed 40-byte header encoding that is authenticated with
// every message.
func (h RatchetHeader) Bytes() []byte {
	out := make([]byte, 40)
	copy(out, h.DiffieHellmanPublicKey[:])
	binary.BigEndian.PutUint32(out[32:36], h.PreviousChainLength)
	binary.BigEndian.PutUint32(out[36:40], h.MessageIndex)
	return out
}

// SkippedKey is a cached message key for a message that has not arrived yet.
type SkippedKey struct {
	PeerDiffieHellmanPublic X25519Public `json:"peer_dh_pub"`
	Index                   uint32       `json:"n"`
	MessageKey              []byte       `json:"mk"`
}

// RatchetState contains all fields the Double Ratchet needs to track.
//
// SkippedKeys is kept in insertion order so the oldest entry is evicted first
// once the cache is full.
type RatchetState struct {
	RootKey                 []byte        `json:"root_key"`
	DiffieHellmanPrivate    X25519Private `json:"dh_priv"`
	DiffieHellmanPublic     X25519Public  `json:"dh_pub"`
	PeerDiffieHellmanPublic X25519Public  `json:"peer_dh_pub"`
	HasPeer                 bool          `json:"has_peer"`
	SendChainKey            []byte        `json:"send_ck,omitempty"`
	ReceiveChainKey         []byte        `json:"recv_ck,omitempty"`
	SendMessageIndex        uint32        `json:"ns"`
	ReceiveMessageIndex     uint32        `json:"nr"`
	PreviousChainLength     uint32        `json:"pn"`
	PendingSendRatchet      bool          `json:"pending_send_ratchet"`
	Epoch                   uint64        `json:"epoch"`
	SkippedKeys             []SkippedKey  `json:"skipped_keys,omitempty"`
}

// Clone returns a deep copy, so a failed decryption can be discarded without
// touching the committed state.
func (s *RatchetState) Clone() *RatchetState {
	c := *s
	c.RootKey = slices.Clone(s.RootKey)
	c.SendChainKey = slices.Clone(s.SendChainKey)
	c.ReceiveChainKey = slices.Clone(s.ReceiveChainKey)
	if s.SkippedKeys != nil {
		c.SkippedKeys = make([]SkippedKey, len(s.SkippedKeys))
		for i, sk := range s.SkippedKeys {
			sk.MessageKey = slices.Clone(sk.MessageKey)
			c.SkippedKeys[i] = sk
		}
	}
	return &c
}

// Wipe zeroes every secret held by the state.
func (s *RatchetState) Wipe() {
	clear(s.RootKey)
	clear(s.SendChainKey)
	clear(s.ReceiveChainKey)
	clear(s.DiffieHellmanPrivate[:])
	for _, sk := range s.SkippedKeys {
		clear(sk.MessageKey)
	}
}
