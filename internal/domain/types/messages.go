package types

import "time"

// EnvelopeVersion is the current envelope framing version.
const EnvelopeVersion uint8 = 1

// Envelope is the wire-format message posted to and fetched from the relay.
type Envelope struct {
	Version    uint8          `json:"version"`
	From       DeviceID       `json:"from"`
	To         DeviceID       `json:"to"`
	SessionID  SessionID      `json:"session_id"`
	Header     RatchetHeader  `json:"header"`
	PreKey     *PreKeyMessage `json:"pre_key,omitempty"`
	Ciphertext []byte         `json:"ciphertext"`
	SentAt     time.Time      `json:"sent_at"`
}

// DecryptedMessage is what a successful decryption yields.
type DecryptedMessage struct {
	From      DeviceID  `json:"from"`
	To        DeviceID  `json:"to"`
	SessionID SessionID `json:"session_id"`
	Plaintext []byte    `json:"plaintext"`
	SentAt    time.Time `json:"sent_at"`
}
