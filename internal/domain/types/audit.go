package types

import "time"

// AuditEvent names a security-relevant event.
type AuditEvent string

const (
	AuditDeviceInitialized    AuditEvent = "device_initialized"
	AuditVaultUnlocked        AuditEvent = "vault_unlocked"
	AuditVaultLocked          AuditEvent = "vault_locked"
	AuditPasswordChanged      AuditEvent = "password_changed"
	AuditSessionInitiated     AuditEvent = "session_initiated"
	AuditSessionResponded     AuditEvent = "session_responded"
	AuditSessionReset         AuditEvent = "session_reset"
	AuditSessionBroken        AuditEvent = "session_broken"
	AuditIdentityChanged      AuditEvent = "identity_changed"
	AuditMessageEncrypted     AuditEvent = "message_encrypted"
	AuditMessageDecrypted     AuditEvent = "message_decrypted"
	AuditPreKeysExhausted     AuditEvent = "prekeys_exhausted"
	AuditSignedPreKeyRotated  AuditEvent = "signed_prekey_rotated"
	AuditPreKeysReplenished   AuditEvent = "prekeys_replenished"
	AuditBundlePublished      AuditEvent = "bundle_published"
	AuditSafetyNumberVerified AuditEvent = "safety_number_verified"
	AuditRecoveryGenerated    AuditEvent = "recovery_generated"
	AuditRecoveryRedeemed     AuditEvent = "recovery_redeemed"
)

// AuditOutcome is the result recorded with an event.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
	OutcomeWarning AuditOutcome = "warning"
)

// AuditEntry is an immutable, metadata-only record. It never carries
// plaintext, key material or raw error text.
type AuditEntry struct {
	Seq          uint64       `json:"seq"`
	ID           string       `json:"id"`
	Event        AuditEvent   `json:"event"`
	DeviceID     DeviceID     `json:"device_id"`
	PeerDeviceID DeviceID     `json:"peer_device_id,omitempty"`
	Outcome      AuditOutcome `json:"outcome"`
	ErrorKind    ErrorKind    `json:"error_kind,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// AuditFilter selects entries. Zero fields match everything.
type AuditFilter struct {
	Event    AuditEvent
	DeviceID DeviceID
	Peer     DeviceID
	Outcome  AuditOutcome
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// Match reports whether e passes every set criterion except paging.
func (f AuditFilter) Match(e AuditEntry) bool {
	if f.Event != "" && e.Event != f.Event {
		return false
	}
	if f.DeviceID != "" && e.DeviceID != f.DeviceID {
		return false
	}
	if f.Peer != "" && e.PeerDeviceID != f.Peer {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}
