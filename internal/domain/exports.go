package domain

import (
	interfaces "e2ee/internal/domain/interfaces"
	types "e2ee/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	DeviceID            = types.DeviceID
	Fingerprint         = types.Fingerprint
	SignedPreKeyID      = types.SignedPreKeyID
	OneTimePreKeyID     = types.OneTimePreKeyID
	ConversationID      = types.ConversationID
	SessionID           = types.SessionID
	X25519Public        = types.X25519Public
	X25519Private       = types.X25519Private
	Ed25519Public       = types.Ed25519Public
	Ed25519Private      = types.Ed25519Private
	X25519Pair          = types.X25519Pair
	Identity            = types.Identity
	IdentityPublic      = types.IdentityPublic
	IdentityRecord      = types.IdentityRecord
	SignedPreKeyState   = types.SignedPreKeyState
	SignedPreKeyRecord  = types.SignedPreKeyRecord
	OneTimePreKeyRecord = types.OneTimePreKeyRecord
	OneTimePreKeyPublic = types.OneTimePreKeyPublic
	PreKeyBundle        = types.PreKeyBundle
	PreKeyMessage       = types.PreKeyMessage
	RatchetHeader       = types.RatchetHeader
	RatchetState        = types.RatchetState
	SkippedKey          = types.SkippedKey
	SessionPhase        = types.SessionPhase
	SessionEvent        = types.SessionEvent
	SessionRole         = types.SessionRole
	Session             = types.Session
	Envelope            = types.Envelope
	DecryptedMessage    = types.DecryptedMessage
	ErrorKind           = types.ErrorKind
	AuditEvent          = types.AuditEvent
	AuditOutcome        = types.AuditOutcome
	AuditEntry          = types.AuditEntry
	AuditFilter         = types.AuditFilter
	VaultParams         = types.VaultParams
	RecoveryRecord      = types.RecoveryRecord
	SafetyNumber        = types.SafetyNumber
	SafetyNumberRecord  = types.SafetyNumberRecord
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	KeyWrapper        = interfaces.KeyWrapper
	Rewrapper         = interfaces.Rewrapper
	VaultStore        = interfaces.VaultStore
	IdentityStore     = interfaces.IdentityStore
	PreKeyStore       = interfaces.PreKeyStore
	SessionStore      = interfaces.SessionStore
	SafetyNumberStore = interfaces.SafetyNumberStore
	RecoveryStore     = interfaces.RecoveryStore
	AuditStore        = interfaces.AuditStore
	Directory         = interfaces.Directory
	Mailbox           = interfaces.Mailbox
	RelayClient       = interfaces.RelayClient
)

// Constants and sentinels re-exported from the types subpackage.
const (
	SignedPreKeyActive  = types.SignedPreKeyActive
	SignedPreKeyRetired = types.SignedPreKeyRetired

	PhaseUninitialized = types.PhaseUninitialized
	PhaseHandshaking   = types.PhaseHandshaking
	PhaseEstablished   = types.PhaseEstablished
	PhaseHealing       = types.PhaseHealing
	PhaseBroken        = types.PhaseBroken

	EventHandshake     = types.EventHandshake
	EventSuccess       = types.EventSuccess
	EventRemoteRatchet = types.EventRemoteRatchet
	EventLocalRatchet  = types.EventLocalRatchet
	EventFatal         = types.EventFatal

	RoleInitiator = types.RoleInitiator
	RoleResponder = types.RoleResponder

	EnvelopeVersion = types.EnvelopeVersion

	OutcomeSuccess = types.OutcomeSuccess
	OutcomeFailure = types.OutcomeFailure
	OutcomeWarning = types.OutcomeWarning

	AuditDeviceInitialized    = types.AuditDeviceInitialized
	AuditVaultUnlocked        = types.AuditVaultUnlocked
	AuditVaultLocked          = types.AuditVaultLocked
	AuditPasswordChanged      = types.AuditPasswordChanged
	AuditSessionInitiated     = types.AuditSessionInitiated
	AuditSessionResponded     = types.AuditSessionResponded
	AuditSessionReset         = types.AuditSessionReset
	AuditSessionBroken        = types.AuditSessionBroken
	AuditIdentityChanged      = types.AuditIdentityChanged
	AuditMessageEncrypted     = types.AuditMessageEncrypted
	AuditMessageDecrypted     = types.AuditMessageDecrypted
	AuditPreKeysExhausted     = types.AuditPreKeysExhausted
	AuditSignedPreKeyRotated  = types.AuditSignedPreKeyRotated
	AuditPreKeysReplenished   = types.AuditPreKeysReplenished
	AuditBundlePublished      = types.AuditBundlePublished
	AuditSafetyNumberVerified = types.AuditSafetyNumberVerified
	AuditRecoveryGenerated    = types.AuditRecoveryGenerated
	AuditRecoveryRedeemed     = types.AuditRecoveryRedeemed

	KindNone               = types.KindNone
	KindAuthentication     = types.KindAuthentication
	KindKeyVerification    = types.KindKeyVerification
	KindReplay             = types.KindReplay
	KindUndecryptable      = types.KindUndecryptable
	KindExhaustedPreKeys   = types.KindExhaustedPreKeys
	KindSessionBroken      = types.KindSessionBroken
	KindVaultLocked        = types.KindVaultLocked
	KindAlreadyInitialized = types.KindAlreadyInitialized
	KindNotInitialized     = types.KindNotInitialized
	KindNotFound           = types.KindNotFound
	KindStaleState         = types.KindStaleState
	KindTooManyAttempts    = types.KindTooManyAttempts
	KindCanceled           = types.KindCanceled
	KindInternal           = types.KindInternal
)

var (
	ErrAuthentication     = types.ErrAuthentication
	ErrKeyVerification    = types.ErrKeyVerification
	ErrReplay             = types.ErrReplay
	ErrUndecryptable      = types.ErrUndecryptable
	ErrExhaustedPreKeys   = types.ErrExhaustedPreKeys
	ErrSessionBroken      = types.ErrSessionBroken
	ErrVaultLocked        = types.ErrVaultLocked
	ErrAlreadyInitialized = types.ErrAlreadyInitialized
	ErrNotInitialized     = types.ErrNotInitialized
	ErrNotFound           = types.ErrNotFound
	ErrStaleState         = types.ErrStaleState
	ErrTooManyAttempts    = types.ErrTooManyAttempts
)

// KindOf classifies an error into a redacted kind.
func KindOf(err error) ErrorKind { return types.KindOf(err) }

// NewSessionID derives the session identifier for a device pair.
func NewSessionID(local, remote DeviceID) SessionID { return types.NewSessionID(local, remote) }
