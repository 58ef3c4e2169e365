package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SessionPhase is where a pairwise session sits in its lifecycle.
type SessionPhase uint8

const (
	PhaseUninitialized SessionPhase = iota
	PhaseHandshaking
	PhaseEstablished
	PhaseHealing
	PhaseBroken
)

// String returns the lowercase phase name.
func (p SessionPhase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseEstablished:
		return "established"
	case PhaseHealing:
		return "healing"
	case PhaseBroken:
		return "broken"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// SessionEvent drives phase transitions.
type SessionEvent uint8

const (
	// EventHandshake is a completed X3DH (initiated or responded).
	EventHandshake SessionEvent = iota + 1
	// EventSuccess is a successful encrypt or decrypt.
	EventSuccess
	// EventRemoteRatchet is a new remote ratchet key seen on receive.
	EventRemoteRatchet
	// EventLocalRatchet is our sending DH step completing.
	EventLocalRatchet
	// EventFatal is an unrecoverable failure.
	EventFatal
)

// String returns the event name.
func (e SessionEvent) String() string {
	switch e {
	case EventHandshake:
		return "handshake"
	case EventSuccess:
		return "success"
	case EventRemoteRatchet:
		return "remote-ratchet"
	case EventLocalRatchet:
		return "local-ratchet"
	case EventFatal:
		return "fatal"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Next returns the phase reached from p on ev. Transitions not listed are
// rejected; a broken session only leaves that phase through a new handshake.
func (p SessionPhase) Next(ev SessionEvent) (SessionPhase, error) {
	switch p {
	case PhaseUninitialized:
		switch ev {
		case EventHandshake:
			return PhaseHandshaking, nil
		case EventFatal:
			return PhaseBroken, nil
		}
	case PhaseHandshaking:
		switch ev {
		case EventHandshake, EventRemoteRatchet, EventLocalRatchet:
			return PhaseHandshaking, nil
		case EventSuccess:
			return PhaseEstablished, nil
		case EventFatal:
			return PhaseBroken, nil
		}
	case PhaseEstablished:
		switch ev {
		case EventHandshake:
			return PhaseHandshaking, nil
		case EventSuccess, EventLocalRatchet:
			return PhaseEstablished, nil
		case EventRemoteRatchet:
			return PhaseHealing, nil
		case EventFatal:
			return PhaseBroken, nil
		}
	case PhaseHealing:
		switch ev {
		case EventHandshake:
			return PhaseHandshaking, nil
		case EventSuccess, EventRemoteRatchet:
			return PhaseHealing, nil
		case EventLocalRatchet:
			return PhaseEstablished, nil
		case EventFatal:
			return PhaseBroken, nil
		}
	case PhaseBroken:
		switch ev {
		case EventHandshake:
			return PhaseHandshaking, nil
		case EventFatal:
			return PhaseBroken, nil
		}
		return p, fmt.Errorf("%s on %s: %w", ev, p, ErrSessionBroken)
	}
	return p, fmt.Errorf("invalid session transition %s on %s", ev, p)
}

// Usable reports whether messages may be encrypted or decrypted in this phase.
func (p SessionPhase) Usable() bool {
	return p == PhaseHandshaking || p == PhaseEstablished || p == PhaseHealing
}

// SessionRole records which side of the handshake we were.
type SessionRole uint8

const (
	RoleInitiator SessionRole = iota + 1
	RoleResponder
)

// String returns the role name.
func (r SessionRole) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// Session is the persisted pairwise session between a local and a remote device.
// The Double Ratchet state itself is only ever stored wrapped by the vault.
type Session struct {
	ID                    SessionID      `json:"id"`
	LocalDevice           DeviceID       `json:"local_device"`
	RemoteDevice          DeviceID       `json:"remote_device"`
	Role                  SessionRole    `json:"role"`
	Phase                 SessionPhase   `json:"phase"`
	Version               uint64         `json:"version"`
	Epoch                 uint64         `json:"epoch"`
	PeerIdentity          IdentityPublic `json:"peer_identity"`
	AssociatedData        []byte         `json:"associated_data"`
	ReducedForwardSecrecy bool           `json:"reduced_forward_secrecy"`
	PendingPreKey         *PreKeyMessage `json:"pending_pre_key,omitempty"`
	HandshakeEphemeral    X25519Public   `json:"handshake_ephemeral"`
	// PreviousHandshakes lists the ephemerals of handshakes this session
	// replaced, newest last. Their pre-key messages are replays.
	PreviousHandshakes    []X25519Public `json:"previous_handshakes,omitempty"`
	ConsecutiveFailures   int            `json:"consecutive_failures"`
	WrappedState          []byte         `json:"wrapped_state"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// Advance applies ev to the session's phase.
func (s *Session) Advance(ev SessionEvent) error {
	next, err := s.Phase.Next(ev)
	if err != nil {
		return err
	}
	s.Phase = next
	return nil
}

// NewSessionID derives the stable identifier for the (local, remote) pair.
func NewSessionID(local, remote DeviceID) SessionID {
	sum := sha256.Sum256([]byte(string(local) + "|" + string(remote)))
	return SessionID("sess_" + hex.EncodeToString(sum[:])[:32])
}
