package app

import (
	"context"
	"fmt"

	"e2ee/internal/domain"
	"e2ee/internal/services/prekey"
)

// SessionStatus summarizes one pairwise session.
type SessionStatus struct {
	Peer                  domain.DeviceID
	Phase                 domain.SessionPhase
	Epoch                 uint64
	ReducedForwardSecrecy bool
	ConsecutiveFailures   int
	AwaitingReply         bool
}

// Status is the health of the local device.
type Status struct {
	DeviceID           domain.DeviceID
	Locked             bool
	Maintaining        bool
	RecoveryConfigured bool
	PreKeys            prekey.Status
	Sessions           []SessionStatus
}

// GetStatus reports key material and session health for the local device.
// An empty deviceID means the local device; any other id is not found.
func (a *App) GetStatus(ctx context.Context, deviceID domain.DeviceID) (Status, error) {
	self := a.DeviceID()
	if deviceID != "" && deviceID != self {
		return Status{}, newFailure(fmt.Errorf("app: device %s is not local: %w", deviceID, domain.ErrNotFound), ActionNone)
	}
	if err := ctx.Err(); err != nil {
		return Status{}, newFailure(err, "")
	}

	pk, err := a.PreKeys.Status()
	if err != nil {
		return Status{}, newFailure(err, "")
	}
	_, lockErr := a.Vault.Current()
	recovery, err := a.Recovery.Configured()
	if err != nil {
		return Status{}, newFailure(err, "")
	}
	st := Status{
		DeviceID:           self,
		Locked:             lockErr != nil,
		Maintaining:        a.maintaining(),
		RecoveryConfigured: recovery,
		PreKeys:            pk,
	}

	sessions, err := a.Sessions.List()
	if err != nil {
		return Status{}, newFailure(err, "")
	}
	for _, s := range sessions {
		st.Sessions = append(st.Sessions, SessionStatus{
			Peer:                  s.RemoteDevice,
			Phase:                 s.Phase,
			Epoch:                 s.Epoch,
			ReducedForwardSecrecy: s.ReducedForwardSecrecy,
			ConsecutiveFailures:   s.ConsecutiveFailures,
			AwaitingReply:         s.PendingPreKey != nil,
		})
	}
	return st, nil
}
