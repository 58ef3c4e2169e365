package app

import (
	"errors"

	"e2ee/internal/domain"
)

// Action is the recovery step recommended to the user after a failure.
type Action string

const (
	ActionNone           Action = "none"
	ActionRetry          Action = "retry"
	ActionReHandshake    Action = "re-handshake"
	ActionReAuthenticate Action = "re-authenticate"
	ActionRefetchBundle  Action = "refetch-bundle"
)

// Failure is the typed error every Orchestrator operation returns. Err keeps
// the full chain for errors.Is; Kind and Action are safe to show and log.
type Failure struct {
	Kind   domain.ErrorKind
	Action Action
	Err    error
}

func (f *Failure) Error() string {
	return string(f.Kind) + " (" + string(f.Action) + "): " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure returns the Failure in err's chain, if any.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	ok := errors.As(err, &f)
	return f, ok
}

// newFailure classifies err. A zero action selects the default for its kind.
func newFailure(err error, action Action) *Failure {
	if f, ok := AsFailure(err); ok {
		return f
	}
	kind := domain.KindOf(err)
	if action == "" {
		action = actionFor(kind)
	}
	return &Failure{Kind: kind, Action: action, Err: err}
}

func actionFor(kind domain.ErrorKind) Action {
	switch kind {
	case domain.KindAuthentication, domain.KindVaultLocked, domain.KindTooManyAttempts:
		return ActionReAuthenticate
	case domain.KindSessionBroken:
		return ActionReHandshake
	case domain.KindKeyVerification, domain.KindExhaustedPreKeys:
		return ActionRefetchBundle
	case domain.KindStaleState, domain.KindCanceled, domain.KindInternal:
		return ActionRetry
	default:
		return ActionNone
	}
}
