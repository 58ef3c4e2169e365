package types

import (
	"context"
	"errors"
)

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w", err) and match
// with errors.Is.
var (
	ErrAuthentication     = errors.New("authentication failed")
	ErrKeyVerification    = errors.New("key verification failed")
	ErrReplay             = errors.New("replay detected")
	ErrUndecryptable      = errors.New("undecryptable message")
	ErrExhaustedPreKeys   = errors.New("one-time pre-keys exhausted")
	ErrSessionBroken      = errors.New("session broken")
	ErrVaultLocked        = errors.New("vault locked")
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrNotInitialized     = errors.New("not initialized")
	ErrNotFound           = errors.New("not found")
	ErrStaleState         = errors.New("stale state")
	ErrTooManyAttempts    = errors.New("too many attempts")
)

// ErrorKind is the redacted classification of an error, safe to log and audit.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindAuthentication     ErrorKind = "authentication"
	KindKeyVerification    ErrorKind = "key_verification"
	KindReplay             ErrorKind = "replay"
	KindUndecryptable      ErrorKind = "undecryptable"
	KindExhaustedPreKeys   ErrorKind = "exhausted_prekeys"
	KindSessionBroken      ErrorKind = "session_broken"
	KindVaultLocked        ErrorKind = "vault_locked"
	KindAlreadyInitialized ErrorKind = "already_initialized"
	KindNotInitialized     ErrorKind = "not_initialized"
	KindNotFound           ErrorKind = "not_found"
	KindStaleState         ErrorKind = "stale_state"
	KindTooManyAttempts    ErrorKind = "too_many_attempts"
	KindCanceled           ErrorKind = "canceled"
	KindInternal           ErrorKind = "internal"
)

var kindOrder = []struct {
	err  error
	kind ErrorKind
}{
	{ErrSessionBroken, KindSessionBroken},
	{ErrReplay, KindReplay},
	{ErrUndecryptable, KindUndecryptable},
	{ErrKeyVerification, KindKeyVerification},
	{ErrTooManyAttempts, KindTooManyAttempts},
	{ErrAuthentication, KindAuthentication},
	{ErrVaultLocked, KindVaultLocked},
	{ErrExhaustedPreKeys, KindExhaustedPreKeys},
	{ErrAlreadyInitialized, KindAlreadyInitialized},
	{ErrNotInitialized, KindNotInitialized},
	{ErrStaleState, KindStaleState},
	{ErrNotFound, KindNotFound},
	{context.Canceled, KindCanceled},
	{context.DeadlineExceeded, KindCanceled},
}

// KindOf classifies err. The most specific kind wins: a replayed message
// matches both ErrReplay and ErrUndecryptable and is reported as a replay.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
