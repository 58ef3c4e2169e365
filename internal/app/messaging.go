package app

import (
	"context"
	"errors"
	"fmt"

	"e2ee/internal/domain"
	"e2ee/internal/services/message"
	"e2ee/internal/services/session"
	"e2ee/internal/vault"
)

// Warning is a non-fatal condition met while sending to one device.
type Warning struct {
	Peer domain.DeviceID
	Kind domain.ErrorKind
}

// Result is the outcome of a fan-out to every device of a conversation.
// Devices that failed are listed in Failures; the others got an envelope.
type Result struct {
	Envelopes []domain.Envelope
	Warnings  []Warning
	Failures  map[domain.DeviceID]*Failure
}

func (r *Result) failed(peer domain.DeviceID, err error) {
	if r.Failures == nil {
		r.Failures = make(map[domain.DeviceID]*Failure)
	}
	f, _ := AsFailure(err)
	r.Failures[peer] = f
}

// Incoming is a decrypted message and what its arrival changed.
type Incoming struct {
	Message domain.DecryptedMessage
	// NewSession is set when the message started a session.
	NewSession bool
	// IdentityChanged is set when the sender presented a different identity
	// than the session it replaced; its safety number must be re-verified.
	IdentityChanged bool
}

// EncryptMessage encrypts plaintext once for every device of conv other
// than the local one, handshaking where no session exists yet. It fails only
// when no envelope could be produced.
func (a *App) EncryptMessage(ctx context.Context, conv domain.ConversationID, plaintext []byte) (Result, error) {
	const event = domain.AuditMessageEncrypted
	h, err := a.Vault.Current()
	if err != nil {
		return Result{}, a.fail(ctx, event, "", err, "")
	}
	devices, err := a.Relay.ConversationDevices(ctx, conv)
	if err != nil {
		return Result{}, a.fail(ctx, event, "", err, ActionRetry)
	}

	self := a.DeviceID()
	var res Result
	var first error
	for _, peer := range devices {
		if peer == self {
			continue
		}
		env, warning, err := a.encryptFor(ctx, h, peer, plaintext)
		if err != nil {
			res.failed(peer, err)
			if first == nil {
				first = err
			}
			continue
		}
		if warning != domain.KindNone {
			res.Warnings = append(res.Warnings, Warning{Peer: peer, Kind: warning})
		}
		res.Envelopes = append(res.Envelopes, env)
	}
	switch {
	case len(res.Envelopes) > 0:
		return res, nil
	case first != nil:
		return res, first
	default:
		return res, a.fail(ctx, event, "", errNoRecipients, ActionNone)
	}
}

func (a *App) encryptFor(
	ctx context.Context,
	h *vault.Handle,
	peer domain.DeviceID,
	plaintext []byte,
) (domain.Envelope, domain.ErrorKind, error) {
	hs, err := a.Sessions.Ensure(ctx, h, peer)
	if err != nil {
		action := Action("")
		if errors.Is(err, domain.ErrNotFound) {
			action = ActionRefetchBundle
		}
		return domain.Envelope{}, domain.KindNone, a.fail(ctx, domain.AuditSessionInitiated, peer, err, action)
	}
	if hs.Created {
		a.record(ctx, domain.AuditSessionInitiated, peer, hs.Warning)
		if hs.Warning != nil {
			a.record(ctx, domain.AuditPreKeysExhausted, peer, hs.Warning)
		}
		if hs.IdentityChanged {
			a.record(ctx, domain.AuditIdentityChanged, peer, nil)
		}
	}

	env, err := a.Messages.Encrypt(ctx, h, hs.Session.ID, plaintext)
	if err != nil {
		return domain.Envelope{}, domain.KindNone, a.fail(ctx, domain.AuditMessageEncrypted, peer, err, "")
	}
	a.record(ctx, domain.AuditMessageEncrypted, peer, nil)
	return env, domain.KindOf(hs.Warning), nil
}

// DecryptMessage opens an envelope addressed to the local device. A peer's
// first message runs the responder side of the handshake before decrypting.
func (a *App) DecryptMessage(ctx context.Context, env domain.Envelope) (Incoming, error) {
	const event = domain.AuditMessageDecrypted
	h, err := a.Vault.Current()
	if err != nil {
		return Incoming{}, a.fail(ctx, event, env.From, err, "")
	}
	if self := a.DeviceID(); env.To != self {
		return Incoming{}, a.fail(ctx, event, env.From,
			fmt.Errorf("app: envelope for %s: %w", env.To, domain.ErrNotFound), ActionNone)
	}

	msg, hs, err := a.Messages.Accept(ctx, h, env)
	if err != nil {
		action := Action("")
		switch {
		case errors.Is(err, session.ErrSimultaneousHandshake):
			// Lost the tie-break: the peer adopts our handshake instead.
			action = ActionNone
		case errors.Is(err, domain.ErrSessionBroken):
			a.record(ctx, domain.AuditSessionBroken, env.From, err)
		case errors.Is(err, message.ErrRepeatedFailures):
			action = ActionReHandshake
		case errors.Is(err, domain.ErrNotFound) && env.PreKey == nil:
			// No session and no pre-key message: the sender must start over.
			action = ActionReHandshake
		}
		return Incoming{}, a.fail(ctx, event, env.From, err, action)
	}

	in := Incoming{Message: msg}
	if hs.Created {
		in.NewSession = true
		a.record(ctx, domain.AuditSessionResponded, env.From, nil)
		if hs.IdentityChanged {
			in.IdentityChanged = true
			a.record(ctx, domain.AuditIdentityChanged, env.From, nil)
		}
	}
	a.record(ctx, event, env.From, nil)
	return in, nil
}

// Send encrypts plaintext for conv and posts every envelope to the relay.
func (a *App) Send(ctx context.Context, conv domain.ConversationID, plaintext []byte) (Result, error) {
	res, err := a.EncryptMessage(ctx, conv, plaintext)
	if err != nil {
		return res, err
	}
	var first error
	posted := res.Envelopes[:0]
	for _, env := range res.Envelopes {
		if err := a.Relay.Post(ctx, env); err != nil {
			f := newFailure(err, ActionRetry)
			res.failed(env.To, f)
			if first == nil {
				first = f
			}
			a.log.Warn("post failed", "peer", string(env.To), "err", err)
			continue
		}
		posted = append(posted, env)
	}
	res.Envelopes = posted
	if len(posted) == 0 {
		return res, first
	}
	return res, nil
}

// Inbox is the outcome of one Receive.
type Inbox struct {
	Messages []Incoming
	// Failures holds envelopes that were dropped, with the reason.
	Failures []*Failure
	// Pending counts envelopes left on the relay for a later retry.
	Pending int
}

// Receive fetches up to limit envelopes, decrypts them in order and
// acknowledges those that were handled. Processing stops when the vault is
// locked, the context ends or a save raced, so that envelope stays queued;
// envelopes that can never be decrypted are dropped.
func (a *App) Receive(ctx context.Context, limit int) (Inbox, error) {
	self := a.DeviceID()
	envs, err := a.Relay.Fetch(ctx, self, limit)
	if err != nil {
		return Inbox{}, newFailure(err, ActionRetry)
	}

	var box Inbox
	handled := 0
	for _, env := range envs {
		in, err := a.DecryptMessage(ctx, env)
		if err != nil {
			f := newFailure(err, "")
			if retryLater(f) {
				break
			}
			box.Failures = append(box.Failures, f)
			handled++
			continue
		}
		box.Messages = append(box.Messages, in)
		handled++
	}
	box.Pending = len(envs) - handled
	if handled > 0 {
		if err := a.Relay.Ack(ctx, self, handled); err != nil {
			return box, newFailure(err, ActionRetry)
		}
	}
	return box, nil
}

func retryLater(f *Failure) bool {
	switch f.Kind {
	case domain.KindVaultLocked, domain.KindCanceled:
		return true
	case domain.KindStaleState:
		return f.Action == ActionRetry
	}
	return false
}
