package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"e2ee/internal/audit"
	"e2ee/internal/domain"
	"e2ee/internal/services/prekey"
	"e2ee/internal/vault"
)

var (
	errNoDeviceID   = errors.New("app: device_id is not configured")
	errNoRecipients = fmt.Errorf("app: conversation has no other devices: %w", domain.ErrNotFound)
)

// App is the facade the CLI and embedding applications call. Every operation
// returns a *Failure on error and leaves a redacted audit entry behind.
type App struct {
	*Wire
	log        *slog.Logger
	maintainer *prekey.Maintainer

	mu      sync.Mutex
	runCtx  context.Context
	stop    context.CancelFunc
	group   *errgroup.Group
	running *vault.Handle
}

// Open builds the dependency graph for cfg and returns the app.
func Open(cfg Config, opts Options) (*App, error) {
	w, err := NewWire(cfg, opts)
	if err != nil {
		return nil, err
	}
	return New(w), nil
}

// New returns an app over w.
func New(w *Wire) *App {
	a := &App{Wire: w, log: w.Log.With("component", "app")}
	a.maintainer = prekey.NewMaintainer(w.PreKeys, prekey.MaintainerOptions{
		CheckInterval: w.Config.PreKeys.CheckInterval,
		Publish:       a.published,
		Logger:        w.Log,
	})
	w.PreKeys.OnLow(func() { a.maintainer.Request(prekey.Replenish) })
	w.Vault.OnAutoLock(func() { a.record(context.Background(), domain.AuditVaultLocked, "", nil) })
	return a
}

// DeviceID returns the local device id.
func (a *App) DeviceID() domain.DeviceID {
	if id, err := a.Identity.DeviceID(); err == nil {
		return id
	}
	return a.Config.DeviceID
}

// InitializeDevice creates the vault, the identity and the first pre-keys,
// then publishes the bundle. It fails with ErrAlreadyInitialized when the
// device already has an identity; Reset wipes it first.
func (a *App) InitializeDevice(ctx context.Context, password string) (domain.Fingerprint, error) {
	const event = domain.AuditDeviceInitialized
	device := a.Config.DeviceID
	if device == "" {
		return "", a.fail(ctx, event, "", errNoDeviceID, ActionNone)
	}
	if _, err := a.Identity.Public(); err == nil {
		return "", a.fail(ctx, event, "", domain.ErrAlreadyInitialized, ActionNone)
	} else if !errors.Is(err, domain.ErrNotInitialized) {
		return "", a.fail(ctx, event, "", err, "")
	}

	// A vault left behind by an interrupted initialization is reused.
	if err := a.Vault.Initialize(password); err != nil && !errors.Is(err, domain.ErrAlreadyInitialized) {
		return "", a.fail(ctx, event, "", err, "")
	}
	h, err := a.Vault.Unlock(ctx, password)
	if err != nil {
		return "", a.fail(ctx, event, "", err, "")
	}
	if _, err := a.PreKeys.GenerateDeviceKeys(ctx, h, device); err != nil {
		return "", a.fail(ctx, event, "", err, "")
	}
	fp, err := a.Identity.Fingerprint()
	if err != nil {
		return "", a.fail(ctx, event, "", err, "")
	}
	a.record(ctx, event, "", nil)
	a.log.Info("device initialized", "device_id", string(device))

	if err := a.publish(ctx); err != nil {
		return fp, a.fail(ctx, domain.AuditBundlePublished, "", err, ActionRetry)
	}
	return fp, nil
}

// Reset erases every local record and locks the vault.
func (a *App) Reset(ctx context.Context) error {
	a.stopMaintainer()
	a.Vault.Lock()
	if err := a.Store.Reset(); err != nil {
		return newFailure(err, "")
	}
	a.Identity.Forget()
	a.log.Warn("local state erased")
	return nil
}

// Unlock opens the vault with password.
func (a *App) Unlock(ctx context.Context, password string) error {
	h, err := a.Vault.Unlock(ctx, password)
	if err != nil {
		return a.fail(ctx, domain.AuditVaultUnlocked, "", err, "")
	}
	a.record(ctx, domain.AuditVaultUnlocked, "", nil)
	a.resume(h)
	return nil
}

// Lock closes the vault, erasing the master key. The maintainer pauses until
// the next unlock.
func (a *App) Lock(ctx context.Context) {
	a.Vault.Lock()
	a.record(ctx, domain.AuditVaultLocked, "", nil)
}

// ChangePassword re-wraps all key material under newPassword.
func (a *App) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	h, err := a.Vault.ChangePassword(ctx, oldPassword, newPassword)
	if err != nil {
		return a.fail(ctx, domain.AuditPasswordChanged, "", err, "")
	}
	a.record(ctx, domain.AuditPasswordChanged, "", nil)
	a.resume(h)
	return nil
}

// Publish uploads the current bundle to the directory.
func (a *App) Publish(ctx context.Context) error {
	if err := a.publish(ctx); err != nil {
		return a.fail(ctx, domain.AuditBundlePublished, "", err, ActionRetry)
	}
	return nil
}

func (a *App) publish(ctx context.Context) error {
	device, err := a.Identity.DeviceID()
	if err != nil {
		return err
	}
	b, err := a.PreKeys.Bundle(ctx, device)
	if err != nil {
		return err
	}
	if err := a.Relay.PublishBundle(ctx, b); err != nil {
		return err
	}
	if err := a.PreKeys.MarkPublished(b); err != nil {
		return err
	}
	a.record(ctx, domain.AuditBundlePublished, "", nil)
	return nil
}

// published is the maintainer's hook after a rotation or replenishment.
func (a *App) published(ctx context.Context, c prekey.Change) error {
	if c.Rotated != "" {
		a.record(ctx, domain.AuditSignedPreKeyRotated, "", nil)
	}
	if c.Replenished > 0 {
		a.record(ctx, domain.AuditPreKeysReplenished, "", nil)
	}
	return a.publish(ctx)
}

// JoinConversation registers the local device as a member of conv.
func (a *App) JoinConversation(ctx context.Context, conv domain.ConversationID) error {
	if err := a.Relay.JoinConversation(ctx, conv, a.DeviceID()); err != nil {
		return newFailure(err, ActionRetry)
	}
	return nil
}

// GetSafetyNumber returns the safety number shared with peer.
func (a *App) GetSafetyNumber(ctx context.Context, peer domain.DeviceID) (domain.SafetyNumberRecord, error) {
	rec, err := a.Safety.ForPeer(ctx, peer)
	if err != nil {
		return domain.SafetyNumberRecord{}, a.fail(ctx, domain.AuditSafetyNumberVerified, peer, err, "")
	}
	return rec, nil
}

// VerifySafetyNumber compares scanned, a number or QR payload, with the
// safety number shared with peer and marks peer verified on a match.
func (a *App) VerifySafetyNumber(ctx context.Context, peer domain.DeviceID, scanned string) (bool, error) {
	ok, err := a.Safety.MarkVerified(ctx, peer, scanned)
	if err != nil {
		return false, a.fail(ctx, domain.AuditSafetyNumberVerified, peer, err, "")
	}
	if !ok {
		a.record(ctx, domain.AuditSafetyNumberVerified, peer, domain.ErrKeyVerification)
		return false, nil
	}
	a.record(ctx, domain.AuditSafetyNumberVerified, peer, nil)
	return true, nil
}

// GenerateRecoveryCode issues a recovery code, replacing the previous one.
func (a *App) GenerateRecoveryCode(ctx context.Context) (string, error) {
	h, err := a.Vault.Current()
	if err != nil {
		return "", a.fail(ctx, domain.AuditRecoveryGenerated, "", err, "")
	}
	code, err := a.Recovery.Generate(ctx, h)
	if err != nil {
		return "", a.fail(ctx, domain.AuditRecoveryGenerated, "", err, "")
	}
	a.record(ctx, domain.AuditRecoveryGenerated, "", nil)
	return code, nil
}

// RecoverWithCode resets the password with a recovery code and returns the
// replacement code. The vault is left unlocked.
func (a *App) RecoverWithCode(ctx context.Context, mnemonic, newPassword string) (string, error) {
	h, next, err := a.Recovery.Recover(ctx, mnemonic, newPassword)
	if h != nil {
		a.resume(h)
	}
	if err != nil {
		return "", a.fail(ctx, domain.AuditRecoveryRedeemed, "", err, "")
	}
	a.record(ctx, domain.AuditRecoveryRedeemed, "", nil)
	a.record(ctx, domain.AuditRecoveryGenerated, "", nil)
	return next, nil
}

// GetAuditLog returns audit entries matching f.
func (a *App) GetAuditLog(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	entries, err := a.Audit.Query(ctx, f)
	if err != nil {
		return nil, newFailure(err, "")
	}
	return entries, nil
}

// RotateNow rotates the signed pre-key. While the maintainer runs the
// rotation is queued to it and the returned id is empty.
func (a *App) RotateNow(ctx context.Context) (domain.SignedPreKeyID, error) {
	if a.maintaining() {
		a.maintainer.Request(prekey.RotateNow)
		return "", nil
	}
	h, err := a.Vault.Current()
	if err != nil {
		return "", a.fail(ctx, domain.AuditSignedPreKeyRotated, "", err, "")
	}
	rec, err := a.PreKeys.RotateSignedPreKey(ctx, h)
	if err != nil {
		return "", a.fail(ctx, domain.AuditSignedPreKeyRotated, "", err, "")
	}
	a.record(ctx, domain.AuditSignedPreKeyRotated, "", nil)
	if err := a.publish(ctx); err != nil {
		return rec.ID, a.fail(ctx, domain.AuditBundlePublished, "", err, ActionRetry)
	}
	return rec.ID, nil
}

// ResetSession drops the session with peer; the next message re-handshakes.
func (a *App) ResetSession(ctx context.Context, peer domain.DeviceID) error {
	if err := a.Sessions.Reset(peer); err != nil {
		return a.fail(ctx, domain.AuditSessionReset, peer, err, ActionNone)
	}
	a.record(ctx, domain.AuditSessionReset, peer, nil)
	return nil
}

// Start runs the pre-key maintainer in the background until Close or ctx
// is done. The vault must be unlocked; after a lock the maintainer resumes
// on the next unlock.
func (a *App) Start(ctx context.Context) error {
	h, err := a.Vault.Current()
	if err != nil {
		return newFailure(err, "")
	}
	a.mu.Lock()
	if a.stop == nil {
		a.runCtx, a.stop = context.WithCancel(ctx)
		a.group = new(errgroup.Group)
	}
	a.mu.Unlock()
	a.resume(h)
	return nil
}

// resume runs the maintainer with h when Start was called and h is not
// already in use.
func (a *App) resume(h *vault.Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop == nil || a.running == h {
		return
	}
	a.running = h
	ctx := a.runCtx
	a.group.Go(func() error {
		err := a.maintainer.Run(ctx, h)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}

func (a *App) maintaining() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running != nil && a.running.Open()
}

func (a *App) stopMaintainer() error {
	a.mu.Lock()
	stop, g := a.stop, a.group
	a.stop, a.group, a.running = nil, nil, nil
	a.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	return g.Wait()
}

// Close stops the maintainer, locks the vault and closes the store.
func (a *App) Close() error {
	err := a.stopMaintainer()
	a.Vault.Lock()
	return errors.Join(err, a.Store.Close())
}

// record appends an audit entry; a failing audit sink is logged, never fatal.
func (a *App) record(ctx context.Context, event domain.AuditEvent, peer domain.DeviceID, err error) {
	e := audit.Event(event, a.DeviceID(), peer, err)
	if errors.Is(err, domain.ErrExhaustedPreKeys) || event == domain.AuditIdentityChanged {
		e.Outcome = domain.OutcomeWarning
	}
	if aerr := a.Audit.Record(context.WithoutCancel(ctx), e); aerr != nil {
		a.log.Error("audit record failed", "event", string(event), "err", aerr)
	}
}

// fail converts err into a Failure and audits it.
func (a *App) fail(ctx context.Context, event domain.AuditEvent, peer domain.DeviceID, err error, action Action) error {
	f := newFailure(err, action)
	a.record(ctx, event, peer, f.Err)
	a.log.Warn("operation failed",
		"event", string(event), "peer", string(peer), "kind", string(f.Kind), "action", string(f.Action))
	return f
}
