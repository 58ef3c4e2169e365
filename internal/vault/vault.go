package vault

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
	"e2ee/internal/metrics"
	"e2ee/internal/platform/privacylog"
)

// Options tunes a Vault. Zero values select the defaults.
type Options struct {
	// Iterations is the PBKDF2 work factor used for new parameters.
	Iterations int
	// AutoLockAfter closes the handle after this much inactivity; zero disables it.
	AutoLockAfter time.Duration
	// FailedUnlockInterval is how often one failed attempt is forgiven.
	FailedUnlockInterval time.Duration
	// FailedUnlockBurst is how many failed attempts are allowed back to back.
	FailedUnlockBurst int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Vault derives and holds the master key. Exactly one Handle is open while
// the vault is unlocked.
type Vault struct {
	store      domain.VaultStore
	iterations int
	autoLock   time.Duration
	failures   *rate.Limiter
	log        *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu         sync.Mutex
	handle     *Handle
	onAutoLock []func()

	// gate is held for reading by wrap-then-save sections and for writing
	// while the store is re-wrapped under a new key.
	gate sync.RWMutex
}

// New returns a locked vault backed by store.
func New(store domain.VaultStore, opts Options) *Vault {
	if opts.Iterations == 0 {
		opts.Iterations = DefaultIterations
	}
	if opts.FailedUnlockInterval <= 0 {
		opts.FailedUnlockInterval = 30 * time.Second
	}
	if opts.FailedUnlockBurst <= 0 {
		opts.FailedUnlockBurst = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Vault{
		store:      store,
		iterations: opts.Iterations,
		autoLock:   opts.AutoLockAfter,
		failures:   rate.NewLimiter(rate.Every(opts.FailedUnlockInterval), opts.FailedUnlockBurst),
		log:        privacylog.OrDiscard(opts.Logger).With("component", "vault"),
		metrics:    metrics.OrNew(opts.Metrics),
		now:        opts.Now,
	}
}

// Initialized reports whether derivation parameters exist.
func (v *Vault) Initialized() (bool, error) {
	_, ok, err := v.store.LoadVaultParams()
	return ok, err
}

// Initialize creates fresh derivation parameters for password. It fails with
// ErrAlreadyInitialized when parameters exist.
func (v *Vault) Initialize(password string) error {
	if err := CheckPassword(password); err != nil {
		return err
	}
	if v.iterations < MinIterations {
		return fmt.Errorf("vault: %d iterations below minimum %d", v.iterations, MinIterations)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok, err := v.store.LoadVaultParams(); err != nil {
		return err
	} else if ok {
		return domain.ErrAlreadyInitialized
	}
	params, key, err := v.newParams(password)
	if err != nil {
		return err
	}
	crypto.Wipe(key)
	params.CreatedAt = params.RotatedAt
	if err := v.store.SaveVaultParams(params); err != nil {
		return err
	}
	v.log.Info("vault initialized", "iterations", params.Iterations)
	return nil
}

// Unlock derives the master key and opens a handle. While a handle is open,
// further unlocks with the right password return that same handle.
func (v *Vault) Unlock(ctx context.Context, password string) (*Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	params, err := v.loadParams()
	if err != nil {
		return nil, err
	}
	key, err := v.checkPassword(ctx, params, password)
	if err != nil {
		v.metrics.VaultUnlocks.WithLabelValues(metrics.Outcome(err)).Inc()
		return nil, err
	}
	v.metrics.VaultUnlocks.WithLabelValues("success").Inc()

	if v.handle != nil && v.handle.Open() {
		crypto.Wipe(key)
		return v.handle, nil
	}
	v.handle = newHandle(v, key, v.autoLock)
	v.log.Info("vault unlocked", "auto_lock_after", v.autoLock)
	return v.handle, nil
}

// Current returns the open handle, or ErrVaultLocked.
func (v *Vault) Current() (*Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.handle == nil || !v.handle.Open() {
		return nil, domain.ErrVaultLocked
	}
	return v.handle, nil
}

// Lock closes the open handle, erasing the master key.
func (v *Vault) Lock() {
	v.mu.Lock()
	h := v.handle
	v.handle = nil
	v.mu.Unlock()
	if h != nil {
		h.close()
		v.log.Info("vault locked")
	}
}

// OnAutoLock registers fn to run after the inactivity timer locked the vault.
func (v *Vault) OnAutoLock(fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onAutoLock = append(v.onAutoLock, fn)
}

// ChangePassword re-wraps every stored private blob under a key derived from
// newPassword and returns a new open handle. The previous handle is closed.
func (v *Vault) ChangePassword(ctx context.Context, oldPassword, newPassword string) (*Handle, error) {
	if err := CheckPassword(newPassword); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	params, err := v.loadParams()
	if err != nil {
		return nil, err
	}
	oldKey, err := v.checkPassword(ctx, params, oldPassword)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(oldKey)
	return v.rekeyLocked(ctx, params, oldKey, newPassword)
}

// Rekey replaces the password using a master key recovered out of band.
func (v *Vault) Rekey(ctx context.Context, masterKey []byte, newPassword string) (*Handle, error) {
	if err := CheckPassword(newPassword); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	params, err := v.loadParams()
	if err != nil {
		return nil, err
	}
	if !verify(masterKey, params.Verifier) {
		return nil, fmt.Errorf("rekey: %w", domain.ErrAuthentication)
	}
	return v.rekeyLocked(ctx, params, masterKey, newPassword)
}

func (v *Vault) rekeyLocked(ctx context.Context, params domain.VaultParams, oldKey []byte, newPassword string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	next, newKey, err := v.newParams(newPassword)
	if err != nil {
		return nil, err
	}
	next.CreatedAt = params.CreatedAt

	v.gate.Lock()
	defer v.gate.Unlock()
	if err := v.store.RewrapAll(next, rewrapper{oldKey: oldKey, newKey: newKey}); err != nil {
		crypto.Wipe(newKey)
		return nil, fmt.Errorf("rewrap: %w", err)
	}

	if v.handle != nil {
		v.handle.close()
	}
	v.handle = newHandle(v, newKey, v.autoLock)
	v.log.Info("vault rekeyed")
	return v.handle, nil
}

func (v *Vault) loadParams() (domain.VaultParams, error) {
	params, ok, err := v.store.LoadVaultParams()
	if err != nil {
		return domain.VaultParams{}, err
	}
	if !ok {
		return domain.VaultParams{}, domain.ErrNotInitialized
	}
	return params, nil
}

// checkPassword derives the key for password and verifies it. Failed
// attempts draw from the failure bucket; once it is empty every attempt is
// refused until it refills.
func (v *Vault) checkPassword(ctx context.Context, params domain.VaultParams, password string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v.failures.TokensAt(v.now()) < 1 {
		v.log.Warn("unlock throttled")
		return nil, fmt.Errorf("%w: %w", domain.ErrAuthentication, domain.ErrTooManyAttempts)
	}
	key := Derive(password, params.Salt, params.Iterations)
	if !verify(key, params.Verifier) {
		crypto.Wipe(key)
		v.failures.AllowN(v.now(), 1)
		v.log.Warn("wrong password")
		return nil, fmt.Errorf("wrong password: %w", domain.ErrAuthentication)
	}
	return key, nil
}

func (v *Vault) newParams(password string) (domain.VaultParams, []byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return domain.VaultParams{}, nil, err
	}
	key := Derive(password, salt, v.iterations)
	return domain.VaultParams{
		Salt:       salt,
		Iterations: v.iterations,
		Verifier:   verifier(key),
		RotatedAt:  v.now().UTC(),
	}, key, nil
}

func (v *Vault) release(h *Handle) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.handle == h {
		v.handle = nil
	}
}

func (v *Vault) autoLocked(h *Handle) {
	v.mu.Lock()
	hooks := append([]func(){}, v.onAutoLock...)
	current := v.handle == h
	v.mu.Unlock()
	if !current {
		return
	}
	v.log.Info("vault auto-locked after inactivity", "after", v.autoLock)
	for _, fn := range hooks {
		go fn()
	}
}

// rewrapper moves blobs from oldKey to newKey.
type rewrapper struct {
	oldKey, newKey []byte
}

func (r rewrapper) Rewrap(blob []byte) ([]byte, error) {
	pt, err := crypto.OpenAESGCM(r.oldKey, blob, wrapAD)
	if err != nil {
		return nil, domain.ErrAuthentication
	}
	defer crypto.Wipe(pt)
	return crypto.SealAESGCM(r.newKey, pt, wrapAD)
}

func (r rewrapper) Reseal(rec domain.RecoveryRecord) (domain.RecoveryRecord, error) {
	kek, err := crypto.OpenAESGCM(r.oldKey, rec.WrappedEscrowKey, wrapAD)
	if err != nil {
		return rec, domain.ErrAuthentication
	}
	defer crypto.Wipe(kek)
	if rec.Escrow, err = crypto.SealAESGCM(kek, r.newKey, escrowAD); err != nil {
		return rec, err
	}
	if rec.WrappedEscrowKey, err = crypto.SealAESGCM(r.newKey, kek, wrapAD); err != nil {
		return rec, err
	}
	return rec, nil
}
