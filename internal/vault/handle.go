package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
)

// Handle is an open vault. It holds the master key in guarded memory until it
// is closed explicitly, by Vault.Lock, or by the inactivity timer.
type Handle struct {
	vault *Vault

	mu       sync.Mutex
	key      *memguard.LockedBuffer
	closed   bool
	timer    *time.Timer
	autoLock time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func newHandle(v *Vault, masterKey []byte, autoLock time.Duration) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		vault:    v,
		key:      memguard.NewBufferFromBytes(masterKey),
		autoLock: autoLock,
		ctx:      ctx,
		cancel:   cancel,
	}
	h.key.Freeze()
	if autoLock > 0 {
		h.timer = time.AfterFunc(autoLock, h.expire)
	}
	return h
}

// Wrap encrypts private key material under the master key.
func (h *Handle) Wrap(plaintext []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, domain.ErrVaultLocked
	}
	h.touch()
	return crypto.SealAESGCM(h.key.Bytes(), plaintext, wrapAD)
}

// Unwrap decrypts a blob produced by Wrap. Any failure is reported as
// ErrAuthentication.
func (h *Handle) Unwrap(blob []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, domain.ErrVaultLocked
	}
	h.touch()
	pt, err := crypto.OpenAESGCM(h.key.Bytes(), blob, wrapAD)
	if err != nil {
		return nil, fmt.Errorf("unwrap: %w", domain.ErrAuthentication)
	}
	return pt, nil
}

// Hold blocks ChangePassword and Rekey until release is called. A hold taken
// after a rekey sees this handle closed.
func (h *Handle) Hold() (release func()) {
	h.vault.gate.RLock()
	return h.vault.gate.RUnlock
}

// SealEscrow seals the master key under kek, for recovery.
func (h *Handle) SealEscrow(kek []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, domain.ErrVaultLocked
	}
	h.touch()
	return crypto.SealAESGCM(kek, h.key.Bytes(), escrowAD)
}

// OpenEscrow recovers a master key sealed by SealEscrow. The caller wipes it.
func OpenEscrow(kek, escrow []byte) ([]byte, error) {
	mk, err := crypto.OpenAESGCM(kek, escrow, escrowAD)
	if err != nil {
		return nil, fmt.Errorf("open escrow: %w", domain.ErrAuthentication)
	}
	return mk, nil
}

// Context returns a child of parent that is cancelled when the handle closes.
func (h *Handle) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(h.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Done is closed when the handle closes.
func (h *Handle) Done() <-chan struct{} { return h.ctx.Done() }

// Open reports whether the handle can still be used.
func (h *Handle) Open() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

// Close erases the master key and cancels every context derived from the
// handle. It is safe to call more than once.
func (h *Handle) Close() {
	h.vault.release(h)
	h.close()
}

func (h *Handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.timer != nil {
		h.timer.Stop()
	}
	h.key.Destroy()
	h.cancel()
}

func (h *Handle) expire() {
	h.vault.autoLocked(h)
	h.Close()
}

// touch resets the inactivity timer; h.mu must be held.
func (h *Handle) touch() {
	if h.timer != nil {
		h.timer.Reset(h.autoLock)
	}
}
