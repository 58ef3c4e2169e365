package recovery

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"e2ee/internal/crypto"
	"e2ee/internal/domain"
	"e2ee/internal/platform/privacylog"
	"e2ee/internal/vault"
)

const (
	// EntropyBits is the recovery secret size; 128 bits give 12 words.
	EntropyBits = 128
	// EscrowIterations is the PBKDF2 work factor for the escrow key.
	EscrowIterations = 210_000

	saltSize = 16

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 2
	argonKeyLen  = 32
)

// Service manages the recovery code of the local vault.
type Service struct {
	store domain.RecoveryStore
	vault *vault.Vault
	log   *slog.Logger
	now   func() time.Time

	escrowIterations int
}

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	EscrowIterations int
	Logger           *slog.Logger
	Now              func() time.Time
}

// New returns a recovery service for v.
func New(store domain.RecoveryStore, v *vault.Vault, opts Options) *Service {
	if opts.EscrowIterations <= 0 {
		opts.EscrowIterations = EscrowIterations
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:            store,
		vault:            v,
		log:              privacylog.OrDiscard(opts.Logger).With("component", "recovery"),
		now:              opts.Now,
		escrowIterations: opts.EscrowIterations,
	}
}

// Configured reports whether a recovery code exists.
func (s *Service) Configured() (bool, error) {
	_, ok, err := s.store.LoadRecovery()
	return ok, err
}

// Generate issues a new recovery code for the vault behind h, replacing any
// existing one. The mnemonic is returned once and never stored.
func (s *Service) Generate(ctx context.Context, h *vault.Handle) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	entropy, err := bip39.NewEntropy(EntropyBits)
	if err != nil {
		return "", fmt.Errorf("recovery entropy: %w", err)
	}
	defer crypto.Wipe(entropy)

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("recovery mnemonic: %w", err)
	}

	rec := domain.RecoveryRecord{
		EscrowIterations: s.escrowIterations,
		CreatedAt:        s.now().UTC(),
	}
	if rec.HashSalt, err = randomSalt(); err != nil {
		return "", err
	}
	if rec.EscrowSalt, err = randomSalt(); err != nil {
		return "", err
	}
	rec.Hash = hashSecret(entropy, rec.HashSalt)

	kek := escrowKey(entropy, rec.EscrowSalt, rec.EscrowIterations)
	defer crypto.Wipe(kek)
	defer h.Hold()()
	if rec.Escrow, err = h.SealEscrow(kek); err != nil {
		return "", err
	}
	if rec.WrappedEscrowKey, err = h.Wrap(kek); err != nil {
		return "", err
	}
	if err := s.store.SaveRecovery(rec); err != nil {
		return "", err
	}
	s.log.Info("recovery code issued")
	return mnemonic, nil
}

// Recover redeems mnemonic: it unseals the master key, rekeys the vault to
// newPassword and issues a replacement code. The redeemed code stops
// working. A wrong or unknown code fails with ErrAuthentication.
func (s *Service) Recover(ctx context.Context, mnemonic, newPassword string) (*vault.Handle, string, error) {
	if err := vault.CheckPassword(newPassword); err != nil {
		return nil, "", err
	}
	rec, ok, err := s.store.LoadRecovery()
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("no recovery code: %w", domain.ErrAuthentication)
	}

	entropy, err := bip39.EntropyFromMnemonic(normalize(mnemonic))
	if err != nil {
		s.log.Warn("malformed recovery code")
		return nil, "", fmt.Errorf("recovery code: %w", domain.ErrAuthentication)
	}
	defer crypto.Wipe(entropy)
	if subtle.ConstantTimeCompare(hashSecret(entropy, rec.HashSalt), rec.Hash) != 1 {
		s.log.Warn("recovery code mismatch")
		return nil, "", fmt.Errorf("recovery code: %w", domain.ErrAuthentication)
	}

	kek := escrowKey(entropy, rec.EscrowSalt, rec.EscrowIterations)
	defer crypto.Wipe(kek)
	masterKey, err := vault.OpenEscrow(kek, rec.Escrow)
	if err != nil {
		return nil, "", err
	}
	defer crypto.Wipe(masterKey)

	h, err := s.vault.Rekey(ctx, masterKey, newPassword)
	if err != nil {
		return nil, "", err
	}
	if err := s.store.DeleteRecovery(); err != nil {
		return nil, "", err
	}
	next, err := s.Generate(ctx, h)
	if err != nil {
		return h, "", fmt.Errorf("replacement recovery code: %w", err)
	}
	s.log.Info("recovery code redeemed")
	return h, next, nil
}

// normalize folds case and whitespace so a code typed by hand still matches.
func normalize(mnemonic string) string {
	return strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
}

func hashSecret(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func escrowKey(secret, salt []byte, iterations int) []byte {
	return pbkdf2.Key(secret, salt, iterations, vault.KeySize, sha256.New)
}

var readRandom = rand.Read

func randomSalt() ([]byte, error) {
	b := make([]byte, saltSize)
	if _, err := readRandom(b); err != nil {
		return nil, fmt.Errorf("recovery salt: %w", err)
	}
	return b, nil
}
