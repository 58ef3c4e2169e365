package app

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"e2ee/internal/audit"
	"e2ee/internal/domain"
	"e2ee/internal/metrics"
	"e2ee/internal/platform/privacylog"
	"e2ee/internal/relay"
	"e2ee/internal/services/identity"
	"e2ee/internal/services/message"
	"e2ee/internal/services/prekey"
	"e2ee/internal/services/recovery"
	"e2ee/internal/services/safety"
	"e2ee/internal/services/session"
	"e2ee/internal/store"
	"e2ee/internal/vault"
)

// Options overrides collaborators NewWire would otherwise build from Config.
type Options struct {
	// Relay replaces the HTTP client for cfg.RelayURL.
	Relay domain.RelayClient
	// Registerer receives the metrics; nil leaves them unregistered.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Wire bundles all stores, services, and clients for the app.
type Wire struct {
	Config   Config
	Log      *slog.Logger
	Metrics  *metrics.Metrics
	Store    *store.Bolt
	Vault    *vault.Vault
	Identity *identity.Service
	PreKeys  *prekey.Service
	Sessions *session.Service
	Messages *message.Engine
	Safety   *safety.Service
	Recovery *recovery.Service
	Audit    audit.Logger
	Relay    domain.RelayClient
}

// NewWire constructs the dependency graph from cfg.
func NewWire(cfg Config, opts Options) (*Wire, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = privacylog.New(os.Stderr, cfg.Log.SlogLevel(), cfg.Log.Format)
	}
	m := metrics.New(opts.Registerer)

	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}
	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	rc := opts.Relay
	if rc == nil {
		rc = relay.NewHTTP(cfg.RelayURL)
	}

	v := vault.New(db, vault.Options{
		Iterations:    cfg.Vault.Iterations,
		AutoLockAfter: cfg.Vault.AutoLockAfter,
		Logger:        log,
		Metrics:       m,
		Now:           opts.Now,
	})
	ids := identity.New(db, log)
	pks := prekey.New(db, ids, prekey.Options{
		RotationInterval: cfg.PreKeys.RotationInterval,
		GracePeriod:      cfg.PreKeys.GracePeriod,
		BatchSize:        cfg.PreKeys.BatchSize,
		LowWatermark:     cfg.PreKeys.LowWatermark,
		Logger:           log,
		Metrics:          m,
		Now:              opts.Now,
	})
	sessions := session.New(db, ids, pks, rc, session.Options{Logger: log, Metrics: m, Now: opts.Now})
	messages := message.New(db, sessions, message.Options{
		MaxConsecutiveFailures: cfg.Ratchet.MaxConsecutiveFailures,
		Logger:                 log,
		Metrics:                m,
		Now:                    opts.Now,
	})

	return &Wire{
		Config:   cfg,
		Log:      log,
		Metrics:  m,
		Store:    db,
		Vault:    v,
		Identity: ids,
		PreKeys:  pks,
		Sessions: sessions,
		Messages: messages,
		Safety:   safety.New(db, ids, sessions, log),
		Recovery: recovery.New(db, v, recovery.Options{Logger: log, Now: opts.Now}),
		Audit:    audit.New(cfg.Audit, db, log),
		Relay:    rc,
	}, nil
}
