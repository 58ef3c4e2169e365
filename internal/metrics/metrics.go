package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "e2ee"

// Metrics holds the engine's collectors.
type Metrics struct {
	Handshakes      *prometheus.CounterVec
	Messages        *prometheus.CounterVec
	SessionPhases   *prometheus.CounterVec
	OneTimePreKeys  prometheus.Gauge
	SignedPreKeyAge prometheus.Gauge
	Rotations       *prometheus.CounterVec
	Replenishments  *prometheus.CounterVec
	VaultUnlocks    *prometheus.CounterVec
	RelayRequests   *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves them
// unregistered, which keeps tests and embedded use free of global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "Number of X3DH handshakes by role and outcome",
			},
			[]string{"role", "outcome"},
		),
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Number of ratchet operations by direction and outcome",
			},
			[]string{"direction", "outcome"},
		),
		SessionPhases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Number of session phase transitions by target phase",
			},
			[]string{"phase"},
		),
		OneTimePreKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "one_time_prekeys",
				Help:      "Number of unused one-time pre-keys",
			},
		),
		SignedPreKeyAge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "signed_prekey_age_seconds",
				Help:      "Age of the active signed pre-key",
			},
		),
		Rotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signed_prekey_rotations_total",
				Help:      "Number of signed pre-key rotations by outcome",
			},
			[]string{"outcome"},
		),
		Replenishments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "one_time_prekey_replenishments_total",
				Help:      "Number of one-time pre-key replenishment runs by outcome",
			},
			[]string{"outcome"},
		),
		VaultUnlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vault_unlocks_total",
				Help:      "Number of vault unlock attempts by outcome",
			},
			[]string{"outcome"},
		),
		RelayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_requests_total",
				Help:      "Number of relay HTTP requests by route and status class",
			},
			[]string{"route", "status"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.Handshakes, m.Messages, m.SessionPhases, m.OneTimePreKeys,
			m.SignedPreKeyAge, m.Rotations, m.Replenishments, m.VaultUnlocks,
			m.RelayRequests,
		)
	}
	return m
}

// OrNew returns m, or an unregistered set when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}

// Outcome maps an error to an outcome label.
func Outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
