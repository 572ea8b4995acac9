// Package metrics exposes Prometheus counters for the claves engines.
//
// All methods are nil-safe so engines built without metrics (tests,
// one-off CLI jobs) need no special casing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "claves"

// Outcome labels.
const (
	OutcomeApplied  = "applied"
	OutcomeReplayed = "replayed"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

type Metrics struct {
	ledgerMutations *prometheus.CounterVec
	ledgerVolume    *prometheus.CounterVec
	streakLogins    *prometheus.CounterVec
	streakSaves     *prometheus.CounterVec
	badgeGrants     *prometheus.CounterVec
	dailyClaims     *prometheus.CounterVec
	integrityErrors *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in
// tests to avoid clashing with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ledgerMutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "mutations_total",
			Help:      "Ledger credits and debits by reason and outcome.",
		}, []string{"kind", "reason", "outcome"}),
		ledgerVolume: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "claves_total",
			Help:      "Claves moved by committed mutations.",
		}, []string{"kind", "reason"}),
		streakLogins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streak",
			Name:      "evaluations_total",
			Help:      "Login evaluations by branch.",
		}, []string{"branch"}),
		streakSaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streak",
			Name:      "saves_total",
			Help:      "Broken streaks resolved, by source (freebie, inventory, repair, accepted).",
		}, []string{"source"}),
		badgeGrants: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "badge",
			Name:      "grants_total",
			Help:      "Badges granted.",
		}, []string{"badge_id"}),
		dailyClaims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bonus",
			Name:      "daily_claims_total",
			Help:      "Daily bonus claims by tier and outcome.",
		}, []string{"tier", "outcome"}),
		integrityErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_violations_total",
			Help:      "Observed invariant violations. Should always be zero.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) LedgerMutation(kind, reason, outcome string, amount int64) {
	if m == nil {
		return
	}
	m.ledgerMutations.WithLabelValues(kind, reason, outcome).Inc()
	if outcome == OutcomeApplied && amount > 0 {
		m.ledgerVolume.WithLabelValues(kind, reason).Add(float64(amount))
	}
}

func (m *Metrics) StreakEvaluated(branch string) {
	if m == nil {
		return
	}
	m.streakLogins.WithLabelValues(branch).Inc()
}

func (m *Metrics) StreakSaved(source string) {
	if m == nil {
		return
	}
	m.streakSaves.WithLabelValues(source).Inc()
}

func (m *Metrics) BadgeGranted(badgeID string) {
	if m == nil {
		return
	}
	m.badgeGrants.WithLabelValues(badgeID).Inc()
}

func (m *Metrics) DailyClaim(tier, outcome string) {
	if m == nil {
		return
	}
	m.dailyClaims.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) IntegrityViolation(kind string) {
	if m == nil {
		return
	}
	m.integrityErrors.WithLabelValues(kind).Inc()
}
