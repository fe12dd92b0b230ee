// Package observability exposes the service's Prometheus metrics.
// Registries are lazily initialised singletons so handlers and background
// loops can grab them without plumbing.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ProofMetrics tracks the attendance verification pipeline.
type ProofMetrics struct {
	verifications *prometheus.CounterVec
	qrIssued      prometheus.Counter
}

// ReconMetrics tracks the chain reconciliation loops.
type ReconMetrics struct {
	badgesRehydrated prometheus.Counter
	badgesConfirmed  prometheus.Counter
	replayPurged     prometheus.Counter
	sweepErrors      prometheus.Counter
}

var (
	proofMetricsOnce sync.Once
	proofRegistry    *ProofMetrics

	reconMetricsOnce sync.Once
	reconRegistry    *ReconMetrics
)

// Proof returns the lazily-initialised proof pipeline metrics.
func Proof() *ProofMetrics {
	proofMetricsOnce.Do(func() {
		proofRegistry = &ProofMetrics{
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ckbpop",
				Subsystem: "proof",
				Name:      "verifications_total",
				Help:      "Attendance proof verifications segmented by outcome.",
			}, []string{"outcome"}),
			qrIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ckbpop",
				Subsystem: "proof",
				Name:      "qr_issued_total",
				Help:      "Rotating QR payloads generated.",
			}),
		}
		prometheus.MustRegister(proofRegistry.verifications, proofRegistry.qrIssued)
	})
	return proofRegistry
}

// ObserveVerification records one verification attempt. The outcome should
// be a stable low-cardinality label such as "accepted", "replay", or
// "invalid".
func (m *ProofMetrics) ObserveVerification(outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
}

// ObserveQRIssued records one generated QR payload.
func (m *ProofMetrics) ObserveQRIssued() {
	if m == nil {
		return
	}
	m.qrIssued.Inc()
}

// Recon returns the lazily-initialised reconciliation metrics.
func Recon() *ReconMetrics {
	reconMetricsOnce.Do(func() {
		reconRegistry = &ReconMetrics{
			badgesRehydrated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ckbpop",
				Subsystem: "recon",
				Name:      "badges_rehydrated_total",
				Help:      "Badge cells synced from the chain during rehydration.",
			}),
			badgesConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ckbpop",
				Subsystem: "recon",
				Name:      "badges_confirmed_total",
				Help:      "Pending badges whose mint transaction was confirmed.",
			}),
			replayPurged: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ckbpop",
				Subsystem: "recon",
				Name:      "replay_entries_purged_total",
				Help:      "Expired QR replay-log rows removed.",
			}),
			sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "ckbpop",
				Subsystem: "recon",
				Name:      "sweep_errors_total",
				Help:      "Reconciliation sweep iterations that hit an error.",
			}),
		}
		prometheus.MustRegister(
			reconRegistry.badgesRehydrated,
			reconRegistry.badgesConfirmed,
			reconRegistry.replayPurged,
			reconRegistry.sweepErrors,
		)
	})
	return reconRegistry
}

// ObserveRehydrated records badge cells upserted during a rehydration run.
func (m *ReconMetrics) ObserveRehydrated(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.badgesRehydrated.Add(float64(count))
}

// ObserveConfirmed records one pending badge reaching confirmation.
func (m *ReconMetrics) ObserveConfirmed() {
	if m == nil {
		return
	}
	m.badgesConfirmed.Inc()
}

// ObservePurged records replay-log rows dropped by the retention sweep.
func (m *ReconMetrics) ObservePurged(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.replayPurged.Add(float64(count))
}

// ObserveSweepError records one failed sweep iteration.
func (m *ReconMetrics) ObserveSweepError() {
	if m == nil {
		return
	}
	m.sweepErrors.Inc()
}
