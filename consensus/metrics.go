package consensus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "votation"

// Metrics are the counters of the consensus layer.
type Metrics struct {
	opened   *prometheus.CounterVec
	closed   *prometheus.CounterVec
	routed   *prometheus.CounterVec
	replayed prometheus.Counter
	rejected prometheus.Counter
	elapsed  *prometheus.HistogramVec
}

// NewMetrics creates the counters and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		opened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opened_total",
			Help:      "Votations opened by this node, by transport.",
		}, []string{"transport"}),
		closed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "closed_total",
			Help:      "Votations closed on this node, by transport and verification.",
		}, []string{"transport", "verification"}),
		routed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_routed_total",
			Help:      "Scans routed by the robust controller, by route.",
		}, []string{"route"}),
		replayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_replayed_total",
			Help:      "Offline scans replayed after reconnecting.",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Inbound events dropped for being malformed or badly signed.",
		}),
		elapsed: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "elapsed_seconds",
			Help:      "Time between opening and closing of the votations opened by this node.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"transport"}),
	}
}

func verificationLabel(v Votation) string {
	if !v.Consensus.Exists() {
		return "absent"
	}
	return string(v.Verification)
}
