package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"aegis/internal/tier"
	"aegis/pkg/types"
)

var (
	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aegis",
		Name:      "queue_depth",
		Help:      "Requests waiting for admission per tier",
	}, []string{"tier"})

	admissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Name:      "admissions_total",
		Help:      "Admitted requests by tier and path (queue or bypass)",
	}, []string{"tier", "path"})

	backoffsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Name:      "backoffs_total",
		Help:      "Admissions deferred for insufficient memory",
	}, []string{"tier"})

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Name:      "requests_total",
		Help:      "Terminal request outcomes",
	}, []string{"tier", "outcome"})

	tierState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aegis",
		Name:      "tier_state",
		Help:      "Current tier state (0=unloaded 1=loading 2=resident 3=generating 4=unloading 5=failed)",
	}, []string{"tier"})

	tierDegraded = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aegis",
		Name:      "tier_degraded",
		Help:      "1 when the tier stopped accepting work",
	}, []string{"tier"})

	ledgerCommitted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aegis",
		Name:      "ledger_committed_bytes",
		Help:      "Bytes committed in the memory ledger (reservations, pins and drift)",
	}, []string{"resource"})

	generationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aegis",
		Name:      "generation_duration_seconds",
		Help:      "Generation wall time per tier",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"tier"})
)

func init() {
	prometheus.MustRegister(queueDepth, admissionsTotal, backoffsTotal, requestsTotal,
		tierState, tierDegraded, ledgerCommitted, generationDuration)
}

// ObserveTierState is a tier.StateFunc exporting state changes as a gauge.
func ObserveTierState(t types.Tier, _, to tier.State) {
	tierState.WithLabelValues(string(t)).Set(float64(to))
}
