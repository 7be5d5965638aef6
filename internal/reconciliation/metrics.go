package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDriftedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketplace",
		Subsystem: "reconciliation",
		Name:      "drifted_users",
		Help:      "Number of users whose stored reputation disagrees with the ledger in the last run.",
	})

	reconcileUsersChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketplace",
		Subsystem: "reconciliation",
		Name:      "users_checked",
		Help:      "Number of users compared in the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marketplace",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketplace",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileDriftedUsers,
		reconcileUsersChecked,
		reconcileDuration,
		reconcileErrors,
	)
}
