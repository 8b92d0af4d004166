package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts ledger operations by type.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentcoin",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// OpDuration observes operation latency by type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentcoin",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// BalanceAvailableTotal tracks the sum of all agent available balances.
	BalanceAvailableTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentcoin",
			Name:      "ledger_balance_available_total",
			Help:      "Sum of all agent available balances, in AGNT.",
		},
	)

	// BalanceEscrowTotal tracks the sum of all agent escrowed balances.
	BalanceEscrowTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentcoin",
			Name:      "ledger_balance_escrow_total",
			Help:      "Sum of all agent escrowed balances, in AGNT.",
		},
	)
)

func init() {
	prometheus.MustRegister(OpsTotal, OpDuration, BalanceAvailableTotal, BalanceEscrowTotal)
}

// observeOp increments the operation counter and returns a function to
// observe its duration when called.
func observeOp(opType string) func() {
	OpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
