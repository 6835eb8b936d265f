package engine

import "github.com/prometheus/client_golang/prometheus"

var operationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "crucible_operations_total",
		Help: "Training operations by resolved execution mode and terminal status.",
	},
	[]string{"mode", "status"},
)

func init() {
	prometheus.MustRegister(operationsTotal)
}
