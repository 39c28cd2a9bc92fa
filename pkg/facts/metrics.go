package facts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factdb_store_rows_total",
		Help: "Rows written or removed by the fact store, by backend and operation.",
	}, []string{"backend", "op"})

	constraintTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factdb_store_constraint_violations_total",
		Help: "Primary-key constraint violations observed by the fact store.",
	}, []string{"backend"})
)

func obsOp(backend, op string, n int) {
	if n > 0 {
		opsTotal.WithLabelValues(backend, op).Add(float64(n))
	}
}

func obsConstraint(backend string) {
	constraintTotal.WithLabelValues(backend).Inc()
}
