package inference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	routedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orion_router_routed_total",
			Help: "Inference requests dispatched, by selection mode",
		},
		[]string{"mode"}, // mode: sticky, fallback
	)

	routerErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orion_router_errors_total",
			Help: "Routing failures, including no-available-nodes",
		},
	)
)
