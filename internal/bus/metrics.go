package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orion_bus_published_total",
			Help: "Messages successfully published to the bus",
		},
		[]string{"type"},
	)

	contractViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orion_bus_contract_violations_total",
			Help: "Messages rejected by contract validation",
		},
		[]string{"type", "direction"}, // direction: publish, subscribe
	)

	handlerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orion_bus_handler_errors_total",
			Help: "Handler failures; unacked messages will be redelivered",
		},
		[]string{"type"},
	)

	ackedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orion_bus_acked_total",
			Help: "Messages acknowledged after successful handling",
		},
		[]string{"type"},
	)
)
