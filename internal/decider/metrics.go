package decider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orion_decisions_total",
			Help: "Decisions published, by decision type",
		},
		[]string{"type"},
	)

	overlayBlocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orion_decider_overlay_blocks_total",
			Help: "Actionable decisions downgraded by the validation overlay",
		},
	)
)
