package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commitfund_transitions_total",
		Help: "Lifecycle operations processed, labeled by operation and outcome code",
	}, []string{"operation", "outcome"})

	payoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commitfund_payouts_total",
		Help: "Escrow payouts executed, labeled by terminal status",
	}, []string{"status"})
)
