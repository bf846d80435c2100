// Package metrics declares the prometheus collectors updated by the claim
// cycle and the publisher:
//   - ordersync_cycles_total{result}          completed, aborted, circuit_open, idle
//   - ordersync_claims_total{outcome}         won, lost
//   - ordersync_orders_total{side,outcome}    submitted, reverted, skipped
//   - ordersync_pending_orders                pending count seen by the last cycle
//   - ordersync_cycle_duration_seconds        claim cycle latency
//   - ordersync_published_orders_total{side}  drafts written by the publisher
//   - ordersync_purged_orders_total{reason}   retention deletes
//   - ordersync_swept_claims_total            stale claims reverted
//
// They are registered in init() and served at /metrics by cmd/executor.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_cycles_total",
			Help: "Claim cycles by result",
		},
		[]string{"result"},
	)

	Claims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_claims_total",
			Help: "Claim attempts by outcome",
		},
		[]string{"outcome"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_orders_total",
			Help: "Per-order outcomes of the claim-execute-confirm state machine",
		},
		[]string{"side", "outcome"},
	)

	Pending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ordersync_pending_orders",
			Help: "Claimable orders seen by the most recent cycle",
		},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ordersync_cycle_duration_seconds",
			Help:    "Wall time of one claim cycle, including the phase pause",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	Published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_published_orders_total",
			Help: "Orders written by the publisher",
		},
		[]string{"side"},
	)

	Purged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_purged_orders_total",
			Help: "Orders deleted by retention",
		},
		[]string{"reason"}, // horizon | same_day
	)

	Swept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ordersync_swept_claims_total",
			Help: "Stale claims reverted by the sweep",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Cycles,
		Claims,
		Orders,
		Pending,
		CycleDuration,
		Published,
		Purged,
		Swept,
	)
}
