// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Engine groups the approval-engine collectors.
type Engine struct {
	RequestsCreated *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	ActionsApplied  prometheus.Counter
	ActionsDropped  prometheus.Counter
	SweepExpired    *prometheus.CounterVec
	Subscribers     *prometheus.GaugeVec
	ChannelFailures *prometheus.CounterVec
}

var (
	engineOnce sync.Once
	engine     *Engine
)

// Default returns the process-wide Engine metrics, registering them on the
// default registry exactly once.
func Default() *Engine {
	engineOnce.Do(func() {
		engine = &Engine{
			RequestsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tollgate_requests_created_total",
				Help: "Requests created, by kind (connection|license).",
			}, []string{"kind"}),
			Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tollgate_transitions_total",
				Help: "State transitions applied, by kind and resulting status.",
			}, []string{"kind", "status"}),
			ActionsApplied: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tollgate_operator_actions_applied_total",
				Help: "Operator actions consumed by the ingestion loop.",
			}),
			ActionsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tollgate_operator_actions_dropped_total",
				Help: "Operator actions dropped after a processing failure.",
			}),
			SweepExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tollgate_sweep_expired_total",
				Help: "Records expired by the timeout sweeper, by kind.",
			}, []string{"kind"}),
			Subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "tollgate_hub_subscribers",
				Help: "Currently connected notification subscribers, by topic.",
			}, []string{"topic"}),
			ChannelFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tollgate_channel_failures_total",
				Help: "Operator channel delivery failures, by operation.",
			}, []string{"op"}),
		}
		prometheus.MustRegister(
			engine.RequestsCreated,
			engine.Transitions,
			engine.ActionsApplied,
			engine.ActionsDropped,
			engine.SweepExpired,
			engine.Subscribers,
			engine.ChannelFailures,
		)
	})
	return engine
}
