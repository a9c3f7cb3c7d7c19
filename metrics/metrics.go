// Package metrics exposes the orchestrator's prometheus collectors. They are
// registered on the given registerer; serving them over HTTP is left to the
// embedding process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TicksTotal      prometheus.Counter
	GroupsFormed    prometheus.Counter
	GroupsCompleted prometheus.Counter
	GroupsFailed    prometheus.Counter
	StageOutcomes   *prometheus.CounterVec
	BreakerOpens    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mosaicd_ticks_total",
			Help: "Scheduler ticks executed.",
		}),
		GroupsFormed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mosaicd_groups_formed_total",
			Help: "Mosaic groups formed.",
		}),
		GroupsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mosaicd_groups_completed_total",
			Help: "Mosaic groups completed.",
		}),
		GroupsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mosaicd_groups_failed_total",
			Help: "Mosaic groups terminally failed.",
		}),
		StageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mosaicd_stage_outcomes_total",
			Help: "Stage invocation outcomes by stage and result.",
		}, []string{"stage", "outcome"}),
		BreakerOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mosaicd_breaker_opens_total",
			Help: "Circuit breaker open transitions by stage.",
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(m.TicksTotal, m.GroupsFormed, m.GroupsCompleted, m.GroupsFailed, m.StageOutcomes, m.BreakerOpens)
	}
	return m
}

// Nop returns unregistered collectors, safe to use when metrics are disabled.
func Nop() *Metrics { return New(nil) }
