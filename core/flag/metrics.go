package flag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flagsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearance_flags_created_total",
		Help: "Total number of absence flags created",
	}, []string{"severity", "auto_generated"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearance_flag_transitions_total",
		Help: "Total number of flag status transitions",
	}, []string{"from", "to", "override"})

	escalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clearance_flag_escalations_total",
		Help: "Total number of urgency escalations",
	}, []string{"tier"})

	ledgerViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clearance_ledger_violations_total",
		Help: "Total number of transitions rolled back by a ledger constraint violation",
	})
)
