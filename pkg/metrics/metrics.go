package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	SchedulerRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pacegrid_scheduler_run_duration_seconds",
			Help:    "Time taken by one policy engine run in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pacegrid_scheduler_runs_total",
			Help: "Total number of policy engine runs",
		},
	)

	// Transition metrics
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacegrid_transitions_total",
			Help: "Total number of transitions by outcome",
		},
		[]string{"outcome"},
	)

	TransitionAbortsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacegrid_transition_aborts_total",
			Help: "Total number of aborted transitions by source",
		},
		[]string{"source"},
	)

	ActionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pacegrid_actions_in_flight",
			Help: "Number of dispatched actions awaiting completion",
		},
	)

	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacegrid_actions_total",
			Help: "Total number of executed actions by task and result",
		},
		[]string{"task", "result"},
	)

	// Controller metrics
	FSMState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pacegrid_fsm_state",
			Help: "Current controller FSM state (1 for the active state)",
		},
		[]string{"state"},
	)

	IsDC = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pacegrid_is_dc",
			Help: "Whether this node is the designated controller (1 = DC)",
		},
	)

	PeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pacegrid_peers_total",
			Help: "Number of known peers by membership state",
		},
		[]string{"membership"},
	)

	// CIB metrics
	CIBWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacegrid_cib_writes_total",
			Help: "Total number of CIB writes by result",
		},
		[]string{"result"},
	)
)

// Register registers all metrics with the default Prometheus registry.
// Call once at daemon startup.
func Register() {
	prometheus.MustRegister(
		SchedulerRunDuration,
		SchedulerRunsTotal,
		TransitionsTotal,
		TransitionAbortsTotal,
		ActionsInFlight,
		ActionsTotal,
		FSMState,
		IsDC,
		PeersTotal,
		CIBWritesTotal,
	)
}

// Handler returns an HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetFSMState marks the given state active and clears the others.
func SetFSMState(states []string, active string) {
	for _, s := range states {
		v := 0.0
		if s == active {
			v = 1.0
		}
		FSMState.WithLabelValues(s).Set(v)
	}
}
