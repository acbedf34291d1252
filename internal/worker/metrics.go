package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	// queueDepth mirrors the FIFO length, sampled when the loop idles.
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_queue_depth",
		Help: "Current length of the inbound-event queue.",
	})

	// tasksInFlight gauges currently running handler tasks.
	tasksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_tasks_inflight",
		Help: "Current number of in-flight handler tasks.",
	})

	// tasksTotal counts processed events by kind and result
	// (ok / error / panic / malformed / unhandled).
	tasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_tasks_total",
		Help: "Total number of dispatched events, by kind and result.",
	}, []string{"kind", "result"})
)

func init() {
	prometheus.MustRegister(queueDepth, tasksInFlight, tasksTotal)
}
