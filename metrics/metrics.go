// Package metrics instruments the control plane with Prometheus
// collectors (SPEC_FULL §10/§11, §12.2a): aggregation rounds, violations,
// balancing-set size, divergence distance, and message size, matching the
// teacher's direct client_golang dependency.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the coordinator and worker processes
// export. A single instance is created per process and registered on the
// prometheus.Registerer passed to New; the admin HTTP surface does not
// serve these collectors.
type Registry struct {
	AggregationRounds   prometheus.Counter
	ViolationsPublished prometheus.Counter
	BalancingSetSize    prometheus.Gauge
	Divergence          prometheus.Histogram
	MessageSize         prometheus.Histogram
	RegisteredNodes     prometheus.Gauge
	ActiveNodes         prometheus.Gauge
}

// New constructs and registers a fresh Registry on reg. role is either
// "coordinator" or "worker" and becomes a constant label so both
// processes' metrics can share one Prometheus instance without colliding.
func New(reg prometheus.Registerer, role string) *Registry {
	labels := prometheus.Labels{"role": role}
	r := &Registry{
		AggregationRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dlsync",
			Name:        "aggregation_rounds_total",
			Help:        "Number of aggregation rounds published by the coordinator.",
			ConstLabels: labels,
		}),
		ViolationsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dlsync",
			Name:        "violations_published_total",
			Help:        "Number of violation messages a worker has published after a failed local check.",
			ConstLabels: labels,
		}),
		BalancingSetSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dlsync",
			Name:        "balancing_set_size",
			Help:        "Current size of the coordinator's balancing set.",
			ConstLabels: labels,
		}),
		Divergence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "dlsync",
			Name:        "divergence_distance",
			Help:        "Distance observed by a worker's local-condition check.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		MessageSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "dlsync",
			Name:        "message_size_bytes",
			Help:        "Size of framed message bodies: inbound on the coordinator, outbound on the worker.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(64, 4, 8),
		}),
		RegisteredNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dlsync",
			Name:        "registered_nodes",
			Help:        "Number of nodes ever registered with the coordinator.",
			ConstLabels: labels,
		}),
		ActiveNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dlsync",
			Name:        "active_nodes",
			Help:        "Number of nodes currently active.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(r.AggregationRounds, r.ViolationsPublished, r.BalancingSetSize, r.Divergence, r.MessageSize, r.RegisteredNodes, r.ActiveNodes)
	return r
}
