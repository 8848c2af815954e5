// Package metrics registers the Prometheus collectors the core publishes.
// Following the teacher's internal/metrics package, collectors are
// registered once via promauto at package init and recorded from the
// component that owns the corresponding state transition.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PortAllocations counts port-registry allocation attempts by outcome:
	// success, failure, released.
	PortAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployer",
		Name:      "port_allocations_total",
		Help:      "Total port allocation outcomes by result.",
	}, []string{"result"})

	// PortsFree reports the current number of FREE slots in the pool.
	PortsFree = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "deployer",
		Name:      "ports_free",
		Help:      "Current number of unallocated ports in the pool.",
	})

	// AdmissionDecisions counts admission outcomes by Kind (admitted or one
	// of the rejection kinds from SPEC_FULL.md §7).
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployer",
		Name:      "admission_decisions_total",
		Help:      "Total admission decisions by outcome.",
	}, []string{"outcome"})

	// LeasesActive reports the current number of active leases.
	LeasesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "deployer",
		Name:      "leases_active",
		Help:      "Current number of active leases.",
	})

	// LeaseOperations counts lease lifecycle operations by kind and outcome.
	LeaseOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployer",
		Name:      "lease_operations_total",
		Help:      "Total lease operations by operation and outcome.",
	}, []string{"operation", "outcome"})

	// SweepDuration observes how long each maintenance sweep pass takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "deployer",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of each expiration sweep pass.",
		Buckets:   prometheus.DefBuckets,
	})

	// SweepReclaimed counts leases reclaimed per sweep pass.
	SweepReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deployer",
		Name:      "sweep_reclaimed_total",
		Help:      "Total leases reclaimed by the expiration sweep.",
	})

	// ResourceUsage reports the Resource Monitor's latest sample per dimension.
	ResourceUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "deployer",
		Name:      "resource_usage",
		Help:      "Current resource usage by dimension (containers, cpu_percent, memory_gb).",
	}, []string{"dimension"})

	// RateLimitRejections counts requests rejected by the ambient per-IP
	// token-bucket layer, before the windowed admission check runs.
	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deployer",
		Name:      "ratelimit_rejections_total",
		Help:      "Total requests rejected by the ambient per-IP rate limiter.",
	})
)
