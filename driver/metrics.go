package driver

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors are created unregistered; use RegisterMetrics to expose them.
var (
	metricsFactory = promauto.With(nil)

	metricContextsAlive = metricsFactory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gocudriver_contexts_alive",
		Help: "Number of contexts created and not yet destroyed",
	}, []string{"backend"})

	metricAllocations = metricsFactory.NewCounterVec(prometheus.CounterOpts{
		Name: "gocudriver_allocations_total",
		Help: "Total number of device memory allocations",
	}, []string{"backend"})

	metricMemoryInUse = metricsFactory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gocudriver_device_memory_in_use_bytes",
		Help: "Device memory currently allocated through the driver, in bytes",
	}, []string{"backend"})

	metricCopiedBytes = metricsFactory.NewCounterVec(prometheus.CounterOpts{
		Name: "gocudriver_copied_bytes_total",
		Help: "Total bytes copied, by direction",
	}, []string{"backend", "direction"})

	metricLaunches = metricsFactory.NewCounterVec(prometheus.CounterOpts{
		Name: "gocudriver_launches_total",
		Help: "Total number of kernel launches, by kernel",
	}, []string{"backend", "kernel"})

	metricLaunchFailures = metricsFactory.NewCounterVec(prometheus.CounterOpts{
		Name: "gocudriver_launch_failures_total",
		Help: "Total number of launch failures, including faults reported at synchronization",
	}, []string{"backend"})

	metricSynchronizeSeconds = metricsFactory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gocudriver_synchronize_duration_seconds",
		Help:    "Time spent waiting in Context.Synchronize",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12), // 1us to ~4s
	}, []string{"backend"})
)

func allMetrics() []prometheus.Collector {
	return []prometheus.Collector{
		metricContextsAlive, metricAllocations, metricMemoryInUse, metricCopiedBytes,
		metricLaunches, metricLaunchFailures, metricSynchronizeSeconds,
	}
}

// RegisterMetrics registers the driver's prometheus collectors with reg.
// Metrics are collected whether or not they are registered.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range allMetrics() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return errors.Wrapf(err, "failed to register driver metrics")
		}
	}
	return nil
}
