package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cuwrap_endpoint_responses_total",
		Help: "The total number of endpoint responses",
	}, []string{"endpoint", "status_code"})

	// Device memory
	Allocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cuwrap_allocations_total",
		Help: "Total number of device allocations",
	})

	AllocationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cuwrap_allocation_failures_total",
		Help: "Total number of failed device allocations by reason",
	}, []string{"reason"})

	DeviceBytesLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cuwrap_device_bytes_live",
		Help: "Device memory currently held by live handles in bytes",
	})

	LiveHandles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cuwrap_live_handles",
		Help: "Number of live device memory handles",
	})

	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cuwrap_transfer_bytes_total",
		Help: "Bytes moved by transfers, by direction (h2d, d2h, d2d, memset)",
	}, []string{"direction"})

	// Dispatch
	RoutineInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cuwrap_routine_invocations_total",
		Help: "Total number of routine invocations by routine and outcome",
	}, []string{"routine", "status"})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cuwrap_sync_duration_seconds",
		Help:    "Time spent blocked in stream synchronization",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 12), // 10us to ~42s
	})

	TeardownFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cuwrap_teardown_failures_total",
		Help: "Total number of individual failures aggregated during context teardown",
	})
)
