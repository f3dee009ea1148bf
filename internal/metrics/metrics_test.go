package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestDeviceMemoryMetrics(t *testing.T) {
	t.Run("Allocations", func(t *testing.T) {
		before := testutil.ToFloat64(Allocations)
		Allocations.Inc()
		Allocations.Inc()
		assert.Equal(t, before+2, testutil.ToFloat64(Allocations))
	})

	t.Run("DeviceBytesLive", func(t *testing.T) {
		before := testutil.ToFloat64(DeviceBytesLive)
		DeviceBytesLive.Add(4096)
		assert.Equal(t, before+4096, testutil.ToFloat64(DeviceBytesLive))
		DeviceBytesLive.Sub(4096)
		assert.Equal(t, before, testutil.ToFloat64(DeviceBytesLive))
	})

	t.Run("TransferBytes", func(t *testing.T) {
		before := testutil.ToFloat64(TransferBytes.WithLabelValues("h2d"))
		TransferBytes.WithLabelValues("h2d").Add(1024)
		assert.Equal(t, before+1024, testutil.ToFloat64(TransferBytes.WithLabelValues("h2d")))
	})

	t.Run("SyncDuration", func(t *testing.T) {
		assert.NotPanics(t, func() {
			SyncDuration.Observe(0.002)
		})
	})
}

func TestMetricsRegistration(t *testing.T) {
	metrics := []prometheus.Collector{
		EndpointResponses,
		Allocations,
		AllocationFailures,
		DeviceBytesLive,
		LiveHandles,
		TransferBytes,
		RoutineInvocations,
		SyncDuration,
		TeardownFailures,
	}

	for _, metric := range metrics {
		// promauto registered them already; registering again must collide
		err := prometheus.Register(metric)
		assert.Error(t, err)
		_, ok := err.(prometheus.AlreadyRegisteredError)
		assert.True(t, ok)
	}
}

func TestMiddleware(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), "/status")

	before := testutil.ToFloat64(EndpointResponses.WithLabelValues("/status", "418"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(EndpointResponses.WithLabelValues("/status", "418")))
}
