package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/orchestrator/store"
)

func TestCollectorCounters(t *testing.T) {
	c := New(nil)

	c.ExecutionFinished("completed")
	c.ExecutionFinished("completed")
	c.ExecutionFinished("failed")
	c.StepDispatched("http_call")
	c.StepFinished("timeout")
	c.EventRouted("matched")
	c.SweepTimeout()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.executionsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsFinished.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsDispatched.WithLabelValues("http_call")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsFinished.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsRouted.WithLabelValues("matched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sweepTimeouts))
}

func TestBreakerGauge(t *testing.T) {
	t.Run("nil breaker reads closed", func(t *testing.T) {
		c := New(nil)
		assert.Equal(t, 0.0, testutil.ToFloat64(c.breakerState))
	})

	t.Run("tripped breaker reads open", func(t *testing.T) {
		breaker := store.NewCircuitBreaker(1, 1, time.Minute)
		c := New(breaker)
		assert.Equal(t, 0.0, testutil.ToFloat64(c.breakerState))

		breaker.RecordFailure()
		assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerState))
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	c := New(nil)
	c.ExecutionFinished("completed")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "orchestrator_executions_finished_total"))
}
