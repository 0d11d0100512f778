package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusHandlerExposesMetrics(t *testing.T) {
	p := NewPrometheus("indexer_agent")
	p.Increment(ExecutorCycles)
	p.Add(ExecutorClaimed, 3)
	p.Duration(ExecutorCycleDuration, 150*time.Millisecond)
	p.Gauge(ExecutorPending, 2)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `indexer_agent_events_total{name="executor_claimed"} 3`)
	assert.Contains(t, string(body), `indexer_agent_events_total{name="executor_cycles"} 1`)
	assert.Contains(t, string(body), `indexer_agent_gauge{name="executor_pending"} 2`)
	assert.Contains(t, string(body), `indexer_agent_duration_seconds_count{name="executor_cycle_duration"} 1`)
}
