package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.ObserveConnectorCall("BROWSER", "NAVIGATE", true, 20*time.Millisecond)
	c.ObserveConnectorCall("BROWSER", "NAVIGATE", false, time.Second)
	c.ObserveFire("GMAIL", true)
	c.ObserveTick(3, time.Millisecond)
	c.ObserveTick(4, time.Millisecond)
	c.ObserveCommand("list workflows", true)
	c.ObserveCommand("", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectorCalls.WithLabelValues("BROWSER", "NAVIGATE", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectorCalls.WithLabelValues("BROWSER", "NAVIGATE", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fires.WithLabelValues("GMAIL", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ticks))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.workflows))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commands.WithLabelValues("empty", "failure")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.ObserveFire("BROWSER", false)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `flowagent_scheduler_fires_total{connector="BROWSER",result="failure"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
