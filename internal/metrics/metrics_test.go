package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestSagaCounters(t *testing.T) {
	m := New("test")
	m.SagaStarted("create")
	m.SagaStarted("cancel")
	m.SagaFinished("create", "ok", time.Second)
	m.ExternalCall("swap", errors.New("boom"), time.Millisecond)

	out := scrape(t, m)
	assert.Contains(t, out, `test_saga_started_total{kind="create"} 1`)
	assert.Contains(t, out, `test_saga_finished_total{kind="create",result="ok"} 1`)
	assert.Contains(t, out, "test_saga_inflight 1")
	assert.Contains(t, out, `test_external_calls_total{result="error",step="swap"} 1`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SagaStarted("create")
	m.Reconcile("create", "borrow")
	m.HTTPRequest("GET", 200, time.Millisecond)
	assert.NotNil(t, m.Handler())
}

func TestPriceUpdates(t *testing.T) {
	m := New("test")
	m.PriceUpdates(3)
	assert.Contains(t, scrape(t, m), "test_oracle_price_updates_total 3")
}
