package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/telefold/telefold/pkg/anomaly"
	busmem "github.com/telefold/telefold/pkg/bus/memory"
	"github.com/telefold/telefold/pkg/ingest"
	"github.com/telefold/telefold/pkg/server/monitor"
	storemem "github.com/telefold/telefold/pkg/store/memory"
	"github.com/telefold/telefold/pkg/validate"
)

func newHealthHandler(t *testing.T) (http.HandlerFunc, *monitor.RollupMonitor, *monitor.RollupMonitor) {
	t.Helper()
	b := busmem.New()
	st := storemem.New()
	t.Cleanup(func() {
		b.Close()
		st.Close()
	})

	v := validate.New(2*time.Minute, 15*time.Minute)
	coord := ingest.New(b, st, v, anomaly.New(anomaly.Config{}), nil, nil, ingest.Config{Workers: 2})

	m5 := monitor.NewRollupMonitor(time.Hour)
	m1h := monitor.NewRollupMonitor(time.Hour)
	return handleHealth(coord, m5, m1h), m5, m1h
}

func TestHandleHealth_DegradedUntilRollupsSucceed(t *testing.T) {
	h, m5, m1h := newHealthHandler(t)

	// No rollup has ever succeeded: the service reports degraded.
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "degraded", resp.Status)
	require.False(t, resp.Rollup5m.Healthy)
	require.False(t, resp.Rollup1h.Healthy)

	m5.RecordSuccess()
	m1h.RecordSuccess()

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp.Status)
}

func TestHandleHealth_ReportsPartitionsAndLag(t *testing.T) {
	h, m5, m1h := newHealthHandler(t)
	m5.RecordSuccess()
	m1h.RecordSuccess()

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	// One entry per partition worker, zeroed while nothing is flowing.
	require.Len(t, resp.Partitions, 2)
	for i, p := range resp.Partitions {
		require.Equal(t, i, p.ID)
		require.Zero(t, p.OpenBuckets)
		require.Zero(t, p.Backlog)
	}

	// The coordinator is not consuming, so lag is unknown.
	require.Equal(t, -1, resp.ConsumerLag)
	require.NotEmpty(t, resp.Uptime)
}
