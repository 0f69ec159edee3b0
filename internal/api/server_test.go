package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"activityharvest/internal/logging"
	"activityharvest/pkg/types"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestServerHandlers(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "harvest_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	runs := NewRunTracker()
	server := NewServer(runs, fakePinger{}, reg, logging.Discard())
	h := server.Router()

	assertRoute(t, h, http.MethodGet, "/health", http.StatusOK, "application/json")
	assertRoute(t, h, http.MethodGet, "/api/runs", http.StatusOK, "application/json")
	body := assertRoute(t, h, http.MethodGet, "/metrics", http.StatusOK, "")
	require.Contains(t, body, "harvest_test_total 1")
	assertRoute(t, h, http.MethodGet, "/api/runs/missing", http.StatusNotFound, "")
}

func TestHealthReportsDatabaseFailure(t *testing.T) {
	server := NewServer(NewRunTracker(), fakePinger{err: errors.New("connection refused")}, nil, logging.Discard())
	body := assertRoute(t, server.Router(), http.MethodGet, "/health", http.StatusServiceUnavailable, "application/json")

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	require.Equal(t, "degraded", payload["status"])
	require.Equal(t, "connection refused", payload["database"])
}

func TestRunTrackerLifecycle(t *testing.T) {
	runs := NewRunTracker()
	clock := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	runs.now = func() time.Time { return clock }

	runs.RunStarted("r1", 0, types.JobRange{Offset: 0, Limit: 10, WorkerCount: 2})
	clock = clock.Add(time.Second)
	runs.RunStarted("r2", 1, types.JobRange{Offset: 10, Limit: 10, WorkerID: 1, WorkerCount: 2})

	run, ok := runs.Get("r1")
	require.True(t, ok)
	require.Equal(t, RunStatusRunning, run.Status)
	require.Nil(t, run.CompletedAt)

	runs.RunFinished("r1", types.RunSummary{Batches: 1, Athletes: 4, Inserted: 7}, nil)
	runs.RunFinished("r2", types.RunSummary{Batches: 1, FailedBatches: 1}, errors.New("count users: boom"))
	runs.RunFinished("unknown", types.RunSummary{}, nil)

	list := runs.List()
	require.Len(t, list, 2)
	require.Equal(t, "r1", list[0].RunID)
	require.Equal(t, RunStatusCompleted, list[0].Status)
	require.Equal(t, 7, list[0].Inserted)
	require.NotNil(t, list[0].CompletedAt)
	require.Equal(t, RunStatusFailed, list[1].Status)
	require.Equal(t, "count users: boom", list[1].Error)
	require.Equal(t, 1, list[1].FailedBatches)

	h := NewServer(runs, nil, nil, logging.Discard()).Router()
	body := assertRoute(t, h, http.MethodGet, "/api/runs/r2", http.StatusOK, "application/json")
	var got RunSummary
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Equal(t, int64(10), got.Offset)
	require.Equal(t, RunStatusFailed, got.Status)
}

func assertRoute(t *testing.T, h http.Handler, method, path string, wantStatus int, wantContentType string) string {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equalf(t, wantStatus, rr.Code, "%s %s body=%s", method, path, rr.Body.String())
	if wantContentType != "" {
		require.Equal(t, wantContentType, rr.Header().Get("Content-Type"))
	}
	require.NotZero(t, rr.Body.Len(), "%s %s: expected non-empty body", method, path)
	return rr.Body.String()
}
