package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"

	"github.com/ecotrace/sensorvault/pkg/dataset"
	"github.com/ecotrace/sensorvault/pkg/obs"
	"github.com/ecotrace/sensorvault/pkg/quality"
	"github.com/ecotrace/sensorvault/pkg/reading"
	"github.com/ecotrace/sensorvault/pkg/server/monitor"
	"github.com/ecotrace/sensorvault/pkg/uptime"
)

type testServer struct {
	handler      *Handler
	consolidator *dataset.Consolidator
	passMonitor  *monitor.ConsolidationMonitor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dir := t.TempDir()
	store, err := dataset.NewStore(dir)
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	consolidator := dataset.NewConsolidator(store, 0, node)

	passMonitor := monitor.NewConsolidationMonitor(time.Hour)
	handler := NewHandler(
		consolidator,
		uptime.NewEngine(quality.DefaultRules()),
		obs.NewMetrics(),
		NewEventHub(),
		passMonitor,
		monitor.NewStorageMonitor(dir, 0),
	)
	return &testServer{handler: handler, consolidator: consolidator, passMonitor: passMonitor}
}

func (ts *testServer) buildDataset(t *testing.T, source string, rows []reading.Reading) {
	t.Helper()
	_, err := ts.consolidator.Build(context.Background(), source, rows)
	require.NoError(t, err)
}

func (ts *testServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	ts.handler.Router().ServeHTTP(rec, req)
	return rec
}

func sensorRows(group string, start time.Time, step time.Duration, count int) []reading.Reading {
	rows := make([]reading.Reading, 0, count)
	for i := 0; i < count; i++ {
		rows = append(rows, reading.Reading{
			GroupKey:  group,
			Timestamp: start.Add(time.Duration(i) * step),
			Metrics:   map[string]float64{"temperature_c": 20 + float64(i)/10},
			Source:    "pull-1",
			Quality:   reading.TagOK,
		})
	}
	return rows
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)

	// No successful pass yet: unhealthy.
	rec := ts.get(t, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ts.passMonitor.RecordSuccess()
	rec = ts.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "consolidation")
	require.Contains(t, body, "storage")
}

func TestHandleListDatasets(t *testing.T) {
	ts := newTestServer(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ts.buildDataset(t, "city-weather", sensorRows("S1", start, 15*time.Minute, 4))

	rec := ts.get(t, "/api/v1/datasets")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Datasets []struct {
			Source string `json:"source"`
			State  string `json:"state"`
		} `json:"datasets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Datasets, 1)
	require.Equal(t, "city-weather", body.Datasets[0].Source)
	require.Equal(t, "ready", body.Datasets[0].State)
}

func TestHandleDataset(t *testing.T) {
	ts := newTestServer(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ts.buildDataset(t, "city-weather", sensorRows("S1", start, 15*time.Minute, 4))

	rec := ts.get(t, "/api/v1/datasets/city-weather")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Source   string           `json:"source"`
		State    string           `json:"state"`
		Metadata dataset.Metadata `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "city-weather", body.Source)
	require.Equal(t, 4, body.Metadata.RowCount)
	require.Equal(t, start, body.Metadata.TimeRange.Start)
}

func TestHandleDataset_NotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get(t, "/api/v1/datasets/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleVersions(t *testing.T) {
	ts := newTestServer(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ts.buildDataset(t, "city-weather", sensorRows("S1", start, 15*time.Minute, 4))

	rec := ts.get(t, "/api/v1/datasets/city-weather/versions")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Versions []dataset.Version `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Versions, 1)

	rec = ts.get(t, "/api/v1/datasets/nope/versions")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleUptime(t *testing.T) {
	ts := newTestServer(t)
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	// 12 of 16 15-minute intervals covered over 4 hours.
	ts.buildDataset(t, "city-weather", sensorRows("S1", start, 15*time.Minute, 12))

	rec := ts.get(t, "/api/v1/datasets/city-weather/uptime?group=S1&start=2026-03-01T08:00:00Z&end=2026-03-01T12:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)

	var report uptime.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, "S1", report.GroupKey)
	require.Equal(t, 16, report.ExpectedIntervals)
	require.Equal(t, 12, report.CoveredIntervals)
	require.Equal(t, 75.0, report.UptimePercent)
}

func TestHandleUptime_BadRequests(t *testing.T) {
	ts := newTestServer(t)
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ts.buildDataset(t, "city-weather", sensorRows("S1", start, 15*time.Minute, 4))

	rec := ts.get(t, "/api/v1/datasets/city-weather/uptime")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.get(t, "/api/v1/datasets/city-weather/uptime?group=S1&start=yesterday")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.get(t, "/api/v1/datasets/nope/uptime?group=S1")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}
