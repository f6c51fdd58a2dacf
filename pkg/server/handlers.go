// Package server exposes the consolidated datasets read-only over HTTP:
// dataset metadata, uptime reports, pass health, Prometheus metrics and a
// WebSocket event stream. It never writes datasets; the consolidator owns
// those exclusively.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ecotrace/sensorvault/pkg/dataset"
	"github.com/ecotrace/sensorvault/pkg/httpx"
	"github.com/ecotrace/sensorvault/pkg/obs"
	"github.com/ecotrace/sensorvault/pkg/server/monitor"
	"github.com/ecotrace/sensorvault/pkg/uptime"
)

// Handler serves the read API over a dataset store.
type Handler struct {
	store          *dataset.Store
	consolidator   *dataset.Consolidator
	engine         *uptime.Engine
	metrics        *obs.Metrics
	hub            *EventHub
	passMonitor    *monitor.ConsolidationMonitor
	storageMonitor *monitor.StorageMonitor
}

// NewHandler wires the read API.
func NewHandler(
	consolidator *dataset.Consolidator,
	engine *uptime.Engine,
	metrics *obs.Metrics,
	hub *EventHub,
	passMonitor *monitor.ConsolidationMonitor,
	storageMonitor *monitor.StorageMonitor,
) *Handler {
	return &Handler{
		store:          consolidator.Store(),
		consolidator:   consolidator,
		engine:         engine,
		metrics:        metrics,
		hub:            hub,
		passMonitor:    passMonitor,
		storageMonitor: storageMonitor,
	}
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/datasets", h.HandleListDatasets).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/datasets/{source}", h.HandleDataset).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/datasets/{source}/versions", h.HandleVersions).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/datasets/{source}/uptime", h.HandleUptime).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/events", h.hub.HandleEvents).Methods(http.MethodGet)
	r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	return r
}

// HandleHealth reports pass health and store usage.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.passMonitor.Status()
	usage, _ := h.storageMonitor.GetUsage()

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	httpx.RespondJSON(w, code, map[string]interface{}{
		"consolidation": status,
		"storage": map[string]int64{
			"used_bytes":  usage,
			"limit_bytes": h.storageMonitor.GetLimit(),
		},
	})
}

// HandleListDatasets lists built datasets with their lifecycle state.
func (h *Handler) HandleListDatasets(w http.ResponseWriter, r *http.Request) {
	sources, err := h.store.Sources()
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	type entry struct {
		Source string        `json:"source"`
		State  dataset.State `json:"state"`
	}
	list := make([]entry, 0, len(sources))
	for _, src := range sources {
		list = append(list, entry{Source: src, State: h.consolidator.State(src)})
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{"datasets": list})
}

// HandleDataset returns one dataset's metadata record.
func (h *Handler) HandleDataset(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	meta, err := h.store.Metadata(source)
	if err != nil {
		if errors.Is(err, dataset.ErrDatasetMissing) {
			httpx.RespondError(w, http.StatusNotFound, err)
			return
		}
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"source":   source,
		"state":    h.consolidator.State(source),
		"metadata": meta,
	})
}

// HandleVersions lists a dataset's snapshots.
func (h *Handler) HandleVersions(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	if !h.store.Exists(source) {
		httpx.RespondErrorString(w, http.StatusNotFound, fmt.Sprintf("dataset %q does not exist", source))
		return
	}
	versions, err := h.store.Versions(source)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"source":   source,
		"versions": versions,
	})
}

// HandleUptime computes an uptime report for ?group=&start=&end=. Start and
// end are RFC 3339; end defaults to now and start to end minus 24h.
func (h *Handler) HandleUptime(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	group := r.URL.Query().Get("group")
	if group == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "group parameter is required")
		return
	}

	end := time.Now().UTC()
	if raw := r.URL.Query().Get("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, "invalid end time: "+err.Error())
			return
		}
		end = parsed.UTC()
	}
	start := end.Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, "invalid start time: "+err.Error())
			return
		}
		start = parsed.UTC()
	}

	rows, err := h.store.Rows(source)
	if err != nil {
		if errors.Is(err, dataset.ErrDatasetMissing) {
			httpx.RespondError(w, http.StatusNotFound, err)
			return
		}
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	report := h.engine.Compute(rows, group, start, end)
	httpx.RespondJSON(w, http.StatusOK, report)
}
