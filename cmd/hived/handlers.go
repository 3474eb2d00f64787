package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
	"github.com/rzpsarthak13/hive/internal/health"
	"github.com/rzpsarthak13/hive/internal/planner"
	"github.com/rzpsarthak13/hive/pkg/hive"
)

// handler serves the placement API of one dimension. monitor, job and
// drainer are optional.
type handler struct {
	hive    *hive.Hive
	monitor *health.Monitor
	job     *hive.RebalanceJob
	drainer *hive.Drainer
	log     *zap.SugaredLogger
}

func (h *handler) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/resolve/{key}", h.resolve).Methods(http.MethodGet)
	r.HandleFunc("/resolve/{resource}/{index}/{key}", h.resolveSecondary).Methods(http.MethodGet)
	r.HandleFunc("/statistics", h.statistics).Methods(http.MethodGet)
	r.HandleFunc("/plan", h.plan).Methods(http.MethodGet)
	r.HandleFunc("/rebalance", h.rebalance).Methods(http.MethodPost)
	return r
}

type nodeHealthResponse struct {
	ID               core.NodeID `json:"id"`
	Name             string      `json:"name"`
	Status           string      `json:"status"`
	LastCheck        time.Time   `json:"last_check"`
	ConsecutiveFails int         `json:"consecutive_fails"`
}

type drainerResponse struct {
	Running  bool   `json:"running"`
	InFlight int    `json:"in_flight"`
	Applied  uint64 `json:"applied"`
	Retried  uint64 `json:"retried"`
	Dropped  uint64 `json:"dropped"`
}

type healthResponse struct {
	Status    string               `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
	Dimension string               `json:"dimension"`
	Revision  core.Revision        `json:"revision"`
	Semaphore core.Status          `json:"semaphore"`
	Nodes     []nodeHealthResponse `json:"nodes,omitempty"`
	Drainer   *drainerResponse     `json:"drainer,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	snap, err := h.hive.Snapshot(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}

	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Dimension: h.hive.Name(),
		Revision:  snap.Revision(),
		Semaphore: snap.Semaphore.Status,
	}
	if h.monitor != nil {
		for _, n := range snap.Dimension.Nodes {
			nh, ok := h.monitor.NodeHealth(n.ID)
			if !ok {
				nh = health.NodeHealth{NodeID: n.ID, Name: n.Name, Status: health.StatusUnknown}
			}
			if nh.Status == health.StatusUnhealthy {
				resp.Status = "degraded"
			}
			resp.Nodes = append(resp.Nodes, nodeHealthResponse{
				ID:               n.ID,
				Name:             n.Name,
				Status:           nh.Status,
				LastCheck:        nh.LastCheck,
				ConsecutiveFails: nh.ConsecutiveFails,
			})
		}
	}
	if h.drainer != nil {
		st := h.drainer.Stats()
		resp.Drainer = &drainerResponse{
			Running:  h.drainer.IsRunning(),
			InFlight: h.drainer.InFlight(),
			Applied:  st.Applied,
			Retried:  st.Retried,
			Dropped:  st.Dropped,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) resolve(w http.ResponseWriter, r *http.Request) {
	key := core.Key(mux.Vars(r)["key"])
	nodes, err := h.hive.Resolve(r.Context(), key)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "nodes": nodes})
}

func (h *handler) resolveSecondary(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	keys, err := h.hive.ResolveSecondary(r.Context(), vars["resource"], vars["index"], core.Key(vars["key"]))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (h *handler) statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.hive.NodeStatistics(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type planResponse struct {
	Balanced          bool             `json:"balanced"`
	EstimatedDuration string           `json:"estimated_duration"`
	Migrations        []core.Migration `json:"migrations"`
}

func planResponseOf(p planner.Plan) planResponse {
	migrations := p.Migrations
	if migrations == nil {
		migrations = []core.Migration{}
	}
	return planResponse{
		Balanced:          p.Balanced,
		EstimatedDuration: p.EstimatedDuration.String(),
		Migrations:        migrations,
	}
}

func (h *handler) plan(w http.ResponseWriter, r *http.Request) {
	p, err := h.hive.PlanMoves(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, planResponseOf(p))
}

func (h *handler) rebalance(w http.ResponseWriter, r *http.Request) {
	if h.job == nil {
		http.Error(w, "rebalancing is not configured", http.StatusNotImplemented)
		return
	}
	res, err := h.job.Run(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":       res.ID,
		"enqueued": res.Enqueued,
		"plan":     planResponseOf(res.Plan),
	})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrReadOnly),
		errors.Is(err, core.ErrStaleMetadata),
		errors.Is(err, hive.ErrRebalanceInProgress):
		return http.StatusConflict
	case errors.Is(err, core.ErrConnectionFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		h.log.Errorw("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
