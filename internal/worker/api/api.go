// Package api is the business handler served behind the gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"acsui/internal/worker/extension"
	"acsui/pkg/model"
)

const (
	workersCacheKey = "acsui:workers"
	workersCacheTTL = 2 * time.Second
)

// Pinger reports liveness per backing connection.
type Pinger interface {
	Ping(ctx context.Context) map[string]error
}

type WorkerLister interface {
	ListWorkers(ctx context.Context) ([]*model.WorkerInfo, error)
}

// Cache holds rendered responses for a short while.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Launcher starts extension tasks.
type Launcher interface {
	Start(ctx context.Context, spec model.TaskSpec) (extension.Task, error)
}

type Handler struct {
	health   Pinger
	workers  WorkerLister
	cache    Cache
	launcher Launcher
	logger   *zap.Logger
}

// New routes
//
//	GET  /healthz          per-connection liveness, 503 when any is down
//	GET  /api/workers      workers registered in the cluster registry;
//	                       ?refresh=1 skips the cached copy
//	POST /api/extensions   start an extension task
//
// cache may be nil.
func New(health Pinger, workers WorkerLister, cache Cache, launcher Launcher, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		health:   health,
		workers:  workers,
		cache:    cache,
		launcher: launcher,
		logger:   logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /api/workers", h.handleWorkers)
	mux.HandleFunc("POST /api/extensions", h.handleStartExtension)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	members := make(map[string]string)
	for name, err := range h.health.Ping(ctx) {
		if err != nil {
			members[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		members[name] = "ok"
	}

	writeJSON(w, status, struct {
		Members map[string]string `json:"members"`
	}{members})
}

func (h *Handler) handleWorkers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.cache != nil && r.URL.Query().Get("refresh") != "" {
		if err := h.cache.Del(ctx, workersCacheKey); err != nil {
			h.logger.Warn("cache invalidation failed", zap.Error(err))
		}
	}
	if h.cache != nil {
		if body, ok, err := h.cache.Get(ctx, workersCacheKey); err != nil {
			h.logger.Warn("cache read failed", zap.Error(err))
		} else if ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "hit")
			_, _ = w.Write([]byte(body))
			return
		}
	}

	list, err := h.workers.ListWorkers(ctx)
	if err != nil {
		h.logger.Error("list workers", zap.Error(err))
		http.Error(w, "registry unavailable", http.StatusBadGateway)
		return
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Slot < list[j].Slot })

	body, err := json.Marshal(struct {
		Workers []*model.WorkerInfo `json:"workers"`
		Count   int                 `json:"count"`
	}{list, len(list)})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if h.cache != nil {
		if err := h.cache.Set(ctx, workersCacheKey, string(body), workersCacheTTL); err != nil {
			h.logger.Warn("cache write failed", zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", "miss")
	_, _ = w.Write(body)
}

func (h *Handler) handleStartExtension(w http.ResponseWriter, r *http.Request) {
	var spec model.TaskSpec
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&spec); err != nil {
		http.Error(w, "invalid task: "+err.Error(), http.StatusBadRequest)
		return
	}
	if spec.Name == "" || (len(spec.Command) == 0 && spec.Image == "") {
		http.Error(w, "task needs a name and a command or image", http.StatusBadRequest)
		return
	}

	task, err := h.launcher.Start(r.Context(), spec)
	switch {
	case errors.Is(err, extension.ErrClosed):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	case err != nil:
		h.logger.Error("start extension", zap.String("name", spec.Name), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, struct {
		ID string `json:"id"`
	}{task.ID()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
