// Package handler exposes the compiler service over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/automaton"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/automaton/enhancer"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/compiler"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/compiler/cache"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/pkg/logger"
)

type Compiler interface {
	Compile(ctx context.Context, query string) (*compiler.Result, error)
	Resolve(ctx context.Context, query string, index int) (*compiler.Resolution, error)
}

// PlanCache is the cache administration surface; *cache.PlanCache
// satisfies it.
type PlanCache interface {
	Stats(ctx context.Context) cache.Stats
	Invalidate(ctx context.Context) (int64, error)
}

type Handler struct {
	compiler Compiler
	cache    PlanCache
	logger   *slog.Logger
}

// New returns a Handler. planCache may be nil when caching is disabled.
func New(c Compiler, planCache PlanCache) *Handler {
	return &Handler{
		compiler: c,
		cache:    planCache,
		logger:   slog.Default().With("component", "compile-handler"),
	}
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/compile", h.Compile)
	mux.HandleFunc("GET /api/v1/compile/resolve", h.Resolve)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
}

type compileResponse struct {
	Query       string            `json:"query"`
	Groups      []automaton.Group `json:"groups"`
	Resolutions []resolution      `json:"resolutions"`
	Stats       automaton.Stats   `json:"stats"`
	CacheHit    bool              `json:"cache_hit"`
	TookMicros  int64             `json:"took_us"`
}

type resolution struct {
	Index int            `json:"index"`
	Span  enhancer.Range `json:"span"`
}

func (h *Handler) Compile(w http.ResponseWriter, r *http.Request) {
	query, ok := h.queryParam(w, r)
	if !ok {
		return
	}
	result, err := h.compiler.Compile(r.Context(), query)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	plan := result.Plan
	resolutions := make([]resolution, 0, plan.Stats.Automatons)
	for i := 0; i < plan.Stats.Automatons; i++ {
		if span, ok := plan.Resolve(i); ok {
			resolutions = append(resolutions, resolution{Index: i, Span: span})
		}
	}
	h.writeJSON(w, http.StatusOK, compileResponse{
		Query:       plan.Query,
		Groups:      plan.Groups,
		Resolutions: resolutions,
		Stats:       plan.Stats,
		CacheHit:    result.CacheHit,
		TookMicros:  result.Took.Microseconds(),
	})
}

func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	query, ok := h.queryParam(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil || index < 0 {
		h.writeError(w, http.StatusBadRequest, "index must be a non-negative integer")
		return
	}
	res, err := h.compiler.Resolve(r.Context(), query, index)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	h.writeJSON(w, http.StatusOK, h.cache.Stats(r.Context()))
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}
	deleted, err := h.cache.Invalidate(r.Context())
	if err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "deleted": deleted})
}

// queryParam reads q verbatim. Whitespace is significant: a trailing space
// turns prefix matching of the last word off.
func (h *Handler) queryParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	values, ok := r.URL.Query()["q"]
	if !ok || len(values) == 0 || values[0] == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return "", false
	}
	return values[0], true
}

func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := apperrors.Describe(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("compile request failed", "error", err)
	}
	h.writeError(w, status, msg)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
