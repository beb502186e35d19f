// Package admin serves the operational HTTP surface: Prometheus metrics,
// broker health and RPC statistics.
package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BrentGruber/Basidia/internal/logger"
	"github.com/BrentGruber/Basidia/internal/stats"
)

// HealthChecker reports broker availability
type HealthChecker interface {
	IsConnected() bool
}

// Handler holds the dependencies of the admin endpoints
type Handler struct {
	broker HealthChecker
	stats  *stats.StatsCollector
	logger *logger.Logger
}

// NewHandler creates the admin handler. stats may be nil.
func NewHandler(b HealthChecker, st *stats.StatsCollector, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{broker: b, stats: st, logger: log}
}

// NewRouter mounts /healthz, /stats and, when reg is non-nil, the metrics
// endpoint at metricsPath
func NewRouter(h *Handler, reg *prometheus.Registry, metricsPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.loggingMiddleware)

	r.Get("/healthz", h.health)
	r.Get("/stats", h.statistics)

	if reg != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))
	}
	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	if h.broker == nil || !h.broker.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "broker disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) statistics(w http.ResponseWriter, _ *http.Request) {
	if h.stats == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "stats disabled"})
		return
	}
	snapshot := h.stats.GetStats()
	snapshot["request_rate"] = h.stats.CalculateRate()
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestId", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
