// Package api serves the operational HTTP surface: health, metrics, and a
// status view of the camera workers.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/technosupport/kvs-infer/internal/metrics"
	"github.com/technosupport/kvs-infer/internal/worker"
)

const serviceName = "kvs-infer"

// StatusSource exposes worker state to the status endpoints.
type StatusSource interface {
	Statuses() []worker.Status
	PublisherStats() map[string]any
	Healthy() bool
}

// Server is the operational HTTP server.
type Server struct {
	source StatusSource
	log    *zap.Logger
	runID  string
	start  time.Time
}

// NewServer builds the server. runID identifies this process instance in
// status responses.
func NewServer(source StatusSource, runID string, log *zap.Logger) *Server {
	return &Server{
		source: source,
		log:    log.Named("api"),
		runID:  runID,
		start:  time.Now(),
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return r
}

// Listen runs the HTTP server until the listener fails or is closed.
func (s *Server) Listen(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("http server listening", zap.String("addr", addr))
	return srv.ListenAndServe()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": serviceName,
	})
}

type statusResponse struct {
	Service       string          `json:"service"`
	RunID         string          `json:"run_id"`
	Healthy       bool            `json:"healthy"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	Cameras       []worker.Status `json:"cameras"`
	Publishers    map[string]any  `json:"publishers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Service:       serviceName,
		RunID:         s.runID,
		Healthy:       s.source.Healthy(),
		UptimeSeconds: time.Since(s.start).Seconds(),
		Cameras:       s.source.Statuses(),
		Publishers:    s.source.PublisherStats(),
	}
	writeJSON(w, http.StatusOK, resp)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>kvs-infer</title></head>
<body>
<h1>kvs-infer</h1>
<ul>
<li><a href="/healthz">/healthz</a></li>
<li><a href="/status">/status</a></li>
<li><a href="/metrics">/metrics</a></li>
</ul>
</body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
