// Package api serves the observer-facing HTTP API: session status, reset, container
// levels and a live server-sent event feed.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rewired-gh/recyclekiosk/internal/bus"
	"github.com/rewired-gh/recyclekiosk/internal/logger"
	"github.com/rewired-gh/recyclekiosk/internal/models"
	"github.com/rewired-gh/recyclekiosk/internal/session"
	"github.com/rewired-gh/recyclekiosk/internal/vision"
)

// ContainerLister returns the latest container readings.
type ContainerLister interface {
	Containers() []models.ContainerTelemetry
}

// Options wires the server to the rest of the kiosk. Latency and Metrics are optional.
type Options struct {
	Session     *session.Session
	Bus         *bus.Bus
	Containers  ContainerLister
	Latency     func() vision.LatencySummary
	Metrics     http.Handler
	EventBuffer int
	Heartbeat   time.Duration
}

// Server holds the API handlers.
type Server struct {
	opts Options
}

func NewServer(opts Options) *Server {
	if opts.EventBuffer < 1 {
		opts.EventBuffer = 32
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	return &Server{opts: opts}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/ping", s.handlePing)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/reset", s.handleReset)
		r.Get("/containers", s.handleContainers)
		r.Get("/events", s.handleEvents)
	})
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}

	return r
}

// requestLogger logs each request through the kiosk logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debug("[api] %s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
