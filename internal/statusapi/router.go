// Package statusapi provides an HTTP surface alongside the raw TCP IPC
// protocol: busy state, per-worker rows, packaging progress, and
// health, for operators and editor tooling that don't want to speak
// the binary wire protocol just to ask "is it busy". Packaging control
// (queue/start) also lives here rather than in the wire protocol,
// since spec.md never assigns it a message kind — the original
// engine's editor drove packaging as an out-of-band admin action, and
// this is this codebase's equivalent.
package statusapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/resourced/resourced/internal/config"
	"github.com/resourced/resourced/internal/scheduler"
	"github.com/resourced/resourced/internal/workerpool"
)

// version is set via -ldflags at build time.
var version = "dev"

// SetVersion sets the version string reported by /version.
func SetVersion(v string) { version = v }

// Server is the status and packaging-control HTTP server. Its GET
// handlers are snapshot reads; the POST /packaging/queue and
// /packaging/start handlers change the scheduler's packaging state.
type Server struct {
	cfg          *config.Config
	sched        *scheduler.Scheduler
	pool         *workerpool.Pool
	startedAt    time.Time
	lastFatalErr func() string

	router chi.Router
}

// NewServer constructs a Server. lastFatalErr surfaces the service
// lifecycle's last fatal startup error (if any) on /health, the
// supplemented "GetErrorMessage" feature.
func NewServer(cfg *config.Config, sched *scheduler.Scheduler, pool *workerpool.Pool, lastFatalErr func() string) *Server {
	s := &Server{
		cfg:          cfg,
		sched:        sched,
		pool:         pool,
		startedAt:    time.Now(),
		lastFatalErr: lastFatalErr,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)
	r.Get("/status", s.handleStatus)
	r.Get("/workers", s.handleWorkers)
	r.Get("/packaging", s.handlePackaging)
	r.Get("/maps", s.handleMaps)
	r.Post("/packaging/queue", s.handleQueueMap)
	r.Post("/packaging/start", s.handleStartPackaging)

	s.router = r
}

// Handler returns the HTTP handler to mount on an *http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}
