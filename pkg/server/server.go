// Package server is the HTTP gateway in front of the automation
// engine. It translates job submissions into scheduler calls, maps the
// engine's error taxonomy onto HTTP status codes, and exposes health
// and metrics endpoints. All orchestration logic lives behind it; the
// handlers are thin.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/entrhq/browserd/pkg/cache"
	"github.com/entrhq/browserd/pkg/config"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/pool"
	"github.com/entrhq/browserd/pkg/scheduler"
)

// Server hosts the browserd HTTP API.
type Server struct {
	cfg     config.Config
	sched   *scheduler.Scheduler
	pool    *pool.Manager
	cache   *cache.Cache
	urls    *URLValidator
	metrics *Metrics
	log     *logging.Logger
	httpSrv *http.Server
}

// New wires the gateway. The URL allowlist is compiled once at
// startup; invalid patterns fail fast.
func New(cfg config.Config, sched *scheduler.Scheduler, p *pool.Manager, log *logging.Logger) (*Server, error) {
	urls, err := NewURLValidator(cfg.AllowedURLPatterns)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		sched:   sched,
		pool:    p,
		cache:   cache.New(cfg.Batch.CacheTTL.D()),
		urls:    urls,
		metrics: newMetrics(sched, p),
		log:     log,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Metrics returns the server's metrics, so the engine can report job
// completions into them.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler builds the router. Exposed separately for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleCancel)
	})
	r.Post("/update", s.handleUpdate)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	return r
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Infof("listening on %s", s.cfg.Listen)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
