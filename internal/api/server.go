package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/rulestore"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. repo, cache and bus may be nil; the
// endpoints that need them then answer 503.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, categories *rulestore.Service, version string) *Server {
	handler := NewHandler(repo, cache, bus, engine, categories, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(middleware.RequestID)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// No mailbox required
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/rules", func(r chi.Router) {
		r.Get("/", handler.ListRules)
		r.Post("/", handler.CreateRule)
		r.Post("/reload", handler.ReloadRules)
		r.Post("/review", handler.ReviewRules)
		r.Get("/{name}", handler.GetRule)
		r.Put("/{name}", handler.UpdateRule)
		r.Delete("/{name}", handler.DeleteRule)
		r.Post("/{name}/enable", handler.EnableRule)
		r.Post("/{name}/disable", handler.DisableRule)
	})

	router.Group(func(r chi.Router) {
		r.Use(MailboxMiddleware)

		r.Post("/score", handler.Score)
		r.Post("/score/raw", handler.ScoreRaw)

		r.Get("/evaluations/{id}", handler.GetEvaluation)

		r.Get("/messages/{id}", handler.GetMessage)
		r.Get("/messages/{id}/evaluation", handler.GetMessageEvaluation)
		r.Post("/messages/{id}/rescore", handler.Rescore)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
