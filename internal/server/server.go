package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/Belfering/QuantNexus-sub004/internal/config"
	"github.com/Belfering/QuantNexus-sub004/internal/pricestore"
	"github.com/Belfering/QuantNexus-sub004/internal/shard"
)

// Config holds server configuration.
type Config struct {
	Log        zerolog.Logger
	Cfg        *config.Config
	PriceStore *pricestore.Store
	Shards     *shard.Store
	Port       int
	DevMode    bool
}

// Server is the HTTP ingress surface over the evaluation/sweep core.
type Server struct {
	router     *chi.Mux
	server     *http.Server
	log        zerolog.Logger
	cfg        *config.Config
	priceStore *pricestore.Store
	shards     *shard.Store
	sweeps     *sweepRegistry
}

// New builds a Server bound to cfg's dependencies and wires its routes.
func New(cfg Config) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		log:        cfg.Log.With().Str("component", "server").Logger(),
		cfg:        cfg.Cfg,
		priceStore: cfg.PriceStore,
		shards:     cfg.Shards,
		sweeps:     newSweepRegistry(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(120 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/system/info", s.handleSystemInfo)

		r.Post("/backtest", s.handleBacktest)

		r.Route("/sweep", func(r chi.Router) {
			r.Post("/", s.handleSweep)
			r.Get("/{id}/status", s.handleSweepStatus)
			r.Post("/{id}/cancel", s.handleSweepCancel)
		})

		r.Route("/shards", func(r chi.Router) {
			r.Get("/", s.handleShardList)
			r.Post("/", s.handleShardWrite)
			r.Get("/{id}", s.handleShardRead)
			r.Delete("/{id}", s.handleShardDelete)
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
