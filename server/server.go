// Package server assembles the panelyt API's HTTP surface: the router, the
// middleware chain, per-IP rate limiting, and graceful shutdown.
package server

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/panelyt/panelyt-api/config"
	"github.com/panelyt/panelyt-api/handlers"
	"github.com/panelyt/panelyt-api/interfaces"
	"github.com/panelyt/panelyt-api/logging"
	"github.com/panelyt/panelyt-api/metrics"
	"github.com/panelyt/panelyt-api/pricing"
	"github.com/panelyt/panelyt-api/session"
)

// Deps carries everything the HTTP surface serves from.
type Deps struct {
	Store     interfaces.CatalogStore
	Sessions  *session.Registry
	Pricing   interfaces.PricingAPI
	Labs      *pricing.Registry
	Checker   interfaces.HealthChecker
	Validator interfaces.Validator
}

// Server owns the listener, the router, and the rate limiter lifecycle.
type Server struct {
	server  *http.Server
	router  chi.Router
	config  *config.Config
	deps    Deps
	cart    interfaces.HTTPHandler
	limiter *RateLimiter
}

// NewServer wires the middleware chain and routes onto a fresh router.
func NewServer(cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()

	server := &Server{
		server: &http.Server{
			Handler:     router,
			Addr:        cfg.Address + ":" + cfg.Port,
			ReadTimeout: 15 * time.Second,
			// A comparison refresh chains up to three pricing calls, so the
			// write deadline has to outlast them.
			WriteTimeout: 35 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		router:  router,
		config:  cfg,
		deps:    deps,
		cart:    handlers.NewHTTPHandler(deps.Sessions, deps.Validator),
		limiter: NewRateLimiter(),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(BlockDirectAccessMiddleware) // runs before RealIP so it still sees the socket address
	s.router.Use(RealIPMiddleware)
	s.router.Use(logging.LoggingMiddleware(logging.DefaultLoggingService.Logger))

	// The cart endpoints are called cross-origin from the web app, so
	// preflights terminate here, before they reach the rate limiter.
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Use(middleware.RedirectSlashes)
	s.router.Use(metrics.Metrics)
	s.router.Use(middleware.Recoverer)
	s.router.Use(RequestSizeMiddleware(s.config))
	s.router.Use(s.limiter.Middleware)
}

func (s *Server) setupRoutes() {
	// Catalog reads
	s.router.Get("/biomarkers/search/{term}", handlers.SearchBiomarkers(s.deps.Store, s.deps.Validator))
	s.router.Get("/biomarkers/slug/{slug}", handlers.GetBiomarkerBySlug(s.deps.Store))
	s.router.Get("/biomarkers/{code}", handlers.GetBiomarkerByCode(s.deps.Store, s.deps.Validator))

	// Stateless one-shot comparison
	s.router.Get("/compare", handlers.CompareSelection(s.deps.Pricing, s.deps.Labs, s.deps.Validator, s.config.DefaultPricingContext))

	// Cart sessions
	s.router.Post("/carts", s.cart.CreateCart)
	s.router.Get("/carts/{cartID}", s.cart.GetCart)
	s.router.Delete("/carts/{cartID}", s.cart.DeleteCart)
	s.router.Post("/carts/{cartID}/biomarkers", s.cart.AddBiomarker)
	s.router.Put("/carts/{cartID}/biomarkers", s.cart.ReplaceBiomarkers)
	s.router.Delete("/carts/{cartID}/biomarkers", s.cart.ClearBiomarkers)
	s.router.Delete("/carts/{cartID}/biomarkers/{code}", s.cart.RemoveBiomarker)
	s.router.Get("/carts/{cartID}/comparison", s.cart.GetComparison)
	s.router.Put("/carts/{cartID}/choice", s.cart.SetChoice)
	s.router.Get("/carts/{cartID}/share", s.cart.GetShareURL)
	s.router.Put("/carts/{cartID}/context", s.cart.SetPricingContext)

	// Operations
	s.router.Get("/health", handlers.HealthCheck(s.deps.Checker, s.deps.Store))
	s.router.Handle("/metrics", promhttp.Handler())

	// Landing page and API docs
	s.router.Get("/", staticFile("html/index.html", "text/html; charset=utf-8"))
	s.router.Get("/docs", staticFile("html/docs.html", "text/html; charset=utf-8"))
	s.router.Get("/docs/openapi.yaml", staticFile("html/docs/openapi.yaml", "text/yaml; charset=utf-8"))
}

// staticFile serves one file with an hour of client-side caching.
func staticFile(path, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		http.ServeFile(w, r, path)
	}
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	if s.config.Env == "dev" {
		s.startProfiler()
	}

	logging.Info("Server listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests, falling back to a hard close when the
// context expires first. The rate limiter's sweeper stops with the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Draining connections")

	err := s.server.Shutdown(ctx)
	if err != nil {
		logging.Error("Graceful shutdown failed, closing listeners", "error", err)
		if closeErr := s.server.Close(); closeErr != nil {
			logging.Error("Hard close failed", "error", closeErr)
		}
	}

	s.limiter.Close()

	logging.Info("Server stopped")
	return err
}

// startProfiler exposes pprof on a localhost-only port. Dev builds only.
func (s *Server) startProfiler() {
	go func() {
		logging.Info("Profiler listening", "addr", "http://localhost:6060/debug/pprof/")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			logging.Error("Profiler stopped", "error", err)
		}
	}()
}
