// Package server assembles the ingestion API's HTTP surface: middleware
// stack, health/ready/metrics endpoints, and graceful shutdown. Layout is
// adapted from the teacher's internal/server/server.go.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentaudit/decision-audit/internal/alerting"
	"github.com/agentaudit/decision-audit/internal/api"
	"github.com/agentaudit/decision-audit/internal/audit"
	"github.com/agentaudit/decision-audit/internal/authn"
	"github.com/agentaudit/decision-audit/internal/db"
	"github.com/agentaudit/decision-audit/internal/eventbus"
	"github.com/agentaudit/decision-audit/internal/store"
)

// Config holds server configuration.
type Config struct {
	Port     int
	AllowAll bool // allow all CORS origins (dev mode)
}

// Server is the ingestion API's HTTP server: routing, middleware, and
// the health/ready/metrics surface named in spec §6.
type Server struct {
	cfg        Config
	db         *db.DB
	bus        *eventbus.Bus
	router     chi.Router
	httpServer *http.Server
	metrics    *Metrics
}

// New creates a Server wiring the ingestion API, the audit pack/proof
// routes, the alert inspection routes, and bearer-auth over everything
// except /healthz, /readyz, /metrics, and /api/v1/auth/login (spec §6).
// verifier, issuer, and alertStore may be nil in tests that don't
// exercise that surface.
func New(cfg Config, database *db.DB, bus *eventbus.Bus, st *store.Store, auditSvc *audit.Service, verifier *authn.Verifier, issuer *authn.Issuer, alertStore *alerting.Store) *Server {
	s := &Server{cfg: cfg, db: database, bus: bus, metrics: NewMetrics()}
	s.router = s.buildRouter(bus, st, auditSvc, verifier, issuer, alertStore)
	return s
}

func (s *Server) buildRouter(bus *eventbus.Bus, st *store.Store, auditSvc *audit.Service, verifier *authn.Verifier, issuer *authn.Issuer, alertStore *alerting.Store) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	corsOpts := cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if s.cfg.AllowAll {
		corsOpts.AllowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(corsOpts))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	if issuer != nil {
		api.RegisterPublicRoutes(r, issuer)
	}

	// Everything else requires a bearer token (spec §6).
	r.Group(func(r chi.Router) {
		if verifier != nil {
			r.Use(authn.Authenticate(verifier))
		}
		if bus != nil && st != nil {
			api.RegisterRoutes(r, api.New(bus, st))
		}
		if auditSvc != nil {
			audit.RegisterRoutes(r, auditSvc)
		}
		if alertStore != nil {
			alerting.RegisterRoutes(r, alertStore)
		}
	})

	return r
}

// Router returns the chi router, for tests and for mounting additional
// routes.
func (s *Server) Router() chi.Router { return s.router }

// Metrics returns the prometheus registry backing /metrics, so the
// worker and notifier can register their own collectors against the
// same registry when run in-process alongside the server (spec §11).
func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz checks the database connection and the bus's ability to
// report a health snapshot (SPEC_FULL §13's health/ready split).
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := s.db.PingContext(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"not ready","reason":"database: %s"}`, err)
		return
	}
	if s.bus != nil {
		if _, err := s.bus.HealthSnapshot(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"not ready","reason":"bus: %s"}`, err)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// Start begins listening on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("decision-audit server listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Metrics holds the prometheus collectors this service registers (spec
// §11): bus depth, DLQ count, worker throughput, notifier fan-out. The
// core registers and exposes them; dashboards/exporters remain out of
// scope (spec §1).
type Metrics struct {
	Registry *prometheus.Registry

	BusStreamDepth  *prometheus.GaugeVec
	DLQCount        *prometheus.GaugeVec
	WorkerProcessed *prometheus.CounterVec
	NotifierFanout  prometheus.Counter
}

// NewMetrics creates and registers the collector set against a fresh
// registry, so tests don't collide with the global default registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		BusStreamDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "decision_audit_bus_stream_depth",
			Help: "Pending message count per bus subject.",
		}, []string{"subject"}),
		DLQCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "decision_audit_dlq_count",
			Help: "Dead-lettered message count per original subject.",
		}, []string{"subject"}),
		WorkerProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decision_audit_worker_processed_total",
			Help: "Log worker outcomes, by subject and result.",
		}, []string{"subject", "result"}),
		NotifierFanout: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "decision_audit_notifier_fanout_total",
			Help: "Outcome events delivered to at least one websocket session.",
		}),
	}

	reg.MustRegister(m.BusStreamDepth, m.DLQCount, m.WorkerProcessed, m.NotifierFanout)
	return m
}
