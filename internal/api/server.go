// Package api is the HTTP surface: the /mcp JSON-RPC endpoint, the admin
// key-management endpoints, health, metrics, and the event stream.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcpgate/backend/internal/config"
	"github.com/mcpgate/backend/internal/events"
	"github.com/mcpgate/backend/internal/gate"
	"github.com/mcpgate/backend/internal/keystore"
	"github.com/mcpgate/backend/internal/ledger"
	"github.com/mcpgate/backend/internal/metrics"
	"github.com/mcpgate/backend/internal/router"
	"github.com/mcpgate/backend/internal/security"
	"github.com/mcpgate/backend/internal/webhooks"
)

// Deps is everything the server needs wired in.
type Deps struct {
	Config  *config.Config
	Store   *keystore.Store
	Ledger  *ledger.CreditLedger
	Gate    *gate.Gate
	Router  *router.Router
	Broker  *security.TokenBroker
	Emitter events.Emitter
	Bus     *events.EventBus   // nil disables /events/ws
	Hooks   *webhooks.Registry // nil disables /admin/webhooks
	Metrics *metrics.Metrics
}

// Server serves the gateway's HTTP surface with graceful draining: once
// shutdown begins, new /mcp requests get 503 while in-flight ones finish.
type Server struct {
	deps     Deps
	logger   *log.Logger
	draining atomic.Bool
	httpSrv  *http.Server
}

// NewServer wires the handler tree.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	s.httpSrv = &http.Server{
		Addr:         deps.Config.Server.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed for httptest.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/mcp", s.handleMCP).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if s.deps.Bus != nil {
		streamer := events.NewStreamer(s.deps.Bus)
		r.HandleFunc("/events/ws", s.requireAdmin(streamer.HandleWebSocket))
	}

	s.registerAdmin(r)
	return r
}

// ListenAndServe blocks until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("listening on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown flips the drain flag and waits for in-flight requests up to the
// configured grace.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.draining.Load() {
		status = "draining"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   status,
		"service":  "mcpgate",
		"shadow":   s.deps.Gate.ShadowMode(),
		"keys":     len(s.deps.Store.List()),
		"backends": s.deps.Router.BreakerStats(),
	})
}

// requireAdmin guards an endpoint with the admin bearer token. With no
// token configured the endpoint is disabled outright.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.deps.Config.Admin.Token
		if token == "" {
			http.Error(w, "admin surface disabled", http.StatusForbidden)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
