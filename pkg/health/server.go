package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/speedrun-hq/rwa-runner/pkg/api"
	"github.com/speedrun-hq/rwa-runner/pkg/gateway"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/registry"
)

// Server represents a health check HTTP server
type Server struct {
	port          string
	gateway       *gateway.Gateway
	registry      *registry.Registry
	metricsAPIKey string
	logger        logger.Logger
	httpServer    *http.Server
}

// NewServer creates a new health check server
func NewServer(port string, g *gateway.Gateway, reg *registry.Registry, metricsAPIKey string, log logger.Logger) *Server {
	s := &Server{
		port:          port,
		gateway:       g,
		registry:      reg,
		metricsAPIKey: metricsAPIKey,
		logger:        log,
	}
	s.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the health, status and metrics routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// Health check endpoint
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Readiness check: at least one ledger endpoint answers its health check
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if _, err := s.gateway.GetHealthy(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("No healthy ledger endpoint: %v", err)))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ready"))
	})

	// Endpoint, breaker and registry status
	r.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"current_endpoint": s.gateway.Current(),
			"endpoints":        s.gateway.States(),
			"circuit_breakers": s.gateway.Breakers(),
		}
		if stats, err := s.registry.Stats(r.Context()); err == nil {
			operations := make(map[string]int, len(stats))
			for st, n := range stats {
				operations[string(st)] = n
			}
			status["operations"] = operations
		} else {
			s.logger.Error("Failed to read registry stats: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			s.logger.Error("Error encoding status JSON: %v", err)
		}
	})

	// Circuit breaker admin control endpoint
	r.HandleFunc("/circuit/reset", func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Query().Get("endpoint")
		if endpoint == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("Missing endpoint parameter"))
			return
		}
		if !s.gateway.ResetBreaker(endpoint) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(fmt.Sprintf("No circuit breaker for endpoint %s", endpoint)))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(fmt.Sprintf("Circuit breaker for endpoint %s reset", endpoint)))
	}).Methods(http.MethodPost)

	// Expose Prometheus metrics with API key authentication
	r.Handle("/metrics", api.RequireBearer(s.metricsAPIKey)(promhttp.Handler()))

	return r
}

// Start serves the health endpoints until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting health and metrics server on port %s", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
