// Package api serves the mint pipeline and transaction lookups over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/speedrun-hq/rwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/rwa-runner/pkg/engine"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/mint"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
)

// TransactionChecker looks up the ledger status of a transaction once
type TransactionChecker interface {
	CheckOnce(ctx context.Context, txID string) (models.ConfirmationResult, error)
}

// Server is the API server
type Server struct {
	port         string
	orchestrator *mint.Orchestrator
	engine       *engine.Engine
	checker      TransactionChecker
	cache        chainclient.StatusCache
	apiKey       string
	logger       logger.Logger
	now          func() time.Time
	httpServer   *http.Server
}

// NewServer creates a new API server. An empty apiKey leaves the API open.
func NewServer(port string, o *mint.Orchestrator, e *engine.Engine, checker TransactionChecker,
	cache chainclient.StatusCache, apiKey string, log logger.Logger) *Server {
	s := &Server{
		port:         port,
		orchestrator: o,
		engine:       e,
		checker:      checker,
		cache:        cache,
		apiKey:       apiKey,
		logger:       log,
		now:          time.Now,
	}
	s.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the routes without middleware
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/mint", s.handleMint).Methods(http.MethodPost)
	r.HandleFunc("/queue", s.handleEnqueue).Methods(http.MethodPost)
	r.HandleFunc("/queue", s.handleQueueStatus).Methods(http.MethodGet)
	r.HandleFunc("/check-transaction", s.handleCheckTransaction).Methods(http.MethodGet)
	r.HandleFunc("/check-admin", s.handleCheckAdmin).Methods(http.MethodGet)
	r.Use(RequireBearer(s.apiKey))
	return r
}

// Handler returns the router wrapped with access logging and panic recovery
func (s *Server) Handler() http.Handler {
	logged := handlers.LoggingHandler(logWriter{s.logger}, s.Router())
	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.logger}))(logged)
}

// Start serves the API until Shutdown is called
func (s *Server) Start() error {
	s.logger.InfoWithComponent(logger.API, "Starting API server on port %s", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for the active ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// RequireBearer rejects requests without "Authorization: Bearer <key>". An empty key disables the check.
func RequireBearer(key string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}
			if parts[1] != key {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// logWriter sends access log lines to the service logger
type logWriter struct {
	logger logger.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.DebugWithComponent(logger.API, "%s", strings.TrimSpace(string(p)))
	return len(p), nil
}

type recoveryLogger struct {
	logger logger.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.ErrorWithComponent(logger.API, "Recovered from panic: %v", v)
}
