// Package service wires the runner components together and runs them until shutdown.
package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/speedrun-hq/rwa-runner/pkg/api"
	"github.com/speedrun-hq/rwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/rwa-runner/pkg/config"
	"github.com/speedrun-hq/rwa-runner/pkg/contracts"
	"github.com/speedrun-hq/rwa-runner/pkg/engine"
	"github.com/speedrun-hq/rwa-runner/pkg/events"
	"github.com/speedrun-hq/rwa-runner/pkg/gateway"
	"github.com/speedrun-hq/rwa-runner/pkg/health"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/mint"
	"github.com/speedrun-hq/rwa-runner/pkg/registry"
	"github.com/speedrun-hq/rwa-runner/pkg/retryqueue"
	"github.com/speedrun-hq/rwa-runner/pkg/signer"
	"github.com/speedrun-hq/rwa-runner/pkg/submitter"
	"github.com/speedrun-hq/rwa-runner/pkg/txbuilder"
)

const shutdownTimeout = 15 * time.Second

// Service runs the API, the health server and the retry queue worker
type Service struct {
	config       *config.Config
	logger       logger.Logger
	gateway      *gateway.Gateway
	refresher    *gateway.HealthRefreshRoutine
	store        registry.Store
	publisher    events.Publisher
	cache        chainclient.StatusCache
	engine       *engine.Engine
	orchestrator *mint.Orchestrator
	worker       *retryqueue.Worker
	apiServer    *api.Server
	healthServer *health.Server
}

// NewService builds every component from cfg
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	log := logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)

	urls := append([]string{cfg.Network.RPCURL}, cfg.Network.FallbackURLs...)
	g, err := gateway.New(urls, gateway.Options{
		HealthTTL:          cfg.Gateway.HealthTTL,
		HealthCheckTimeout: cfg.Gateway.HealthCheckTimeout,
		CallTimeout:        cfg.Gateway.CallTimeout,
		RateLimit:          cfg.Gateway.RateLimit,
		BreakerEnabled:     cfg.CircuitBreaker.Enabled,
		BreakerThreshold:   cfg.CircuitBreaker.Threshold,
		BreakerWindow:      cfg.CircuitBreaker.WindowDuration,
		BreakerReset:       cfg.CircuitBreaker.ResetTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC gateway: %v", err)
	}
	client := chainclient.New(g, log)

	token, err := contracts.NewRWAToken(cfg.ContractID)
	if err != nil {
		return nil, err
	}

	var admin *signer.KeySigner
	if cfg.AdminSecretKey != "" {
		admin, err = signer.NewKeySigner(cfg.AdminSecretKey)
		if err != nil {
			return nil, fmt.Errorf("invalid admin credential: %v", err)
		}
		log.Info("Server credential loaded for %s", admin.Address())
	} else {
		log.Notice("No server credential configured: mints go through sessions or the retry queue")
	}

	var sessions signer.SessionDirectory = signer.NoSessions{}
	if cfg.WalletBridgeURL != "" {
		sessions = signer.NewBridgeSessions(signer.NewRemoteSigner(cfg.WalletBridgeURL, log))
		log.Info("Session signing through wallet bridge %s", cfg.WalletBridgeURL)
	}

	var store registry.Store
	if cfg.DatabaseURL != "" {
		store, err = registry.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Info("Operation registry persisted in Postgres")
	} else {
		store = registry.NewMemoryStore()
		log.Notice("DATABASE_URL not set: operation registry kept in memory")
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		log.Info("Publishing operation transitions to Kafka topic %s", cfg.Kafka.Topic)
	}

	var cache chainclient.StatusCache
	if cfg.RedisAddr != "" {
		cache, err = chainclient.NewRedisStatusCache(ctx, cfg.RedisAddr, cfg.TxCacheTTL)
		if err != nil {
			return nil, err
		}
	} else {
		cache = chainclient.NewMemoryStatusCache(cfg.TxCacheTTL)
	}

	reg := registry.New(store, publisher, cfg.InFlightWindow, log)
	poller := submitter.NewPoller(client, cfg.PollMaxAttempts, submitter.DefaultSchedule, log)

	eng := engine.New(engine.Components{
		Builder:    txbuilder.NewBuilder(client, cfg.Network.Passphrase, cfg.BaseFee, cfg.TxTimeoutSeconds),
		Simulator:  txbuilder.NewSimulator(client),
		Submitter:  submitter.New(client, log),
		Poller:     poller,
		Registry:   reg,
		Token:      token,
		Admin:      admin,
		Sessions:   sessions,
		ViewSource: cfg.AdminPublicKey,
		TxTimeout:  time.Duration(cfg.TxTimeoutSeconds) * time.Second,
	}, log)
	orchestrator := mint.NewOrchestrator(eng, log)

	return &Service{
		config:       cfg,
		logger:       log,
		gateway:      g,
		refresher:    gateway.NewHealthRefreshRoutine(g, cfg.Gateway.HealthTTL),
		store:        store,
		publisher:    publisher,
		cache:        cache,
		engine:       eng,
		orchestrator: orchestrator,
		worker:       retryqueue.New(reg, orchestrator, eng, cfg.Queue, log),
		apiServer:    api.NewServer(cfg.APIPort, orchestrator, eng, poller, cache, cfg.InternalAPIKey, log),
		healthServer: health.NewServer(cfg.MetricsPort, g, reg, cfg.MetricsAPIKey, log),
	}, nil
}

// Start runs the service until ctx is cancelled, then shuts everything down
func (s *Service) Start(ctx context.Context) {
	s.refresher.Start(ctx)
	s.worker.Start(ctx)

	go func() {
		if err := s.healthServer.Start(); err != nil {
			s.logger.Error("Health server error: %v", err)
		}
	}()
	go func() {
		if err := s.apiServer.Start(); err != nil {
			s.logger.ErrorWithComponent(logger.API, "API server error: %v", err)
		}
	}()

	s.logger.Info("Runner started for contract %s on %s", s.config.ContractID, s.config.Network.Name)
	<-ctx.Done()
	s.shutdown()
}

func (s *Service) shutdown() {
	s.logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.apiServer.Shutdown(ctx); err != nil {
		s.logger.ErrorWithComponent(logger.API, "API server shutdown error: %v", err)
	}
	if err := s.healthServer.Shutdown(ctx); err != nil {
		s.logger.Error("Health server shutdown error: %v", err)
	}

	s.worker.Stop()
	s.refresher.Stop()

	if closer, ok := s.cache.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("Failed to close status cache: %v", err)
		}
	}
	if err := s.publisher.Close(); err != nil {
		s.logger.Error("Failed to close event publisher: %v", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close operation store: %v", err)
	}
	s.gateway.Close()
	s.logger.Info("Shutdown complete")
}
