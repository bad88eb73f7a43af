package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/speedrun-hq/rwa-runner/pkg/logger"
)

// HealthRefreshRoutine re-checks every endpoint periodically so that request paths
// find a fresh health cache instead of paying for the check themselves
type HealthRefreshRoutine struct {
	gateway  *Gateway
	interval time.Duration
	stopChan chan struct{}
	doneChan chan struct{}
	mu       sync.RWMutex
	running  bool
	logger   logger.Logger
}

// NewHealthRefreshRoutine creates a new health refresh routine
func NewHealthRefreshRoutine(g *Gateway, interval time.Duration) *HealthRefreshRoutine {
	return &HealthRefreshRoutine{
		gateway:  g,
		interval: interval,
		logger:   g.logger,
	}
}

// Start begins the periodic health checks
func (r *HealthRefreshRoutine) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return // Already running
	}

	r.stopChan = make(chan struct{})
	r.doneChan = make(chan struct{})
	r.running = true

	go r.run(ctx, r.stopChan, r.doneChan)
}

// Stop halts the periodic health checks and waits for the current round to finish
func (r *HealthRefreshRoutine) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopChan)
	done := r.doneChan
	r.stopChan = nil
	r.running = false
	r.mu.Unlock()

	<-done
}

// IsRunning returns whether the routine is currently running
func (r *HealthRefreshRoutine) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *HealthRefreshRoutine) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Perform initial refresh
	r.gateway.RefreshAll(ctx)

	for {
		select {
		case <-ticker.C:
			r.gateway.RefreshAll(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RefreshAll checks every endpoint whose breaker is closed and returns the number found healthy
func (g *Gateway) RefreshAll(ctx context.Context) int {
	healthy := 0
	for _, ep := range g.endpoints {
		if ctx.Err() != nil {
			break
		}
		if ep.breaker.IsOpen() {
			continue
		}
		if g.checkHealth(ctx, ep) {
			healthy++
		}
	}
	g.logger.DebugWithComponent(logger.Gateway, "Health refresh: %d/%d endpoints healthy", healthy, len(g.endpoints))
	return healthy
}
