// Package gateway selects a healthy ledger RPC endpoint and fails over between alternates.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/speedrun-hq/rwa-runner/pkg/circuitbreaker"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/metrics"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
	"golang.org/x/time/rate"
)

const healthMethod = "getHealth"

// Options configures the gateway
type Options struct {
	HealthTTL          time.Duration
	HealthCheckTimeout time.Duration
	CallTimeout        time.Duration
	RateLimit          float64

	BreakerEnabled   bool
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerReset     time.Duration

	HTTPClient *http.Client
}

// Endpoint is one candidate ledger RPC endpoint
type Endpoint struct {
	URL     string
	client  *rpc.Client
	breaker *circuitbreaker.CircuitBreaker

	mu    sync.Mutex
	state models.RpcEndpointState
}

// State returns a snapshot of the endpoint health
func (e *Endpoint) State() models.RpcEndpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) setHealth(healthy bool, latestLedger uint32, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Healthy = healthy
	e.state.LastHealthCheckAt = at
	if latestLedger > 0 {
		e.state.LatestLedger = latestLedger
	}
}

type healthResponse struct {
	Status       string `json:"status"`
	LatestLedger uint32 `json:"latestLedger"`
}

// Gateway routes ledger calls to the first healthy endpoint
type Gateway struct {
	endpoints []*Endpoint
	opts      Options
	limiter   *rate.Limiter
	logger    logger.Logger
	now       func() time.Time

	mu      sync.Mutex
	current int

	// selectMu serializes endpoint selection so concurrent callers share one health round
	selectMu sync.Mutex
}

// New creates a gateway over the ordered endpoint list; the first URL is the primary
func New(urls []string, opts Options, log logger.Logger) (*Gateway, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.HealthTTL <= 0 {
		opts.HealthTTL = 30 * time.Second
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}

	limit := rate.Inf
	burst := 1
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
		burst = int(opts.RateLimit * 2)
		if burst < 1 {
			burst = 1
		}
	}

	g := &Gateway{
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		logger:  log,
		now:     time.Now,
	}

	for _, u := range urls {
		client, err := rpc.DialHTTPWithClient(u, opts.HTTPClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create RPC client for %s: %v", u, err)
		}
		g.endpoints = append(g.endpoints, &Endpoint{
			URL:     u,
			client:  client,
			breaker: circuitbreaker.NewCircuitBreaker(u, opts.BreakerEnabled, opts.BreakerThreshold, opts.BreakerWindow, opts.BreakerReset, log),
			state:   models.RpcEndpointState{URL: u},
		})
	}

	return g, nil
}

// GetHealthy returns the current endpoint if its cached health is fresh, otherwise
// checks the primary and then each alternate in order.
func (g *Gateway) GetHealthy(ctx context.Context) (*Endpoint, error) {
	g.mu.Lock()
	current := g.endpoints[g.current]
	g.mu.Unlock()

	if g.freshHealthy(current) {
		return current, nil
	}

	g.selectMu.Lock()
	defer g.selectMu.Unlock()

	for i, ep := range g.endpoints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ep.breaker.IsOpen() {
			g.logger.DebugWithComponent(logger.Gateway, "Skipping %s: circuit open", ep.URL)
			continue
		}

		state := ep.State()
		fresh := !state.LastHealthCheckAt.IsZero() && g.now().Sub(state.LastHealthCheckAt) < g.opts.HealthTTL
		if fresh && !state.Healthy {
			continue
		}
		if !fresh && !g.checkHealth(ctx, ep) {
			continue
		}

		g.setCurrent(i)
		return ep, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.logger.ErrorWithComponent(logger.Gateway, "All %d RPC endpoints are down", len(g.endpoints))
	return nil, txerr.New(txerr.AllEndpointsDown, "%d endpoints checked", len(g.endpoints))
}

func (g *Gateway) freshHealthy(ep *Endpoint) bool {
	state := ep.State()
	if !state.Healthy || ep.breaker.IsOpen() {
		return false
	}
	return g.now().Sub(state.LastHealthCheckAt) < g.opts.HealthTTL
}

func (g *Gateway) setCurrent(i int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != i {
		g.logger.NoticeWithComponent(logger.Gateway, "Failing over from %s to %s", g.endpoints[g.current].URL, g.endpoints[i].URL)
		metrics.GatewayFailovers.Inc()
		g.current = i
	}
}

// checkHealth issues a lightweight health query with a bounded timeout
func (g *Gateway) checkHealth(ctx context.Context, ep *Endpoint) bool {
	checkCtx, cancel := context.WithTimeout(ctx, g.opts.HealthCheckTimeout)
	defer cancel()

	var health healthResponse
	err := g.invoke(checkCtx, ep, &health, healthMethod)
	if txerr.Is(err, txerr.Canceled) {
		// the caller left; the failed check says nothing about the endpoint
		return false
	}
	healthy := err == nil && health.Status == "healthy"

	ep.setHealth(healthy, health.LatestLedger, g.now())
	if healthy {
		metrics.EndpointHealthy.WithLabelValues(ep.URL).Set(1)
		ep.breaker.RecordSuccess()
	} else {
		metrics.EndpointHealthy.WithLabelValues(ep.URL).Set(0)
		ep.breaker.RecordFailure()
		g.logger.ErrorWithComponent(logger.Gateway, "Health check failed for %s (status %q): %v", ep.URL, health.Status, err)
	}
	return healthy
}

// Call sends a request to the current healthy endpoint. Transport failures mark the
// endpoint unhealthy and the call moves on to the next healthy endpoint. A call
// cancelled by the caller returns Canceled and leaves endpoint health untouched.
func (g *Gateway) Call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	var lastErr error
	for attempt := 0; attempt < len(g.endpoints); attempt++ {
		ep, err := g.GetHealthy(ctx)
		if err != nil {
			if lastErr != nil && txerr.Is(err, txerr.AllEndpointsDown) {
				return txerr.Wrap(txerr.AllEndpointsDown, lastErr, method)
			}
			return err
		}

		err = g.CallEndpoint(ctx, ep, result, method, args...)
		if err == nil {
			return nil
		}

		kind := txerr.KindOf(err)
		if kind != txerr.NetworkFailure && kind != txerr.Timeout {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		lastErr = err
		ep.setHealth(false, 0, g.now())
		metrics.EndpointHealthy.WithLabelValues(ep.URL).Set(0)
		g.logger.ErrorWithComponent(logger.Gateway, "%s failed on %s, trying next endpoint: %v", method, ep.URL, err)
	}
	return txerr.Wrap(txerr.AllEndpointsDown, lastErr, method)
}

// CallEndpoint sends a request to a specific endpoint with the per-call timeout.
// JSON-RPC error objects are returned as rpc.Error for the caller to classify.
func (g *Gateway) CallEndpoint(ctx context.Context, ep *Endpoint, result interface{}, method string, args ...interface{}) error {
	callCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
	defer cancel()

	err := g.invoke(callCtx, ep, result, method, args...)
	if err == nil {
		ep.breaker.RecordSuccess()
		return nil
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) || txerr.Is(err, txerr.Canceled) {
		return err
	}
	ep.breaker.RecordFailure()
	return err
}

func (g *Gateway) invoke(ctx context.Context, ep *Endpoint, result interface{}, method string, args ...interface{}) error {
	if err := g.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return txerr.Wrap(txerr.Canceled, err, "rate limiter")
		}
		return txerr.Wrap(txerr.Timeout, err, "rate limiter")
	}

	start := time.Now()
	err := ep.client.CallContext(ctx, result, method, args...)
	metrics.RPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.RPCCalls.WithLabelValues(method, "ok").Inc()
		return nil
	}

	classified := classifyTransport(ctx, err)
	metrics.RPCCalls.WithLabelValues(method, txerr.KindOf(classified).String()).Inc()
	return classified
}

// classifyTransport separates protocol-level errors, which the endpoint answered,
// from transport failures, which say nothing about the request itself.
func classifyTransport(ctx context.Context, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return err
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return txerr.Wrap(txerr.NetworkFailure, err, fmt.Sprintf("http status %d", httpErr.StatusCode))
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return txerr.Wrap(txerr.Timeout, err, "")
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return txerr.Wrap(txerr.Canceled, err, "")
	}
	return txerr.Wrap(txerr.NetworkFailure, err, "")
}

// States returns the health snapshot of every endpoint in priority order
func (g *Gateway) States() []models.RpcEndpointState {
	states := make([]models.RpcEndpointState, 0, len(g.endpoints))
	for _, ep := range g.endpoints {
		states = append(states, ep.State())
	}
	return states
}

// Breakers returns the circuit breaker state of every endpoint
func (g *Gateway) Breakers() []circuitbreaker.State {
	states := make([]circuitbreaker.State, 0, len(g.endpoints))
	for _, ep := range g.endpoints {
		states = append(states, ep.breaker.GetState())
	}
	return states
}

// ResetBreaker resets the breaker of the endpoint with the given URL
func (g *Gateway) ResetBreaker(url string) bool {
	for _, ep := range g.endpoints {
		if ep.URL == url {
			ep.breaker.Reset()
			return true
		}
	}
	return false
}

// Current returns the URL of the endpoint currently preferred
func (g *Gateway) Current() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.endpoints[g.current].URL
}

// Close releases the underlying RPC clients
func (g *Gateway) Close() {
	for _, ep := range g.endpoints {
		ep.client.Close()
	}
}
