package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/testutil"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGateway(t *testing.T, urls ...string) (*Gateway, *fakeClock) {
	g, err := New(urls, Options{
		HealthTTL:          30 * time.Second,
		HealthCheckTimeout: time.Second,
		CallTimeout:        2 * time.Second,
	}, &logger.EmptyLogger{})
	require.NoError(t, err)
	t.Cleanup(g.Close)

	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	g.now = clock.now
	return g, clock
}

type health struct {
	Status       string `json:"status"`
	LatestLedger uint32 `json:"latestLedger"`
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(nil, Options{}, &logger.EmptyLogger{})
	assert.Error(t, err)
}

func TestGetHealthy(t *testing.T) {
	t.Run("healthy primary is cached for the ttl", func(t *testing.T) {
		primary := testutil.NewFakeLedger(t, "")
		alternate := testutil.NewFakeLedger(t, "")
		g, clock := newTestGateway(t, primary.URL(), alternate.URL())

		ep, err := g.GetHealthy(context.Background())
		require.NoError(t, err)
		assert.Equal(t, primary.URL(), ep.URL)

		clock.advance(10 * time.Second)
		ep, err = g.GetHealthy(context.Background())
		require.NoError(t, err)
		assert.Equal(t, primary.URL(), ep.URL)
		assert.Equal(t, 1, primary.Calls("getHealth"), "fresh health must not be checked again")

		clock.advance(31 * time.Second)
		_, err = g.GetHealthy(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, primary.Calls("getHealth"))
		assert.Equal(t, 0, alternate.Calls("getHealth"))
	})

	t.Run("fails over when primary is down", func(t *testing.T) {
		primary := testutil.NewFakeLedger(t, "")
		alternate := testutil.NewFakeLedger(t, "")
		primary.SetDown(true)
		g, _ := newTestGateway(t, primary.URL(), alternate.URL())

		ep, err := g.GetHealthy(context.Background())
		require.NoError(t, err)
		assert.Equal(t, alternate.URL(), ep.URL)
		assert.Equal(t, alternate.URL(), g.Current())

		states := g.States()
		require.Len(t, states, 2)
		assert.False(t, states[0].Healthy)
		assert.True(t, states[1].Healthy)
		assert.Equal(t, uint32(1000), states[1].LatestLedger)
	})

	t.Run("status other than healthy counts as down", func(t *testing.T) {
		primary := testutil.NewFakeLedger(t, "")
		alternate := testutil.NewFakeLedger(t, "")
		primary.SetHealthStatus("catching_up")
		g, _ := newTestGateway(t, primary.URL(), alternate.URL())

		ep, err := g.GetHealthy(context.Background())
		require.NoError(t, err)
		assert.Equal(t, alternate.URL(), ep.URL)
	})

	t.Run("all endpoints down", func(t *testing.T) {
		primary := testutil.NewFakeLedger(t, "")
		alternate := testutil.NewFakeLedger(t, "")
		primary.SetDown(true)
		alternate.SetDown(true)
		g, _ := newTestGateway(t, primary.URL(), alternate.URL())

		_, err := g.GetHealthy(context.Background())
		require.Error(t, err)
		assert.True(t, txerr.Is(err, txerr.AllEndpointsDown))
	})

	t.Run("recovered primary is preferred again after ttl", func(t *testing.T) {
		primary := testutil.NewFakeLedger(t, "")
		alternate := testutil.NewFakeLedger(t, "")
		primary.SetDown(true)
		g, clock := newTestGateway(t, primary.URL(), alternate.URL())

		ep, err := g.GetHealthy(context.Background())
		require.NoError(t, err)
		assert.Equal(t, alternate.URL(), ep.URL)

		primary.SetDown(false)
		clock.advance(31 * time.Second)
		ep, err = g.GetHealthy(context.Background())
		require.NoError(t, err)
		assert.Equal(t, primary.URL(), ep.URL)
	})
}

func TestCall(t *testing.T) {
	t.Run("transport failure moves to next endpoint", func(t *testing.T) {
		primary := testutil.NewFakeLedger(t, "")
		alternate := testutil.NewFakeLedger(t, "")
		g, _ := newTestGateway(t, primary.URL(), alternate.URL())

		_, err := g.GetHealthy(context.Background())
		require.NoError(t, err)
		primary.SetDown(true)

		var h health
		err = g.Call(context.Background(), &h, "getHealth")
		require.NoError(t, err)
		assert.Equal(t, "healthy", h.Status)
		assert.Equal(t, alternate.URL(), g.Current())
	})

	t.Run("protocol errors are returned without failover", func(t *testing.T) {
		primary := testutil.NewFakeLedger(t, "")
		alternate := testutil.NewFakeLedger(t, "")
		g, _ := newTestGateway(t, primary.URL(), alternate.URL())

		var out interface{}
		err := g.Call(context.Background(), &out, "noSuchMethod")
		require.Error(t, err)

		var rpcErr rpc.Error
		assert.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, -32601, rpcErr.ErrorCode())
		assert.Equal(t, primary.URL(), g.Current())
		assert.Equal(t, 0, alternate.Calls("noSuchMethod"))
	})

	t.Run("every endpoint failing reports all endpoints down", func(t *testing.T) {
		primary := testutil.NewFakeLedger(t, "")
		g, _ := newTestGateway(t, primary.URL())

		_, err := g.GetHealthy(context.Background())
		require.NoError(t, err)
		primary.SetDown(true)

		var h health
		err = g.Call(context.Background(), &h, "getHealth")
		require.Error(t, err)
		assert.True(t, txerr.Is(err, txerr.AllEndpointsDown))
	})
}

func TestBreakerSkipsEndpoint(t *testing.T) {
	primary := testutil.NewFakeLedger(t, "")
	alternate := testutil.NewFakeLedger(t, "")
	g, err := New([]string{primary.URL(), alternate.URL()}, Options{
		HealthCheckTimeout: time.Second,
		BreakerEnabled:     true,
		BreakerThreshold:   1,
		BreakerWindow:      time.Minute,
		BreakerReset:       time.Minute,
	}, &logger.EmptyLogger{})
	require.NoError(t, err)
	t.Cleanup(g.Close)

	primary.SetDown(true)
	_, err = g.GetHealthy(context.Background())
	require.NoError(t, err)
	assert.True(t, g.Breakers()[0].Open)

	// an open breaker is not checked even when its health is stale
	primary.SetDown(false)
	calls := primary.Calls("getHealth")
	g.endpoints[0].setHealth(false, 0, time.Time{})
	g.endpoints[1].setHealth(false, 0, time.Time{})
	ep, err := g.GetHealthy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, alternate.URL(), ep.URL)
	assert.Equal(t, calls, primary.Calls("getHealth"))

	assert.True(t, g.ResetBreaker(primary.URL()))
	assert.False(t, g.ResetBreaker("http://unknown"))
	assert.False(t, g.Breakers()[0].Open)
}

func TestCallCancelledByCaller(t *testing.T) {
	primary := testutil.NewFakeLedger(t, "")
	alternate := testutil.NewFakeLedger(t, "")
	g, err := New([]string{primary.URL(), alternate.URL()}, Options{
		HealthCheckTimeout: time.Second,
		CallTimeout:        5 * time.Second,
		BreakerEnabled:     true,
		BreakerThreshold:   1,
		BreakerWindow:      time.Minute,
		BreakerReset:       time.Minute,
	}, &logger.EmptyLogger{})
	require.NoError(t, err)
	t.Cleanup(g.Close)

	_, err = g.GetHealthy(context.Background())
	require.NoError(t, err)
	primary.SetSimulateDelay(5 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	var out interface{}
	err = g.Call(ctx, &out, "simulateTransaction", map[string]string{"transaction": "x"})
	require.Error(t, err)
	assert.True(t, txerr.Is(err, txerr.Canceled))

	assert.False(t, g.Breakers()[0].Open)
	assert.Zero(t, g.Breakers()[0].FailureCount)
	assert.True(t, g.States()[0].Healthy)
	assert.Equal(t, primary.URL(), g.Current())
	assert.Zero(t, alternate.Calls("simulateTransaction"))
}

func TestHealthRefreshRoutine(t *testing.T) {
	primary := testutil.NewFakeLedger(t, "")
	alternate := testutil.NewFakeLedger(t, "")
	alternate.SetDown(true)
	g, _ := newTestGateway(t, primary.URL(), alternate.URL())

	assert.Equal(t, 1, g.RefreshAll(context.Background()))

	routine := NewHealthRefreshRoutine(g, 10*time.Millisecond)
	assert.False(t, routine.IsRunning())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	routine.Start(ctx)
	assert.True(t, routine.IsRunning())

	require.Eventually(t, func() bool {
		return primary.Calls("getHealth") >= 3
	}, testutil.DefaultTestWait, 5*time.Millisecond)

	routine.Stop()
	assert.False(t, routine.IsRunning())
	routine.Stop() // stopping twice is harmless
}
