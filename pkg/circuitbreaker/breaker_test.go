package circuitbreaker

import (
	"testing"
	"time"

	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(enabled bool) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker("https://rpc.example.com", enabled, 3, 5*time.Second, 15*time.Second, &logger.EmptyLogger{})
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("trips at threshold", func(t *testing.T) {
		cb, _ := newTestBreaker(true)

		assert.False(t, cb.RecordFailure())
		assert.False(t, cb.RecordFailure())
		assert.True(t, cb.RecordFailure())
		assert.True(t, cb.IsOpen())

		state := cb.GetState()
		assert.True(t, state.Open)
		assert.Equal(t, 3, state.FailureCount)
		assert.Equal(t, "https://rpc.example.com", state.Name)
	})

	t.Run("failures outside window do not accumulate", func(t *testing.T) {
		cb, clock := newTestBreaker(true)

		cb.RecordFailure()
		cb.RecordFailure()
		clock.advance(6 * time.Second)

		assert.False(t, cb.RecordFailure())
		assert.False(t, cb.IsOpen())
	})

	t.Run("closes after reset timeout", func(t *testing.T) {
		cb, clock := newTestBreaker(true)
		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		assert.True(t, cb.IsOpen())

		clock.advance(16 * time.Second)
		assert.False(t, cb.IsOpen())
	})

	t.Run("success clears failures", func(t *testing.T) {
		cb, _ := newTestBreaker(true)
		cb.RecordFailure()
		cb.RecordFailure()
		cb.RecordSuccess()

		assert.False(t, cb.RecordFailure())
		assert.Equal(t, 1, cb.GetState().FailureCount)
	})

	t.Run("manual reset", func(t *testing.T) {
		cb, _ := newTestBreaker(true)
		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		cb.Reset()
		assert.False(t, cb.IsOpen())
	})

	t.Run("disabled never opens", func(t *testing.T) {
		cb, _ := newTestBreaker(false)
		for i := 0; i < 10; i++ {
			assert.False(t, cb.RecordFailure())
		}
		assert.False(t, cb.IsOpen())
	})
}
