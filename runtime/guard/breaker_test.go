package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
)

// tame removes real sleeping from a breaker so tests run instantly.
func tame(b *Breaker, clock *fakeClock) *Breaker {
	b.now = clock.now
	b.sleep = func(context.Context, time.Duration) error { return nil }
	return b
}

func TestBreakerRetriesThenSurfacesLastError(t *testing.T) {
	t.Parallel()

	b := tame(NewBreaker("adapter", BreakerConfig{Threshold: 100, MaxAttempts: 3}), newFakeClock())

	calls := 0
	err := b.Execute(context.Background(), func(context.Context) error {
		calls++
		return errors.New("adapter down")
	})
	require.EqualError(t, err, "adapter down")
	assert.Equal(t, 3, calls)
}

func TestBreakerStopsRetryingOnSuccess(t *testing.T) {
	t.Parallel()

	b := tame(NewBreaker("adapter", BreakerConfig{Threshold: 100, MaxAttempts: 5}), newFakeClock())

	calls := 0
	err := b.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestBreakerTripsOpenAfterThreshold(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := tame(NewBreaker("adapter", BreakerConfig{Threshold: 3, MaxAttempts: 1, Cooldown: 30 * time.Second}), clock)

	boom := func(context.Context) error { return errors.New("boom") }
	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(context.Background(), boom))
	}
	require.Equal(t, gobreaker.StateOpen, b.State())

	// Open: fail fast without invoking fn, with the remaining cooldown as
	// the retry hint.
	clock.advance(10 * time.Second)
	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindCircuitOpen))
	hint := orcerrors.RetryAfter(err)
	assert.Greater(t, hint, time.Duration(0))
	assert.LessOrEqual(t, hint, 20*time.Second)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	t.Parallel()

	b := tame(NewBreaker("adapter", BreakerConfig{Threshold: 2, MaxAttempts: 1, Cooldown: 50 * time.Millisecond}), newFakeClock())

	boom := func(context.Context) error { return errors.New("boom") }
	require.Error(t, b.Execute(context.Background(), boom))
	require.Error(t, b.Execute(context.Background(), boom))
	require.Equal(t, gobreaker.StateOpen, b.State())

	// gobreaker moves to half-open on its own wall clock.
	time.Sleep(60 * time.Millisecond)

	// One success in half-open closes the breaker.
	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := tame(NewBreaker("adapter", BreakerConfig{Threshold: 2, MaxAttempts: 1, Cooldown: 50 * time.Millisecond}), newFakeClock())

	boom := func(context.Context) error { return errors.New("boom") }
	require.Error(t, b.Execute(context.Background(), boom))
	require.Error(t, b.Execute(context.Background(), boom))

	time.Sleep(60 * time.Millisecond)
	require.Error(t, b.Execute(context.Background(), boom))
	assert.Equal(t, gobreaker.StateOpen, b.State())
}

func TestBreakerSetLazyConstruction(t *testing.T) {
	t.Parallel()

	set := NewBreakerSet(
		BreakerConfig{Threshold: 5},
		map[string]BreakerConfig{"container": {Threshold: 2}},
	)

	container := set.Get("container")
	assert.Same(t, container, set.Get("container"))
	assert.Equal(t, uint32(2), container.cfg.Threshold)
	assert.Equal(t, uint32(5), set.Get("delegate").cfg.Threshold)
}
