package guard

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
)

type (
	// BreakerConfig configures one adapter's circuit breaker.
	BreakerConfig struct {
		// Threshold is the number of consecutive failures that trips the
		// breaker open. Defaults to 5.
		Threshold uint32
		// Cooldown is how long the breaker stays open before admitting a
		// half-open probe. Defaults to 30s.
		Cooldown time.Duration
		// MaxAttempts bounds the retries performed inside a single Execute
		// while the breaker is closed or half-open. Defaults to 3.
		MaxAttempts int
		// BaseBackoff is the initial retry backoff. Defaults to 100ms.
		BaseBackoff time.Duration
		// MaxBackoff caps the exponential backoff. Defaults to 5s.
		MaxBackoff time.Duration
	}

	// Breaker wraps a gobreaker state machine with the kernel's retry
	// discipline: bounded full-jitter exponential backoff while closed or
	// half-open, and fail-fast CircuitOpen errors carrying a retry hint
	// while open.
	Breaker struct {
		name string
		cfg  BreakerConfig
		cb   *gobreaker.CircuitBreaker

		mu       sync.Mutex
		openedAt time.Time

		now   func() time.Time
		sleep func(ctx context.Context, d time.Duration) error
		rand  *rand.Rand
	}

	// BreakerSet hands out one Breaker per adapter name, constructing them
	// lazily from per-adapter overrides falling back to defaults.
	BreakerSet struct {
		defaults  BreakerConfig
		overrides map[string]BreakerConfig

		mu       sync.Mutex
		breakers map[string]*Breaker
	}
)

// NewBreaker constructs a Breaker for the named adapter.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.Threshold == 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}

	b := &Breaker{
		name: name,
		cfg:  cfg,
		now:  time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Threshold
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = b.now()
				b.mu.Unlock()
			}
		},
	})
	return b
}

// Execute runs fn through the breaker. While the breaker admits calls,
// failures are retried with full-jitter exponential backoff up to
// MaxAttempts. When the breaker is open, Execute fails fast with a
// circuit_open error whose RetryAfter is the remaining cooldown.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	var last error
	for attempt := 0; attempt < b.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := b.sleep(ctx, b.backoff(attempt)); err != nil {
				return orcerrors.Wrap(orcerrors.KindCancelled, "breaker retry interrupted", err)
			}
		}
		_, err := b.cb.Execute(func() (any, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return orcerrors.Newf(orcerrors.KindCircuitOpen, "adapter %q circuit open", b.name).
				WithRetryAfter(b.remainingCooldown())
		}
		last = err
		if ctx.Err() != nil {
			break
		}
	}
	return last
}

// State returns the current breaker state as reported by gobreaker.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// remainingCooldown returns cooldown minus the time elapsed since the
// breaker opened, clamped to [0, cooldown].
func (b *Breaker) remainingCooldown() time.Duration {
	b.mu.Lock()
	openedAt := b.openedAt
	b.mu.Unlock()
	if openedAt.IsZero() {
		return b.cfg.Cooldown
	}
	remaining := b.cfg.Cooldown - b.now().Sub(openedAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// backoff computes the full-jitter exponential delay for the given attempt.
func (b *Breaker) backoff(attempt int) time.Duration {
	ceiling := b.cfg.BaseBackoff << (attempt - 1)
	if ceiling > b.cfg.MaxBackoff || ceiling <= 0 {
		ceiling = b.cfg.MaxBackoff
	}
	b.mu.Lock()
	jittered := time.Duration(b.rand.Int63n(int64(ceiling) + 1))
	b.mu.Unlock()
	return jittered
}

// NewBreakerSet constructs a BreakerSet with defaults and optional
// per-adapter overrides.
func NewBreakerSet(defaults BreakerConfig, overrides map[string]BreakerConfig) *BreakerSet {
	return &BreakerSet{
		defaults:  defaults,
		overrides: overrides,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for the named adapter, constructing it on first
// use.
func (s *BreakerSet) Get(adapter string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[adapter]; ok {
		return b
	}
	cfg := s.defaults
	if override, ok := s.overrides[adapter]; ok {
		cfg = override
	}
	b := NewBreaker(adapter, cfg)
	s.breakers[adapter] = b
	return b
}
