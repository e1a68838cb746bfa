// Package guard provides admission control for the orchestration kernel:
// a per-key rate limiter for inbound tool invocations and a per-adapter
// circuit breaker with retry discipline for outbound adapter calls.
package guard

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type (
	// RateLimiterConfig configures one limiter scope.
	RateLimiterConfig struct {
		// Window is the sliding window length. Defaults to 1s.
		Window time.Duration
		// Limit is the maximum number of admitted requests per window.
		// Defaults to 10.
		Limit int
		// Refill is the token bucket refill rate in tokens per second.
		// Defaults to Limit / Window.
		Refill float64
		// Burst is the token bucket capacity. Defaults to Limit.
		Burst int
		// Exempt lists subjects that bypass both checks.
		Exempt []string
	}

	// RateLimiter admits requests keyed by (subject, tool). A request is
	// admitted only when both the sliding window and the token bucket allow
	// it; denials carry a retry hint equal to the smaller of the token
	// refill wait and the time until the oldest window sample falls out.
	//
	// State is per-key; each key carries its own lock so contended keys do
	// not serialize against each other.
	RateLimiter struct {
		cfg    RateLimiterConfig
		exempt map[string]struct{}
		now    func() time.Time

		mu   sync.Mutex
		keys map[string]*keyState
	}

	// Decision is the outcome of an admission check.
	Decision struct {
		// Allowed reports whether the request was admitted.
		Allowed bool
		// RetryAfter hints when a denied request may next succeed.
		RetryAfter time.Duration
	}

	keyState struct {
		mu      sync.Mutex
		samples []time.Time
		bucket  *rate.Limiter
	}
)

// NewRateLimiter constructs a RateLimiter from cfg, applying defaults for
// zero fields.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	if cfg.Refill <= 0 {
		cfg.Refill = float64(cfg.Limit) / cfg.Window.Seconds()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Limit
	}
	exempt := make(map[string]struct{}, len(cfg.Exempt))
	for _, s := range cfg.Exempt {
		exempt[s] = struct{}{}
	}
	return &RateLimiter{
		cfg:    cfg,
		exempt: exempt,
		now:    time.Now,
		keys:   make(map[string]*keyState),
	}
}

// Allow checks admission for one invocation of tool by subject.
func (l *RateLimiter) Allow(subject, tool string) Decision {
	if _, ok := l.exempt[subject]; ok {
		return Decision{Allowed: true}
	}

	ks := l.key(subject + "\x00" + tool)
	now := l.now()

	ks.mu.Lock()
	defer ks.mu.Unlock()

	// Slide the window: drop samples older than Window.
	cutoff := now.Add(-l.cfg.Window)
	kept := ks.samples[:0]
	for _, s := range ks.samples {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	ks.samples = kept

	if len(ks.samples) >= l.cfg.Limit {
		return Decision{RetryAfter: l.retryHint(ks, now)}
	}
	if !ks.bucket.AllowN(now, 1) {
		return Decision{RetryAfter: l.retryHint(ks, now)}
	}
	ks.samples = append(ks.samples, now)
	return Decision{Allowed: true}
}

// retryHint computes the denial hint: min(time until one token refills, time
// until the oldest window sample falls out). Callers hold ks.mu.
func (l *RateLimiter) retryHint(ks *keyState, now time.Time) time.Duration {
	// Token refill wait, observed without consuming a token.
	res := ks.bucket.ReserveN(now, 1)
	tokenWait := res.DelayFrom(now)
	res.CancelAt(now)

	hint := tokenWait
	if len(ks.samples) > 0 {
		windowWait := ks.samples[0].Add(l.cfg.Window).Sub(now)
		if windowWait < hint || tokenWait <= 0 {
			hint = windowWait
		}
	}
	if hint < 0 {
		hint = 0
	}
	return hint
}

func (l *RateLimiter) key(k string) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks, ok := l.keys[k]
	if !ok {
		ks = &keyState{
			bucket: rate.NewLimiter(rate.Limit(l.cfg.Refill), l.cfg.Burst),
		}
		l.keys[k] = ks
	}
	return ks
}
