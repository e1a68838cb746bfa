// Package router selects a target pool for an incoming task. Routing reads
// only pool-maintained atomic counters and cached health; it never performs
// I/O, so route latency is predictable under load.
package router

import (
	"hash/fnv"
	"math/rand"
	"sync"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/pool"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
	"github.com/mahavishnu-ai/mahavishnu/runtime/telemetry"
)

// Strategy selects among candidate pools.
type Strategy string

const (
	// StrategyRoundRobin cycles a cursor over the catalog, skipping
	// unhealthy pools.
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyLeastLoaded minimizes (inflight + queued) / max workers; ties
	// break on the lexicographically lowest pool ID.
	StrategyLeastLoaded Strategy = "least-loaded"
	// StrategyRandom picks uniformly over healthy pools.
	StrategyRandom Strategy = "random"
	// StrategyAffinity hashes the task's affinity key across the catalog,
	// falling back to least-loaded when the target is unhealthy.
	StrategyAffinity Strategy = "affinity"
)

// ValidStrategy reports whether s names a known inter-pool strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyRandom, StrategyAffinity:
		return true
	}
	return false
}

// Router chooses a pool for each task. Safe for concurrent use.
type Router struct {
	strategy Strategy
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	mu sync.Mutex
	rr int
}

// Option customizes a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMetrics sets the router metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New constructs a Router with the given default strategy.
func New(strategy Strategy, opts ...Option) (*Router, error) {
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	if !ValidStrategy(strategy) {
		return nil, orcerrors.Newf(orcerrors.KindConfig, "unknown routing strategy %q", strategy)
	}
	r := &Router{
		strategy: strategy,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Route picks a pool from the catalog for the task using the router's
// default strategy. A requested pool kind pins routing to pools of that
// kind; when no healthy pool of the pinned kind exists the route fails with
// no_pool_available rather than falling back to another kind.
func (r *Router) Route(t *task.Task, catalog []*pool.Pool) (*pool.Pool, error) {
	return r.RouteWith(r.strategy, t, catalog)
}

// RouteWith picks a pool using an explicit strategy, overriding the default.
func (r *Router) RouteWith(strategy Strategy, t *task.Task, catalog []*pool.Pool) (*pool.Pool, error) {
	if !ValidStrategy(strategy) {
		return nil, orcerrors.Newf(orcerrors.KindInvalidArgument, "unknown routing strategy %q", strategy)
	}

	pinned := make([]*pool.Pool, 0, len(catalog))
	candidates := make([]*pool.Pool, 0, len(catalog))
	for _, p := range catalog {
		if t.RequestedPoolKind != "" && p.Kind() != t.RequestedPoolKind {
			continue
		}
		pinned = append(pinned, p)
		if p.Health() == pool.Unhealthy {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		r.metrics.IncCounter("router_no_pool", 1, "strategy", string(strategy))
		if t.RequestedPoolKind != "" {
			return nil, orcerrors.Newf(orcerrors.KindNoPoolAvailable, "no healthy %s pool", t.RequestedPoolKind)
		}
		return nil, orcerrors.New(orcerrors.KindNoPoolAvailable, "no healthy pool")
	}

	var p *pool.Pool
	switch strategy {
	case StrategyLeastLoaded:
		p = leastLoaded(candidates)
	case StrategyRandom:
		p = candidates[rand.Intn(len(candidates))]
	case StrategyAffinity:
		p = affinity(t, pinned, candidates)
	default:
		p = r.roundRobin(candidates)
	}
	r.metrics.IncCounter("router_routed", 1, "strategy", string(strategy), "pool", p.ID())
	return p, nil
}

// roundRobin advances the shared cursor over the candidate set.
func (r *Router) roundRobin(candidates []*pool.Pool) *pool.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := candidates[r.rr%len(candidates)]
	r.rr++
	return p
}

// leastLoaded minimizes load; ties break on the lowest pool ID.
func leastLoaded(candidates []*pool.Pool) *pool.Pool {
	best := candidates[0]
	bestLoad := best.Load()
	for _, p := range candidates[1:] {
		load := p.Load()
		if load < bestLoad || (load == bestLoad && p.ID() < best.ID()) {
			best = p
			bestLoad = load
		}
	}
	return best
}

// affinity hashes the affinity key across the full pinned catalog so the
// target is stable as pools flap; an unhealthy target or an empty key falls
// back to least-loaded over the healthy candidates.
func affinity(t *task.Task, pinned, candidates []*pool.Pool) *pool.Pool {
	if t.AffinityKey == "" || len(pinned) == 0 {
		return leastLoaded(candidates)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(t.AffinityKey))
	target := pinned[int(h.Sum32())%len(pinned)]
	if target.Health() != pool.Unhealthy {
		return target
	}
	return leastLoaded(candidates)
}
