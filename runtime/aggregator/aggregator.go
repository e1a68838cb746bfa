// Package aggregator provides the unified memory search surface: a query
// fans out to every selected pool's memory handle in parallel, and the
// per-pool candidate lists merge into one ranking.
package aggregator

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mahavishnu-ai/mahavishnu/runtime/memory"
	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/pool"
	"github.com/mahavishnu-ai/mahavishnu/runtime/telemetry"
)

// defaultPoolDeadline bounds each pool's share of a search.
const defaultPoolDeadline = 2 * time.Second

type (
	// Aggregator fans memory searches out across pools and merges the
	// results.
	Aggregator struct {
		pools *pool.Manager

		logger       telemetry.Logger
		metrics      telemetry.Metrics
		poolDeadline time.Duration
	}

	// Option customizes an Aggregator.
	Option func(*Aggregator)

	// Response carries the merged ranking plus per-pool failure
	// annotations. A search succeeds as long as one pool answered.
	Response struct {
		// Candidates is the merged ranking, score-descending, truncated
		// to the requested k.
		Candidates []memory.Candidate
		// Failures maps pool IDs whose contribution was dropped to the
		// reason.
		Failures map[string]string
	}
)

// WithLogger sets the aggregator logger.
func WithLogger(l telemetry.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithMetrics sets the aggregator metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithPoolDeadline overrides the per-pool search deadline. Defaults to 2s.
func WithPoolDeadline(d time.Duration) Option {
	return func(a *Aggregator) { a.poolDeadline = d }
}

// New constructs an Aggregator over the pool manager's catalog.
func New(pools *pool.Manager, opts ...Option) *Aggregator {
	a := &Aggregator{
		pools:        pools,
		logger:       telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
		poolDeadline: defaultPoolDeadline,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Search fans the query out to every pool named in poolFilter (or every
// registered pool when the filter is empty), merges the candidates by score
// descending, deduplicates by (pool, artifact), and truncates to k. Ties
// break on higher pool priority, then lexicographic pool ID. A pool that
// errors or misses its deadline is dropped and annotated; the call fails
// only when every selected pool fails.
func (a *Aggregator) Search(ctx context.Context, query string, k int, poolFilter []string) (*Response, error) {
	if k <= 0 {
		return nil, orcerrors.Newf(orcerrors.KindInvalidArgument, "k must be positive, got %d", k)
	}
	selected, err := a.selected(poolFilter)
	if err != nil {
		return nil, err
	}

	type poolResult struct {
		pool       *pool.Pool
		candidates []memory.Candidate
		err        error
	}
	results := make([]poolResult, len(selected))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(selected))
	for i, p := range selected {
		g.Go(func() error {
			poolCtx, cancel := context.WithTimeout(gctx, a.poolDeadline)
			defer cancel()
			candidates, err := p.MemorySearch(poolCtx, query, k)
			results[i] = poolResult{pool: p, candidates: candidates, err: err}
			// Per-pool failures never abort the group.
			return nil
		})
	}
	_ = g.Wait()

	resp := &Response{Failures: make(map[string]string)}
	priorities := make(map[string]int, len(selected))
	anySuccess := false
	for _, res := range results {
		priorities[res.pool.ID()] = res.pool.Priority()
		if res.err != nil {
			resp.Failures[res.pool.ID()] = res.err.Error()
			a.logger.Warn(ctx, "pool search dropped", "pool", res.pool.ID(), "err", res.err)
			continue
		}
		anySuccess = true
		resp.Candidates = append(resp.Candidates, res.candidates...)
	}
	if !anySuccess {
		return nil, orcerrors.Newf(orcerrors.KindStoreUnavailable, "memory search failed on all %d pools", len(selected))
	}

	resp.Candidates = merge(resp.Candidates, priorities, k)
	a.metrics.IncCounter("aggregator_searches", 1)
	a.metrics.RecordGauge("aggregator_pools_failed", float64(len(resp.Failures)))
	return resp, nil
}

// selected resolves the pool filter against the catalog. An unknown pool in
// the filter is an invalid argument, not a partial failure.
func (a *Aggregator) selected(poolFilter []string) ([]*pool.Pool, error) {
	if len(poolFilter) == 0 {
		all := a.pools.List()
		if len(all) == 0 {
			return nil, orcerrors.New(orcerrors.KindNoPoolAvailable, "no pools registered")
		}
		return all, nil
	}
	selected := make([]*pool.Pool, 0, len(poolFilter))
	for _, id := range poolFilter {
		p, ok := a.pools.Get(id)
		if !ok {
			return nil, orcerrors.Newf(orcerrors.KindInvalidArgument, "unknown pool %q in filter", id)
		}
		selected = append(selected, p)
	}
	return selected, nil
}

// merge sorts candidates score-descending with priority/pool-ID tie-breaks,
// deduplicates by (pool, artifact) keeping the first occurrence, and
// truncates to k.
func merge(candidates []memory.Candidate, priorities map[string]int, k int) []memory.Candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.Score != cj.Score {
			return ci.Score > cj.Score
		}
		pi, pj := priorities[ci.PoolID], priorities[cj.PoolID]
		if pi != pj {
			return pi > pj
		}
		return ci.PoolID < cj.PoolID
	})

	type dedupKey struct{ poolID, artifactID string }
	seen := make(map[dedupKey]bool, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		key := dedupKey{c.PoolID, c.ArtifactID}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
		if len(out) == k {
			break
		}
	}
	return out
}
