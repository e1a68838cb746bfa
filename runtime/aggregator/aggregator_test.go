package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahavishnu-ai/mahavishnu/runtime/memory"
	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/pool"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
	"github.com/mahavishnu-ai/mahavishnu/runtime/worker"
)

// cannedStore returns a fixed candidate list for every search.
type cannedStore struct {
	candidates []memory.Candidate
	err        error
}

func (s *cannedStore) Put(ctx context.Context, key string, value []byte) error { return nil }

func (s *cannedStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, memory.ErrNotFound
}

func (s *cannedStore) Search(ctx context.Context, query string, k int) ([]memory.Candidate, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]memory.Candidate, len(s.candidates))
	copy(out, s.candidates)
	return out, nil
}

// stalledStore blocks every search until the context ends.
type stalledStore struct{}

func (s *stalledStore) Put(ctx context.Context, key string, value []byte) error { return nil }

func (s *stalledStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, memory.ErrNotFound
}

func (s *stalledStore) Search(ctx context.Context, query string, k int) ([]memory.Candidate, error) {
	<-ctx.Done()
	return nil, orcerrors.Wrap(orcerrors.KindStoreUnavailable, "memory backend stalled", ctx.Err())
}

func hits(scored ...memory.Candidate) *cannedStore {
	return &cannedStore{candidates: scored}
}

func candidate(artifactID string, score float64) memory.Candidate {
	return memory.Candidate{ArtifactID: artifactID, Score: score}
}

// newCatalog builds a pool manager with one empty pool per store.
func newCatalog(t *testing.T, stores map[string]memory.Store, priorities map[string]int) *pool.Manager {
	t.Helper()
	workers := worker.NewManager()
	pools := pool.NewManager(workers)
	for id, store := range stores {
		_, err := pools.Create(context.Background(), pool.Config{
			ID:         id,
			Kind:       task.PoolLocal,
			MaxWorkers: 1,
			Memory:     store,
			Priority:   priorities[id],
		})
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = pools.CloseAll(context.Background()) })
	return pools
}

func TestSearchRejectsNonPositiveK(t *testing.T) {
	t.Parallel()

	a := New(newCatalog(t, map[string]memory.Store{"p1": hits()}, nil))
	_, err := a.Search(context.Background(), "query", 0, nil)
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindInvalidArgument))
}

func TestSearchUnknownPoolInFilter(t *testing.T) {
	t.Parallel()

	a := New(newCatalog(t, map[string]memory.Store{"p1": hits()}, nil))
	_, err := a.Search(context.Background(), "query", 5, []string{"p1", "ghost"})
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindInvalidArgument))
}

func TestSearchEmptyCatalog(t *testing.T) {
	t.Parallel()

	a := New(pool.NewManager(worker.NewManager()))
	_, err := a.Search(context.Background(), "query", 5, nil)
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindNoPoolAvailable))
}

func TestSearchMergesAcrossPools(t *testing.T) {
	t.Parallel()

	a := New(newCatalog(t, map[string]memory.Store{
		"p1": hits(candidate("a1", 0.9), candidate("a2", 0.3)),
		"p2": hits(candidate("b1", 0.7)),
	}, nil))

	resp, err := a.Search(context.Background(), "query", 10, nil)
	require.NoError(t, err)
	require.Len(t, resp.Candidates, 3)
	assert.Empty(t, resp.Failures)

	assert.Equal(t, "a1", resp.Candidates[0].ArtifactID)
	assert.Equal(t, "p1", resp.Candidates[0].PoolID)
	assert.Equal(t, "b1", resp.Candidates[1].ArtifactID)
	assert.Equal(t, "a2", resp.Candidates[2].ArtifactID)
}

func TestSearchTieBreaksOnPoolPriorityThenID(t *testing.T) {
	t.Parallel()

	a := New(newCatalog(t, map[string]memory.Store{
		"aaa": hits(candidate("x", 0.5)),
		"bbb": hits(candidate("x", 0.5)),
		"ccc": hits(candidate("x", 0.5)),
	}, map[string]int{"ccc": 10}))

	resp, err := a.Search(context.Background(), "query", 10, nil)
	require.NoError(t, err)
	require.Len(t, resp.Candidates, 3)
	assert.Equal(t, "ccc", resp.Candidates[0].PoolID)
	assert.Equal(t, "aaa", resp.Candidates[1].PoolID)
	assert.Equal(t, "bbb", resp.Candidates[2].PoolID)
}

func TestSearchDeduplicates(t *testing.T) {
	t.Parallel()

	a := New(newCatalog(t, map[string]memory.Store{
		"p1": hits(candidate("dup", 0.9), candidate("dup", 0.4)),
		"p2": hits(candidate("dup", 0.6)),
	}, nil))

	resp, err := a.Search(context.Background(), "query", 10, nil)
	require.NoError(t, err)
	// The same artifact from different pools is two distinct results; a
	// repeat within one pool collapses to its best-ranked occurrence.
	require.Len(t, resp.Candidates, 2)
	assert.Equal(t, "p1", resp.Candidates[0].PoolID)
	assert.InDelta(t, 0.9, resp.Candidates[0].Score, 1e-9)
	assert.Equal(t, "p2", resp.Candidates[1].PoolID)
}

func TestSearchTruncatesToK(t *testing.T) {
	t.Parallel()

	a := New(newCatalog(t, map[string]memory.Store{
		"p1": hits(candidate("a", 0.9), candidate("b", 0.8), candidate("c", 0.7)),
	}, nil))

	resp, err := a.Search(context.Background(), "query", 2, nil)
	require.NoError(t, err)
	require.Len(t, resp.Candidates, 2)
	assert.Equal(t, "a", resp.Candidates[0].ArtifactID)
	assert.Equal(t, "b", resp.Candidates[1].ArtifactID)
}

func TestSearchAnnotatesFailedPools(t *testing.T) {
	t.Parallel()

	a := New(newCatalog(t, map[string]memory.Store{
		"good": hits(candidate("a", 0.9)),
		"bad":  &cannedStore{err: orcerrors.New(orcerrors.KindStoreUnavailable, "index corrupt")},
	}, nil))

	resp, err := a.Search(context.Background(), "query", 5, nil)
	require.NoError(t, err)
	require.Len(t, resp.Candidates, 1)
	assert.Equal(t, "good", resp.Candidates[0].PoolID)
	require.Contains(t, resp.Failures, "bad")
	assert.Contains(t, resp.Failures["bad"], "index corrupt")
}

func TestSearchDropsPoolsPastDeadline(t *testing.T) {
	t.Parallel()

	a := New(newCatalog(t, map[string]memory.Store{
		"fast": hits(candidate("a", 0.9)),
		"slow": &stalledStore{},
	}, nil), WithPoolDeadline(50*time.Millisecond))

	start := time.Now()
	resp, err := a.Search(context.Background(), "query", 5, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, resp.Candidates, 1)
	assert.Contains(t, resp.Failures, "slow")
}

func TestSearchFailsWhenAllPoolsFail(t *testing.T) {
	t.Parallel()

	a := New(newCatalog(t, map[string]memory.Store{
		"p1": &cannedStore{err: orcerrors.New(orcerrors.KindStoreUnavailable, "down")},
		"p2": &cannedStore{err: orcerrors.New(orcerrors.KindStoreUnavailable, "down")},
	}, nil))

	_, err := a.Search(context.Background(), "query", 5, nil)
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindStoreUnavailable))
}

func TestSearchHonorsPoolFilter(t *testing.T) {
	t.Parallel()

	a := New(newCatalog(t, map[string]memory.Store{
		"p1": hits(candidate("a", 0.9)),
		"p2": hits(candidate("b", 0.8)),
	}, nil))

	resp, err := a.Search(context.Background(), "query", 5, []string{"p2"})
	require.NoError(t, err)
	require.Len(t, resp.Candidates, 1)
	assert.Equal(t, "p2", resp.Candidates[0].PoolID)
}
