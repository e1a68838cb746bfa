package router

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/pool"
	"github.com/mahavishnu-ai/mahavishnu/runtime/stream"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
	"github.com/mahavishnu-ai/mahavishnu/runtime/worker"
)

// completingLauncher produces workers whose tasks finish immediately, or
// block until their context ends when gate is set.
type completingLauncher struct {
	gate <-chan struct{}
}

func (l *completingLauncher) Kind() worker.Kind { return worker.KindSubprocess }

func (l *completingLauncher) Launch(ctx context.Context, spec worker.LaunchSpec) (worker.Launch, error) {
	return &completingLaunch{gate: l.gate}, nil
}

type completingLaunch struct {
	gate <-chan struct{}
}

func (f *completingLaunch) Exec(ctx context.Context, t *task.Task) (io.ReadCloser, error) {
	body, err := stream.Encode(stream.Completion(task.StatusCompleted))
	if err != nil {
		return nil, err
	}
	return &gatedStream{ctx: ctx, gate: f.gate, frames: bytes.NewReader(body)}, nil
}

func (f *completingLaunch) StderrTail() string { return "" }

func (f *completingLaunch) Close(ctx context.Context) error { return nil }

type gatedStream struct {
	ctx    context.Context
	gate   <-chan struct{}
	frames io.Reader
}

func (s *gatedStream) Read(p []byte) (int, error) {
	if s.gate == nil {
		return s.frames.Read(p)
	}
	select {
	case <-s.gate:
		return s.frames.Read(p)
	case <-s.ctx.Done():
		return 0, io.EOF
	}
}

func (s *gatedStream) Close() error { return nil }

// newCatalogPool builds a pool; min 0 leaves it empty and unhealthy, min 1
// brings up one worker and makes it healthy.
func newCatalogPool(t *testing.T, id string, kind task.PoolKind, min int, gate <-chan struct{}) *pool.Pool {
	t.Helper()
	mgr := worker.NewManager(worker.WithLauncher(&completingLauncher{gate: gate}))
	p, err := pool.New(context.Background(), pool.Config{
		ID:         id,
		Kind:       kind,
		MinWorkers: min,
		MaxWorkers: 2,
		WorkerKind: worker.KindSubprocess,
	}, mgr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	_, err := New("sticky")
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindConfig))

	r, err := New("")
	require.NoError(t, err)
	require.NotNil(t, r)
}

func TestRouteWithRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	r, err := New(StrategyRoundRobin)
	require.NoError(t, err)

	_, err = r.RouteWith("sticky", task.New(task.KindShell, nil), nil)
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindInvalidArgument))
}

func TestRouteEmptyCatalog(t *testing.T) {
	t.Parallel()

	r, err := New(StrategyRoundRobin)
	require.NoError(t, err)

	_, err = r.Route(task.New(task.KindShell, nil), nil)
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindNoPoolAvailable))
}

func TestRouteSkipsUnhealthyPools(t *testing.T) {
	t.Parallel()

	healthy := newCatalogPool(t, "local-1", task.PoolLocal, 1, nil)
	empty := newCatalogPool(t, "local-2", task.PoolLocal, 0, nil)
	r, err := New(StrategyRoundRobin)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		p, err := r.Route(task.New(task.KindShell, nil), []*pool.Pool{empty, healthy})
		require.NoError(t, err)
		assert.Equal(t, "local-1", p.ID())
	}
}

func TestRoutePinnedKind(t *testing.T) {
	t.Parallel()

	local := newCatalogPool(t, "local-1", task.PoolLocal, 1, nil)
	containers := newCatalogPool(t, "containers", task.PoolContainer, 1, nil)
	catalog := []*pool.Pool{local, containers}
	r, err := New(StrategyLeastLoaded)
	require.NoError(t, err)

	tk := task.New(task.KindContainerExec, nil)
	tk.RequestedPoolKind = task.PoolContainer
	p, err := r.Route(tk, catalog)
	require.NoError(t, err)
	assert.Equal(t, "containers", p.ID())
}

func TestRoutePinnedKindNeverFallsBack(t *testing.T) {
	t.Parallel()

	local := newCatalogPool(t, "local-1", task.PoolLocal, 1, nil)
	deadContainers := newCatalogPool(t, "containers", task.PoolContainer, 0, nil)
	catalog := []*pool.Pool{local, deadContainers}
	r, err := New(StrategyLeastLoaded)
	require.NoError(t, err)

	// The healthy local pool is not an acceptable substitute for the pinned
	// kind.
	tk := task.New(task.KindContainerExec, nil)
	tk.RequestedPoolKind = task.PoolContainer
	_, err = r.Route(tk, catalog)
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindNoPoolAvailable))
}

func TestRoundRobinAlternates(t *testing.T) {
	t.Parallel()

	a := newCatalogPool(t, "pool-a", task.PoolLocal, 1, nil)
	b := newCatalogPool(t, "pool-b", task.PoolLocal, 1, nil)
	catalog := []*pool.Pool{a, b}
	r, err := New(StrategyRoundRobin)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 4; i++ {
		p, err := r.Route(task.New(task.KindShell, nil), catalog)
		require.NoError(t, err)
		ids = append(ids, p.ID())
	}
	assert.Equal(t, []string{"pool-a", "pool-b", "pool-a", "pool-b"}, ids)
}

func TestLeastLoadedAvoidsBusyPool(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	defer close(gate)
	busy := newCatalogPool(t, "pool-a", task.PoolLocal, 1, gate)
	idle := newCatalogPool(t, "pool-b", task.PoolLocal, 1, nil)
	r, err := New(StrategyLeastLoaded)
	require.NoError(t, err)

	go func() { _, _ = busy.Execute(context.Background(), task.New(task.KindShell, nil)) }()
	require.Eventually(t, func() bool { return busy.Load() > 0 }, time.Second, 5*time.Millisecond)

	p, err := r.Route(task.New(task.KindShell, nil), []*pool.Pool{busy, idle})
	require.NoError(t, err)
	assert.Equal(t, "pool-b", p.ID())
}

func TestLeastLoadedTieBreaksOnLowestID(t *testing.T) {
	t.Parallel()

	a := newCatalogPool(t, "pool-a", task.PoolLocal, 1, nil)
	b := newCatalogPool(t, "pool-b", task.PoolLocal, 1, nil)
	r, err := New(StrategyLeastLoaded)
	require.NoError(t, err)

	p, err := r.Route(task.New(task.KindShell, nil), []*pool.Pool{b, a})
	require.NoError(t, err)
	assert.Equal(t, "pool-a", p.ID())
}

func TestAffinityIsStable(t *testing.T) {
	t.Parallel()

	catalog := []*pool.Pool{
		newCatalogPool(t, "pool-a", task.PoolLocal, 1, nil),
		newCatalogPool(t, "pool-b", task.PoolLocal, 1, nil),
		newCatalogPool(t, "pool-c", task.PoolLocal, 1, nil),
	}
	r, err := New(StrategyAffinity)
	require.NoError(t, err)

	route := func() string {
		tk := task.New(task.KindInference, nil)
		tk.AffinityKey = "tenant-7"
		p, err := r.Route(tk, catalog)
		require.NoError(t, err)
		return p.ID()
	}
	first := route()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, route())
	}
}

func TestAffinityFallsBackWhenTargetUnhealthy(t *testing.T) {
	t.Parallel()

	healthy := newCatalogPool(t, "pool-a", task.PoolLocal, 1, nil)
	catalog := []*pool.Pool{
		healthy,
		newCatalogPool(t, "pool-b", task.PoolLocal, 0, nil),
		newCatalogPool(t, "pool-c", task.PoolLocal, 0, nil),
	}
	r, err := New(StrategyAffinity)
	require.NoError(t, err)

	// Whatever pool the key hashes to, the only healthy pool serves it.
	for _, key := range []string{"k1", "k2", "k3", "k4", "k5"} {
		tk := task.New(task.KindInference, nil)
		tk.AffinityKey = key
		p, err := r.Route(tk, catalog)
		require.NoError(t, err)
		assert.Equal(t, healthy.ID(), p.ID())
	}
}

func TestRandomPicksHealthyPool(t *testing.T) {
	t.Parallel()

	catalog := []*pool.Pool{
		newCatalogPool(t, "pool-a", task.PoolLocal, 1, nil),
		newCatalogPool(t, "pool-b", task.PoolLocal, 0, nil),
	}
	r, err := New(StrategyRandom)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		p, err := r.Route(task.New(task.KindShell, nil), catalog)
		require.NoError(t, err)
		assert.Equal(t, "pool-a", p.ID())
	}
}
