package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
	"github.com/mahavishnu-ai/mahavishnu/runtime/worker"
)

func newTestPoolManager() *Manager {
	workers := worker.NewManager(worker.WithLauncher(&scriptLauncher{}))
	return NewManager(workers)
}

func TestManagerCreateGetList(t *testing.T) {
	t.Parallel()

	m := newTestPoolManager()
	ctx := context.Background()
	t.Cleanup(func() { _ = m.CloseAll(context.Background()) })

	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, err := m.Create(ctx, Config{ID: id, Kind: task.PoolLocal, MinWorkers: 1, MaxWorkers: 2})
		require.NoError(t, err)
	}

	p, ok := m.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", p.ID())
	assert.Equal(t, 1, p.Size())

	_, ok = m.Get("missing")
	assert.False(t, ok)

	ids := make([]string, 0, 3)
	for _, p := range m.List() {
		ids = append(ids, p.ID())
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
}

func TestManagerCreateRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	m := newTestPoolManager()
	ctx := context.Background()
	t.Cleanup(func() { _ = m.CloseAll(context.Background()) })

	_, err := m.Create(ctx, Config{ID: "local-1", MaxWorkers: 2})
	require.NoError(t, err)

	_, err = m.Create(ctx, Config{ID: "local-1", MaxWorkers: 2})
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindInvalidArgument))
}

func TestManagerCreateFailureReleasesID(t *testing.T) {
	t.Parallel()

	m := newTestPoolManager()
	ctx := context.Background()

	_, err := m.Create(ctx, Config{ID: "bad", MaxWorkers: 0})
	require.True(t, orcerrors.IsKind(err, orcerrors.KindConfig))

	// The failed reservation does not block a corrected retry.
	_, err = m.Create(ctx, Config{ID: "bad", MaxWorkers: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.CloseAll(context.Background()) })
}

func TestManagerClose(t *testing.T) {
	t.Parallel()

	m := newTestPoolManager()
	ctx := context.Background()

	_, err := m.Create(ctx, Config{ID: "local-1", MinWorkers: 1, MaxWorkers: 2})
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx, "local-1"))
	_, ok := m.Get("local-1")
	assert.False(t, ok)

	err = m.Close(ctx, "local-1")
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindNoPoolAvailable))
}

func TestManagerCloseAll(t *testing.T) {
	t.Parallel()

	m := newTestPoolManager()
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := m.Create(ctx, Config{ID: id, MinWorkers: 1, MaxWorkers: 1})
		require.NoError(t, err)
	}
	require.NoError(t, m.CloseAll(ctx))
	assert.Empty(t, m.List())
}
