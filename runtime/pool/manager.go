package pool

import (
	"context"
	"sort"
	"sync"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/telemetry"
	"github.com/mahavishnu-ai/mahavishnu/runtime/worker"
)

type (
	// Manager owns the process's named pools. Pool IDs are unique; creating
	// a pool under a taken ID fails.
	Manager struct {
		mu    sync.RWMutex
		pools map[string]*Pool

		workers *worker.Manager
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// ManagerOption customizes a pool manager.
	ManagerOption func(*Manager)
)

// WithManagerLogger sets the manager logger, propagated to created pools.
func WithManagerLogger(l telemetry.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerMetrics sets the manager metrics recorder, propagated to
// created pools.
func WithManagerMetrics(mx telemetry.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mx }
}

// NewManager constructs a pool manager on top of the worker manager.
func NewManager(workers *worker.Manager, opts ...ManagerOption) *Manager {
	m := &Manager{
		pools:   make(map[string]*Pool),
		workers: workers,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create builds a pool from cfg, scales it to its minimum size, and
// registers it under its ID.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Pool, error) {
	m.mu.Lock()
	if _, taken := m.pools[cfg.ID]; taken {
		m.mu.Unlock()
		return nil, orcerrors.Newf(orcerrors.KindInvalidArgument, "pool %q already exists", cfg.ID)
	}
	// Reserve the ID before the (possibly slow) initial scale.
	m.pools[cfg.ID] = nil
	m.mu.Unlock()

	p, err := New(ctx, cfg, m.workers, WithLogger(m.logger), WithMetrics(m.metrics))
	m.mu.Lock()
	if err != nil {
		delete(m.pools, cfg.ID)
		m.mu.Unlock()
		return nil, err
	}
	m.pools[cfg.ID] = p
	m.mu.Unlock()
	m.logger.Info(ctx, "pool created", "pool", cfg.ID, "kind", string(cfg.Kind), "size", p.Size())
	return p, nil
}

// Get returns the pool by ID.
func (m *Manager) Get(id string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[id]
	if !ok || p == nil {
		return nil, false
	}
	return p, true
}

// List returns the registered pools sorted by ID.
func (m *Manager) List() []*Pool {
	m.mu.RLock()
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		if p != nil {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Close drains and unregisters the pool.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	p, ok := m.pools[id]
	delete(m.pools, id)
	m.mu.Unlock()
	if !ok || p == nil {
		return orcerrors.Newf(orcerrors.KindNoPoolAvailable, "unknown pool %q", id)
	}
	return p.Close(ctx)
}

// CloseAll drains every pool, returning the first error.
func (m *Manager) CloseAll(ctx context.Context) error {
	var first error
	for _, p := range m.List() {
		if err := m.Close(ctx, p.ID()); err != nil && first == nil {
			first = err
		}
	}
	return first
}
