package pool

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
	"github.com/mahavishnu-ai/mahavishnu/runtime/telemetry"
	"github.com/mahavishnu-ai/mahavishnu/runtime/worker"
)

// Option customizes a pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l telemetry.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics sets the pool metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New constructs a pool and scales it to its minimum size. Spawn failures
// during construction surface as the returned error; the pool is closed on
// failure so no partial worker set leaks.
func New(ctx context.Context, cfg Config, mgr *worker.Manager, opts ...Option) (*Pool, error) {
	if cfg.ID == "" {
		return nil, orcerrors.New(orcerrors.KindConfig, "pool ID is required")
	}
	if cfg.MaxWorkers < 1 {
		return nil, orcerrors.Newf(orcerrors.KindConfig, "pool %q: max workers must be at least 1", cfg.ID)
	}
	if cfg.MinWorkers < 0 || cfg.MinWorkers > cfg.MaxWorkers {
		return nil, orcerrors.Newf(orcerrors.KindConfig, "pool %q: min workers %d out of range [0, %d]", cfg.ID, cfg.MinWorkers, cfg.MaxWorkers)
	}
	if cfg.Strategy != "" && !ValidStrategy(cfg.Strategy) {
		return nil, orcerrors.Newf(orcerrors.KindConfig, "pool %q: unknown strategy %q", cfg.ID, cfg.Strategy)
	}
	p := &Pool{
		cfg:     defaulted(cfg),
		mgr:     mgr,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	p.health.Store(Unhealthy)
	for _, opt := range opts {
		opt(p)
	}
	if _, err := p.Scale(ctx, p.cfg.MinWorkers); err != nil {
		_ = p.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return p, nil
}

// Scale resizes the pool toward target, clamped to [MinWorkers, MaxWorkers]
// and to the quota signal when one is configured. Scale-up spawns workers in
// parallel under the spawn budget; scale-down prefers idle workers, then the
// longest-inactive ones, and never interrupts running tasks. Returns the
// actual size reached.
func (p *Pool) Scale(ctx context.Context, target int) (int, error) {
	if target < p.cfg.MinWorkers {
		target = p.cfg.MinWorkers
	}
	if target > p.cfg.MaxWorkers {
		target = p.cfg.MaxWorkers
	}
	if p.cfg.Quota != nil {
		if q := p.cfg.Quota(); q > 0 && target > q {
			target = q
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, orcerrors.Newf(orcerrors.KindOverloaded, "pool %q is closed", p.cfg.ID)
	}
	current := len(p.workers)
	p.mu.Unlock()

	var err error
	switch {
	case target > current:
		err = p.scaleUp(ctx, target-current)
	case target < current:
		p.scaleDown(ctx, current-target)
	}

	p.mu.Lock()
	size := len(p.workers)
	p.refreshHealthLocked()
	p.mu.Unlock()
	p.metrics.RecordGauge("pool_size", float64(size), "pool", p.cfg.ID)
	p.logger.Info(ctx, "pool scaled", "pool", p.cfg.ID, "target", target, "size", size)
	return size, err
}

// scaleUp spawns delta workers in parallel under the spawn budget. Workers
// that come up before a sibling fails are kept.
func (p *Pool) scaleUp(ctx context.Context, delta int) error {
	spawnCtx, cancel := context.WithTimeout(ctx, p.cfg.SpawnBudget)
	defer cancel()

	g, gctx := errgroup.WithContext(spawnCtx)
	for i := 0; i < delta; i++ {
		g.Go(func() error {
			w, err := p.mgr.Spawn(gctx, p.cfg.WorkerKind, p.cfg.WorkerSpec)
			if err != nil {
				return err
			}
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				return p.mgr.Close(gctx, w)
			}
			p.workers = append(p.workers, w)
			p.refreshHealthLocked()
			p.mu.Unlock()
			go p.drainQueue(w)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return orcerrors.Wrap(orcerrors.KindSpawnTransient, "pool scale-up incomplete", err)
	}
	return nil
}

// scaleDown removes delta workers: idle ones first, then by oldest activity.
// Running workers stay until their task finishes.
func (p *Pool) scaleDown(ctx context.Context, delta int) {
	p.mu.Lock()
	victims := make([]*worker.Worker, len(p.workers))
	copy(victims, p.workers)
	sort.SliceStable(victims, func(i, j int) bool {
		ii, ji := victims[i].State() == worker.StateIdle, victims[j].State() == worker.StateIdle
		if ii != ji {
			return ii
		}
		return victims[i].LastTaskEnd().Before(victims[j].LastTaskEnd())
	})
	if delta > len(victims) {
		delta = len(victims)
	}
	victims = victims[:delta]
	doomed := make(map[*worker.Worker]bool, delta)
	for _, w := range victims {
		doomed[w] = true
	}
	kept := p.workers[:0]
	for _, w := range p.workers {
		if !doomed[w] {
			kept = append(kept, w)
		}
	}
	p.workers = kept
	p.rr = 0
	p.refreshHealthLocked()
	p.mu.Unlock()

	for _, w := range victims {
		if err := p.mgr.Close(ctx, w); err != nil {
			p.logger.Warn(ctx, "worker close failed during scale-down", "pool", p.cfg.ID, "worker_id", w.ID(), "err", err)
		}
	}
}

// Close drains the pool: admission stops, queued tasks resolve as cancelled,
// running tasks finish, and every worker is closed. Idempotent.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var queued []*pending
	for tier := range p.queues {
		queued = append(queued, p.queues[tier]...)
		p.queues[tier] = nil
	}
	p.queued = 0
	p.queuedCtr.Store(0)
	workers := make([]*worker.Worker, len(p.workers))
	copy(workers, p.workers)
	p.workers = nil
	p.mu.Unlock()

	for _, pend := range queued {
		pend.done <- outcome{result: &task.Result{
			TaskID: pend.t.ID,
			Status: task.StatusCancelled,
		}}
	}

	p.running.Wait()

	var first error
	for _, w := range workers {
		if err := p.mgr.Close(ctx, w); err != nil && first == nil {
			first = err
		}
	}
	p.health.Store(Unhealthy)
	p.logger.Info(ctx, "pool closed", "pool", p.cfg.ID, "workers", len(workers), "cancelled_queued", len(queued))
	return first
}
