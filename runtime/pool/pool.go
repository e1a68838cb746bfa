// Package pool implements the pool manager: named, bounded collections of
// workers of one kind with a scaling policy, an intra-pool selection
// strategy, a bounded FIFO admission queue, and a per-pool memory handle.
//
// The pool is the single writer of its worker set; routers and aggregators
// observe pools through atomic counters and cached health so routing never
// performs I/O.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mahavishnu-ai/mahavishnu/runtime/memory"
	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
	"github.com/mahavishnu-ai/mahavishnu/runtime/telemetry"
	"github.com/mahavishnu-ai/mahavishnu/runtime/worker"
)

// Health is the aggregate pool health.
type Health string

const (
	// Healthy: the pool is at or above its minimum size and has at least
	// one worker idle or running.
	Healthy Health = "healthy"
	// Degraded: worker faults in the trailing window exceed the configured
	// ratio, or the pool is below its minimum size.
	Degraded Health = "degraded"
	// Unhealthy: the pool is empty or every worker is faulted.
	Unhealthy Health = "unhealthy"
)

// QuotaSignal reports an external resource quota for container pools: the
// maximum worker count currently permitted. Zero means no signal.
type QuotaSignal func() int

// Config configures a pool.
type Config struct {
	// ID names the pool. Required, unique within the process.
	ID string
	// Kind selects the pool kind: local, delegated, or container.
	Kind task.PoolKind
	// MinWorkers and MaxWorkers bound the pool size.
	MinWorkers int
	MaxWorkers int
	// Strategy selects workers within the pool. Defaults to round-robin.
	Strategy Strategy
	// QueueDepth bounds the admission queue. Defaults to MaxWorkers * 2.
	QueueDepth int
	// WorkerKind overrides the worker kind derived from Kind (e.g. a local
	// pool of debug monitors).
	WorkerKind worker.Kind
	// WorkerSpec is the launch metadata for the pool's workers.
	WorkerSpec worker.LaunchSpec
	// Memory is the pool's memory handle.
	Memory memory.Store
	// SpawnBudget is the overall deadline for a scale-up. Defaults to 30s.
	SpawnBudget time.Duration
	// FaultWindow and FaultRatio configure the degraded threshold: the pool
	// degrades when faults within the trailing window exceed
	// FaultRatio * current size. Defaults: 60s window, ratio 0.5.
	FaultWindow time.Duration
	FaultRatio  float64
	// Quota optionally clamps container pool scaling.
	Quota QuotaSignal
	// Priority breaks score ties during aggregator merges. Higher wins.
	Priority int
}

// Pool owns a set of workers. All worker-set mutations go through the pool;
// readers observe consistent snapshots.
type Pool struct {
	cfg     Config
	mgr     *worker.Manager
	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu      sync.Mutex
	workers []*worker.Worker
	rr      int
	closed  bool
	queues  [4][]*pending
	queued  int
	faults  []time.Time

	inflight  atomic.Int64
	queuedCtr atomic.Int64
	health    atomic.Value // Health

	running sync.WaitGroup
}

type pending struct {
	t    *task.Task
	done chan outcome
}

type outcome struct {
	result *task.Result
	err    error
}

func defaulted(cfg Config) Config {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.MaxWorkers * 2
	}
	if cfg.SpawnBudget <= 0 {
		cfg.SpawnBudget = 30 * time.Second
	}
	if cfg.FaultWindow <= 0 {
		cfg.FaultWindow = time.Minute
	}
	if cfg.FaultRatio <= 0 {
		cfg.FaultRatio = 0.5
	}
	if cfg.WorkerSpec.Memory == nil {
		// Workers write through the pool's memory handle.
		cfg.WorkerSpec.Memory = cfg.Memory
	}
	if cfg.WorkerKind == "" {
		switch cfg.Kind {
		case task.PoolDelegated:
			cfg.WorkerKind = worker.KindDelegate
		case task.PoolContainer:
			cfg.WorkerKind = worker.KindContainer
		default:
			cfg.WorkerKind = worker.KindSubprocess
		}
	}
	return cfg
}

// ID returns the pool identifier.
func (p *Pool) ID() string { return p.cfg.ID }

// Kind returns the pool kind.
func (p *Pool) Kind() task.PoolKind { return p.cfg.Kind }

// Priority returns the configured aggregation priority.
func (p *Pool) Priority() int { return p.cfg.Priority }

// MaxWorkers returns the configured upper bound.
func (p *Pool) MaxWorkers() int { return p.cfg.MaxWorkers }

// Size returns the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Load returns (inflight + queued) / max, the figure least-loaded routing
// minimizes. Reads only atomics; never performs I/O.
func (p *Pool) Load() float64 {
	max := p.cfg.MaxWorkers
	if max <= 0 {
		max = 1
	}
	return float64(p.inflight.Load()+p.queuedCtr.Load()) / float64(max)
}

// Health returns the cached aggregate health. The cache is refreshed on
// every worker-set mutation and task completion, so reading it performs no
// I/O.
func (p *Pool) Health() Health {
	if h, ok := p.health.Load().(Health); ok {
		return h
	}
	return Unhealthy
}

// Workers returns a snapshot of the pool's workers.
func (p *Pool) Workers() []*worker.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*worker.Worker, len(p.workers))
	copy(out, p.workers)
	return out
}

// Execute runs the task on a strategy-selected worker, queueing the task in
// the bounded FIFO when no worker is idle. Enqueueing beyond the bound fails
// with overloaded.
func (p *Pool) Execute(ctx context.Context, t *task.Task) (*task.Result, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, orcerrors.Newf(orcerrors.KindOverloaded, "pool %q is closed", p.cfg.ID)
		}
		w := p.selectLocked(t)
		if w == nil {
			break
		}
		p.mu.Unlock()
		result, err := p.runOn(ctx, w, t)
		if orcerrors.IsKind(err, orcerrors.KindBusy) {
			// Lost the claim race; pick again.
			continue
		}
		return result, err
	}

	if p.queued >= p.cfg.QueueDepth {
		p.mu.Unlock()
		p.metrics.IncCounter("pool_overloaded", 1, "pool", p.cfg.ID)
		return nil, orcerrors.Newf(orcerrors.KindOverloaded, "pool %q queue is full", p.cfg.ID).
			WithRetryAfter(time.Second)
	}
	pend := &pending{t: t, done: make(chan outcome, 1)}
	tier := tierOf(t.Priority)
	p.queues[tier] = append(p.queues[tier], pend)
	p.queued++
	p.queuedCtr.Add(1)
	p.mu.Unlock()
	p.metrics.RecordGauge("pool_queue_depth", float64(p.queuedCtr.Load()), "pool", p.cfg.ID)

	select {
	case out := <-pend.done:
		return out.result, out.err
	case <-ctx.Done():
		// Best effort removal; a dispatcher may have already claimed it.
		if p.unqueue(pend) {
			return nil, orcerrors.Wrap(orcerrors.KindCancelled, "task cancelled while queued", ctx.Err())
		}
		out := <-pend.done
		return out.result, out.err
	}
}

// runOn executes the task on the claimed worker, then keeps the worker busy
// with queued tasks until the queue is empty.
func (p *Pool) runOn(ctx context.Context, w *worker.Worker, t *task.Task) (*task.Result, error) {
	p.running.Add(1)
	p.inflight.Add(1)
	result, err := p.mgr.Execute(ctx, w, t)
	p.inflight.Add(-1)
	p.running.Done()
	p.noteOutcome(w)

	// Hand the now-idle worker to the longest-waiting queued task.
	go p.drainQueue(w)
	return result, err
}

// drainQueue dispatches queued tasks onto w for as long as both the queue
// has work and w stays idle.
func (p *Pool) drainQueue(w *worker.Worker) {
	for {
		p.mu.Lock()
		if p.closed || w.State() != worker.StateIdle {
			p.mu.Unlock()
			return
		}
		pend := p.popLocked()
		p.mu.Unlock()
		if pend == nil {
			return
		}

		p.running.Add(1)
		p.inflight.Add(1)
		result, err := p.mgr.Execute(context.Background(), w, pend.t)
		p.inflight.Add(-1)
		p.running.Done()
		p.noteOutcome(w)
		if orcerrors.IsKind(err, orcerrors.KindBusy) {
			// Lost the claim race; put the task back at the head of its tier.
			p.mu.Lock()
			tier := tierOf(pend.t.Priority)
			p.queues[tier] = append([]*pending{pend}, p.queues[tier]...)
			p.queued++
			p.queuedCtr.Add(1)
			p.mu.Unlock()
			return
		}
		pend.done <- outcome{result: result, err: err}
	}
}

// popLocked removes the longest-waiting task from the highest non-empty
// priority tier. Callers hold p.mu.
func (p *Pool) popLocked() *pending {
	for tier := len(p.queues) - 1; tier >= 0; tier-- {
		if len(p.queues[tier]) == 0 {
			continue
		}
		pend := p.queues[tier][0]
		p.queues[tier] = p.queues[tier][1:]
		p.queued--
		p.queuedCtr.Add(-1)
		return pend
	}
	return nil
}

// unqueue removes a pending entry if it is still queued.
func (p *Pool) unqueue(target *pending) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for tier := range p.queues {
		for i, pend := range p.queues[tier] {
			if pend == target {
				p.queues[tier] = append(p.queues[tier][:i], p.queues[tier][i+1:]...)
				p.queued--
				p.queuedCtr.Add(-1)
				return true
			}
		}
	}
	return false
}

// noteOutcome records fault evidence and refreshes cached health after a
// task finishes on w.
func (p *Pool) noteOutcome(w *worker.Worker) {
	p.mu.Lock()
	if w.State() == worker.StateFaulted {
		p.faults = append(p.faults, time.Now())
	}
	p.refreshHealthLocked()
	p.mu.Unlock()
}

// refreshHealthLocked recomputes the cached health. Callers hold p.mu.
func (p *Pool) refreshHealthLocked() {
	size := len(p.workers)
	if size == 0 {
		p.health.Store(Unhealthy)
		return
	}
	allFaulted := true
	anyLive := false
	for _, w := range p.workers {
		switch w.State() {
		case worker.StateFaulted:
		case worker.StateIdle, worker.StateRunning, worker.StateCancelling:
			allFaulted = false
			if w.State() != worker.StateCancelling {
				anyLive = true
			}
		default:
			allFaulted = false
		}
	}
	if allFaulted {
		p.health.Store(Unhealthy)
		return
	}

	// Slide the fault window.
	cutoff := time.Now().Add(-p.cfg.FaultWindow)
	kept := p.faults[:0]
	for _, ts := range p.faults {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	p.faults = kept
	if float64(len(p.faults)) > p.cfg.FaultRatio*float64(size) {
		p.health.Store(Degraded)
		return
	}

	if size >= p.cfg.MinWorkers && anyLive {
		p.health.Store(Healthy)
		return
	}
	p.health.Store(Degraded)
}

// tierOf maps a priority to its queue tier index.
func tierOf(pr task.Priority) int {
	if pr < task.PriorityLow || pr > task.PriorityUrgent {
		return int(task.PriorityNormal)
	}
	return int(pr)
}

// MemoryPut writes to the pool's memory handle.
func (p *Pool) MemoryPut(ctx context.Context, key string, value []byte) error {
	if p.cfg.Memory == nil {
		return orcerrors.Newf(orcerrors.KindStoreUnavailable, "pool %q has no memory handle", p.cfg.ID)
	}
	return p.cfg.Memory.Put(ctx, key, value)
}

// MemoryGet reads from the pool's memory handle.
func (p *Pool) MemoryGet(ctx context.Context, key string) ([]byte, error) {
	if p.cfg.Memory == nil {
		return nil, orcerrors.Newf(orcerrors.KindStoreUnavailable, "pool %q has no memory handle", p.cfg.ID)
	}
	return p.cfg.Memory.Get(ctx, key)
}

// MemorySearch queries the pool's memory handle.
func (p *Pool) MemorySearch(ctx context.Context, query string, k int) ([]memory.Candidate, error) {
	if p.cfg.Memory == nil {
		return nil, orcerrors.Newf(orcerrors.KindStoreUnavailable, "pool %q has no memory handle", p.cfg.ID)
	}
	candidates, err := p.cfg.Memory.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		candidates[i].PoolID = p.cfg.ID
	}
	return candidates, nil
}
