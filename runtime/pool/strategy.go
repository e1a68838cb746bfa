package pool

import (
	"hash/fnv"
	"math/rand"

	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
	"github.com/mahavishnu-ai/mahavishnu/runtime/worker"
)

// Strategy selects a worker within a pool.
type Strategy string

const (
	// StrategyRoundRobin cycles a cursor over the worker set, skipping
	// non-idle workers.
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyLeastLoaded picks the idle worker with the oldest last task
	// end; ties break on the lowest worker ID.
	StrategyLeastLoaded Strategy = "least-loaded"
	// StrategyRandom picks uniformly over idle workers.
	StrategyRandom Strategy = "random"
	// StrategyAffinity hashes the task's affinity key into the worker set,
	// falling back to least-loaded when the target is not idle.
	StrategyAffinity Strategy = "affinity"
)

// ValidStrategy reports whether s names a known intra-pool strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyRandom, StrategyAffinity:
		return true
	}
	return false
}

// selectLocked picks an idle worker per the pool strategy, or nil when none
// is idle. Callers hold p.mu.
func (p *Pool) selectLocked(t *task.Task) *worker.Worker {
	if len(p.workers) == 0 {
		return nil
	}
	switch p.cfg.Strategy {
	case StrategyLeastLoaded:
		return p.leastLoadedLocked()
	case StrategyRandom:
		return p.randomLocked()
	case StrategyAffinity:
		return p.affinityLocked(t)
	default:
		return p.roundRobinLocked()
	}
}

// roundRobinLocked advances the cursor past non-idle workers, wrapping on
// overflow.
func (p *Pool) roundRobinLocked() *worker.Worker {
	n := len(p.workers)
	for i := 0; i < n; i++ {
		w := p.workers[(p.rr+i)%n]
		if w.State() == worker.StateIdle {
			p.rr = (p.rr + i + 1) % n
			return w
		}
	}
	return nil
}

// leastLoadedLocked picks the idle worker with the oldest last task end;
// ties break on the lowest worker ID. Workers that never ran sort first.
func (p *Pool) leastLoadedLocked() *worker.Worker {
	var best *worker.Worker
	for _, w := range p.workers {
		if w.State() != worker.StateIdle {
			continue
		}
		if best == nil {
			best = w
			continue
		}
		we, be := w.LastTaskEnd(), best.LastTaskEnd()
		if we.Before(be) || (we.Equal(be) && w.ID() < best.ID()) {
			best = w
		}
	}
	return best
}

// randomLocked picks uniformly over idle workers.
func (p *Pool) randomLocked() *worker.Worker {
	idle := make([]*worker.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if w.State() == worker.StateIdle {
			idle = append(idle, w)
		}
	}
	if len(idle) == 0 {
		return nil
	}
	return idle[rand.Intn(len(idle))]
}

// affinityLocked hashes the affinity key into [0, size); a non-idle target
// falls back to least-loaded.
func (p *Pool) affinityLocked(t *task.Task) *worker.Worker {
	if t.AffinityKey == "" {
		return p.leastLoadedLocked()
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(t.AffinityKey))
	w := p.workers[int(h.Sum32())%len(p.workers)]
	if w.State() == worker.StateIdle {
		return w
	}
	return p.leastLoadedLocked()
}
