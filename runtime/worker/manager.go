package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/stream"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
	"github.com/mahavishnu-ai/mahavishnu/runtime/telemetry"
)

// frameBuffer is the per-execution stream channel capacity. Frames beyond
// the buffer are dropped for slow consumers; delivery order is preserved.
const frameBuffer = 1024

// spawnRetries bounds transient spawn retries before the failure is
// reported as permanent.
const spawnRetries = 3

type (
	// Manager supervises workers of all kinds behind a uniform contract:
	// spawn, execute, cancel, close, stream.
	Manager struct {
		mu        sync.RWMutex
		workers   map[string]*Worker
		launchers map[Kind]Launcher

		logger  telemetry.Logger
		metrics telemetry.Metrics

		drainTimeout time.Duration
		now          func() time.Time
	}

	// ManagerOption customizes a Manager.
	ManagerOption func(*Manager)
)

// WithLauncher registers a launcher for its kind.
func WithLauncher(l Launcher) ManagerOption {
	return func(m *Manager) { m.launchers[l.Kind()] = l }
}

// WithLogger sets the manager logger.
func WithLogger(l telemetry.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the manager metrics recorder.
func WithMetrics(mx telemetry.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mx }
}

// WithDrainTimeout bounds the time a cancelled execution may spend draining
// its stream before the worker is marked faulted. Defaults to 5s.
func WithDrainTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.drainTimeout = d }
}

// NewManager constructs a Manager. Register a launcher per worker kind the
// deployment supports.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		workers:      make(map[string]*Worker),
		launchers:    make(map[Kind]Launcher),
		logger:       telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
		drainTimeout: 5 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Spawn brings up a worker of the given kind. Transient launcher failures
// are retried with a short backoff; exhausting the retries reports the spawn
// as permanent.
func (m *Manager) Spawn(ctx context.Context, kind Kind, spec LaunchSpec) (*Worker, error) {
	m.mu.RLock()
	launcher, ok := m.launchers[kind]
	m.mu.RUnlock()
	if !ok {
		return nil, orcerrors.Newf(orcerrors.KindSpawnPermanent, "no launcher registered for kind %q", kind)
	}

	w := newWorker(kind, spec)
	var (
		launch  Launch
		lastErr error
	)
	for attempt := 0; attempt <= spawnRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, orcerrors.Wrap(orcerrors.KindSpawnTransient, "spawn interrupted", ctx.Err())
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		launch, lastErr = launcher.Launch(ctx, spec)
		if lastErr == nil {
			break
		}
		if !orcerrors.IsKind(lastErr, orcerrors.KindSpawnTransient) {
			return nil, lastErr
		}
	}
	if launch == nil {
		return nil, orcerrors.Wrap(orcerrors.KindSpawnPermanent, "spawn retries exhausted", lastErr)
	}

	w.ready(launch)
	m.mu.Lock()
	m.workers[w.id] = w
	m.mu.Unlock()
	m.metrics.IncCounter("worker_spawned", 1, "kind", string(kind))
	m.logger.Debug(ctx, "worker spawned", "worker_id", w.id, "kind", string(kind))
	return w, nil
}

// Execute runs the task on the worker and always produces a Result unless
// the worker refuses the task (busy or not idle). A task whose deadline has
// already passed yields a timed_out Result without dispatch.
func (m *Manager) Execute(ctx context.Context, w *Worker, t *task.Task) (*task.Result, error) {
	start := m.now()
	if t.Expired(start) {
		return &task.Result{TaskID: t.ID, WorkerID: w.id, Status: task.StatusTimedOut}, nil
	}

	frames, err := w.beginTask(t.ID)
	if err != nil {
		return nil, err
	}
	defer func() {
		close(frames)
		w.finishTask()
	}()

	execCtx, cancel := context.WithCancel(ctx)
	if !t.Deadline.IsZero() {
		execCtx, cancel = context.WithDeadline(ctx, t.Deadline)
	}
	defer cancel()
	w.setCancelExec(cancel)

	rc, err := w.launch.Exec(execCtx, t)
	if err != nil {
		m.logger.Warn(ctx, "worker exec failed", "worker_id", w.id, "task_id", t.ID, "err", err)
		return &task.Result{
			TaskID:     t.ID,
			WorkerID:   w.id,
			Status:     task.StatusFailed,
			StderrTail: w.launch.StderrTail(),
			Duration:   m.now().Sub(start),
		}, nil
	}

	result := m.consume(execCtx, w, t, rc, frames, start)
	m.metrics.IncCounter("worker_tasks", 1, "kind", string(w.kind), "status", string(result.Status))
	m.metrics.RecordTimer("worker_task_duration", result.Duration, "kind", string(w.kind))
	return result, nil
}

// consume drives the frame stream to its terminal state and assembles the
// Result.
func (m *Manager) consume(execCtx context.Context, w *Worker, t *task.Task, rc io.ReadCloser, frames chan stream.Frame, start time.Time) *task.Result {
	// Bound the drain after cancellation or deadline expiry: once the
	// execution context ends, the stream must reach EOF within the drain
	// timeout or the reader is forced shut and the worker marked faulted.
	var forced atomic.Bool
	watchdog := make(chan struct{})
	go func() {
		select {
		case <-execCtx.Done():
			timer := time.AfterFunc(m.drainTimeout, func() {
				forced.Store(true)
				_ = rc.Close()
			})
			defer timer.Stop()
			<-watchdog
		case <-watchdog:
		}
	}()
	defer close(watchdog)
	defer func() { _ = rc.Close() }()

	parser := stream.NewParser(rc)
	result := &task.Result{TaskID: t.ID, WorkerID: w.id}
	var artifact []byte

	for {
		frame, err := parser.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				result.Status = m.terminalStatus(execCtx, w)
				break
			}
			// Parse error: fault the worker and inject a synthetic
			// completion(failed) so stream consumers still observe a
			// terminal frame.
			m.logger.Warn(execCtx, "stream parse error", "worker_id", w.id, "task_id", t.ID, "err", err)
			w.fault()
			forward(frames, stream.Completion(task.StatusFailed))
			result.Status = task.StatusFailed
			break
		}
		result.FramesConsumed++
		forward(frames, frame)
		if frame.Type == stream.FrameContent {
			artifact = append(artifact, frame.Data...)
		}
		if frame.Terminal() {
			if w.cancelRequested() && frame.Status == task.StatusCompleted {
				result.Status = task.StatusCancelled
			} else {
				result.Status = frame.Status
			}
			break
		}
	}

	if forced.Load() {
		w.fault()
	}
	result.Artifact = artifact
	result.StderrTail = w.launch.StderrTail()
	result.Duration = m.now().Sub(start)
	return result
}

// terminalStatus classifies a stream that ended without a completion frame.
func (m *Manager) terminalStatus(execCtx context.Context, w *Worker) task.Status {
	switch {
	case w.cancelRequested():
		return task.StatusCancelled
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return task.StatusTimedOut
	case errors.Is(execCtx.Err(), context.Canceled):
		return task.StatusCancelled
	default:
		// Launcher crash: exit without the terminal frame.
		return task.StatusFailed
	}
}

// Cancel cancels the worker's current task, if any. Idempotent.
func (m *Manager) Cancel(ctx context.Context, w *Worker) {
	if w.requestCancel() {
		m.logger.Debug(ctx, "worker cancel requested", "worker_id", w.id)
	}
}

// Close releases the worker's resources, transitioning through closing to
// closed. Idempotent. Monitors emit their completion frame here.
func (m *Manager) Close(ctx context.Context, w *Worker) error {
	if !w.beginClose() {
		return nil
	}
	var err error
	if w.launch != nil {
		// Close the launch before cancelling the execution so launches
		// that complete on close (debug monitors) can emit their terminal
		// frame into the live stream.
		err = w.launch.Close(ctx)
	}
	w.cancelCurrentExec()
	w.closed()

	m.mu.Lock()
	delete(m.workers, w.id)
	m.mu.Unlock()
	m.metrics.IncCounter("worker_closed", 1, "kind", string(w.kind))
	return err
}

// CloseAll closes every registered worker, returning the first error.
func (m *Manager) CloseAll(ctx context.Context) error {
	var first error
	for _, w := range m.List() {
		if err := m.Close(ctx, w); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Stream returns the frame channel of the worker's in-flight execution, or
// nil when no task is running. The sequence is finite and not restartable;
// consumers must assume at-most-once traversal.
func (m *Manager) Stream(w *Worker) <-chan stream.Frame {
	return w.currentFrames()
}

// List returns a snapshot of the registered workers.
func (m *Manager) List() []*Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	return out
}

// Get returns the registered worker by ID.
func (m *Manager) Get(id string) (*Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	return w, ok
}

// forward delivers a frame to the stream channel without blocking. Slow
// consumers lose frames beyond the buffer; order is preserved.
func forward(frames chan stream.Frame, f stream.Frame) {
	select {
	case frames <- f:
	default:
	}
}
