// Package worker implements the worker manager: a uniform contract for
// launching an execution resource of any supported kind (subprocess,
// container, delegated peer slot, debug monitor) and driving it to a Result.
//
// Workers are exclusively owned by one pool. The manager mutates worker
// state; everything else observes it. A worker never re-enters the starting
// state after leaving it: recycling a worker is close plus spawn.
package worker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/stream"
)

// State is a worker lifecycle state.
type State string

const (
	// StateStarting: the launcher is bringing the resource up.
	StateStarting State = "starting"
	// StateIdle: ready to accept a task.
	StateIdle State = "idle"
	// StateRunning: executing a task.
	StateRunning State = "running"
	// StateCancelling: a cancel or deadline fired; the stream is draining.
	StateCancelling State = "cancelling"
	// StateFaulted: an internal error occurred. Sticky until close.
	StateFaulted State = "faulted"
	// StateClosing: resources are being released.
	StateClosing State = "closing"
	// StateClosed: terminal.
	StateClosed State = "closed"
)

// Kind enumerates the worker kinds. The set is closed; adding a kind touches
// this enum and the spawn factory.
type Kind string

const (
	// KindSubprocess spawns a child process per task from a command
	// template, feeding the payload on stdin and reading framed JSON from
	// stdout.
	KindSubprocess Kind = "subprocess-ai"
	// KindContainer executes tasks inside a container started from an image
	// spec.
	KindContainer Kind = "container"
	// KindDelegate forwards tasks to a peer orchestrator and consumes the
	// peer's response stream as the local stream.
	KindDelegate Kind = "remote-delegate"
	// KindDebugMonitor captures terminal screen snapshots into the pool
	// memory handle and produces no Result until closed.
	KindDebugMonitor Kind = "debug-monitor"
)

// Worker is a handle to one execution resource.
type Worker struct {
	mu sync.Mutex

	id            string
	kind          Kind
	state         State
	spawnTime     time.Time
	currentTaskID string
	lastTaskEnd   time.Time
	spec          LaunchSpec
	launch        Launch

	frames      chan stream.Frame
	cancelExec  func()
	cancelAsked bool
}

func newWorker(kind Kind, spec LaunchSpec) *Worker {
	return &Worker{
		id:        uuid.NewString(),
		kind:      kind,
		state:     StateStarting,
		spawnTime: time.Now(),
		spec:      spec,
	}
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() string { return w.id }

// Kind returns the worker kind.
func (w *Worker) Kind() Kind { return w.kind }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SpawnTime returns when the worker was spawned.
func (w *Worker) SpawnTime() time.Time { return w.spawnTime }

// CurrentTaskID returns the ID of the task the worker holds, or empty.
func (w *Worker) CurrentTaskID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTaskID
}

// LastTaskEnd returns when the worker last finished a task. Zero until the
// first task completes; pools use this for least-loaded selection.
func (w *Worker) LastTaskEnd() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastTaskEnd
}

// beginTask transitions idle→running and claims the task. A worker holds at
// most one task at a time.
func (w *Worker) beginTask(taskID string) (chan stream.Frame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case StateIdle:
	case StateRunning, StateCancelling:
		return nil, orcerrors.Newf(orcerrors.KindBusy, "worker %s already holds task %s", w.id, w.currentTaskID)
	default:
		return nil, orcerrors.Newf(orcerrors.KindBusy, "worker %s is %s", w.id, w.state)
	}
	w.state = StateRunning
	w.currentTaskID = taskID
	w.cancelAsked = false
	w.frames = make(chan stream.Frame, frameBuffer)
	return w.frames, nil
}

// finishTask releases the task and settles the worker into idle, or leaves
// it faulted/closing when a sticky transition happened meanwhile.
func (w *Worker) finishTask() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentTaskID = ""
	w.lastTaskEnd = time.Now()
	w.cancelExec = nil
	if w.state == StateRunning || w.state == StateCancelling {
		w.state = StateIdle
	}
}

// fault marks the worker faulted. Sticky until close.
func (w *Worker) fault() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateClosing && w.state != StateClosed {
		w.state = StateFaulted
	}
}

// ready transitions starting→idle after a successful launch.
func (w *Worker) ready(launch Launch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.launch = launch
	w.state = StateIdle
}

// requestCancel transitions running→cancelling and fires the execution
// cancel func. Idempotent; returns false when there is nothing to cancel.
func (w *Worker) requestCancel() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateRunning && w.state != StateCancelling {
		return false
	}
	if w.cancelAsked {
		return true
	}
	w.state = StateCancelling
	w.cancelAsked = true
	if w.cancelExec != nil {
		w.cancelExec()
	}
	return true
}

// cancelRequested reports whether a manual cancel was issued for the current
// task.
func (w *Worker) cancelRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelAsked
}

// setCancelExec installs the cancel func for the in-flight execution.
func (w *Worker) setCancelExec(cancel func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelExec = cancel
	if w.cancelAsked {
		// Cancel raced ahead of execution setup.
		cancel()
	}
}

// beginClose transitions into closing. Returns false when the worker is
// already closing or closed.
func (w *Worker) beginClose() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateClosing || w.state == StateClosed {
		return false
	}
	w.state = StateClosing
	return true
}

// cancelCurrentExec fires the in-flight execution's cancel func, if any.
func (w *Worker) cancelCurrentExec() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelExec != nil {
		w.cancelExec()
	}
}

// closed marks the terminal state.
func (w *Worker) closed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateClosed
}

// currentFrames returns the frame channel of the in-flight execution, or nil.
func (w *Worker) currentFrames() chan stream.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}
