// Package task defines the unit of work flowing through the orchestration
// kernel and the terminal Result it produces. Tasks reference workers by ID,
// never by pointer: ownership lives with the pool that dispatched the task.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the supported task kinds. The set is closed: adding a kind
// is a deliberate change that also touches the worker spawn factory.
type Kind string

const (
	// KindInference runs a model inference request on a subprocess worker.
	KindInference Kind = "inference"
	// KindIndexing runs a document indexing request.
	KindIndexing Kind = "indexing"
	// KindShell runs a shell command on a subprocess worker.
	KindShell Kind = "shell"
	// KindContainerExec runs a command inside a container worker.
	KindContainerExec Kind = "container-exec"
	// KindDebugMonitor attaches a terminal snapshot monitor.
	KindDebugMonitor Kind = "debug-monitor"
)

// PoolKind enumerates the pool kinds a task may pin itself to.
type PoolKind string

const (
	// PoolLocal pools own locally managed subprocess workers.
	PoolLocal PoolKind = "local"
	// PoolDelegated pools proxy execution to a peer orchestrator. The pool's
	// "workers" are logical slots tracking outstanding peer requests.
	PoolDelegated PoolKind = "delegated"
	// PoolContainer pools own container-backed workers.
	PoolContainer PoolKind = "container"
)

// Priority orders tasks and messages. Higher values dispatch first.
type Priority int8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int8(p))
	}
}

// ParsePriority converts a priority name into a Priority. Unknown names
// return PriorityNormal and false.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "normal":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "urgent":
		return PriorityUrgent, true
	default:
		return PriorityNormal, false
	}
}

// Task is a unit of work. A task is owned by at most one worker at a time;
// the kernel enforces this by routing the task through exactly one pool
// dispatch.
type Task struct {
	// ID is unique within the process.
	ID string
	// Kind selects the execution semantics.
	Kind Kind
	// Payload is the opaque task input, written to the worker verbatim.
	Payload []byte
	// Params carries typed parameters alongside the opaque payload.
	Params map[string]any
	// Deadline is the absolute time after which the task must not run. A
	// task dispatched at or past its deadline yields a timed_out Result
	// without touching a worker.
	Deadline time.Time
	// Priority orders the task within the intra-pool queue.
	Priority Priority
	// RequestedPoolKind optionally pins routing to one pool kind.
	RequestedPoolKind PoolKind
	// AffinityKey optionally steers affinity-based routing.
	AffinityKey string
}

// New constructs a task with a fresh ID and the given kind and payload.
func New(kind Kind, payload []byte) *Task {
	return &Task{
		ID:       uuid.NewString(),
		Kind:     kind,
		Payload:  payload,
		Priority: PriorityNormal,
	}
}

// Expired reports whether the task's deadline has passed at the given time.
// A zero deadline never expires.
func (t *Task) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && !t.Deadline.After(now)
}

// Status is the terminal status of a task on a worker.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Result is the outcome of a task on a worker. A result is produced once and
// delivered once to the requester.
type Result struct {
	// TaskID identifies the task that produced this result.
	TaskID string
	// WorkerID identifies the worker that ran the task. Empty when the task
	// never reached a worker (expired at dispatch, cancelled while queued).
	WorkerID string
	// Status is the terminal status.
	Status Status
	// Artifact is the opaque output assembled from content frames.
	Artifact []byte
	// StderrTail holds the bounded tail of the worker's stderr.
	StderrTail string
	// Duration is the wall time between dispatch and the terminal frame.
	Duration time.Duration
	// FramesConsumed counts stream frames read before the terminal frame.
	FramesConsumed int
}
