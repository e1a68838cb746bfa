package worker

import (
	"context"
	"io"
	"time"

	"github.com/mahavishnu-ai/mahavishnu/runtime/memory"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
)

type (
	// LaunchSpec carries the kind-specific launch metadata for a worker.
	// Only the fields for the worker's kind are consulted.
	LaunchSpec struct {
		// Command is the subprocess command template (argv). The task
		// payload is written to the child's stdin.
		Command []string
		// Env is extra environment for subprocess workers.
		Env []string
		// Image is the container image spec.
		Image string
		// ContainerCommand is the command executed inside the container per
		// task; the task payload is passed on stdin.
		ContainerCommand []string
		// Peer names the peer orchestrator endpoint for delegate workers.
		Peer string
		// SnapshotInterval overrides the debug monitor capture cadence.
		// Defaults to 1s with ±100ms jitter.
		SnapshotInterval time.Duration
		// Memory is the pool memory handle debug monitors write snapshots
		// to.
		Memory memory.Store
	}

	// Launch is one live execution resource produced by a Launcher.
	// Implementations must terminate in-flight work when the Exec context is
	// cancelled and must make the returned stream reach EOF promptly
	// afterwards.
	Launch interface {
		// Exec starts the task on the resource and returns its framed
		// output stream. The stream is finite and not restartable.
		Exec(ctx context.Context, t *task.Task) (io.ReadCloser, error)

		// StderrTail returns the bounded tail of diagnostic output
		// collected so far.
		StderrTail() string

		// Close releases the resource. Idempotent.
		Close(ctx context.Context) error
	}

	// Launcher creates launches of one kind. Launch failures are classified
	// via the error taxonomy: spawn_transient failures may be retried,
	// spawn_permanent ones may not.
	Launcher interface {
		// Kind returns the worker kind this launcher produces.
		Kind() Kind

		// Launch brings up one execution resource.
		Launch(ctx context.Context, spec LaunchSpec) (Launch, error)
	}

	// ContainerRuntime is the narrow capability set the container launcher
	// needs from a container engine. The engine itself (image distribution,
	// cgroup wiring) is an external collaborator.
	ContainerRuntime interface {
		// EnsureImage makes the image available locally, pulling if needed.
		EnsureImage(ctx context.Context, image string) error

		// Create starts a container from the image and returns its ID.
		Create(ctx context.Context, image string, command []string) (string, error)

		// Exec runs a command inside the container with the given stdin and
		// returns the combined framed output stream.
		Exec(ctx context.Context, containerID string, command []string, stdin []byte) (io.ReadCloser, error)

		// Remove tears the container down. Idempotent.
		Remove(ctx context.Context, containerID string) error
	}

	// Transport is the tool-protocol client surface delegate workers use to
	// forward tasks to a peer orchestrator. The server framework behind it
	// is an external collaborator; the kernel only consumes the peer's
	// framed response stream.
	Transport interface {
		// Call invokes the peer's execute endpoint with the serialized task
		// and returns the peer's framed response stream.
		Call(ctx context.Context, peer string, t *task.Task) (io.ReadCloser, error)
	}

	// ScreenCapturer captures terminal screen content for debug monitors.
	// The terminal multiplexer control surface behind it is an external
	// collaborator.
	ScreenCapturer interface {
		// Capture returns the current screen content.
		Capture(ctx context.Context) ([]byte, error)
	}
)
