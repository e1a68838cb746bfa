package worker

import (
	"context"
	"io"
	"time"

	"github.com/mahavishnu-ai/mahavishnu/runtime/guard"
	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
)

// ContainerLauncher launches container workers through an abstract
// ContainerRuntime. Spawn is preceded by an image-availability check;
// transient runtime errors are retried up to MaxRetries before becoming
// permanent.
type ContainerLauncher struct {
	// Runtime is the container engine client. Required.
	Runtime ContainerRuntime
	// Breaker, when set, guards runtime calls and owns the retry
	// discipline; the launcher's own retry loop is bypassed.
	Breaker *guard.Breaker
	// MaxRetries bounds retries of transient runtime errors during spawn.
	// Defaults to 3.
	MaxRetries int
	// RetryBackoff is the pause between spawn retries. Defaults to 500ms.
	RetryBackoff time.Duration
}

// Compile-time check that ContainerLauncher implements Launcher.
var _ Launcher = (*ContainerLauncher)(nil)

// Kind returns KindContainer.
func (*ContainerLauncher) Kind() Kind { return KindContainer }

// Launch ensures the image is available and starts a container.
func (l *ContainerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Launch, error) {
	if l.Runtime == nil {
		return nil, orcerrors.New(orcerrors.KindSpawnPermanent, "container launcher has no runtime")
	}
	if spec.Image == "" {
		return nil, orcerrors.New(orcerrors.KindSpawnPermanent, "container worker requires an image spec")
	}

	if l.Breaker != nil {
		var id string
		err := l.Breaker.Execute(ctx, func(ctx context.Context) error {
			if err := l.Runtime.EnsureImage(ctx, spec.Image); err != nil {
				return err
			}
			var err error
			id, err = l.Runtime.Create(ctx, spec.Image, spec.ContainerCommand)
			return err
		})
		if err != nil {
			if orcerrors.IsKind(err, orcerrors.KindCircuitOpen) {
				return nil, err
			}
			return nil, orcerrors.Wrap(orcerrors.KindSpawnPermanent, "container spawn failed after retries", err)
		}
		return &containerLaunch{runtime: l.Runtime, containerID: id, spec: spec, tail: newTailBuffer(0)}, nil
	}

	retries := l.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	backoff := l.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, orcerrors.Wrap(orcerrors.KindSpawnTransient, "container spawn interrupted", ctx.Err())
			case <-time.After(backoff):
			}
		}
		if err := l.Runtime.EnsureImage(ctx, spec.Image); err != nil {
			lastErr = err
			continue
		}
		id, err := l.Runtime.Create(ctx, spec.Image, spec.ContainerCommand)
		if err != nil {
			lastErr = err
			continue
		}
		return &containerLaunch{runtime: l.Runtime, containerID: id, spec: spec, tail: newTailBuffer(0)}, nil
	}
	// Retries exhausted: the failure is permanent from the pool's view.
	return nil, orcerrors.Wrap(orcerrors.KindSpawnPermanent, "container spawn failed after retries", lastErr)
}

type containerLaunch struct {
	runtime     ContainerRuntime
	containerID string
	spec        LaunchSpec
	tail        *tailBuffer
}

// Exec runs the task command inside the container.
func (c *containerLaunch) Exec(ctx context.Context, t *task.Task) (io.ReadCloser, error) {
	command := c.spec.ContainerCommand
	rc, err := c.runtime.Exec(ctx, c.containerID, command, t.Payload)
	if err != nil {
		return nil, orcerrors.Wrap(orcerrors.KindInternal, "container exec", err)
	}
	return rc, nil
}

// StderrTail returns the retained diagnostic tail.
func (c *containerLaunch) StderrTail() string { return c.tail.String() }

// Close tears the container down.
func (c *containerLaunch) Close(ctx context.Context) error {
	if err := c.runtime.Remove(ctx, c.containerID); err != nil {
		return orcerrors.Wrap(orcerrors.KindInternal, "remove container "+c.containerID, err)
	}
	return nil
}
