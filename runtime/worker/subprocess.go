package worker

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
)

// SubprocessLauncher launches subprocess-ai workers: each task runs the
// spec's command template as a child process, with the task payload on stdin
// and framed JSON expected on stdout. Stderr is retained in a bounded tail.
type SubprocessLauncher struct {
	// StderrTailSize bounds the retained stderr tail. Defaults to 4 KiB.
	StderrTailSize int
}

// Compile-time check that SubprocessLauncher implements Launcher.
var _ Launcher = (*SubprocessLauncher)(nil)

// Kind returns KindSubprocess.
func (*SubprocessLauncher) Kind() Kind { return KindSubprocess }

// Launch validates the command template and returns a subprocess launch.
// A missing binary is a permanent spawn failure.
func (l *SubprocessLauncher) Launch(ctx context.Context, spec LaunchSpec) (Launch, error) {
	if len(spec.Command) == 0 {
		return nil, orcerrors.New(orcerrors.KindSpawnPermanent, "subprocess worker requires a command template")
	}
	if _, err := exec.LookPath(spec.Command[0]); err != nil {
		return nil, orcerrors.Wrap(orcerrors.KindSpawnPermanent, "command not found: "+spec.Command[0], err)
	}
	return &subprocessLaunch{spec: spec, tail: newTailBuffer(l.StderrTailSize)}, nil
}

type subprocessLaunch struct {
	spec LaunchSpec
	tail *tailBuffer
}

// Exec spawns the child process for one task.
func (s *subprocessLaunch) Exec(ctx context.Context, t *task.Task) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, s.spec.Command[0], s.spec.Command[1:]...)
	cmd.Env = append(os.Environ(), s.spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, orcerrors.Wrap(orcerrors.KindInternal, "open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, orcerrors.Wrap(orcerrors.KindInternal, "open stdout pipe", err)
	}
	cmd.Stderr = s.tail

	if err := cmd.Start(); err != nil {
		return nil, orcerrors.Wrap(orcerrors.KindSpawnTransient, "start subprocess", err)
	}

	// Feed the payload and close stdin so the child sees EOF.
	go func() {
		if len(t.Payload) > 0 {
			_, _ = stdin.Write(t.Payload)
		}
		_ = stdin.Close()
	}()

	return &procStream{ReadCloser: stdout, cmd: cmd}, nil
}

// StderrTail returns the retained stderr tail.
func (s *subprocessLaunch) StderrTail() string { return s.tail.String() }

// Close releases the launch. Per-task processes are reaped by their stream's
// Close, so there is nothing to release here.
func (s *subprocessLaunch) Close(ctx context.Context) error { return nil }

// procStream wraps the child's stdout; Close reaps the process.
type procStream struct {
	io.ReadCloser
	cmd  *exec.Cmd
	once sync.Once
}

func (p *procStream) Close() error {
	p.once.Do(func() {
		_ = p.ReadCloser.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}
