package worker

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
)

// DockerCLIRuntime implements ContainerRuntime by shelling out to the docker
// CLI. Containers are kept alive between task executions; each task runs via
// docker exec with the payload on stdin.
type DockerCLIRuntime struct {
	// Binary overrides the docker binary name. Defaults to "docker".
	Binary string
}

// Compile-time check that DockerCLIRuntime implements ContainerRuntime.
var _ ContainerRuntime = (*DockerCLIRuntime)(nil)

func (r *DockerCLIRuntime) binary() string {
	if r.Binary != "" {
		return r.Binary
	}
	return "docker"
}

// EnsureImage makes the image available locally, pulling when absent.
func (r *DockerCLIRuntime) EnsureImage(ctx context.Context, image string) error {
	if err := exec.CommandContext(ctx, r.binary(), "image", "inspect", image).Run(); err == nil {
		return nil
	}
	if out, err := exec.CommandContext(ctx, r.binary(), "pull", image).CombinedOutput(); err != nil {
		return orcerrors.Wrap(orcerrors.KindSpawnTransient, "pull image "+image+": "+tail(out), err)
	}
	return nil
}

// Create starts a long-lived container from the image and returns its ID.
func (r *DockerCLIRuntime) Create(ctx context.Context, image string, command []string) (string, error) {
	args := []string{"run", "-d", "--entrypoint", "sleep", image, "infinity"}
	out, err := exec.CommandContext(ctx, r.binary(), args...).Output()
	if err != nil {
		return "", orcerrors.Wrap(orcerrors.KindSpawnTransient, "create container from "+image, err)
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", orcerrors.New(orcerrors.KindSpawnTransient, "docker run returned no container ID")
	}
	return id, nil
}

// Exec runs the command inside the container with stdin attached and returns
// its stdout as the framed stream.
func (r *DockerCLIRuntime) Exec(ctx context.Context, containerID string, command []string, stdin []byte) (io.ReadCloser, error) {
	if len(command) == 0 {
		return nil, orcerrors.New(orcerrors.KindInvalidArgument, "container exec requires a command")
	}
	args := append([]string{"exec", "-i", containerID}, command...)
	cmd := exec.CommandContext(ctx, r.binary(), args...)
	cmd.Stdin = bytes.NewReader(stdin)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, orcerrors.Wrap(orcerrors.KindInternal, "attach container stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, orcerrors.Wrap(orcerrors.KindInternal, "start container exec", err)
	}
	return &execStream{ReadCloser: stdout, cmd: cmd}, nil
}

// Remove tears the container down.
func (r *DockerCLIRuntime) Remove(ctx context.Context, containerID string) error {
	if out, err := exec.CommandContext(ctx, r.binary(), "rm", "-f", containerID).CombinedOutput(); err != nil {
		return orcerrors.Wrap(orcerrors.KindInternal, "remove container "+containerID+": "+tail(out), err)
	}
	return nil
}

// execStream ties the stream lifetime to the exec process: closing the
// stream reaps the child.
type execStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (s *execStream) Close() error {
	err := s.ReadCloser.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return err
}

func tail(out []byte) string {
	const max = 256
	s := strings.TrimSpace(string(out))
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
