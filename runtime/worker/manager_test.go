package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/stream"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
)

// fakeLaunch is a scriptable Launch for manager tests.
type fakeLaunch struct {
	mu         sync.Mutex
	exec       func(ctx context.Context, t *task.Task) (io.ReadCloser, error)
	stderr     string
	execCount  int
	closeCount int
}

func (f *fakeLaunch) Exec(ctx context.Context, t *task.Task) (io.ReadCloser, error) {
	f.mu.Lock()
	f.execCount++
	f.mu.Unlock()
	if f.exec == nil {
		return framedStream(stream.Completion(task.StatusCompleted)), nil
	}
	return f.exec(ctx, t)
}

func (f *fakeLaunch) StderrTail() string { return f.stderr }

func (f *fakeLaunch) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	return nil
}

func (f *fakeLaunch) execs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCount
}

func (f *fakeLaunch) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

// fakeLauncher fails Launch with spawn_transient a fixed number of times
// before handing out its launch.
type fakeLauncher struct {
	kind      Kind
	launch    *fakeLaunch
	transient int
	permanent bool
	calls     int
}

func (l *fakeLauncher) Kind() Kind { return l.kind }

func (l *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (Launch, error) {
	l.calls++
	if l.permanent {
		return nil, orcerrors.New(orcerrors.KindSpawnPermanent, "binary not found")
	}
	if l.transient > 0 {
		l.transient--
		return nil, orcerrors.New(orcerrors.KindSpawnTransient, "resource busy")
	}
	return l.launch, nil
}

// framedStream encodes frames into one wire stream.
func framedStream(frames ...stream.Frame) io.ReadCloser {
	var buf bytes.Buffer
	for _, f := range frames {
		b, err := stream.Encode(f)
		if err != nil {
			panic(err)
		}
		buf.Write(b)
	}
	return io.NopCloser(&buf)
}

// blockingStream never yields data until its context ends or it is closed,
// then reports EOF.
type blockingStream struct {
	ctx    context.Context
	done   chan struct{}
	closer sync.Once
}

func newBlockingStream(ctx context.Context) *blockingStream {
	return &blockingStream{ctx: ctx, done: make(chan struct{})}
}

func (s *blockingStream) Read(p []byte) (int, error) {
	select {
	case <-s.ctx.Done():
		return 0, io.EOF
	case <-s.done:
		return 0, io.EOF
	}
}

func (s *blockingStream) Close() error {
	s.closer.Do(func() { close(s.done) })
	return nil
}

func spawnTestWorker(t *testing.T, m *Manager, launch *fakeLaunch) *Worker {
	t.Helper()
	w, err := m.Spawn(context.Background(), KindSubprocess, LaunchSpec{})
	require.NoError(t, err)
	require.Equal(t, StateIdle, w.State())
	return w
}

func newTestManager(launch *fakeLaunch, opts ...ManagerOption) *Manager {
	opts = append([]ManagerOption{
		WithLauncher(&fakeLauncher{kind: KindSubprocess, launch: launch}),
		WithDrainTimeout(200 * time.Millisecond),
	}, opts...)
	return NewManager(opts...)
}

func TestSpawnUnknownKind(t *testing.T) {
	t.Parallel()

	m := NewManager()
	_, err := m.Spawn(context.Background(), KindContainer, LaunchSpec{})
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindSpawnPermanent))
}

func TestSpawnRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{kind: KindSubprocess, launch: &fakeLaunch{}, transient: 2}
	m := NewManager(WithLauncher(launcher))

	w, err := m.Spawn(context.Background(), KindSubprocess, LaunchSpec{})
	require.NoError(t, err)
	assert.Equal(t, 3, launcher.calls)
	assert.Equal(t, StateIdle, w.State())

	got, ok := m.Get(w.ID())
	require.True(t, ok)
	assert.Same(t, w, got)
}

func TestSpawnExhaustedRetriesBecomePermanent(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{kind: KindSubprocess, launch: &fakeLaunch{}, transient: 100}
	m := NewManager(WithLauncher(launcher))

	_, err := m.Spawn(context.Background(), KindSubprocess, LaunchSpec{})
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindSpawnPermanent))
	assert.Empty(t, m.List())
}

func TestSpawnPermanentFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{kind: KindSubprocess, launch: &fakeLaunch{}, permanent: true}
	m := NewManager(WithLauncher(launcher))

	_, err := m.Spawn(context.Background(), KindSubprocess, LaunchSpec{})
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindSpawnPermanent))
	assert.Equal(t, 1, launcher.calls)
}

func TestExecuteAssemblesArtifact(t *testing.T) {
	t.Parallel()

	launch := &fakeLaunch{
		exec: func(context.Context, *task.Task) (io.ReadCloser, error) {
			return framedStream(
				stream.Content([]byte("hello ")),
				stream.Progress(50),
				stream.Content([]byte("world")),
				stream.Completion(task.StatusCompleted),
			), nil
		},
		stderr: "warning: something",
	}
	m := newTestManager(launch)
	w := spawnTestWorker(t, m, launch)

	result, err := m.Execute(context.Background(), w, task.New(task.KindInference, []byte("prompt")))
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, result.Status)
	assert.Equal(t, []byte("hello world"), result.Artifact)
	assert.Equal(t, 4, result.FramesConsumed)
	assert.Equal(t, "warning: something", result.StderrTail)
	assert.Equal(t, w.ID(), result.WorkerID)

	// The worker settles back into idle and records the task end.
	assert.Equal(t, StateIdle, w.State())
	assert.False(t, w.LastTaskEnd().IsZero())
	assert.Empty(t, w.CurrentTaskID())
}

func TestExecuteExpiredTaskNeverDispatches(t *testing.T) {
	t.Parallel()

	launch := &fakeLaunch{}
	m := newTestManager(launch)
	w := spawnTestWorker(t, m, launch)

	tk := task.New(task.KindShell, nil)
	tk.Deadline = time.Now().Add(-time.Second)

	result, err := m.Execute(context.Background(), w, tk)
	require.NoError(t, err)
	assert.Equal(t, task.StatusTimedOut, result.Status)
	assert.Equal(t, 0, launch.execs())
	assert.Equal(t, StateIdle, w.State())
}

func TestExecuteRefusesBusyWorker(t *testing.T) {
	t.Parallel()

	launch := &fakeLaunch{
		exec: func(ctx context.Context, _ *task.Task) (io.ReadCloser, error) {
			return newBlockingStream(ctx), nil
		},
	}
	m := newTestManager(launch)
	w := spawnTestWorker(t, m, launch)

	done := make(chan *task.Result, 1)
	go func() {
		result, _ := m.Execute(context.Background(), w, task.New(task.KindShell, nil))
		done <- result
	}()
	require.Eventually(t, func() bool { return w.State() == StateRunning }, time.Second, 5*time.Millisecond)

	_, err := m.Execute(context.Background(), w, task.New(task.KindShell, nil))
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindBusy))

	m.Cancel(context.Background(), w)
	result := <-done
	assert.Equal(t, task.StatusCancelled, result.Status)
	assert.Equal(t, StateIdle, w.State())
}

func TestExecuteDeadlineYieldsTimedOut(t *testing.T) {
	t.Parallel()

	launch := &fakeLaunch{
		exec: func(ctx context.Context, _ *task.Task) (io.ReadCloser, error) {
			return newBlockingStream(ctx), nil
		},
	}
	m := newTestManager(launch)
	w := spawnTestWorker(t, m, launch)

	tk := task.New(task.KindShell, nil)
	tk.Deadline = time.Now().Add(50 * time.Millisecond)

	result, err := m.Execute(context.Background(), w, tk)
	require.NoError(t, err)
	assert.Equal(t, task.StatusTimedOut, result.Status)
	assert.Equal(t, StateIdle, w.State())
}

func TestExecuteCancelDuringCompletionStillReportsCancelled(t *testing.T) {
	t.Parallel()

	// The worker was asked to cancel but the stream still delivered a
	// completed frame; the cancel wins.
	release := make(chan struct{})
	launch := &fakeLaunch{}
	m := newTestManager(launch)

	launch.exec = func(ctx context.Context, _ *task.Task) (io.ReadCloser, error) {
		return &gatedStream{
			gate:   release,
			frames: framedStream(stream.Completion(task.StatusCompleted)),
		}, nil
	}
	w := spawnTestWorker(t, m, launch)

	done := make(chan *task.Result, 1)
	go func() {
		result, _ := m.Execute(context.Background(), w, task.New(task.KindShell, nil))
		done <- result
	}()
	require.Eventually(t, func() bool { return w.State() == StateRunning }, time.Second, 5*time.Millisecond)

	m.Cancel(context.Background(), w)
	close(release)
	result := <-done
	assert.Equal(t, task.StatusCancelled, result.Status)
}

// gatedStream withholds its frames until the gate closes.
type gatedStream struct {
	gate   <-chan struct{}
	frames io.ReadCloser
}

func (s *gatedStream) Read(p []byte) (int, error) {
	<-s.gate
	return s.frames.Read(p)
}

func (s *gatedStream) Close() error { return s.frames.Close() }

func TestExecuteParseErrorFaultsWorker(t *testing.T) {
	t.Parallel()

	launch := &fakeLaunch{
		exec: func(context.Context, *task.Task) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader([]byte("not a framed stream"))), nil
		},
	}
	m := newTestManager(launch)
	w := spawnTestWorker(t, m, launch)

	frames := make([]stream.Frame, 0, 4)
	result, err := m.Execute(context.Background(), w, task.New(task.KindShell, nil))
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, result.Status)
	assert.Equal(t, StateFaulted, w.State())

	// The synthetic completion frame reached the stream channel.
	for f := range m.Stream(w) {
		frames = append(frames, f)
	}
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, stream.FrameCompletion, last.Type)
	assert.Equal(t, task.StatusFailed, last.Status)
}

func TestExecuteLaunchErrorProducesFailedResult(t *testing.T) {
	t.Parallel()

	launch := &fakeLaunch{
		exec: func(context.Context, *task.Task) (io.ReadCloser, error) {
			return nil, errors.New("exec refused")
		},
		stderr: "child exploded",
	}
	m := newTestManager(launch)
	w := spawnTestWorker(t, m, launch)

	result, err := m.Execute(context.Background(), w, task.New(task.KindShell, nil))
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, result.Status)
	assert.Equal(t, "child exploded", result.StderrTail)
	assert.Equal(t, StateIdle, w.State())
}

func TestStreamForwardsFrames(t *testing.T) {
	t.Parallel()

	launch := &fakeLaunch{
		exec: func(context.Context, *task.Task) (io.ReadCloser, error) {
			return framedStream(
				stream.ToolCall("search", map[string]any{"q": "go"}),
				stream.Log("info", "working"),
				stream.Completion(task.StatusCompleted),
			), nil
		},
	}
	m := newTestManager(launch)
	w := spawnTestWorker(t, m, launch)

	_, err := m.Execute(context.Background(), w, task.New(task.KindInference, nil))
	require.NoError(t, err)

	var types []stream.FrameType
	for f := range m.Stream(w) {
		types = append(types, f.Type)
	}
	assert.Equal(t, []stream.FrameType{stream.FrameToolCall, stream.FrameLog, stream.FrameCompletion}, types)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	launch := &fakeLaunch{}
	m := newTestManager(launch)
	w := spawnTestWorker(t, m, launch)

	require.NoError(t, m.Close(context.Background(), w))
	assert.Equal(t, StateClosed, w.State())
	assert.Equal(t, 1, launch.closes())

	require.NoError(t, m.Close(context.Background(), w))
	assert.Equal(t, 1, launch.closes())

	_, ok := m.Get(w.ID())
	assert.False(t, ok)
}

func TestCloseCancelsInFlightExecution(t *testing.T) {
	t.Parallel()

	launch := &fakeLaunch{
		exec: func(ctx context.Context, _ *task.Task) (io.ReadCloser, error) {
			return newBlockingStream(ctx), nil
		},
	}
	m := newTestManager(launch)
	w := spawnTestWorker(t, m, launch)

	done := make(chan *task.Result, 1)
	go func() {
		result, _ := m.Execute(context.Background(), w, task.New(task.KindShell, nil))
		done <- result
	}()
	require.Eventually(t, func() bool { return w.State() == StateRunning }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Close(context.Background(), w))
	result := <-done
	assert.Equal(t, task.StatusCancelled, result.Status)
	assert.Equal(t, StateClosed, w.State())
}

func TestCloseAll(t *testing.T) {
	t.Parallel()

	launch := &fakeLaunch{}
	m := newTestManager(launch)
	for i := 0; i < 3; i++ {
		spawnTestWorker(t, m, launch)
	}
	require.Len(t, m.List(), 3)

	require.NoError(t, m.CloseAll(context.Background()))
	assert.Empty(t, m.List())
}
