package worker

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/stream"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
)

// monitorJitter is the capture cadence jitter: each tick fires at the
// configured interval ± this bound.
const monitorJitter = 100 * time.Millisecond

// MonitorLauncher launches debug-monitor workers: each execution captures
// terminal screen content on a jittered cadence and writes the snapshots
// through the pool memory handle. A monitor produces no Result until the
// worker is closed, at which point it emits completion(completed).
type MonitorLauncher struct {
	// Capturer reads the terminal screen. Required.
	Capturer ScreenCapturer
}

// Compile-time check that MonitorLauncher implements Launcher.
var _ Launcher = (*MonitorLauncher)(nil)

// Kind returns KindDebugMonitor.
func (*MonitorLauncher) Kind() Kind { return KindDebugMonitor }

// Launch validates the spec and returns a monitor launch.
func (l *MonitorLauncher) Launch(ctx context.Context, spec LaunchSpec) (Launch, error) {
	if l.Capturer == nil {
		return nil, orcerrors.New(orcerrors.KindSpawnPermanent, "monitor launcher has no capturer")
	}
	if spec.Memory == nil {
		return nil, orcerrors.New(orcerrors.KindSpawnPermanent, "monitor worker requires a memory handle")
	}
	interval := spec.SnapshotInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &monitorLaunch{
		capturer: l.Capturer,
		spec:     spec,
		interval: interval,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

type monitorLaunch struct {
	capturer ScreenCapturer
	spec     LaunchSpec
	interval time.Duration
	rand     *rand.Rand

	mu   sync.Mutex
	stop func(completed bool)
}

// Exec starts the snapshot loop. The returned stream stays open, emitting
// nothing, until Close injects the terminal completion frame or the context
// cancels the capture.
func (m *monitorLaunch) Exec(ctx context.Context, t *task.Task) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	loopCtx, cancel := context.WithCancel(ctx)

	var once sync.Once
	stop := func(completed bool) {
		once.Do(func() {
			cancel()
			if completed {
				if frame, err := stream.Encode(stream.Completion(task.StatusCompleted)); err == nil {
					_, _ = pw.Write(frame)
				}
			}
			_ = pw.Close()
		})
	}
	m.mu.Lock()
	m.stop = stop
	m.mu.Unlock()

	go m.loop(loopCtx, t.ID, stop)
	return pr, nil
}

// loop captures screen content until stopped.
func (m *monitorLaunch) loop(ctx context.Context, taskID string, stop func(bool)) {
	seq := 0
	for {
		m.mu.Lock()
		jitter := time.Duration(m.rand.Int63n(int64(2*monitorJitter))) - monitorJitter
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			// Cancelled or timed out; the manager decides the status.
			stop(false)
			return
		case <-time.After(m.interval + jitter):
		}
		snapshot, err := m.capturer.Capture(ctx)
		if err != nil {
			continue
		}
		key := fmt.Sprintf("screen:%s:%06d", taskID, seq)
		seq++
		_ = m.spec.Memory.Put(ctx, key, snapshot)
	}
}

// StderrTail returns empty: monitors have no diagnostic stream.
func (m *monitorLaunch) StderrTail() string { return "" }

// Close stops the snapshot loop and completes the stream.
func (m *monitorLaunch) Close(ctx context.Context) error {
	m.mu.Lock()
	stop := m.stop
	m.mu.Unlock()
	if stop != nil {
		stop(true)
	}
	return nil
}
