package worker

import (
	"context"
	"io"

	"github.com/mahavishnu-ai/mahavishnu/runtime/guard"
	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
)

// DelegateLauncher launches remote-delegate workers: logical slots that
// forward tasks to a peer orchestrator over the tool protocol and consume
// the peer's response stream as the local stream. Spawning a delegate worker
// allocates a slot; no remote process is started.
type DelegateLauncher struct {
	// Transport is the tool-protocol client. Required.
	Transport Transport
	// Breaker, when set, guards peer calls with the adapter retry
	// discipline.
	Breaker *guard.Breaker
}

// Compile-time check that DelegateLauncher implements Launcher.
var _ Launcher = (*DelegateLauncher)(nil)

// Kind returns KindDelegate.
func (*DelegateLauncher) Kind() Kind { return KindDelegate }

// Launch allocates a delegate slot for the configured peer.
func (l *DelegateLauncher) Launch(ctx context.Context, spec LaunchSpec) (Launch, error) {
	if l.Transport == nil {
		return nil, orcerrors.New(orcerrors.KindSpawnPermanent, "delegate launcher has no transport")
	}
	if spec.Peer == "" {
		return nil, orcerrors.New(orcerrors.KindSpawnPermanent, "delegate worker requires a peer")
	}
	return &delegateLaunch{transport: l.Transport, peer: spec.Peer, breaker: l.Breaker}, nil
}

type delegateLaunch struct {
	transport Transport
	peer      string
	breaker   *guard.Breaker
}

// Exec forwards the task to the peer and returns its response stream.
func (d *delegateLaunch) Exec(ctx context.Context, t *task.Task) (io.ReadCloser, error) {
	var rc io.ReadCloser
	call := func(ctx context.Context) error {
		var err error
		rc, err = d.transport.Call(ctx, d.peer, t)
		return err
	}
	var err error
	if d.breaker != nil {
		err = d.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		if orcerrors.IsKind(err, orcerrors.KindCircuitOpen) {
			return nil, err
		}
		return nil, orcerrors.Wrap(orcerrors.KindInternal, "delegate call to "+d.peer, err)
	}
	return rc, nil
}

// StderrTail returns empty: delegate slots have no local diagnostics.
func (d *delegateLaunch) StderrTail() string { return "" }

// Close releases the slot.
func (d *delegateLaunch) Close(ctx context.Context) error { return nil }
