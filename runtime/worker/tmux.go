package worker

import (
	"context"
	"os/exec"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
)

// TmuxCapturer captures terminal screen content by shelling out to tmux.
// The zero pane targets the active pane of the attached session.
type TmuxCapturer struct {
	pane string
}

// Compile-time check that TmuxCapturer implements ScreenCapturer.
var _ ScreenCapturer = (*TmuxCapturer)(nil)

// NewTmuxCapturer constructs a capturer for the given tmux pane target.
func NewTmuxCapturer(pane string) *TmuxCapturer {
	return &TmuxCapturer{pane: pane}
}

// Capture runs tmux capture-pane and returns the pane content.
func (c *TmuxCapturer) Capture(ctx context.Context) ([]byte, error) {
	args := []string{"capture-pane", "-p"}
	if c.pane != "" {
		args = append(args, "-t", c.pane)
	}
	out, err := exec.CommandContext(ctx, "tmux", args...).Output()
	if err != nil {
		return nil, orcerrors.Wrap(orcerrors.KindInternal, "tmux capture-pane", err)
	}
	return out, nil
}
