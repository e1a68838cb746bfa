package orcerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"direct", New(KindBusy, "worker busy"), KindBusy},
		{"wrapped in fmt", fmt.Errorf("dispatch: %w", New(KindOverloaded, "queue full")), KindOverloaded},
		{"wrapped cause keeps outer kind", Wrap(KindStoreUnavailable, "append", New(KindInternal, "io")), KindStoreUnavailable},
		{"context canceled", context.Canceled, KindCancelled},
		{"context deadline", context.DeadlineExceeded, KindCancelled},
		{"plain error", errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestIsKindTraversesChains(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("outer: %w", Wrap(KindRateLimited, "denied", errors.New("inner")))
	assert.True(t, IsKind(err, KindRateLimited))
	assert.False(t, IsKind(err, KindCircuitOpen))
	assert.False(t, IsKind(nil, KindRateLimited))
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	err := New(KindOverloaded, "queue full").WithRetryAfter(3 * time.Second)
	assert.Equal(t, 3*time.Second, RetryAfter(err))
	assert.Zero(t, RetryAfter(errors.New("plain")))

	// WithRetryAfter clones; the original stays clean.
	base := New(KindRateLimited, "denied")
	_ = base.WithRetryAfter(time.Minute)
	assert.Zero(t, base.RetryAfter)
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "busy: worker w1 holds t1", New(KindBusy, "worker w1 holds t1").Error())
	wrapped := Wrap(KindStoreUnavailable, "append record", errors.New("connection reset"))
	assert.Equal(t, "store_unavailable: append record: connection reset", wrapped.Error())
	require.ErrorIs(t, wrapped, wrapped.Cause)
}

func TestTransient(t *testing.T) {
	t.Parallel()

	for _, kind := range []Kind{KindSpawnTransient, KindOverloaded, KindRateLimited, KindCircuitOpen, KindStoreUnavailable} {
		assert.True(t, Transient(kind), string(kind))
	}
	for _, kind := range []Kind{KindSpawnPermanent, KindBusy, KindUnauthenticated, KindInvalidTransition, KindInternal} {
		assert.False(t, Transient(kind), string(kind))
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{New(KindConfig, "bad yaml"), 1},
		{New(KindInvalidArgument, "bad params"), 1},
		{New(KindSpawnTransient, "runtime busy"), 2},
		{New(KindOverloaded, "queue full"), 3},
		{New(KindRateLimited, "denied"), 3},
		{New(KindUnauthenticated, "bad signature"), 4},
		{errors.New("plain"), 2},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExitCode(tc.err))
	}
}
