package bus

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahavishnu-ai/mahavishnu/runtime/bus/buslog"
	"github.com/mahavishnu-ai/mahavishnu/runtime/bus/buslog/memlog"
	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
)

var testSecrets = map[string]string{
	"repo-a": "secret-a",
	"repo-b": "secret-b",
	"repo-c": "secret-c",
}

func newTestBus(t *testing.T, log buslog.Log) *Bus {
	t.Helper()
	if log == nil {
		log = memlog.New()
	}
	b, err := New(Options{
		Log:      log,
		Registry: NewStaticRegistry("repo-a", "repo-b", "repo-c"),
		Secrets:  StaticSecrets(testSecrets),
	})
	require.NoError(t, err)
	return b
}

// deterministicIDs makes message IDs and timestamps predictable: IDs count
// up and every send is one second after the previous.
func deterministicIDs(b *Bus) {
	seq := 0
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b.newID = func() string {
		seq++
		return fmt.Sprintf("msg-%03d", seq)
	}
	b.now = func() time.Time {
		return base.Add(time.Duration(seq) * time.Second)
	}
}

func TestSendAndListReadYourWrites(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, nil)
	ctx := context.Background()

	id, err := b.Send(ctx, SendInput{
		From: "repo-a", To: "repo-b",
		Subject: "hello", Body: "first contact",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	messages, err := b.List(ctx, "repo-b", Filter{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, id, messages[0].ID)
	assert.Equal(t, "hello", messages[0].Subject)
	assert.Equal(t, StatusUnread, messages[0].Status)
	assert.NotEmpty(t, messages[0].Signature)
}

func TestSendUnknownRepo(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, nil)
	ctx := context.Background()

	_, err := b.Send(ctx, SendInput{From: "repo-x", To: "repo-b", Subject: "s"})
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindUnknownRepo))

	_, err = b.Send(ctx, SendInput{From: "repo-a", To: "repo-x", Subject: "s"})
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindUnknownRepo))
}

func TestSendWithoutSecret(t *testing.T) {
	t.Parallel()

	b, err := New(Options{
		Log:      memlog.New(),
		Registry: NewStaticRegistry("repo-a", "repo-no-secret"),
		Secrets:  StaticSecrets(testSecrets),
	})
	require.NoError(t, err)

	_, err = b.Send(context.Background(), SendInput{From: "repo-no-secret", To: "repo-a", Subject: "s"})
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindUnauthenticated))
}

func TestListOrdering(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, nil)
	deterministicIDs(b)
	ctx := context.Background()

	// Sent in mixed order; listed priority-descending, then newest first.
	sends := []struct {
		subject  string
		priority task.Priority
	}{
		{"low early", task.PriorityLow},
		{"urgent early", task.PriorityUrgent},
		{"normal", task.PriorityNormal},
		{"urgent late", task.PriorityUrgent},
		{"low late", task.PriorityLow},
	}
	for _, s := range sends {
		_, err := b.Send(ctx, SendInput{
			From: "repo-a", To: "repo-b",
			Subject: s.subject, Priority: s.priority,
		})
		require.NoError(t, err)
	}

	messages, err := b.List(ctx, "repo-b", Filter{})
	require.NoError(t, err)
	subjects := make([]string, len(messages))
	for i, m := range messages {
		subjects[i] = m.Subject
	}
	assert.Equal(t, []string{"urgent late", "urgent early", "normal", "low late", "low early"}, subjects)
}

func TestListTieBreakOnMessageID(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, nil)
	// Same priority and timestamp for every message; only IDs differ.
	seq := 0
	b.newID = func() string {
		seq++
		return fmt.Sprintf("msg-%03d", seq)
	}
	b.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Send(ctx, SendInput{From: "repo-a", To: "repo-b", Subject: "same"})
		require.NoError(t, err)
	}
	messages, err := b.List(ctx, "repo-b", Filter{})
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "msg-003", messages[0].ID)
	assert.Equal(t, "msg-002", messages[1].ID)
	assert.Equal(t, "msg-001", messages[2].ID)
}

func TestListFilters(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, nil)
	ctx := context.Background()

	fromA, err := b.Send(ctx, SendInput{From: "repo-a", To: "repo-b", Subject: "from a", Priority: task.PriorityHigh})
	require.NoError(t, err)
	_, err = b.Send(ctx, SendInput{From: "repo-c", To: "repo-b", Subject: "from c"})
	require.NoError(t, err)
	require.NoError(t, b.Acknowledge(ctx, fromA, StatusRead))

	high := task.PriorityHigh
	messages, err := b.List(ctx, "repo-b", Filter{Priority: &high})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "from a", messages[0].Subject)

	read := StatusRead
	messages, err = b.List(ctx, "repo-b", Filter{Status: &read})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, fromA, messages[0].ID)

	messages, err = b.List(ctx, "repo-b", Filter{Sender: "repo-c"})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "from c", messages[0].Subject)
}

func TestAcknowledgeTransitions(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, nil)
	ctx := context.Background()

	id, err := b.Send(ctx, SendInput{From: "repo-a", To: "repo-b", Subject: "s"})
	require.NoError(t, err)

	// unread → read → archived is the happy path.
	require.NoError(t, b.Acknowledge(ctx, id, StatusRead))
	require.NoError(t, b.Acknowledge(ctx, id, StatusArchived))

	// Re-archiving an archived message is a no-op.
	require.NoError(t, b.Acknowledge(ctx, id, StatusArchived))
	messages, err := b.List(ctx, "repo-b", Filter{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, StatusArchived, messages[0].Status)

	// Leaving archived is invalid.
	err = b.Acknowledge(ctx, id, StatusRead)
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindInvalidTransition))

	// Direct unread → archived is valid.
	id2, err := b.Send(ctx, SendInput{From: "repo-a", To: "repo-b", Subject: "s2"})
	require.NoError(t, err)
	require.NoError(t, b.Acknowledge(ctx, id2, StatusArchived))

	// read → read is invalid.
	id3, err := b.Send(ctx, SendInput{From: "repo-a", To: "repo-b", Subject: "s3"})
	require.NoError(t, err)
	require.NoError(t, b.Acknowledge(ctx, id3, StatusRead))
	err = b.Acknowledge(ctx, id3, StatusRead)
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindInvalidTransition))
}

func TestAcknowledgeUnknownMessage(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, nil)
	err := b.Acknowledge(context.Background(), "missing", StatusRead)
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindInvalidArgument))
}

// tamperLog flips a signature byte on Get to simulate a corrupted or forged
// record.
type tamperLog struct {
	buslog.Log
}

func (l *tamperLog) Get(ctx context.Context, messageID string) (buslog.Record, error) {
	rec, err := l.Log.Get(ctx, messageID)
	if err != nil {
		return rec, err
	}
	rec.Signature = append([]byte{}, rec.Signature...)
	rec.Signature[0] ^= 0xff
	return rec, nil
}

func TestAcknowledgeRejectsBadSignature(t *testing.T) {
	t.Parallel()

	inner := memlog.New()
	b := newTestBus(t, &tamperLog{Log: inner})
	ctx := context.Background()

	id, err := b.Send(ctx, SendInput{From: "repo-a", To: "repo-b", Subject: "s"})
	require.NoError(t, err)

	err = b.Acknowledge(ctx, id, StatusRead)
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindUnauthenticated))

	_, err = b.Forward(ctx, id, "repo-c", "")
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindUnauthenticated))
}

func TestForward(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, nil)
	ctx := context.Background()

	originalID, err := b.Send(ctx, SendInput{
		From: "repo-a", To: "repo-b",
		Subject: "release notes", Body: "v2 shipped",
		Priority: task.PriorityHigh,
		Context:  map[string]string{"release": "v2"},
	})
	require.NoError(t, err)

	forwardID, err := b.Forward(ctx, originalID, "repo-c", "FYI")
	require.NoError(t, err)

	messages, err := b.List(ctx, "repo-c", Filter{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	fwd := messages[0]

	assert.Equal(t, forwardID, fwd.ID)
	assert.Equal(t, "repo-b", fwd.From)
	assert.Equal(t, "Fwd: release notes", fwd.Subject)
	assert.Equal(t, task.PriorityHigh, fwd.Priority)
	assert.Equal(t, originalID, fwd.InReplyTo)
	assert.True(t, strings.HasPrefix(fwd.Body, "FYI\n"))
	assert.Contains(t, fwd.Body, "v2 shipped")
}

func TestForwardChainsReferenceTheRoot(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, nil)
	ctx := context.Background()

	rootID, err := b.Send(ctx, SendInput{From: "repo-a", To: "repo-b", Subject: "origin"})
	require.NoError(t, err)

	firstFwd, err := b.Forward(ctx, rootID, "repo-c", "")
	require.NoError(t, err)
	secondFwd, err := b.Forward(ctx, firstFwd, "repo-a", "")
	require.NoError(t, err)

	messages, err := b.List(ctx, "repo-a", Filter{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, secondFwd, messages[0].ID)
	// Forwarding a forward still points at the first message.
	assert.Equal(t, rootID, messages[0].InReplyTo)
}

func TestBroadcastPartialDelivery(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, nil)
	ctx := context.Background()

	result := b.Broadcast(ctx, SendInput{
		From: "repo-a", Subject: "maintenance window", Body: "tonight 02:00",
	}, []string{"repo-b", "repo-x", "repo-c"})

	assert.Len(t, result.MessageIDs, 2)
	assert.Contains(t, result.MessageIDs, "repo-b")
	assert.Contains(t, result.MessageIDs, "repo-c")
	require.Len(t, result.Errors, 1)
	assert.True(t, orcerrors.IsKind(result.Errors["repo-x"], orcerrors.KindUnknownRepo))

	// The reachable recipients got their copies.
	for _, repo := range []string{"repo-b", "repo-c"} {
		messages, err := b.List(ctx, repo, Filter{})
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, "maintenance window", messages[0].Subject)
	}
}

// flakyLog fails Append a fixed number of times before delegating.
type flakyLog struct {
	buslog.Log
	failures int
}

func (l *flakyLog) Append(ctx context.Context, rec buslog.Record) error {
	if l.failures > 0 {
		l.failures--
		return orcerrors.New(orcerrors.KindStoreUnavailable, "store flapping")
	}
	return l.Log.Append(ctx, rec)
}

func TestSendRetriesTransientStoreFailures(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, &flakyLog{Log: memlog.New(), failures: 2})
	ctx := context.Background()

	id, err := b.Send(ctx, SendInput{From: "repo-a", To: "repo-b", Subject: "s"})
	require.NoError(t, err)

	messages, err := b.List(ctx, "repo-b", Filter{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, id, messages[0].ID)
}

func TestSendSurfacesExhaustedStore(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, &flakyLog{Log: memlog.New(), failures: 100})
	_, err := b.Send(context.Background(), SendInput{From: "repo-a", To: "repo-b", Subject: "s"})
	assert.True(t, orcerrors.IsKind(err, orcerrors.KindStoreUnavailable))
}
