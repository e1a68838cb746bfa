package bus

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mahavishnu-ai/mahavishnu/runtime/bus/buslog"
	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
	"github.com/mahavishnu-ai/mahavishnu/runtime/telemetry"
)

type (
	// Bus is the inter-repository message service. It assigns IDs and
	// timestamps, signs canonical forms with sender-keyed secrets, appends
	// records to the log, and materializes statuses on read.
	//
	// Writes are serialized per recipient shard; reads operate over the
	// immutable appended records.
	Bus struct {
		log      buslog.Log
		registry RepoRegistry
		secrets  SecretSource
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		now   func() time.Time
		newID func() string

		shards *shardLocks
	}

	// Options configures a Bus.
	Options struct {
		// Log is the persistence backend. Required.
		Log buslog.Log
		// Registry resolves repository names. Required.
		Registry RepoRegistry
		// Secrets resolves per-repo HMAC keys. Required.
		Secrets SecretSource
		// Logger receives bus logs. Defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics receives bus metrics. Defaults to a no-op recorder.
		Metrics telemetry.Metrics
	}

	// SendInput describes one message to send.
	SendInput struct {
		From       string
		To         string
		Subject    string
		Body       string
		Priority   task.Priority
		Context    map[string]string
		InReplyTo  string
		WorkflowID string
	}

	// Filter narrows List results. Nil fields match everything.
	Filter struct {
		Status   *Status
		Priority *task.Priority
		Sender   string
	}

	// BroadcastResult reports the per-recipient outcome of a broadcast.
	BroadcastResult struct {
		// MessageIDs maps each successful recipient to the message it
		// received.
		MessageIDs map[string]string
		// Errors maps each failed recipient to its failure.
		Errors map[string]error
	}
)

// storeAttempts bounds retries against a flaky backing store before the
// failure surfaces as store_unavailable.
const storeAttempts = 3

// New constructs a Bus.
func New(opts Options) (*Bus, error) {
	if opts.Log == nil {
		return nil, orcerrors.New(orcerrors.KindConfig, "bus log is required")
	}
	if opts.Registry == nil {
		return nil, orcerrors.New(orcerrors.KindConfig, "repo registry is required")
	}
	if opts.Secrets == nil {
		return nil, orcerrors.New(orcerrors.KindConfig, "secret source is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Bus{
		log:      opts.Log,
		registry: opts.Registry,
		secrets:  opts.Secrets,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		newID:    uuid.NewString,
		shards:   newShardLocks(),
	}, nil
}

// Send appends a new message and returns its ID. Both endpoints must be
// registered; the sender must have a signing secret.
func (b *Bus) Send(ctx context.Context, in SendInput) (string, error) {
	if !b.registry.Known(in.From) {
		return "", orcerrors.Newf(orcerrors.KindUnknownRepo, "sender repo %q is not registered", in.From)
	}
	if !b.registry.Known(in.To) {
		return "", orcerrors.Newf(orcerrors.KindUnknownRepo, "recipient repo %q is not registered", in.To)
	}
	secret, ok := b.secrets(in.From)
	if !ok {
		return "", orcerrors.Newf(orcerrors.KindUnauthenticated, "no signing secret for repo %q", in.From)
	}

	msg := &Message{
		ID:         b.newID(),
		From:       in.From,
		To:         in.To,
		Subject:    in.Subject,
		Body:       in.Body,
		Priority:   in.Priority,
		InReplyTo:  in.InReplyTo,
		WorkflowID: in.WorkflowID,
		Timestamp:  b.now().UTC(),
		Context:    in.Context,
	}
	canonical, err := Canonical(msg)
	if err != nil {
		return "", orcerrors.Wrap(orcerrors.KindInternal, "canonicalize message", err)
	}
	rec := buslog.Record{
		MessageID:      msg.ID,
		Version:        canonicalVersion,
		Recipient:      msg.To,
		CanonicalBytes: canonical,
		Signature:      Sign(canonical, secret),
		InReplyTo:      msg.InReplyTo,
		WorkflowID:     msg.WorkflowID,
	}

	unlock := b.shards.lock(msg.To)
	defer unlock()
	if err := b.withRetry(ctx, func() error { return b.log.Append(ctx, rec) }); err != nil {
		return "", err
	}
	b.metrics.IncCounter("bus_messages_sent", 1, "to", msg.To, "priority", msg.Priority.String())
	b.logger.Debug(ctx, "message sent", "message_id", msg.ID, "from", msg.From, "to", msg.To)
	return msg.ID, nil
}

// List returns the messages addressed to repo, filtered and ordered by
// priority descending, then timestamp descending, then message ID
// lexicographically descending.
func (b *Bus) List(ctx context.Context, repo string, filter Filter) ([]*Message, error) {
	if !b.registry.Known(repo) {
		return nil, orcerrors.Newf(orcerrors.KindUnknownRepo, "repo %q is not registered", repo)
	}
	var records []buslog.Record
	err := b.withRetry(ctx, func() error {
		var err error
		records, err = b.log.ListRecipient(ctx, repo)
		return err
	})
	if err != nil {
		return nil, err
	}

	messages := make([]*Message, 0, len(records))
	for _, rec := range records {
		msg, err := b.materialize(ctx, rec)
		if err != nil {
			b.logger.Warn(ctx, "skipping unreadable record", "message_id", rec.MessageID, "err", err)
			continue
		}
		if !filter.matches(msg) {
			continue
		}
		messages = append(messages, msg)
	}
	sort.Slice(messages, func(i, j int) bool {
		a, z := messages[i], messages[j]
		if a.Priority != z.Priority {
			return a.Priority > z.Priority
		}
		if !a.Timestamp.Equal(z.Timestamp) {
			return a.Timestamp.After(z.Timestamp)
		}
		return a.ID > z.ID
	})
	return messages, nil
}

// Acknowledge records a status transition for the message. Valid transitions
// are unread→read and {unread,read}→archived. Re-archiving an archived
// message is a no-op (fixed for this build); every other transition fails
// with invalid_transition. The message signature is verified first.
func (b *Bus) Acknowledge(ctx context.Context, messageID string, newStatus Status) error {
	if !ValidStatus(newStatus) {
		return orcerrors.Newf(orcerrors.KindInvalidArgument, "unknown status %q", newStatus)
	}
	rec, msg, err := b.fetchVerified(ctx, messageID)
	if err != nil {
		return err
	}

	current := b.currentStatus(ctx, rec.MessageID)
	if current == StatusArchived && newStatus == StatusArchived {
		return nil
	}
	if !validTransition(current, newStatus) {
		return orcerrors.Newf(orcerrors.KindInvalidTransition, "cannot transition message %q from %s to %s", messageID, current, newStatus)
	}

	unlock := b.shards.lock(msg.To)
	defer unlock()
	err = b.withRetry(ctx, func() error {
		return b.log.AppendStatus(ctx, buslog.StatusRecord{
			MessageID: messageID,
			Status:    string(newStatus),
			Timestamp: b.now().UTC(),
		})
	})
	if err != nil {
		return err
	}
	b.metrics.IncCounter("bus_acknowledgements", 1, "status", string(newStatus))
	return nil
}

// Forward creates a new message to a new recipient whose body is the
// original's canonical form, optionally prefixed by prepend. The forward
// preserves the original priority and references the original chain's root,
// so forwarding a forward still points at the first message.
func (b *Bus) Forward(ctx context.Context, messageID, to, prepend string) (string, error) {
	rec, original, err := b.fetchVerified(ctx, messageID)
	if err != nil {
		return "", err
	}
	original.InReplyTo = rec.InReplyTo

	body := string(rec.CanonicalBytes)
	if prepend != "" {
		body = prepend + "\n" + body
	}
	return b.Send(ctx, SendInput{
		From:       original.To,
		To:         to,
		Subject:    "Fwd: " + original.Subject,
		Body:       body,
		Priority:   original.Priority,
		Context:    original.Context,
		InReplyTo:  original.Root(),
		WorkflowID: original.WorkflowID,
	})
}

// Broadcast sends the same message to every recipient. Delivery is
// best-effort partial: an unknown repo in the recipient list does not abort
// the remaining sends; per-recipient outcomes are reported in the result.
func (b *Bus) Broadcast(ctx context.Context, in SendInput, recipients []string) *BroadcastResult {
	result := &BroadcastResult{
		MessageIDs: make(map[string]string),
		Errors:     make(map[string]error),
	}
	for _, to := range recipients {
		send := in
		send.To = to
		id, err := b.Send(ctx, send)
		if err != nil {
			result.Errors[to] = err
			continue
		}
		result.MessageIDs[to] = id
	}
	return result
}

// fetchVerified loads a record and verifies its signature against the
// sender's secret, returning the materialized message.
func (b *Bus) fetchVerified(ctx context.Context, messageID string) (buslog.Record, *Message, error) {
	var rec buslog.Record
	err := b.withRetry(ctx, func() error {
		var err error
		rec, err = b.log.Get(ctx, messageID)
		return err
	})
	if err != nil {
		if errors.Is(err, buslog.ErrNotFound) {
			return buslog.Record{}, nil, orcerrors.Newf(orcerrors.KindInvalidArgument, "message %q not found", messageID)
		}
		return buslog.Record{}, nil, err
	}
	msg, err := decodeCanonical(rec.CanonicalBytes)
	if err != nil {
		return buslog.Record{}, nil, orcerrors.Wrap(orcerrors.KindInternal, "decode message", err)
	}
	secret, ok := b.secrets(msg.From)
	if !ok {
		return buslog.Record{}, nil, orcerrors.Newf(orcerrors.KindUnauthenticated, "no signing secret for repo %q", msg.From)
	}
	if !Verify(rec.CanonicalBytes, rec.Signature, secret) {
		return buslog.Record{}, nil, orcerrors.Newf(orcerrors.KindUnauthenticated, "signature verification failed for message %q", messageID)
	}
	return rec, msg, nil
}

// materialize decodes a record and overlays its latest status.
func (b *Bus) materialize(ctx context.Context, rec buslog.Record) (*Message, error) {
	msg, err := decodeCanonical(rec.CanonicalBytes)
	if err != nil {
		return nil, err
	}
	msg.InReplyTo = rec.InReplyTo
	msg.WorkflowID = rec.WorkflowID
	msg.Signature = rec.Signature
	msg.Status = b.currentStatus(ctx, rec.MessageID)
	return msg, nil
}

// currentStatus materializes the latest acknowledged status, defaulting to
// unread.
func (b *Bus) currentStatus(ctx context.Context, messageID string) Status {
	last, err := b.log.LastStatus(ctx, messageID)
	if err != nil {
		return StatusUnread
	}
	return Status(last.Status)
}

// withRetry retries fn against transient store failures with a short linear
// backoff, then surfaces the final error.
func (b *Bus) withRetry(ctx context.Context, fn func() error) error {
	var last error
	for attempt := 0; attempt < storeAttempts; attempt++ {
		last = fn()
		if last == nil {
			return nil
		}
		if errors.Is(last, buslog.ErrNotFound) || !orcerrors.IsKind(last, orcerrors.KindStoreUnavailable) {
			return last
		}
		select {
		case <-ctx.Done():
			return last
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return last
}

// validTransition implements the acknowledgement state machine.
func validTransition(from, to Status) bool {
	switch {
	case from == StatusUnread && to == StatusRead:
		return true
	case (from == StatusUnread || from == StatusRead) && to == StatusArchived:
		return true
	}
	return false
}

func (f Filter) matches(m *Message) bool {
	if f.Status != nil && m.Status != *f.Status {
		return false
	}
	if f.Priority != nil && m.Priority != *f.Priority {
		return false
	}
	if f.Sender != "" && m.From != f.Sender {
		return false
	}
	return true
}
