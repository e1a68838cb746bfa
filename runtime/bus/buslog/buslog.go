// Package buslog defines the persistence layer for the message bus: an
// append-only message log plus a parallel status log keyed by message ID.
// Available implementations:
//
//   - memlog: in-memory log for development and testing
//   - redislog: Redis-backed log for shared deployments
//   - mongolog: MongoDB-backed log for production persistence
//
// Implementations must return ErrNotFound for missing records and be safe
// for concurrent use. Writes for one recipient shard are serialized by the
// bus service; implementations only need atomic single-record appends.
package buslog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a message or status record is absent.
var ErrNotFound = errors.New("buslog: record not found")

// Record is one appended message. CanonicalBytes carries the signed
// canonical form; InReplyTo and WorkflowID live outside the canonical form
// and are persisted in the record envelope.
type Record struct {
	// MessageID is the message's globally unique ID.
	MessageID string `json:"message_id"`
	// Version is the canonical layout version the record was written with.
	Version int `json:"version"`
	// Recipient is the to_repo shard the record belongs to.
	Recipient string `json:"recipient"`
	// CanonicalBytes is the deterministic serialization the signature covers.
	CanonicalBytes []byte `json:"canonical_bytes"`
	// Signature is the sender-keyed HMAC over CanonicalBytes.
	Signature []byte `json:"signature"`
	// InReplyTo references the root of a reply or forward chain.
	InReplyTo string `json:"in_reply_to,omitempty"`
	// WorkflowID optionally groups messages into one workflow.
	WorkflowID string `json:"workflow_id,omitempty"`
}

// StatusRecord is one acknowledgement appended to the status log.
type StatusRecord struct {
	// MessageID identifies the acknowledged message.
	MessageID string `json:"message_id"`
	// Status is the acknowledged status.
	Status string `json:"status"`
	// Timestamp is when the acknowledgement was recorded (UTC).
	Timestamp time.Time `json:"timestamp"`
}

// Log is the bus persistence layer.
type Log interface {
	// Append appends one message record. Records are immutable once
	// appended.
	Append(ctx context.Context, rec Record) error

	// Get retrieves a message record by ID. Returns ErrNotFound when the
	// message does not exist.
	Get(ctx context.Context, messageID string) (Record, error)

	// ListRecipient returns all records addressed to repo in append order.
	ListRecipient(ctx context.Context, repo string) ([]Record, error)

	// AppendStatus appends one acknowledgement record.
	AppendStatus(ctx context.Context, rec StatusRecord) error

	// LastStatus returns the latest acknowledgement for messageID. Returns
	// ErrNotFound when no acknowledgement exists.
	LastStatus(ctx context.Context, messageID string) (StatusRecord, error)
}
