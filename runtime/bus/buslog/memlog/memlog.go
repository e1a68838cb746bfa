// Package memlog provides an in-memory implementation of the bus log,
// suitable for development, testing, and single-node deployments where
// persistence across restarts is not required.
package memlog

import (
	"context"
	"sync"

	"github.com/mahavishnu-ai/mahavishnu/runtime/bus/buslog"
)

// Log is an in-memory implementation of buslog.Log. It is safe for
// concurrent use.
type Log struct {
	mu          sync.RWMutex
	byID        map[string]buslog.Record
	byRecipient map[string][]string
	statuses    map[string][]buslog.StatusRecord
}

// Compile-time check that Log implements buslog.Log.
var _ buslog.Log = (*Log)(nil)

// New creates a new in-memory log.
func New() *Log {
	return &Log{
		byID:        make(map[string]buslog.Record),
		byRecipient: make(map[string][]string),
		statuses:    make(map[string][]buslog.StatusRecord),
	}
}

// Append appends one message record.
func (l *Log) Append(ctx context.Context, rec buslog.Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[rec.MessageID] = rec
	l.byRecipient[rec.Recipient] = append(l.byRecipient[rec.Recipient], rec.MessageID)
	return nil
}

// Get retrieves a message record by ID.
func (l *Log) Get(ctx context.Context, messageID string) (buslog.Record, error) {
	select {
	case <-ctx.Done():
		return buslog.Record{}, ctx.Err()
	default:
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.byID[messageID]
	if !ok {
		return buslog.Record{}, buslog.ErrNotFound
	}
	return rec, nil
}

// ListRecipient returns all records addressed to repo in append order.
func (l *Log) ListRecipient(ctx context.Context, repo string) ([]buslog.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := l.byRecipient[repo]
	records := make([]buslog.Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, l.byID[id])
	}
	return records, nil
}

// AppendStatus appends one acknowledgement record.
func (l *Log) AppendStatus(ctx context.Context, rec buslog.StatusRecord) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[rec.MessageID] = append(l.statuses[rec.MessageID], rec)
	return nil
}

// LastStatus returns the latest acknowledgement for messageID.
func (l *Log) LastStatus(ctx context.Context, messageID string) (buslog.StatusRecord, error) {
	select {
	case <-ctx.Done():
		return buslog.StatusRecord{}, ctx.Err()
	default:
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	history := l.statuses[messageID]
	if len(history) == 0 {
		return buslog.StatusRecord{}, buslog.ErrNotFound
	}
	return history[len(history)-1], nil
}
