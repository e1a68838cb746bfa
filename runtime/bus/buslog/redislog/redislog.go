// Package redislog provides a Redis-backed implementation of the bus log.
// Each recipient shard is a Redis list so appends preserve order; message
// records and status histories live under per-message keys.
package redislog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mahavishnu-ai/mahavishnu/runtime/bus/buslog"
	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
)

// Log is a Redis-backed implementation of buslog.Log.
//
// Key layout (namespace defaults to "bus"):
//
//	<ns>:msg:<message_id>     message record (string, JSON)
//	<ns>:shard:<recipient>    append-ordered message IDs (list)
//	<ns>:status:<message_id>  acknowledgement history (list, JSON)
type Log struct {
	rdb *redis.Client
	ns  string
}

// Compile-time check that Log implements buslog.Log.
var _ buslog.Log = (*Log)(nil)

// New creates a Redis-backed log. An empty namespace defaults to "bus".
func New(rdb *redis.Client, namespace string) *Log {
	if namespace == "" {
		namespace = "bus"
	}
	return &Log{rdb: rdb, ns: namespace}
}

// Append appends one message record.
func (l *Log) Append(ctx context.Context, rec buslog.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal bus record: %w", err)
	}
	pipe := l.rdb.TxPipeline()
	pipe.Set(ctx, l.msgKey(rec.MessageID), payload, 0)
	pipe.RPush(ctx, l.shardKey(rec.Recipient), rec.MessageID)
	if _, err := pipe.Exec(ctx); err != nil {
		return orcerrors.Wrap(orcerrors.KindStoreUnavailable, "redis append message", err)
	}
	return nil
}

// Get retrieves a message record by ID.
func (l *Log) Get(ctx context.Context, messageID string) (buslog.Record, error) {
	payload, err := l.rdb.Get(ctx, l.msgKey(messageID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return buslog.Record{}, buslog.ErrNotFound
		}
		return buslog.Record{}, orcerrors.Wrap(orcerrors.KindStoreUnavailable, "redis get message", err)
	}
	var rec buslog.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return buslog.Record{}, fmt.Errorf("unmarshal bus record %q: %w", messageID, err)
	}
	return rec, nil
}

// ListRecipient returns all records addressed to repo in append order.
func (l *Log) ListRecipient(ctx context.Context, repo string) ([]buslog.Record, error) {
	ids, err := l.rdb.LRange(ctx, l.shardKey(repo), 0, -1).Result()
	if err != nil {
		return nil, orcerrors.Wrap(orcerrors.KindStoreUnavailable, "redis list shard", err)
	}
	records := make([]buslog.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := l.Get(ctx, id)
		if err != nil {
			if err == buslog.ErrNotFound {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// AppendStatus appends one acknowledgement record.
func (l *Log) AppendStatus(ctx context.Context, rec buslog.StatusRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status record: %w", err)
	}
	if err := l.rdb.RPush(ctx, l.statusKey(rec.MessageID), payload).Err(); err != nil {
		return orcerrors.Wrap(orcerrors.KindStoreUnavailable, "redis append status", err)
	}
	return nil
}

// LastStatus returns the latest acknowledgement for messageID.
func (l *Log) LastStatus(ctx context.Context, messageID string) (buslog.StatusRecord, error) {
	payload, err := l.rdb.LIndex(ctx, l.statusKey(messageID), -1).Bytes()
	if err != nil {
		if err == redis.Nil {
			return buslog.StatusRecord{}, buslog.ErrNotFound
		}
		return buslog.StatusRecord{}, orcerrors.Wrap(orcerrors.KindStoreUnavailable, "redis last status", err)
	}
	var rec buslog.StatusRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return buslog.StatusRecord{}, fmt.Errorf("unmarshal status record %q: %w", messageID, err)
	}
	return rec, nil
}

func (l *Log) msgKey(id string) string { return l.ns + ":msg:" + id }

func (l *Log) shardKey(repo string) string { return l.ns + ":shard:" + repo }

func (l *Log) statusKey(id string) string { return l.ns + ":status:" + id }
