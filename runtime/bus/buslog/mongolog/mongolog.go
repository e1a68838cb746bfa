// Package mongolog provides a MongoDB implementation of the bus log for
// production persistence across restarts. Message records land in one
// collection keyed by message ID; acknowledgements are inserted into a
// parallel collection and the latest one per message is materialized on
// read.
package mongolog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mahavishnu-ai/mahavishnu/runtime/bus/buslog"
	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
)

// Log is a MongoDB implementation of buslog.Log.
type Log struct {
	messages *mongo.Collection
	statuses *mongo.Collection
}

// Compile-time check that Log implements buslog.Log.
var _ buslog.Log = (*Log)(nil)

// messageDocument is the MongoDB document representation of a Record.
type messageDocument struct {
	MessageID      string `bson:"_id"`
	Version        int    `bson:"version"`
	Recipient      string `bson:"recipient"`
	CanonicalBytes []byte `bson:"canonical_bytes"`
	Signature      []byte `bson:"signature"`
	InReplyTo      string `bson:"in_reply_to,omitempty"`
	WorkflowID     string `bson:"workflow_id,omitempty"`
	Seq            int64  `bson:"seq"`
}

// statusDocument is the MongoDB document representation of a StatusRecord.
type statusDocument struct {
	MessageID string    `bson:"message_id"`
	Status    string    `bson:"status"`
	Timestamp time.Time `bson:"timestamp"`
}

// New creates a MongoDB log using the provided database. The collections
// should come from a connected MongoDB client.
func New(db *mongo.Database) *Log {
	return &Log{
		messages: db.Collection("bus_messages"),
		statuses: db.Collection("bus_statuses"),
	}
}

// Append appends one message record. The append is an insert; message IDs
// are unique so a duplicate insert surfaces as an error rather than a silent
// overwrite.
func (l *Log) Append(ctx context.Context, rec buslog.Record) error {
	doc := messageDocument{
		MessageID:      rec.MessageID,
		Version:        rec.Version,
		Recipient:      rec.Recipient,
		CanonicalBytes: rec.CanonicalBytes,
		Signature:      rec.Signature,
		InReplyTo:      rec.InReplyTo,
		WorkflowID:     rec.WorkflowID,
		Seq:            time.Now().UnixNano(),
	}
	if _, err := l.messages.InsertOne(ctx, doc); err != nil {
		return orcerrors.Wrap(orcerrors.KindStoreUnavailable, fmt.Sprintf("mongodb append message %q", rec.MessageID), err)
	}
	return nil
}

// Get retrieves a message record by ID.
func (l *Log) Get(ctx context.Context, messageID string) (buslog.Record, error) {
	var doc messageDocument
	err := l.messages.FindOne(ctx, bson.M{"_id": messageID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return buslog.Record{}, buslog.ErrNotFound
		}
		return buslog.Record{}, orcerrors.Wrap(orcerrors.KindStoreUnavailable, fmt.Sprintf("mongodb get message %q", messageID), err)
	}
	return fromDocument(&doc), nil
}

// ListRecipient returns all records addressed to repo in append order.
func (l *Log) ListRecipient(ctx context.Context, repo string) ([]buslog.Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cursor, err := l.messages.Find(ctx, bson.M{"recipient": repo}, opts)
	if err != nil {
		return nil, orcerrors.Wrap(orcerrors.KindStoreUnavailable, "mongodb list shard", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, orcerrors.Wrap(orcerrors.KindStoreUnavailable, "mongodb list shard decode", err)
	}
	records := make([]buslog.Record, len(docs))
	for i, doc := range docs {
		records[i] = fromDocument(&doc)
	}
	return records, nil
}

// AppendStatus appends one acknowledgement record.
func (l *Log) AppendStatus(ctx context.Context, rec buslog.StatusRecord) error {
	doc := statusDocument{
		MessageID: rec.MessageID,
		Status:    rec.Status,
		Timestamp: rec.Timestamp,
	}
	if _, err := l.statuses.InsertOne(ctx, doc); err != nil {
		return orcerrors.Wrap(orcerrors.KindStoreUnavailable, fmt.Sprintf("mongodb append status %q", rec.MessageID), err)
	}
	return nil
}

// LastStatus returns the latest acknowledgement for messageID.
func (l *Log) LastStatus(ctx context.Context, messageID string) (buslog.StatusRecord, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	var doc statusDocument
	err := l.statuses.FindOne(ctx, bson.M{"message_id": messageID}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return buslog.StatusRecord{}, buslog.ErrNotFound
		}
		return buslog.StatusRecord{}, orcerrors.Wrap(orcerrors.KindStoreUnavailable, fmt.Sprintf("mongodb last status %q", messageID), err)
	}
	return buslog.StatusRecord{
		MessageID: doc.MessageID,
		Status:    doc.Status,
		Timestamp: doc.Timestamp,
	}, nil
}

func fromDocument(doc *messageDocument) buslog.Record {
	return buslog.Record{
		MessageID:      doc.MessageID,
		Version:        doc.Version,
		Recipient:      doc.Recipient,
		CanonicalBytes: doc.CanonicalBytes,
		Signature:      doc.Signature,
		InReplyTo:      doc.InReplyTo,
		WorkflowID:     doc.WorkflowID,
	}
}
