package bus

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
)

// canonicalVersion is bumped when the canonical byte layout changes. Stored
// alongside every log record so old records stay verifiable.
const canonicalVersion = 1

// canonicalEnvelope is the deterministic serialization of a message used for
// signing and forwarding. Field order is fixed by the struct; Context is
// flattened into a sorted pair list so map iteration order never leaks into
// the bytes.
type canonicalEnvelope struct {
	MessageID string      `json:"message_id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Subject   string      `json:"subject"`
	Body      string      `json:"body"`
	Priority  string      `json:"priority"`
	Timestamp string      `json:"timestamp"`
	Context   [][2]string `json:"context"`
}

// Canonical returns the canonical byte form of m. The same message always
// produces byte-identical output.
func Canonical(m *Message) ([]byte, error) {
	pairs := make([][2]string, 0, len(m.Context))
	for k, v := range m.Context {
		pairs = append(pairs, [2]string{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })

	env := canonicalEnvelope{
		MessageID: m.ID,
		From:      m.From,
		To:        m.To,
		Subject:   m.Subject,
		Body:      m.Body,
		Priority:  m.Priority.String(),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
		Context:   pairs,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical form: %w", err)
	}
	return b, nil
}

// decodeCanonical reconstructs the canonical message fields from canonical
// bytes. InReplyTo, WorkflowID and Signature live outside the canonical form
// and are restored from the log record by the caller.
func decodeCanonical(b []byte) (*Message, error) {
	var env canonicalEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode canonical form: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("decode canonical timestamp: %w", err)
	}
	priority, _ := task.ParsePriority(env.Priority)
	var ctx map[string]string
	if len(env.Context) > 0 {
		ctx = make(map[string]string, len(env.Context))
		for _, pair := range env.Context {
			ctx[pair[0]] = pair[1]
		}
	}
	return &Message{
		ID:        env.MessageID,
		From:      env.From,
		To:        env.To,
		Subject:   env.Subject,
		Body:      env.Body,
		Priority:  priority,
		Timestamp: ts,
		Context:   ctx,
	}, nil
}

// Sign computes the HMAC-SHA256 signature over canonical using the sender's
// secret.
func Sign(canonical, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return mac.Sum(nil)
}

// Verify reports whether signature matches canonical under secret.
func Verify(canonical, signature, secret []byte) bool {
	expected := Sign(canonical, secret)
	return hmac.Equal(signature, expected)
}
