package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
)

// wireTask is the serialized task shape exchanged with peer orchestrators.
type wireTask struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Payload     []byte         `json:"payload,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Deadline    time.Time      `json:"deadline,omitempty"`
	Priority    string         `json:"priority"`
	AffinityKey string         `json:"affinity_key,omitempty"`
}

// EncodeWireTask serializes a task for transmission to a peer.
func EncodeWireTask(t *task.Task) ([]byte, error) {
	return json.Marshal(wireTask{
		ID:          t.ID,
		Kind:        string(t.Kind),
		Payload:     t.Payload,
		Params:      t.Params,
		Deadline:    t.Deadline,
		Priority:    t.Priority.String(),
		AffinityKey: t.AffinityKey,
	})
}

// DecodeWireTask deserializes a task received from a peer.
func DecodeWireTask(raw []byte) (*task.Task, error) {
	var wt wireTask
	if err := json.Unmarshal(raw, &wt); err != nil {
		return nil, orcerrors.Wrap(orcerrors.KindInvalidArgument, "decode task", err)
	}
	t := task.New(task.Kind(wt.Kind), wt.Payload)
	if wt.ID != "" {
		t.ID = wt.ID
	}
	t.Params = wt.Params
	t.Deadline = wt.Deadline
	t.AffinityKey = wt.AffinityKey
	if priority, ok := task.ParsePriority(wt.Priority); ok {
		t.Priority = priority
	}
	return t, nil
}

// HTTPTransport forwards tasks to a peer orchestrator's execute endpoint
// over HTTP and returns the peer's framed response stream.
type HTTPTransport struct {
	client *http.Client
}

// Compile-time check that HTTPTransport implements Transport.
var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport constructs a transport. A nil client uses a default with
// no overall timeout; per-call bounds come from the execute context.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client}
}

// Call posts the serialized task to the peer and returns the response body
// as the framed stream.
func (tr *HTTPTransport) Call(ctx context.Context, peer string, t *task.Task) (io.ReadCloser, error) {
	body, err := EncodeWireTask(t)
	if err != nil {
		return nil, orcerrors.Wrap(orcerrors.KindInternal, "encode task", err)
	}
	url := peer
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + "/execute"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, orcerrors.Wrap(orcerrors.KindInternal, "build peer request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tr.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call peer %s: %w", peer, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		tail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("peer %s returned %d: %s", peer, resp.StatusCode, strings.TrimSpace(string(tail)))
	}
	return resp.Body, nil
}
