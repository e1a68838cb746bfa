// Package bus implements the inter-repository message plane: durable,
// authenticated, priority-ordered messaging between named repositories.
// Messages are immutable once appended; status transitions are recorded as
// separate acknowledgement records and materialized on read.
package bus

import (
	"time"

	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
)

// Status is the materialized read status of a message.
type Status string

const (
	// StatusUnread is the initial status of every message.
	StatusUnread Status = "unread"
	// StatusRead marks a message as seen by the recipient.
	StatusRead Status = "read"
	// StatusArchived is terminal.
	StatusArchived Status = "archived"
)

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	switch s {
	case StatusUnread, StatusRead, StatusArchived:
		return true
	}
	return false
}

// Message is one inter-repository notification. Messages are never mutated
// after creation; Status is the latest acknowledgement materialized at read
// time.
type Message struct {
	// ID is globally unique (UUID, 128-bit).
	ID string
	// From and To name the repository endpoints.
	From string
	To   string
	// Subject and Body carry the notification content.
	Subject string
	Body    string
	// Priority orders the message in list results.
	Priority task.Priority
	// Status is the latest materialized status; unread when no
	// acknowledgement exists.
	Status Status
	// InReplyTo references the root message of a reply or forward chain.
	InReplyTo string
	// WorkflowID optionally groups messages belonging to one cross-repo
	// workflow.
	WorkflowID string
	// Timestamp is the send time (UTC).
	Timestamp time.Time
	// Signature is the HMAC over the canonical form, keyed by the sender's
	// repo secret.
	Signature []byte
	// Context carries structured metadata; keys are sorted in the canonical
	// form.
	Context map[string]string
}

// Root returns the ID that forwards and replies of m should reference: the
// message's own root when it is itself a reply or forward, otherwise its own
// ID. This keeps every forward of a chain pointing at the same root.
func (m *Message) Root() string {
	if m.InReplyTo != "" {
		return m.InReplyTo
	}
	return m.ID
}

// RepoRegistry resolves repository names. The bus consults it on every send;
// the registry itself (directory service, config file, service mesh) is an
// external collaborator.
type RepoRegistry interface {
	// Known reports whether the named repository is registered.
	Known(repo string) bool
}

// StaticRegistry is a RepoRegistry over a fixed name set.
type StaticRegistry map[string]struct{}

// NewStaticRegistry builds a StaticRegistry from repo names.
func NewStaticRegistry(repos ...string) StaticRegistry {
	r := make(StaticRegistry, len(repos))
	for _, name := range repos {
		r[name] = struct{}{}
	}
	return r
}

// Known reports whether repo is in the set.
func (r StaticRegistry) Known(repo string) bool {
	_, ok := r[repo]
	return ok
}

// SecretSource resolves the HMAC signing secret for a repository.
type SecretSource func(repo string) ([]byte, bool)

// StaticSecrets builds a SecretSource over a fixed map.
func StaticSecrets(secrets map[string]string) SecretSource {
	return func(repo string) ([]byte, bool) {
		s, ok := secrets[repo]
		if !ok {
			return nil, false
		}
		return []byte(s), true
	}
}
