// Package inmem provides an in-memory implementation of the pool memory
// store, suitable for development, testing, and single-node deployments
// where persistence across restarts is not required.
package inmem

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mahavishnu-ai/mahavishnu/runtime/memory"
)

// Store is an in-memory implementation of memory.Store. It is safe for
// concurrent use. Search ranks entries by whitespace-token overlap with the
// query; real relevance ranking belongs to external adapters.
type Store struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// Compile-time check that Store implements memory.Store.
var _ memory.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{entries: make(map[string][]byte)}
}

// Put stores value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(value))
	copy(buf, value)
	s.entries[key] = buf
	return nil
}

// Get retrieves the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.entries[key]
	if !ok {
		return nil, memory.ErrNotFound
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	return buf, nil
}

// Search returns up to k candidates ranked by token overlap with the query.
func (s *Store) Search(ctx context.Context, query string, k int) ([]memory.Candidate, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(query))
	candidates := make([]memory.Candidate, 0)
	for key, value := range s.entries {
		score := overlap(terms, strings.ToLower(key+" "+string(value)))
		if score > 0 {
			candidates = append(candidates, memory.Candidate{
				Score:      score,
				ArtifactID: key,
			})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ArtifactID < candidates[j].ArtifactID
	})
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// overlap counts how many query terms occur in the document, normalized by
// the term count.
func overlap(terms []string, doc string) float64 {
	if len(terms) == 0 {
		return 0
	}
	hits := 0
	for _, t := range terms {
		if strings.Contains(doc, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
