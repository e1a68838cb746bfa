// Package memory defines the per-pool memory capability. The kernel treats
// the store as an opaque capability set {put, get, search}: indexing
// internals (vectors, inverted files) belong to the adapter behind the
// interface. Available implementations:
//
//   - inmem: in-memory store for development and testing
//   - redismem: Redis-backed store for shared deployments
//
// New implementations must return ErrNotFound for missing keys and be safe
// for concurrent use.
package memory

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key is not present in the store.
var ErrNotFound = errors.New("memory: key not found")

// Candidate is one ranked search hit.
type Candidate struct {
	// Score is the backend-assigned relevance score; higher is better.
	Score float64
	// ArtifactID identifies the stored artifact.
	ArtifactID string
	// PoolID identifies the pool whose store produced the candidate. Filled
	// in by the aggregator during fan-out; stores may leave it empty.
	PoolID string
	// Metadata carries backend-specific annotations.
	Metadata map[string]string
}

// Store is the per-pool memory handle.
type Store interface {
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Get retrieves the value stored under key. Returns ErrNotFound when the
	// key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Search returns up to k candidates ranked by descending score.
	Search(ctx context.Context, query string, k int) ([]Candidate, error)
}
