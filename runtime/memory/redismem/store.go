// Package redismem provides a Redis-backed implementation of the pool memory
// store. Entries live in a single hash per store namespace so multiple
// orchestrator processes sharing a Redis instance observe the same pool
// memory.
package redismem

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/mahavishnu-ai/mahavishnu/runtime/memory"
	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
)

// Store is a Redis-backed implementation of memory.Store. Search fetches the
// namespace hash and ranks entries client-side by token overlap; backends
// with server-side relevance ranking should be wired as external adapters
// instead.
type Store struct {
	rdb *redis.Client
	key string
}

// Compile-time check that Store implements memory.Store.
var _ memory.Store = (*Store)(nil)

// New creates a Redis-backed store. The namespace isolates pools sharing one
// Redis instance; entries live in the hash "memory:<namespace>".
func New(rdb *redis.Client, namespace string) *Store {
	return &Store{rdb: rdb, key: "memory:" + namespace}
}

// Put stores value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.HSet(ctx, s.key, key, value).Err(); err != nil {
		return orcerrors.Wrap(orcerrors.KindStoreUnavailable, fmt.Sprintf("redis put %q", key), err)
	}
	return nil
}

// Get retrieves the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.rdb.HGet(ctx, s.key, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, memory.ErrNotFound
		}
		return nil, orcerrors.Wrap(orcerrors.KindStoreUnavailable, fmt.Sprintf("redis get %q", key), err)
	}
	return value, nil
}

// Search returns up to k candidates ranked by token overlap with the query.
func (s *Store) Search(ctx context.Context, query string, k int) ([]memory.Candidate, error) {
	entries, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, orcerrors.Wrap(orcerrors.KindStoreUnavailable, "redis search", err)
	}

	terms := strings.Fields(strings.ToLower(query))
	candidates := make([]memory.Candidate, 0)
	for key, value := range entries {
		score := overlap(terms, strings.ToLower(key+" "+value))
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
