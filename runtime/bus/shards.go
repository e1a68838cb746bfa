package bus

import "sync"

// shardLocks serializes writes per recipient shard. Reads never take shard
// locks; they operate over immutable appended records.
type shardLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newShardLocks() *shardLocks {
	return &shardLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the shard lock for repo and returns the unlock func.
func (s *shardLocks) lock(repo string) func() {
	s.mu.Lock()
	l, ok := s.locks[repo]
	if !ok {
		l = &sync.Mutex{}
		s.locks[repo] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}
