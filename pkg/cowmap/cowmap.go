package cowmap

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// DefaultShards is the shard count used when none is specified.
const DefaultShards = 16

type shard[V any] struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[map[string]V]
}

func (s *shard[V]) load() map[string]V {
	return *s.snap.Load()
}

// Map is a sharded copy-on-write map from string keys to values of type V.
// The zero value is not usable; construct with New.
type Map[V any] struct {
	shards []*shard[V]
}

// New creates a Map with the given shard count. A count <= 0 uses
// DefaultShards.
func New[V any](shards int) *Map[V] {
	if shards <= 0 {
		shards = DefaultShards
	}
	m := &Map[V]{shards: make([]*shard[V], shards)}
	for i := range m.shards {
		s := &shard[V]{}
		empty := make(map[string]V)
		s.snap.Store(&empty)
		m.shards[i] = s
	}
	return m
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Get returns the value for key from the current snapshot.
func (m *Map[V]) Get(key string) (V, bool) {
	v, ok := m.shardFor(key).load()[key]
	return v, ok
}

// Update applies fn to the current value for key under the shard's write
// lock and swaps in a new snapshot. fn receives the current value (or the
// zero value with ok=false) and returns the replacement value and whether
// the key should remain in the map. Update returns fn's error unchanged;
// on error no swap happens.
func (m *Map[V]) Update(key string, fn func(cur V, ok bool) (V, bool, error)) error {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.load()
	cur, ok := old[key]
	next, keep, err := fn(cur, ok)
	if err != nil {
		return err
	}

	clone := make(map[string]V, len(old)+1)
	for k, v := range old {
		clone[k] = v
	}
	if keep {
		clone[key] = next
	} else {
		delete(clone, key)
	}
	s.snap.Store(&clone)
	return nil
}

// Set stores value for key, replacing any existing value.
func (m *Map[V]) Set(key string, value V) {
	_ = m.Update(key, func(V, bool) (V, bool, error) {
		return value, true, nil
	})
}

// SetIfAbsent stores value for key only if the key is not present.
// It returns the value now in the map and whether the store happened.
func (m *Map[V]) SetIfAbsent(key string, value V) (V, bool) {
	var out V
	var stored bool
	_ = m.Update(key, func(cur V, ok bool) (V, bool, error) {
		if ok {
			out, stored = cur, false
			return cur, true, nil
		}
		out, stored = value, true
		return value, true, nil
	})
	return out, stored
}

// Delete removes key. It reports whether the key was present.
func (m *Map[V]) Delete(key string) bool {
	present := false
	_ = m.Update(key, func(cur V, ok bool) (V, bool, error) {
		present = ok
		return cur, false, nil
	})
	return present
}

// Range calls fn for every entry across all shard snapshots. Iteration
// sees a consistent snapshot per shard, not across shards. fn returning
// false stops the iteration.
func (m *Map[V]) Range(fn func(key string, value V) bool) {
	for _, s := range m.shards {
		for k, v := range s.load() {
			if !fn(k, v) {
				return
			}
		}
	}
}

// Len returns the total entry count across shards.
func (m *Map[V]) Len() int {
	n := 0
	for _, s := range m.shards {
		n += len(s.load())
	}
	return n
}

// Keys returns all keys across shards in unspecified order.
func (m *Map[V]) Keys() []string {
	out := make([]string, 0, m.Len())
	for _, s := range m.shards {
		for k := range s.load() {
			out = append(out, k)
		}
	}
	return out
}
