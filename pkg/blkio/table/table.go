// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package table provides a sharded, capacity-bounded associative table.
//
// A Table behaves like a BPF hash map: any goroutine may insert, look up or
// delete concurrently, synchronization is internal to the table, and inserting
// a new key into a full table fails silently instead of evicting.
package table

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultShards is the number of lock stripes used when none is given.
	DefaultShards = 32

	// DefaultCapacity mirrors the default max_entries of a BPF hash map.
	DefaultCapacity = 10240
)

var ErrInvalidCapacity = errors.New("table capacity must be positive")

// Hasher maps a key to the 64-bit hash used for shard selection.
type Hasher[K comparable] func(K) uint64

// Uint64Hasher hashes integer-like identities such as kernel object addresses.
func Uint64Hasher[K ~uint64]() Hasher[K] {
	return func(k K) uint64 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(k))
		return xxhash.Sum64(buf[:])
	}
}

type shard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// Table is a concurrent map striped over a fixed number of shards.
type Table[K comparable, V any] struct {
	shards   []shard[K, V]
	mask     uint64
	hash     Hasher[K]
	capacity int64

	size    atomic.Int64
	dropped atomic.Uint64
}

type options struct {
	shards int
}

// Option configures a Table.
type Option func(*options)

// WithShards sets the shard count. It is rounded up to a power of two.
func WithShards(n int) Option {
	return func(o *options) {
		o.shards = n
	}
}

// New creates a Table holding at most capacity entries.
func New[K comparable, V any](capacity int, hash Hasher[K], opts ...Option) (*Table[K, V], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if hash == nil {
		return nil, errors.New("table hasher is required")
	}

	o := options{shards: DefaultShards}
	for _, opt := range opts {
		opt(&o)
	}

	n := 1
	for n < o.shards {
		n <<= 1
	}

	t := &Table[K, V]{
		shards:   make([]shard[K, V], n),
		mask:     uint64(n - 1),
		hash:     hash,
		capacity: int64(capacity),
	}
	for i := range t.shards {
		t.shards[i].m = make(map[K]V)
	}
	return t, nil
}

func (t *Table[K, V]) shardFor(k K) *shard[K, V] {
	return &t.shards[t.hash(k)&t.mask]
}

// reserve claims a slot for a new key. Callers hold the shard lock.
func (t *Table[K, V]) reserve() bool {
	if t.size.Add(1) > t.capacity {
		t.size.Add(-1)
		t.dropped.Add(1)
		return false
	}
	return true
}

// Put inserts or overwrites the value for k. It returns false when k is new
// and the table is already at capacity.
func (t *Table[K, V]) Put(k K, v V) bool {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[k]; !ok && !t.reserve() {
		return false
	}
	s.m[k] = v
	return true
}

// Get returns the value stored for k.
func (t *Table[K, V]) Get(k K) (V, bool) {
	s := t.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.m[k]
	return v, ok
}

// Update applies fn to the value stored for k. It reports whether k was present.
func (t *Table[K, V]) Update(k K, fn func(*V)) bool {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.m[k]
	if !ok {
		return false
	}
	fn(&v)
	s.m[k] = v
	return true
}

// Upsert applies fn to the value stored for k, starting from the zero value
// when k is absent. It returns false when k is new and the table is full.
func (t *Table[K, V]) Upsert(k K, fn func(*V)) bool {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.m[k]
	if !ok && !t.reserve() {
		return false
	}
	fn(&v)
	s.m[k] = v
	return true
}

// Delete removes k. It reports whether k was present.
func (t *Table[K, V]) Delete(k K) bool {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[k]; !ok {
		return false
	}
	delete(s.m, k)
	t.size.Add(-1)
	return true
}

// Take removes k and returns the value it held.
func (t *Table[K, V]) Take(k K) (V, bool) {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.m[k]
	if ok {
		delete(s.m, k)
		t.size.Add(-1)
	}
	return v, ok
}

// Len returns the number of stored entries.
func (t *Table[K, V]) Len() int {
	return int(t.size.Load())
}

// Cap returns the maximum number of entries.
func (t *Table[K, V]) Cap() int {
	return int(t.capacity)
}

// Dropped returns how many insertions were refused because the table was full.
func (t *Table[K, V]) Dropped() uint64 {
	return t.dropped.Load()
}

// Drain empties the table shard by shard and returns what it held.
// Entries inserted into an already drained shard stay for the next call.
func (t *Table[K, V]) Drain() map[K]V {
	out := make(map[K]V)
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		old := s.m
		s.m = make(map[K]V, len(old))
		t.size.Add(-int64(len(old)))
		s.mu.Unlock()

		for k, v := range old {
			out[k] = v
		}
	}
	return out
}
