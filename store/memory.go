package store

import (
	"context"
	"hash/fnv"
	"sync"
)

// Memory is an in-process Store split into lock-striped shards. Entries are
// copied on the way in and out so callers cannot alias stored state.
type Memory struct {
	shards    []*memoryShard
	numShards int
}

type memoryShard struct {
	mu    sync.RWMutex
	store map[Key]*Entry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	numShards := 16
	shards := make([]*memoryShard, numShards)
	for i := range shards {
		shards[i] = &memoryShard{
			store: make(map[Key]*Entry),
		}
	}
	return &Memory{
		shards:    shards,
		numShards: numShards,
	}
}

func (m *Memory) getShard(key Key) *memoryShard {
	hash := fnv.New32a()
	hash.Write([]byte(key.Verb))
	hash.Write([]byte{' '})
	hash.Write([]byte(key.URL))
	return m.shards[hash.Sum32()%uint32(m.numShards)]
}

// Get returns a copy of the entry stored under key.
func (m *Memory) Get(_ context.Context, key Key) (*Entry, error) {
	shard := m.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	entry, ok := shard.store[key]
	if !ok {
		return nil, nil
	}
	return entry.Clone(), nil
}

// Put replaces the entry stored under key.
func (m *Memory) Put(_ context.Context, key Key, entry *Entry) error {
	stored := entry.Clone()
	stored.Response.Data = nil

	shard := m.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.store[key] = stored
	return nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	total := 0
	for _, shard := range m.shards {
		shard.mu.RLock()
		total += len(shard.store)
		shard.mu.RUnlock()
	}
	return total
}

// Clear removes every entry.
func (m *Memory) Clear() {
	for _, shard := range m.shards {
		shard.mu.Lock()
		shard.store = make(map[Key]*Entry)
		shard.mu.Unlock()
	}
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
