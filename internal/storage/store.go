package storage

import (
	"errors"
	"sync"

	"github.com/google/btree"
)

var (
	// ErrKeyNotFound is returned when a key doesn't exist in the store
	ErrKeyNotFound = errors.New("key not found")
	// ErrInvalidKey is returned for empty keys
	ErrInvalidKey = errors.New("invalid key")
	// ErrStoreClosed is returned by every operation after Close
	ErrStoreClosed = errors.New("store closed")
)

// Store defines the interface for a replica's key-value data and the
// metadata that records how far the replica has applied the write stream.
// All implementations must be thread-safe for concurrent access.
type Store interface {
	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) ([]byte, error)

	// Put stores a value with the given key
	// Overwrites any existing value for the key
	Put(key string, value []byte) error

	// Delete removes a key-value pair
	// No error if key doesn't exist
	Delete(key string) error

	// List returns all keys in the store in ascending order
	List() []string

	// Stats returns storage statistics
	Stats() StoreStats

	// Apply stores a batch of changes together with the metadata describing
	// the replica after them. Either all of it is stored or none.
	Apply(changes []Change, meta Meta) error

	// Meta returns the last saved metadata, or the zero Meta if none was saved
	Meta() (Meta, error)

	// SaveMeta replaces the saved metadata
	SaveMeta(meta Meta) error

	Close() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int `json:"keys"`
	Bytes int `json:"bytes"`
}

// Change is one key mutation inside Apply.
type Change struct {
	Key    string
	Value  []byte
	Delete bool
}

// Meta is the durable position of a replica: the incarnation it syncs
// under, the last op it applied and the coordinator it follows.
type Meta struct {
	Incarnation        uint64 `json:"incarnation"`
	SequenceID         uint64 `json:"sequence_id"`
	CommitID           uint64 `json:"commit_id"`
	Coordinator        string `json:"coordinator,omitempty"`
	CoordinatorVersion uint64 `json:"coordinator_version,omitempty"`
}

type entry struct {
	key   string
	value []byte
}

func entryLess(a, b entry) bool { return a.key < b.key }

// MemoryStore implements Store in memory, keeping keys ordered in a B-tree.
// Uses sync.RWMutex for thread-safe concurrent access.
type MemoryStore struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[entry]
	meta   Meta
	closed bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tree: btree.NewG(16, entryLess)}
}

// Get retrieves a value by key
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	e, ok := m.tree.Get(entry{key: key})
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte{}, e.value...), nil
}

// Put stores a value with the given key
// Makes a copy of the value to prevent external modification
func (m *MemoryStore) Put(key string, value []byte) error {
	return m.apply([]Change{{Key: key, Value: value}}, nil)
}

// Delete removes a key-value pair
// No error if key doesn't exist (idempotent)
func (m *MemoryStore) Delete(key string) error {
	return m.apply([]Change{{Key: key, Delete: true}}, nil)
}

func (m *MemoryStore) Apply(changes []Change, meta Meta) error {
	return m.apply(changes, &meta)
}

// apply leaves the metadata alone when meta is nil.
func (m *MemoryStore) apply(changes []Change, meta *Meta) error {
	for _, c := range changes {
		if c.Key == "" {
			return ErrInvalidKey
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	for _, c := range changes {
		if c.Delete {
			m.tree.Delete(entry{key: c.Key})
			continue
		}
		m.tree.ReplaceOrInsert(entry{key: c.Key, value: append([]byte{}, c.Value...)})
	}
	if meta != nil {
		m.meta = *meta
	}
	return nil
}

// List returns all keys in ascending order
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, m.tree.Len())
	m.tree.Ascend(func(e entry) bool {
		keys = append(keys, e.key)
		return true
	})
	return keys
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := StoreStats{Keys: m.tree.Len()}
	m.tree.Ascend(func(e entry) bool {
		stats.Bytes += len(e.value)
		return true
	})
	return stats
}

func (m *MemoryStore) Meta() (Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Meta{}, ErrStoreClosed
	}
	return m.meta, nil
}

func (m *MemoryStore) SaveMeta(meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.meta = meta
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
