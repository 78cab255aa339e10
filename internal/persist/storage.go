// Package persist provides the key-value blob backends the state store
// saves its allow-listed subset into.
//
// A backend stores one value.Object per key. Nothing here knows which
// parts of the state tree are persisted; that is the store's concern.
package persist

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/statecore/internal/value"
)

// DefaultKey is the storage key the store saves under.
const DefaultKey = "statecore.state"

// ErrQuotaExceeded is returned when a blob is larger than the backend allows.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Storage is a key-value store of JSON-like objects.
type Storage interface {
	// Load returns the object under key. ok is false when nothing is stored.
	Load(ctx context.Context, key string) (obj value.Object, ok bool, err error)
	// Save replaces the object under key.
	Save(ctx context.Context, key string, obj value.Object) error
}

// MemoryStorage keeps blobs in memory. It is the default backend for tests
// and for the CLI when no database path is configured.
//
// Thread-safety: safe for concurrent use.
type MemoryStorage struct {
	mu    sync.Mutex
	blobs map[string]value.Object
	saves int
	fail  error
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{blobs: make(map[string]value.Object)}
}

// Load returns a deep copy of the stored object.
func (m *MemoryStorage) Load(_ context.Context, key string) (value.Object, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, false, m.fail
	}
	obj, ok := m.blobs[key]
	if !ok {
		return nil, false, nil
	}
	return obj.Clone(), true, nil
}

// Save stores a deep copy of obj.
func (m *MemoryStorage) Save(_ context.Context, key string, obj value.Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.blobs[key] = obj.Clone()
	m.saves++
	return nil
}

// Saves returns how many successful saves have happened.
func (m *MemoryStorage) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// FailWith makes every later call return err. Pass nil to recover.
func (m *MemoryStorage) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}
