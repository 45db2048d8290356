// Package cache provides the durable key/value store each device keeps for
// itself. It lets the app show the last known trip state before the shared
// store answers, and it remembers who the local user is.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
)

// Keys used by the trip app.
const (
	KeyUser      = "trip_user"
	KeyExpenses  = "trip_expenses"
	KeyItinerary = "trip_itinerary"
	KeyIdeas     = "trip_ideas"
	KeyPrep      = "trip_prep"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache closed")

// Cache is a synchronous, durable key/value store.
type Cache interface {
	// Get returns the value stored at key. ok is false if nothing is stored.
	Get(key string) (value []byte, ok bool, err error)
	// Put stores value at key, replacing any previous value.
	Put(key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Close releases resources held by the cache.
	Close() error
}

// GetJSON decodes the value at key into v.
func GetJSON(c Cache, key string, v any) (bool, error) {
	data, ok, err := c.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// PutJSON stores v at key as JSON.
func PutJSON(c Cache, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s for cache: %w", key, err)
	}
	return c.Put(key, data)
}

// Memory is a Cache kept in process memory. It does not survive restarts
// and is meant for tests and throwaway sessions.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

var _ Cache = (*Memory)(nil)

// NewMemory returns an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get implements Cache.
func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Put implements Cache.
func (m *Memory) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements Cache.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

// Snapshot returns a copy of the stored contents.
func (m *Memory) Snapshot() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.data)
}

// Close implements Cache.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
