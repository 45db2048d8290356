// Package transport defines the channel through which trip state is shared
// between clients.
//
// A Channel exposes a hierarchical store addressed by slash-separated paths
// ("trips/nhatrang/expenses"). A path holds either a single JSON document
// (whole-tree collections) or a keyed mapping with one JSON document per
// record id (per-record collections). Subscribers receive the current value
// immediately and after every later change, including changes they made
// themselves.
//
// Four implementations live in subpackages:
//
//   - memstore: in-process shared store, used in tests and load tests
//   - filestore: a directory shared between devices, watched with fsnotify
//   - sqlstore: an SQLite document database polled for changes
//   - broadcast: a WebSocket relay hub with a last-value cache per path
package transport

import (
	"context"
	"encoding/json"
)

// Snapshot is the value at a path at one point in time.
type Snapshot struct {
	// Path is the path the snapshot was taken from.
	Path string
	// Exists is false when nothing has ever been written at Path.
	Exists bool
	// Value is the JSON value at Path. For keyed mappings it is a JSON
	// object from record id to record.
	Value json.RawMessage
	// CreatedAt optionally carries the store-assigned creation time (ms)
	// of each key of a keyed mapping.
	CreatedAt map[string]int64
}

// Absent returns the snapshot of a path that holds nothing.
func Absent(path string) Snapshot {
	return Snapshot{Path: path}
}

// Subscription is a live registration for changes at a path.
type Subscription interface {
	// Cancel stops delivery. It is idempotent and safe to call from any
	// goroutine, including from inside a change callback.
	Cancel()
}

// SubscriptionFunc adapts a function to the Subscription interface.
type SubscriptionFunc func()

// Cancel implements Subscription.
func (f SubscriptionFunc) Cancel() { f() }

// Channel is a shared, push-capable key/value store.
//
// Deliveries for one subscription are serialized and arrive in commit order.
// Implementations must be safe for concurrent use.
type Channel interface {
	// ReadOnce returns the current value at path, or an Absent snapshot.
	ReadOnce(ctx context.Context, path string) (Snapshot, error)

	// Subscribe registers onChange for every change at path. The current
	// value is delivered first (catch-up). onError is called when the
	// subscription breaks; no further changes are delivered after that.
	Subscribe(path string, onChange func(Snapshot), onError func(error)) (Subscription, error)

	// WriteAtPath replaces the whole value at path. A JSON object value is
	// stored as a keyed mapping.
	WriteAtPath(ctx context.Context, path string, value json.RawMessage) error

	// WriteAtKey creates or replaces one record of the keyed mapping at
	// path, creating the mapping when path is absent.
	WriteAtKey(ctx context.Context, path, key string, value json.RawMessage) error

	// DeleteAtKey removes one record of the keyed mapping at path.
	// Deleting a missing key is not an error.
	DeleteAtKey(ctx context.Context, path, key string) error

	// Close releases the channel. Live subscriptions stop receiving.
	Close() error
}
