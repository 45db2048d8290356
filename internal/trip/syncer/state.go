package syncer

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/tripsync/internal/trip/reconcile"
	"github.com/steveyegge/tripsync/internal/trip/schema"
	"github.com/steveyegge/tripsync/internal/trip/seed"
	"github.com/steveyegge/tripsync/internal/trip/transport"
)

// State is the lifecycle state of a Synchronizer.
type State int

const (
	// Uninitialized: constructed, local cache loaded, not subscribed yet.
	Uninitialized State = iota
	// Subscribing: subscription requested, no snapshot applied yet.
	Subscribing
	// Synced: at least one snapshot applied on the live subscription.
	Synced
	// Reconnecting: the subscription broke and is being re-established.
	Reconnecting
	// Closed: torn down. Terminal.
	Closed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Subscribing:
		return "subscribing"
	case Synced:
		return "synced"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Order is how a collection is ordered after a remote snapshot.
type Order int

const (
	// OrderPreserve keeps the order of the stored array. Keyed mappings are
	// ordered by id.
	OrderPreserve Order = iota
	// OrderNewestFirst orders by descending timestamp.
	OrderNewestFirst
)

// Definition describes one synchronized collection.
type Definition[T schema.Record] struct {
	// Name is the collection name used in logs, metrics and errors.
	Name string
	// Path is where the collection lives in the shared store.
	Path string
	// CacheKey is the local cache key mirroring the collection.
	CacheKey string
	// Shape selects whole-value or per-record writes.
	Shape transport.Shape
	// Order is applied to every remote snapshot.
	Order Order
	// Kind selects the JSON Schema incoming records are checked against.
	// Empty disables schema checks.
	Kind schema.Kind
	// Seed, if set, is written when the path is found absent.
	Seed seed.Policy[T]
}

func (d Definition[T]) validate() error {
	if d.Name == "" {
		return fmt.Errorf("collection name is required")
	}
	if err := transport.ValidatePath(d.Path); err != nil {
		return err
	}
	if d.CacheKey == "" {
		return fmt.Errorf("cache key is required")
	}
	return nil
}

var (
	// ErrClosed is returned by operations on a closed Synchronizer.
	ErrClosed = errors.New("synchronizer closed")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("synchronizer already started")

	// ErrMalformedSnapshot means a remote value could not be decoded into
	// the collection. The snapshot is ignored and local state kept.
	ErrMalformedSnapshot = errors.New("malformed snapshot")

	// ErrDuplicateID means a collection contained the same id twice.
	ErrDuplicateID = reconcile.ErrDuplicateID

	// ErrInPlaceEdit means Mutate was asked to change an existing record of
	// a per-record collection. Use Update for that.
	ErrInPlaceEdit = errors.New("in-place edit requires Update")

	// ErrNotFound means Update referenced an id not in the collection.
	ErrNotFound = errors.New("record not found")

	// ErrImmutableTimestamp means Update tried to change a record's
	// creation timestamp.
	ErrImmutableTimestamp = errors.New("record timestamp is immutable")
)

// Error describes a failure of a collection operation.
type Error struct {
	Collection string
	Op         string
	Key        string
	Err        error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s %s: %v", e.Collection, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Collection, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Options configures a Synchronizer.
type Options struct {
	// Logger receives lifecycle and error logs. Defaults to slog.Default().
	Logger *slog.Logger

	// RetryBase and RetryMax bound the exponential backoff used for
	// retrying writes and re-subscribing.
	RetryBase time.Duration
	RetryMax  time.Duration

	// MaxWriteRetries caps retries of a single write. Zero retries until
	// the synchronizer is closed.
	MaxWriteRetries uint64

	// ErrorBuffer is the capacity of the Errors channel.
	ErrorBuffer int

	// OnError, if set, is called for every reported error.
	OnError func(error)

	// RepublishOnAbsent is for stores that can lose their data, such as
	// the broadcast hub. When the path turns up absent after a remote value
	// was applied, or while a non-empty value from the local cache is held,
	// the local value is written back instead of being seeded or emptied.
	RepublishOnAbsent bool
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Logger:      slog.Default(),
		RetryBase:   200 * time.Millisecond,
		RetryMax:    30 * time.Second,
		ErrorBuffer: 32,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Logger == nil {
		o.Logger = def.Logger
	}
	if o.RetryBase <= 0 {
		o.RetryBase = def.RetryBase
	}
	if o.RetryMax <= 0 {
		o.RetryMax = def.RetryMax
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = o.RetryBase
	}
	if o.ErrorBuffer <= 0 {
		o.ErrorBuffer = def.ErrorBuffer
	}
	return o
}
