// Package syncer keeps one local collection in step with a shared path.
//
// A Synchronizer owns the in-memory value of a collection. Local mutations
// are applied optimistically and queued for a single writer goroutine;
// remote snapshots replace local state wholesale (last writer wins).
// Failures are reported on the Errors channel and never rolled back.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/steveyegge/tripsync/internal/trip/cache"
	"github.com/steveyegge/tripsync/internal/trip/metrics"
	"github.com/steveyegge/tripsync/internal/trip/reconcile"
	"github.com/steveyegge/tripsync/internal/trip/schema"
	"github.com/steveyegge/tripsync/internal/trip/seed"
	"github.com/steveyegge/tripsync/internal/trip/transport"
)

// Lifecycle is the non-generic part of a Synchronizer, used to manage a set
// of collections together.
type Lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	State() State
	Errors() <-chan error
	Flush(ctx context.Context) error
	Close() error
}

// Synchronizer mirrors one collection of records of type T.
type Synchronizer[T schema.Record] struct {
	def    Definition[T]
	ch     transport.Channel
	cache  cache.Cache
	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	value        []T
	applied      []byte // encoding of value, for idempotence
	gen          uint64 // subscription generation
	sub          transport.Subscription
	seeded       bool
	seedGen      uint64
	fromCache    bool // value was loaded from the local cache
	hadRemote    bool // a remote value has been applied
	reconnecting bool
	denied       bool
	listeners    []func([]T)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	qmu   sync.Mutex
	queue []job
	wake  chan struct{}

	errMu     sync.Mutex
	errs      chan error
	errClosed bool
}

var _ Lifecycle = (*Synchronizer[schema.Expense])(nil)

// New creates a synchronizer for def and starts its writer.
//
// The initial value comes from the local cache; when the cache has nothing
// the seed is used, and without a seed the collection starts empty.
// The caller must Close the synchronizer.
func New[T schema.Record](def Definition[T], ch transport.Channel, c cache.Cache, opts Options) (*Synchronizer[T], error) {
	if err := def.validate(); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	if ch == nil {
		return nil, fmt.Errorf("channel is required")
	}
	if c == nil {
		c = cache.NewMemory()
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer[T]{
		def:    def,
		ch:     ch,
		cache:  c,
		opts:   opts,
		logger: opts.Logger.With("component", "syncer", "collection", def.Name),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		errs:   make(chan error, opts.ErrorBuffer),
	}

	s.value = s.initialValue()
	s.applied, _ = json.Marshal(s.value)
	metrics.State.WithLabelValues(def.Name).Set(float64(Uninitialized))

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

func (s *Synchronizer[T]) initialValue() []T {
	var cached []T
	ok, err := cache.GetJSON(s.cache, s.def.CacheKey, &cached)
	if err != nil {
		s.logger.Warn("ignoring unreadable cache entry", "key", s.def.CacheKey, "error", err)
	}
	if ok && err == nil && checkUnique(cached) == nil {
		s.fromCache = len(cached) > 0
		return cached
	}
	if s.def.Seed != nil {
		if seeded := s.def.Seed.Seed(); seeded != nil {
			return schema.Clone(seeded)
		}
	}
	return []T{}
}

// Name returns the collection name.
func (s *Synchronizer[T]) Name() string {
	return s.def.Name
}

// Path returns the shared path the collection is synchronized with.
func (s *Synchronizer[T]) Path() string {
	return s.def.Path
}

// State returns the current lifecycle state.
func (s *Synchronizer[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Get returns a copy of the current local value. It never blocks on I/O.
func (s *Synchronizer[T]) Get() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return schema.Clone(s.value)
}

// Errors returns the channel errors are reported on. When the buffer is
// full further errors are logged and dropped. The channel is closed by Close.
func (s *Synchronizer[T]) Errors() <-chan error {
	return s.errs
}

// OnChange registers fn to be called with a copy of the value after every
// local or remote change. fn must not call back into the synchronizer
// synchronously with a lock held.
func (s *Synchronizer[T]) OnChange(fn func([]T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start subscribes to the collection path. It does not wait for the first
// snapshot. When ctx is done the synchronizer is closed.
func (s *Synchronizer[T]) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Closed:
		s.mu.Unlock()
		return ErrClosed
	case Uninitialized:
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.ctx.Done():
		}
	}()

	err := s.subscribe()
	switch {
	case err == nil:
		return nil
	case transport.IsRetryable(err):
		s.report(&Error{Collection: s.def.Name, Op: "subscribe", Err: err})
		s.startReconnect()
		return nil
	default:
		return &Error{Collection: s.def.Name, Op: "subscribe", Err: err}
	}
}

// subscribe opens a new subscription generation.
func (s *Synchronizer[T]) subscribe() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	s.denied = false
	s.setStateLocked(Subscribing)
	s.mu.Unlock()

	sub, err := s.ch.Subscribe(s.def.Path,
		func(snap transport.Snapshot) { s.deliver(gen, snap) },
		func(err error) { s.subscriptionFailed(gen, err) },
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.gen == gen && s.state != Closed {
			s.setStateLocked(Reconnecting)
		}
		return err
	}
	if s.gen != gen || s.state == Closed {
		go sub.Cancel()
		return nil
	}
	s.sub = sub
	s.logger.Debug("subscribed", "path", s.def.Path, "generation", gen)
	return nil
}

func (s *Synchronizer[T]) subscriptionFailed(gen uint64, err error) {
	s.mu.Lock()
	if s.state == Closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	old := s.sub
	s.sub = nil
	s.denied = errors.Is(err, transport.ErrPermissionDenied)
	s.setStateLocked(Reconnecting)
	s.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	s.report(&Error{Collection: s.def.Name, Op: "subscribe", Err: err})
	if errors.Is(err, transport.ErrPermissionDenied) {
		return
	}
	s.startReconnect()
}

func (s *Synchronizer[T]) startReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnecting || s.state == Closed {
		return
	}
	s.reconnecting = true
	s.wg.Add(1)
	go s.reconnect()
}

func (s *Synchronizer[T]) deliver(gen uint64, snap transport.Snapshot) {
	s.mu.Lock()
	if s.state == Closed || gen != s.gen {
		s.mu.Unlock()
		s.logger.Debug("dropping stale snapshot", "generation", gen)
		return
	}
	s.mu.Unlock()

	if err := s.apply(gen, snap); err != nil {
		s.report(err)
	}
}

// ApplySnapshot feeds a remote snapshot into the synchronizer as if it had
// arrived on the subscription. A malformed snapshot is reported, returned,
// and leaves local state untouched.
func (s *Synchronizer[T]) ApplySnapshot(snap transport.Snapshot) error {
	if s.State() == Closed {
		return ErrClosed
	}
	err := s.apply(0, snap)
	if err != nil {
		s.report(err)
	}
	return err
}

// apply replaces local state with snap. A non-zero gen must still be the
// current subscription generation when the state is replaced.
func (s *Synchronizer[T]) apply(gen uint64, snap transport.Snapshot) error {
	if !snap.Exists {
		return s.applyAbsent(gen)
	}

	next, err := normalize(s.def, snap)
	if err != nil {
		metrics.SnapshotsRejected.WithLabelValues(s.def.Name, "malformed").Inc()
		s.logger.Warn("ignoring malformed snapshot", "path", snap.Path, "error", err)
		return &Error{Collection: s.def.Name, Op: "snapshot", Err: err}
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return &Error{Collection: s.def.Name, Op: "snapshot", Err: err}
	}

	s.mu.Lock()
	if s.staleLocked(gen) {
		s.mu.Unlock()
		return nil
	}
	s.hadRemote = true
	if s.state == Subscribing || s.state == Reconnecting {
		s.setStateLocked(Synced)
	}
	if bytes.Equal(encoded, s.applied) {
		s.mu.Unlock()
		return nil
	}
	s.value = next
	s.applied = encoded
	notify := s.changedLocked()
	s.mu.Unlock()

	metrics.SnapshotsApplied.WithLabelValues(s.def.Name).Inc()
	s.persist(encoded)
	notify()
	return nil
}

func (s *Synchronizer[T]) staleLocked(gen uint64) bool {
	return s.state == Closed || (gen != 0 && gen != s.gen)
}

func (s *Synchronizer[T]) applyAbsent(gen uint64) error {
	s.mu.Lock()
	if s.staleLocked(gen) {
		s.mu.Unlock()
		return nil
	}

	if s.opts.RepublishOnAbsent && (s.hadRemote || s.fromCache) && len(s.value) > 0 {
		return s.republishLocked()
	}

	if s.def.Seed == nil {
		if s.state == Subscribing || s.state == Reconnecting {
			s.setStateLocked(Synced)
		}
		empty := []byte("[]")
		if bytes.Equal(empty, s.applied) {
			s.mu.Unlock()
			return nil
		}
		s.value = []T{}
		s.applied = empty
		notify := s.changedLocked()
		s.mu.Unlock()

		metrics.SnapshotsApplied.WithLabelValues(s.def.Name).Inc()
		s.persist(empty)
		notify()
		return nil
	}

	// Seed once per generation; the echo of the seed write moves us to
	// Synced. Concurrent seeders write identical values.
	if s.seeded && s.seedGen == s.gen {
		s.mu.Unlock()
		return nil
	}
	s.seeded = true
	s.seedGen = s.gen
	s.mu.Unlock()

	payload, err := seed.Encode(s.def.Shape, s.def.Seed.Seed())
	if err != nil {
		return &Error{Collection: s.def.Name, Op: "seed", Err: err}
	}
	s.logger.Info("seeding absent collection", "path", s.def.Path)
	s.enqueue(job{op: "seed", run: func(ctx context.Context) error {
		return s.ch.WriteAtPath(ctx, s.def.Path, payload)
	}})
	return nil
}

// republishLocked writes the local value back to a path whose store lost
// it. Per-record collections write one key per record so that values
// republished by several clients merge. It unlocks s.mu.
func (s *Synchronizer[T]) republishLocked() error {
	if s.seeded && s.seedGen == s.gen {
		s.mu.Unlock()
		return nil
	}
	s.seeded = true
	s.seedGen = s.gen
	value := schema.Clone(s.value)
	s.mu.Unlock()

	s.logger.Info("republishing local value to absent path", "path", s.def.Path, "records", len(value))
	switch s.def.Shape {
	case transport.PerRecord:
		plan, err := reconcile.Diff([]T{}, value)
		if err != nil {
			return &Error{Collection: s.def.Name, Op: "republish", Err: err}
		}
		s.enqueue(job{op: "republish", run: func(ctx context.Context) error {
			return plan.Apply(ctx, s.ch, s.def.Path)
		}})
	default:
		payload, err := json.Marshal(value)
		if err != nil {
			return &Error{Collection: s.def.Name, Op: "republish", Err: err}
		}
		s.enqueue(job{op: "republish", run: func(ctx context.Context) error {
			return s.ch.WriteAtPath(ctx, s.def.Path, payload)
		}})
	}
	return nil
}

// Mutate replaces the local value with next and queues the remote writes.
//
// Whole-tree collections write next as a single value. Per-record
// collections write one key per added record and delete one key per
// removed record; changing an existing record fails with ErrInPlaceEdit.
// The local value is updated before any remote write and is not rolled
// back if the write fails.
func (s *Synchronizer[T]) Mutate(next []T) error {
	if err := checkUnique(next); err != nil {
		return &Error{Collection: s.def.Name, Op: "mutate", Err: err}
	}
	next = schema.Clone(next)
	if next == nil {
		next = []T{}
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return &Error{Collection: s.def.Name, Op: "mutate", Err: err}
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}

	var j job
	switch s.def.Shape {
	case transport.PerRecord:
		plan, err := reconcile.Diff(s.value, next)
		if err != nil {
			s.mu.Unlock()
			return &Error{Collection: s.def.Name, Op: "mutate", Err: err}
		}
		if len(plan.Changed) > 0 {
			s.mu.Unlock()
			return &Error{Collection: s.def.Name, Op: "mutate", Key: plan.Changed[0], Err: ErrInPlaceEdit}
		}
		if !plan.Empty() {
			j = job{op: "apply_plan", run: func(ctx context.Context) error {
				return plan.Apply(ctx, s.ch, s.def.Path)
			}}
		}
	default:
		payload := encoded
		j = job{op: "write_path", run: func(ctx context.Context) error {
			return s.ch.WriteAtPath(ctx, s.def.Path, payload)
		}}
	}

	s.value = next
	s.applied = encoded
	notify := s.changedLocked()
	s.mu.Unlock()

	s.persist(encoded)
	if j.run != nil {
		s.enqueue(j)
	}
	notify()
	return nil
}

// Update replaces the record with rec's id.
//
// Per-record collections issue a single key write; whole-tree collections
// rewrite the whole value. The record's timestamp may not change.
func (s *Synchronizer[T]) Update(rec T) error {
	id := rec.RecordID()

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	idx := schema.IndexByID(s.value, id)
	if idx < 0 {
		s.mu.Unlock()
		return &Error{Collection: s.def.Name, Op: "update", Key: id, Err: ErrNotFound}
	}
	if s.value[idx].RecordTimestamp() != rec.RecordTimestamp() {
		s.mu.Unlock()
		return &Error{Collection: s.def.Name, Op: "update", Key: id, Err: ErrImmutableTimestamp}
	}

	next := schema.Clone(s.value)
	next[idx] = schema.Clone([]T{rec})[0]
	encoded, err := json.Marshal(next)
	if err != nil {
		s.mu.Unlock()
		return &Error{Collection: s.def.Name, Op: "update", Key: id, Err: err}
	}

	var j job
	switch s.def.Shape {
	case transport.PerRecord:
		payload, err := json.Marshal(rec)
		if err != nil {
			s.mu.Unlock()
			return &Error{Collection: s.def.Name, Op: "update", Key: id, Err: err}
		}
		j = job{op: "write_key", key: id, run: func(ctx context.Context) error {
			return s.ch.WriteAtKey(ctx, s.def.Path, id, payload)
		}}
	default:
		payload := encoded
		j = job{op: "write_path", run: func(ctx context.Context) error {
			return s.ch.WriteAtPath(ctx, s.def.Path, payload)
		}}
	}

	s.value = next
	s.applied = encoded
	notify := s.changedLocked()
	s.mu.Unlock()

	s.persist(encoded)
	s.enqueue(j)
	notify()
	return nil
}

// Close cancels the subscription, stops the writer and closes the Errors
// channel. Writes still queued are dropped. Close is idempotent.
func (s *Synchronizer[T]) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(Closed)
	s.gen++
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	s.cancel()
	s.wg.Wait()

	s.errMu.Lock()
	s.errClosed = true
	close(s.errs)
	s.errMu.Unlock()

	s.logger.Debug("closed")
	return nil
}

func (s *Synchronizer[T]) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.logger.Debug("state change", "from", s.state, "to", state)
	s.state = state
	metrics.State.WithLabelValues(s.def.Name).Set(float64(state))
}

// changedLocked captures the listeners and a copy of the value so they can
// be notified after the lock is released.
func (s *Synchronizer[T]) changedLocked() func() {
	if len(s.listeners) == 0 {
		return func() {}
	}
	listeners := slices.Clone(s.listeners)
	value := schema.Clone(s.value)
	return func() {
		for _, fn := range listeners {
			fn(value)
		}
	}
}

func (s *Synchronizer[T]) persist(encoded []byte) {
	if err := s.cache.Put(s.def.CacheKey, encoded); err != nil {
		s.logger.Warn("cache write failed", "key", s.def.CacheKey, "error", err)
		s.report(&Error{Collection: s.def.Name, Op: "cache", Key: s.def.CacheKey, Err: err})
	}
}

func (s *Synchronizer[T]) report(err error) {
	if err == nil {
		return
	}
	s.logger.Warn("sync error", "error", err)
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errClosed {
		return
	}
	select {
	case s.errs <- err:
	default:
		s.logger.Warn("error channel full, dropping error", "error", err)
	}
}
