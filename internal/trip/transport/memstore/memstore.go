// Package memstore provides an in-process shared store implementing
// transport.Channel.
//
// One Store plays the role of the remote database; each simulated device
// attaches with Connect and gets its own Channel. The store supports fault
// injection (offline mode, per-path write denial) and records every write
// so tests can assert on the exact operations a client issued.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/steveyegge/tripsync/internal/trip/transport"
)

// OpKind identifies a recorded write.
type OpKind string

const (
	OpWritePath OpKind = "write_path"
	OpWriteKey  OpKind = "write_key"
	OpDeleteKey OpKind = "delete_key"
)

// Op is one write accepted or rejected by the store.
type Op struct {
	Kind OpKind
	Path string
	Key  string
	Err  error
}

type node struct {
	keyed   bool
	value   json.RawMessage
	entries map[string]json.RawMessage
	created map[string]int64
}

// Store is the shared state all clients connect to.
type Store struct {
	clock clockwork.Clock

	mu      sync.Mutex
	nodes   map[string]*node
	subs    map[string]map[*transport.Feed]struct{}
	offline bool
	denied  map[string]bool
	ops     []Op
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for store-assigned creation times.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:  clockwork.NewRealClock(),
		nodes:  make(map[string]*node),
		subs:   make(map[string]map[*transport.Feed]struct{}),
		denied: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect returns a new client channel attached to the store.
func (s *Store) Connect() *Client {
	return &Client{store: s, feeds: make(map[*transport.Feed]struct{})}
}

// SetOffline toggles offline mode. Going offline breaks every live
// subscription with transport.ErrUnavailable; operations fail until the
// store is back online.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offline = offline
	if !offline {
		return
	}
	for path, feeds := range s.subs {
		for feed := range feeds {
			feed.Fail(transport.Unavailable("subscribe "+path, fmt.Errorf("store offline")))
		}
		delete(s.subs, path)
	}
}

// Deny makes every write to path fail with transport.ErrPermissionDenied.
func (s *Store) Deny(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied[path] = true
}

// Allow lifts a Deny.
func (s *Store) Allow(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.denied, path)
}

// Wipe drops every stored value, as a store restarted without persistence
// would. Live subscriptions stay open and see their path go absent.
func (s *Store) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]*node)
	for path := range s.subs {
		s.notifyLocked(path)
	}
}

// Ops returns a copy of the write log.
func (s *Store) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// ResetOps clears the write log.
func (s *Store) ResetOps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = nil
}

// Subscribers returns the number of live subscriptions at path.
func (s *Store) Subscribers(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[path])
}

// Snapshot returns the current value at path without going through a client.
func (s *Store) Snapshot(path string) transport.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(path)
}

func (s *Store) snapshotLocked(path string) transport.Snapshot {
	n, ok := s.nodes[path]
	if !ok {
		return transport.Absent(path)
	}
	if !n.keyed {
		return transport.Snapshot{Path: path, Exists: true, Value: n.value}
	}
	return transport.Snapshot{
		Path:      path,
		Exists:    true,
		Value:     transport.EncodeKeyed(n.entries),
		CreatedAt: maps.Clone(n.created),
	}
}

func (s *Store) notifyLocked(path string) {
	snap := s.snapshotLocked(path)
	for feed := range s.subs[path] {
		feed.Push(snap)
	}
}

// checkWriteLocked logs the op and returns the error the op must fail with.
func (s *Store) checkWriteLocked(op Op) error {
	var err error
	switch {
	case s.offline:
		err = transport.Unavailable(string(op.Kind)+" "+op.Path, fmt.Errorf("store offline"))
	case s.denied[op.Path]:
		err = transport.Denied(string(op.Kind)+" "+op.Path, nil)
	}
	op.Err = err
	s.ops = append(s.ops, op)
	return err
}

func (s *Store) writePath(path string, value json.RawMessage) error {
	if err := transport.ValidatePath(path); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("write %s: value is not valid JSON", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWriteLocked(Op{Kind: OpWritePath, Path: path}); err != nil {
		return err
	}

	if !transport.IsKeyed(value) {
		s.nodes[path] = &node{value: transport.Compact(value)}
		s.notifyLocked(path)
		return nil
	}

	entries, err := transport.DecodeKeyed(value)
	if err != nil {
		return err
	}
	now := s.clock.Now().UnixMilli()
	created := make(map[string]int64, len(entries))
	prev := s.nodes[path]
	for key := range entries {
		if prev != nil && prev.keyed {
			if ts, ok := prev.created[key]; ok {
				created[key] = ts
				continue
			}
		}
		created[key] = now
	}
	s.nodes[path] = &node{keyed: true, entries: entries, created: created}
	s.notifyLocked(path)
	return nil
}

func (s *Store) writeKey(path, key string, value json.RawMessage) error {
	if err := transport.ValidatePath(path); err != nil {
		return err
	}
	if err := transport.ValidateKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("write %s/%s: value is not valid JSON", path, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWriteLocked(Op{Kind: OpWriteKey, Path: path, Key: key}); err != nil {
		return err
	}

	n, ok := s.nodes[path]
	if !ok {
		n = &node{keyed: true, entries: make(map[string]json.RawMessage), created: make(map[string]int64)}
		s.nodes[path] = n
	}
	if !n.keyed {
		return fmt.Errorf("write %s/%s: %w", path, key, transport.ErrShapeMismatch)
	}
	if _, exists := n.created[key]; !exists {
		n.created[key] = s.clock.Now().UnixMilli()
	}
	n.entries[key] = transport.Compact(value)
	s.notifyLocked(path)
	return nil
}

func (s *Store) deleteKey(path, key string) error {
	if err := transport.ValidatePath(path); err != nil {
		return err
	}
	if err := transport.ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWriteLocked(Op{Kind: OpDeleteKey, Path: path, Key: key}); err != nil {
		return err
	}

	n, ok := s.nodes[path]
	if !ok {
		return nil
	}
	if !n.keyed {
		return fmt.Errorf("delete %s/%s: %w", path, key, transport.ErrShapeMismatch)
	}
	if _, exists := n.entries[key]; !exists {
		return nil
	}
	delete(n.entries, key)
	delete(n.created, key)
	s.notifyLocked(path)
	return nil
}

func (s *Store) subscribe(path string, feed *transport.Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offline {
		return transport.Unavailable("subscribe "+path, fmt.Errorf("store offline"))
	}
	if s.subs[path] == nil {
		s.subs[path] = make(map[*transport.Feed]struct{})
	}
	s.subs[path][feed] = struct{}{}
	feed.Push(s.snapshotLocked(path))
	return nil
}

func (s *Store) unsubscribe(path string, feed *transport.Feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[path], feed)
}

// Client is one device's view of the store.
type Client struct {
	store *Store

	mu     sync.Mutex
	feeds  map[*transport.Feed]struct{}
	closed bool
}

var _ transport.Channel = (*Client)(nil)

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	return nil
}

// ReadOnce implements transport.Channel.
func (c *Client) ReadOnce(ctx context.Context, path string) (transport.Snapshot, error) {
	if err := c.checkOpen(); err != nil {
		return transport.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return transport.Snapshot{}, err
	}
	if err := transport.ValidatePath(path); err != nil {
		return transport.Snapshot{}, err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if c.store.offline {
		return transport.Snapshot{}, transport.Unavailable("read "+path, fmt.Errorf("store offline"))
	}
	return c.store.snapshotLocked(path), nil
}

// Subscribe implements transport.Channel.
func (c *Client) Subscribe(path string, onChange func(transport.Snapshot), onError func(error)) (transport.Subscription, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := transport.ValidatePath(path); err != nil {
		return nil, err
	}

	feed := transport.NewFeed(onChange, onError)
	if err := c.store.subscribe(path, feed); err != nil {
		feed.Cancel()
		return nil, err
	}

	c.mu.Lock()
	c.feeds[feed] = struct{}{}
	c.mu.Unlock()

	return transport.SubscriptionFunc(func() {
		feed.Cancel()
		c.store.unsubscribe(path, feed)
		c.mu.Lock()
		delete(c.feeds, feed)
		c.mu.Unlock()
	}), nil
}

// WriteAtPath implements transport.Channel.
func (c *Client) WriteAtPath(ctx context.Context, path string, value json.RawMessage) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.store.writePath(path, value)
}

// WriteAtKey implements transport.Channel.
func (c *Client) WriteAtKey(ctx context.Context, path, key string, value json.RawMessage) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.store.writeKey(path, key, value)
}

// DeleteAtKey implements transport.Channel.
func (c *Client) DeleteAtKey(ctx context.Context, path, key string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.store.deleteKey(path, key)
}

// Close implements transport.Channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	feeds := c.feeds
	c.feeds = nil
	c.mu.Unlock()

	c.store.mu.Lock()
	for feed := range feeds {
		feed.Cancel()
		for _, subs := range c.store.subs {
			delete(subs, feed)
		}
	}
	c.store.mu.Unlock()
	return nil
}
