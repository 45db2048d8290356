// Package filestore implements transport.Channel over a directory that is
// shared between devices, for example a synced folder.
//
// Layout under the root directory:
//
//	<root>/<path>.json        whole value of a path
//	<root>/<path>/<key>.json  one record of a keyed mapping
//	<root>/.lock              cross-process write lock
//
// Changes are picked up with fsnotify, so writes made by other processes on
// the same directory are delivered to local subscribers as well.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/natefinch/atomic"

	"github.com/steveyegge/tripsync/internal/trip/transport"
)

const (
	fileExt  = ".json"
	lockName = ".lock"
)

// Config holds configuration for a Store.
type Config struct {
	// Debounce is how long to wait for a burst of file events to settle
	// before re-reading a path.
	Debounce time.Duration
	// Logger receives watcher diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// Clock drives the debounce ticker.
	Clock clockwork.Clock
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Debounce: 100 * time.Millisecond,
		Logger:   slog.Default(),
		Clock:    clockwork.NewRealClock(),
	}
}

type subscriber struct {
	path string
	feed *transport.Feed
}

// Store is a directory-backed channel.
type Store struct {
	root   string
	cfg    Config
	logger *slog.Logger
	lock   *flock.Flock
	watch  *watcher

	mu      sync.Mutex
	subs    map[string]map[*subscriber]struct{}
	last    map[string]transport.Snapshot // last delivered per path
	pending map[string]time.Time          // dirty paths and when they were queued
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

var _ transport.Channel = (*Store)(nil)

// Open opens (creating if needed) a store rooted at dir and starts watching
// it.
func Open(dir string, cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, mapErr("open", err)
	}

	logger := cfg.Logger.With("component", "filestore")
	w, err := newWatcher(root, logger)
	if err != nil {
		return nil, err
	}

	s := &Store{
		root:    root,
		cfg:     cfg,
		logger:  logger,
		lock:    flock.New(filepath.Join(root, lockName)),
		watch:   w,
		subs:    make(map[string]map[*subscriber]struct{}),
		last:    make(map[string]transport.Snapshot),
		pending: make(map[string]time.Time),
		done:    make(chan struct{}),
	}

	s.wg.Add(2)
	go s.consumeEvents()
	go s.processPending()

	logger.Debug("opened", "root", root)
	return s, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) valueFile(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path)) + fileExt
}

func (s *Store) keyedDir(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	return nil
}

// ReadOnce implements transport.Channel.
func (s *Store) ReadOnce(ctx context.Context, path string) (transport.Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return transport.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return transport.Snapshot{}, err
	}
	if err := transport.ValidatePath(path); err != nil {
		return transport.Snapshot{}, err
	}
	return s.read(path)
}

// read loads the current snapshot of path from disk.
func (s *Store) read(path string) (transport.Snapshot, error) {
	data, err := os.ReadFile(s.valueFile(path))
	switch {
	case err == nil:
		if !json.Valid(data) {
			// A partially synced file; treat it as not there yet.
			return transport.Snapshot{}, transport.Unavailable("read "+path, fmt.Errorf("invalid JSON in %s", s.valueFile(path)))
		}
		return transport.Snapshot{Path: path, Exists: true, Value: transport.Compact(data)}, nil
	case !errors.Is(err, fs.ErrNotExist):
		return transport.Snapshot{}, mapErr("read "+path, err)
	}

	entries, ok, err := s.readEntries(path)
	if err != nil {
		return transport.Snapshot{}, err
	}
	if !ok {
		return transport.Absent(path), nil
	}
	return transport.Snapshot{Path: path, Exists: true, Value: transport.EncodeKeyed(entries)}, nil
}

func (s *Store) readEntries(path string) (map[string]json.RawMessage, bool, error) {
	dir := s.keyedDir(path)
	files, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapErr("read "+path, err)
	}

	entries := make(map[string]json.RawMessage, len(files))
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue // removed while listing
		}
		if err != nil {
			return nil, false, mapErr("read "+path, err)
		}
		if !json.Valid(data) {
			s.logger.Warn("skipping invalid entry", "path", path, "file", name)
			continue
		}
		entries[strings.TrimSuffix(name, fileExt)] = data
	}
	return entries, true, nil
}

// Subscribe implements transport.Channel.
func (s *Store) Subscribe(path string, onChange func(transport.Snapshot), onError func(error)) (transport.Subscription, error) {
	if err := transport.ValidatePath(path); err != nil {
		return nil, err
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	parent := filepath.Dir(s.valueFile(path))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, mapErr("subscribe "+path, err)
	}
	if err := s.watch.add(parent); err != nil {
		return nil, transport.Unavailable("subscribe "+path, err)
	}
	if dir := s.keyedDir(path); isDir(dir) {
		if err := s.watch.add(dir); err != nil {
			return nil, transport.Unavailable("subscribe "+path, err)
		}
	}

	snap, err := s.read(path)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{path: path, feed: transport.NewFeed(onChange, onError)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.feed.Cancel()
		return nil, transport.ErrClosed
	}
	if s.subs[path] == nil {
		s.subs[path] = make(map[*subscriber]struct{})
	}
	s.subs[path][sub] = struct{}{}
	if _, ok := s.last[path]; !ok {
		s.last[path] = snap
	}
	sub.feed.Push(snap)
	s.mu.Unlock()

	return transport.SubscriptionFunc(func() {
		sub.feed.Cancel()
		s.mu.Lock()
		delete(s.subs[path], sub)
		if len(s.subs[path]) == 0 {
			delete(s.subs, path)
			delete(s.last, path)
		}
		s.mu.Unlock()
	}), nil
}

// WriteAtPath implements transport.Channel.
func (s *Store) WriteAtPath(ctx context.Context, path string, value json.RawMessage) error {
	if err := s.checkWrite(ctx, path); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("write %s: value is not valid JSON", path)
	}

	var entries map[string]json.RawMessage
	if transport.IsKeyed(value) {
		var err error
		if entries, err = transport.DecodeKeyed(value); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	err := s.withLock(func() error {
		if entries == nil {
			if err := os.RemoveAll(s.keyedDir(path)); err != nil {
				return err
			}
			return s.writeFile(s.valueFile(path), transport.Compact(value))
		}

		if err := removeIfExists(s.valueFile(path)); err != nil {
			return err
		}
		dir := s.keyedDir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		existing, _, err := s.readEntries(path)
		if err != nil {
			return err
		}
		for key := range existing {
			if _, keep := entries[key]; !keep {
				if err := removeIfExists(filepath.Join(dir, key+fileExt)); err != nil {
					return err
				}
			}
		}
		keys := make([]string, 0, len(entries))
		for key := range entries {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if bytes.Equal(existing[key], entries[key]) {
				continue
			}
			if err := s.writeFile(filepath.Join(dir, key+fileExt), transport.Compact(entries[key])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mapErr("write "+path, err)
	}
	s.markDirty(path)
	return nil
}

// WriteAtKey implements transport.Channel.
func (s *Store) WriteAtKey(ctx context.Context, path, key string, value json.RawMessage) error {
	if err := s.checkWrite(ctx, path); err != nil {
		return err
	}
	if err := transport.ValidateKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("write %s/%s: value is not valid JSON", path, key)
	}

	err := s.withLock(func() error {
		if fileExists(s.valueFile(path)) {
			return fmt.Errorf("write %s/%s: %w", path, key, transport.ErrShapeMismatch)
		}
		dir := s.keyedDir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		return s.writeFile(filepath.Join(dir, key+fileExt), transport.Compact(value))
	})
	if err != nil {
		if errors.Is(err, transport.ErrShapeMismatch) {
			return err
		}
		return mapErr("write "+path+"/"+key, err)
	}
	s.markDirty(path)
	return nil
}

// DeleteAtKey implements transport.Channel.
func (s *Store) DeleteAtKey(ctx context.Context, path, key string) error {
	if err := s.checkWrite(ctx, path); err != nil {
		return err
	}
	if err := transport.ValidateKey(key); err != nil {
		return err
	}

	err := s.withLock(func() error {
		if fileExists(s.valueFile(path)) {
			return fmt.Errorf("delete %s/%s: %w", path, key, transport.ErrShapeMismatch)
		}
		return removeIfExists(filepath.Join(s.keyedDir(path), key+fileExt))
	})
	if err != nil {
		if errors.Is(err, transport.ErrShapeMismatch) {
			return err
		}
		return mapErr("delete "+path+"/"+key, err)
	}
	s.markDirty(path)
	return nil
}

// Close implements transport.Channel. Live subscriptions stop receiving.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[string]map[*subscriber]struct{})
	s.mu.Unlock()

	close(s.done)
	err := s.watch.close()
	s.wg.Wait()

	for _, set := range subs {
		for sub := range set {
			sub.feed.Cancel()
		}
	}
	return err
}

func (s *Store) checkWrite(ctx context.Context, path string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return transport.ValidatePath(path)
}

// withLock runs fn while holding the cross-process write lock.
func (s *Store) withLock(fn func() error) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("failed to release lock", "error", err)
		}
	}()
	return fn()
}

func (s *Store) writeFile(name string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(name, bytes.NewReader(data))
}

// markDirty queues path for re-reading by the debounce loop.
func (s *Store) markDirty(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, watched := s.subs[path]; !watched {
		return
	}
	if _, queued := s.pending[path]; !queued {
		s.pending[path] = s.cfg.Clock.Now()
	}
}

// consumeEvents turns watcher events into dirty paths.
func (s *Store) consumeEvents() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watch.events:
			if !ok {
				return
			}
			if ev.dirCreated {
				if err := s.watch.add(ev.name); err != nil {
					s.logger.Warn("failed to watch directory", "dir", ev.name, "error", err)
				}
			}
			for _, path := range s.pathsFor(ev.name) {
				s.markDirty(path)
			}
		case err, ok := <-s.watch.errors:
			if !ok {
				return
			}
			// Events may have been lost; re-read everything.
			s.logger.Warn("watcher error", "error", err)
			s.markAllDirty()
		}
	}
}

func (s *Store) markAllDirty() {
	s.mu.Lock()
	paths := make([]string, 0, len(s.subs))
	for path := range s.subs {
		paths = append(paths, path)
	}
	s.mu.Unlock()
	for _, path := range paths {
		s.markDirty(path)
	}
}

// pathsFor returns the subscribed paths a changed file belongs to.
func (s *Store) pathsFor(name string) []string {
	rel, err := filepath.Rel(s.root, name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil
	}
	rel = filepath.ToSlash(rel)

	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	for path := range s.subs {
		if rel == path || rel == path+fileExt || strings.HasPrefix(rel, path+"/") {
			paths = append(paths, path)
		}
	}
	return paths
}

// processPending re-reads dirty paths once they have been quiet for the
// debounce interval and delivers changed snapshots.
func (s *Store) processPending() {
	defer s.wg.Done()

	ticker := s.cfg.Clock.NewTicker(s.cfg.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			s.flushPending()
		}
	}
}

func (s *Store) flushPending() {
	now := s.cfg.Clock.Now()

	s.mu.Lock()
	var ready []string
	for path, queuedAt := range s.pending {
		if now.Sub(queuedAt) < s.cfg.Debounce {
			continue
		}
		ready = append(ready, path)
		delete(s.pending, path)
	}
	s.mu.Unlock()

	for _, path := range ready {
		snap, err := s.read(path)
		if err != nil {
			if transport.IsRetryable(err) {
				// Try again on the next tick.
				s.markDirty(path)
				continue
			}
			s.failPath(path, err)
			continue
		}
		s.deliver(snap)
	}
}

func (s *Store) deliver(snap transport.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if last, ok := s.last[snap.Path]; ok && transport.Equal(last, snap) {
		return
	}
	s.last[snap.Path] = snap
	for sub := range s.subs[snap.Path] {
		sub.feed.Push(snap)
	}
}

func (s *Store) failPath(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Warn("ending subscriptions", "path", path, "error", err)
	for sub := range s.subs[path] {
		sub.feed.Fail(err)
	}
	delete(s.subs, path)
	delete(s.last, path)
}

// mapErr classifies a file system error.
func mapErr(op string, err error) error {
	// atomic.WriteFile formats the underlying error with %v, so fall back to
	// the message.
	if errors.Is(err, fs.ErrPermission) || strings.Contains(err.Error(), "permission denied") {
		return transport.Denied(op, err)
	}
	return transport.Unavailable(op, err)
}

func removeIfExists(name string) error {
	err := os.Remove(name)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func fileExists(name string) bool {
	info, err := os.Stat(name)
	return err == nil && !info.IsDir()
}

func isDir(name string) bool {
	info, err := os.Stat(name)
	return err == nil && info.IsDir()
}
