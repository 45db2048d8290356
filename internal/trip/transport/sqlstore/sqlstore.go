// Package sqlstore implements transport.Channel on an SQLite document
// database.
//
// Every path has a row in the paths table whose version is bumped by each
// write. Subscriptions poll that version, so processes sharing the same
// database file see each other's changes.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/ncruces/go-sqlite3"

	"github.com/steveyegge/tripsync/internal/trip/sqlitedb"
	"github.com/steveyegge/tripsync/internal/trip/transport"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	kindValue = "value"
	kindMap   = "map"
)

// Config holds configuration for a Store.
type Config struct {
	// PollInterval is how often subscribed paths are checked for changes.
	PollInterval time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock drives polling and entry creation times.
	Clock clockwork.Clock
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 250 * time.Millisecond,
		Logger:       slog.Default(),
		Clock:        clockwork.NewRealClock(),
	}
}

type watch struct {
	version int64
	feeds   map[*transport.Feed]struct{}
}

// Store is an SQLite-backed channel.
type Store struct {
	db     *sqlitedb.DB
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	watches map[string]*watch
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

var _ transport.Channel = (*Store)(nil)

// Open opens (creating if needed) the document database at path, applies
// migrations and starts the poller.
func Open(ctx context.Context, path string, cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}

	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, transport.Unavailable("open "+path, err)
	}
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Migrate(ctx, sub); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("document schema: %w", err)
	}

	s := &Store{
		db:      db,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "sqlstore"),
		watches: make(map[string]*watch),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.poll()
	return s, nil
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
	if err := transport.ValidatePath(path); err != nil {
		return transport.Snapshot{}, err
	}
	snap, _, err := s.read(ctx, path)
	return snap, err
}

// read returns the snapshot at path together with its version.
func (s *Store) read(ctx context.Context, path string) (transport.Snapshot, int64, error) {
	tx, err := s.db.SQL().BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return transport.Snapshot{}, 0, mapErr("read "+path, err)
	}
	defer tx.Rollback()

	var (
		kind    string
		value   sql.NullString
		version int64
	)
	err = tx.QueryRowContext(ctx, `SELECT kind, value, version FROM paths WHERE path = ?`, path).Scan(&kind, &value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return transport.Absent(path), 0, nil
	}
	if err != nil {
		return transport.Snapshot{}, 0, mapErr("read "+path, err)
	}

	if kind == kindValue {
		return transport.Snapshot{Path: path, Exists: true, Value: json.RawMessage(value.String)}, version, nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT key, value, created_at FROM entries WHERE path = ?`, path)
	if err != nil {
		return transport.Snapshot{}, 0, mapErr("read "+path, err)
	}
	defer rows.Close()

	entries := make(map[string]json.RawMessage)
	created := make(map[string]int64)
	for rows.Next() {
		var (
			key, raw string
			at       int64
		)
		if err := rows.Scan(&key, &raw, &at); err != nil {
			return transport.Snapshot{}, 0, mapErr("read "+path, err)
		}
		entries[key] = json.RawMessage(raw)
		created[key] = at
	}
	if err := rows.Err(); err != nil {
		return transport.Snapshot{}, 0, mapErr("read "+path, err)
	}

	return transport.Snapshot{
		Path:      path,
		Exists:    true,
		Value:     transport.EncodeKeyed(entries),
		CreatedAt: created,
	}, version, nil
}

// Subscribe implements transport.Channel.
func (s *Store) Subscribe(path string, onChange func(transport.Snapshot), onError func(error)) (transport.Subscription, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := transport.ValidatePath(path); err != nil {
		return nil, err
	}

	snap, version, err := s.read(context.Background(), path)
	if err != nil {
		return nil, err
	}

	feed := transport.NewFeed(onChange, onError)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		feed.Cancel()
		return nil, transport.ErrClosed
	}
	w, ok := s.watches[path]
	if !ok {
		w = &watch{version: version, feeds: make(map[*transport.Feed]struct{})}
		s.watches[path] = w
	}
	w.feeds[feed] = struct{}{}
	feed.Push(snap)
	s.mu.Unlock()

	return transport.SubscriptionFunc(func() {
		feed.Cancel()
		s.mu.Lock()
		defer s.mu.Unlock()
		if w, ok := s.watches[path]; ok {
			delete(w.feeds, feed)
			if len(w.feeds) == 0 {
				delete(s.watches, path)
			}
		}
	}), nil
}

// WriteAtPath implements transport.Channel.
func (s *Store) WriteAtPath(ctx context.Context, path string, value json.RawMessage) error {
	if err := s.checkWrite(path); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("write %s: value is not valid JSON", path)
	}

	if !transport.IsKeyed(value) {
		return s.inTx(ctx, "write "+path, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO paths (path, kind, value, version) VALUES (?, 'value', ?, 1)
				ON CONFLICT(path) DO UPDATE SET kind = 'value', value = excluded.value, version = paths.version + 1
			`, path, string(transport.Compact(value))); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE path = ?`, path)
			return err
		})
	}

	entries, err := transport.DecodeKeyed(value)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	now := s.cfg.Clock.Now().UnixMilli()

	return s.inTx(ctx, "write "+path, func(tx *sql.Tx) error {
		if err := bumpMap(ctx, tx, path); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `SELECT key FROM entries WHERE path = ?`, path)
		if err != nil {
			return err
		}
		var stale []string
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return err
			}
			if _, keep := entries[key]; !keep {
				stale = append(stale, key)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, key := range stale {
			if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE path = ? AND key = ?`, path, key); err != nil {
				return err
			}
		}
		for key, raw := range entries {
			if err := upsertEntry(ctx, tx, path, key, raw, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteAtKey implements transport.Channel.
func (s *Store) WriteAtKey(ctx context.Context, path, key string, value json.RawMessage) error {
	if err := s.checkWrite(path); err != nil {
		return err
	}
	if err := transport.ValidateKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("write %s/%s: value is not valid JSON", path, key)
	}
	now := s.cfg.Clock.Now().UnixMilli()

	return s.inTx(ctx, "write "+path+"/"+key, func(tx *sql.Tx) error {
		kind, err := pathKind(ctx, tx, path)
		if err != nil {
			return err
		}
		if kind == kindValue {
			return fmt.Errorf("write %s/%s: %w", path, key, transport.ErrShapeMismatch)
		}
		if err := bumpMap(ctx, tx, path); err != nil {
			return err
		}
		return upsertEntry(ctx, tx, path, key, value, now)
	})
}

// DeleteAtKey implements transport.Channel.
func (s *Store) DeleteAtKey(ctx context.Context, path, key string) error {
	if err := s.checkWrite(path); err != nil {
		return err
	}
	if err := transport.ValidateKey(key); err != nil {
		return err
	}

	return s.inTx(ctx, "delete "+path+"/"+key, func(tx *sql.Tx) error {
		kind, err := pathKind(ctx, tx, path)
		if err != nil {
			return err
		}
		switch kind {
		case "":
			return nil
		case kindValue:
			return fmt.Errorf("delete %s/%s: %w", path, key, transport.ErrShapeMismatch)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE path = ? AND key = ?`, path, key)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE paths SET version = version + 1 WHERE path = ?`, path)
		return err
	})
}

// Close stops polling, ends subscriptions and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watches := s.watches
	s.watches = make(map[string]*watch)
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	for _, w := range watches {
		for feed := range w.feeds {
			feed.Cancel()
		}
	}
	return s.db.Close()
}

func (s *Store) checkWrite(path string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return transport.ValidatePath(path)
}

// inTx runs fn in a transaction and then wakes local subscribers.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return mapErr(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, transport.ErrShapeMismatch) || errors.Is(err, context.Canceled) {
			return err
		}
		return mapErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return mapErr(op, err)
	}
	s.check(ctx)
	return nil
}

func pathKind(ctx context.Context, tx *sql.Tx, path string) (string, error) {
	var kind string
	err := tx.QueryRowContext(ctx, `SELECT kind FROM paths WHERE path = ?`, path).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return kind, err
}

// bumpMap makes path a keyed mapping and bumps its version.
func bumpMap(ctx context.Context, tx *sql.Tx, path string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO paths (path, kind, value, version) VALUES (?, 'map', NULL, 1)
		ON CONFLICT(path) DO UPDATE SET kind = 'map', value = NULL, version = paths.version + 1
	`, path)
	return err
}

// upsertEntry writes one entry, keeping created_at of an existing key.
func upsertEntry(ctx context.Context, tx *sql.Tx, path, key string, value json.RawMessage, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entries (path, key, value, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(path, key) DO UPDATE SET value = excluded.value
	`, path, key, string(transport.Compact(value)), now)
	return err
}

// poll checks subscribed paths for version changes.
func (s *Store) poll() {
	defer s.wg.Done()

	ticker := s.cfg.Clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.check(ctx)
			cancel()
		}
	}
}

// check delivers a fresh snapshot for every subscribed path whose version
// moved.
func (s *Store) check(ctx context.Context) {
	s.mu.Lock()
	paths := make([]string, 0, len(s.watches))
	for path := range s.watches {
		paths = append(paths, path)
	}
	s.mu.Unlock()

	for _, path := range paths {
		var version int64
		err := s.db.SQL().QueryRowContext(ctx, `SELECT version FROM paths WHERE path = ?`, path).Scan(&version)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug("version check failed", "path", path, "error", err)
			continue
		}

		s.mu.Lock()
		w, ok := s.watches[path]
		changed := ok && w.version != version
		s.mu.Unlock()
		if !changed {
			continue
		}

		snap, version, err := s.read(ctx, path)
		if err != nil {
			s.logger.Debug("read failed", "path", path, "error", err)
			continue
		}

		s.mu.Lock()
		if w, ok := s.watches[path]; ok && w.version != version && !s.closed {
			w.version = version
			for feed := range w.feeds {
				feed.Push(snap)
			}
		}
		s.mu.Unlock()
	}
}

// mapErr classifies an SQLite error.
func mapErr(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, sqlite3.READONLY), errors.Is(err, sqlite3.PERM), errors.Is(err, sqlite3.AUTH):
		return transport.Denied(op, err)
	default:
		return transport.Unavailable(op, err)
	}
}
