package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/steveyegge/tripsync/internal/trip/sqlitedb"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLite is a Cache stored in an embedded SQLite database.
type SQLite struct {
	db *sqlitedb.DB
}

var _ Cache = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the cache database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}

	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Migrate(ctx, sub); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Get implements Cache.
func (c *SQLite) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := c.db.SQL().QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache key %s: %w", key, err)
	}
	return value, true, nil
}

// Put implements Cache.
func (c *SQLite) Put(key string, value []byte) error {
	_, err := c.db.SQL().Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write cache key %s: %w", key, err)
	}
	return nil
}

// Delete implements Cache.
func (c *SQLite) Delete(key string) error {
	if _, err := c.db.SQL().Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, err)
	}
	return nil
}

// Close implements Cache.
func (c *SQLite) Close() error {
	return c.db.Close()
}
