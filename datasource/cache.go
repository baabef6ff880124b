package datasource

import (
	"context"
	"database/sql"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	_ "modernc.org/sqlite"
)

// Cache is a local sqlite backed tile byte cache. Hits skip the network
// entirely; entries expire after the configured TTL.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
}

func OpenCache(path string, ttl time.Duration) (*Cache, error) {
	if path == "" {
		return nil, errors.New("empty cache path")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.New("opening tile cache failed").
			WithTag("path", path).
			Wrap(err)
	}

	// A single writer keeps sqlite happy under concurrent fetches.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tiles (
			key        TEXT PRIMARY KEY,
			data       BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, errors.New("creating tile cache schema failed").
			WithTag("path", path).
			Wrap(err)
	}

	return &Cache{db: db, ttl: ttl}, nil
}

// Get returns the cached payload for the key, if present and fresh.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	var data []byte
	var createdAt int64

	err := c.db.QueryRowContext(ctx,
		`SELECT data, created_at FROM tiles WHERE key = ?`, key).
		Scan(&data, &createdAt)
	switch {
	case err == sql.ErrNoRows:
		return nil, false
	case err != nil:
		logs.Warn(errors.New("tile cache lookup failed").
			WithTag("key", key).
			Wrap(err))
		return nil, false
	}

	if c.ttl > 0 && time.Since(time.Unix(createdAt, 0)) > c.ttl {
		return nil, false
	}
	return data, true
}

func (c *Cache) Put(ctx context.Context, key string, data []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO tiles (key, data, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data, created_at = excluded.created_at`,
		key, data, time.Now().Unix())
	if err != nil {
		return errors.New("tile cache write failed").
			WithTag("key", key).
			Wrap(err)
	}
	return nil
}

// Prune removes expired entries.
func (c *Cache) Prune(ctx context.Context) error {
	if c.ttl <= 0 {
		return nil
	}

	_, err := c.db.ExecContext(ctx,
		`DELETE FROM tiles WHERE created_at < ?`,
		time.Now().Add(-c.ttl).Unix())
	if err != nil {
		return errors.New("tile cache prune failed").Wrap(err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}
