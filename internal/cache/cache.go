package cache

import (
	"database/sql"
	"fmt"
	"inkpress/internal/config"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Cache is a SQLite-backed KV cache with per-entry TTLs. The content
// service uses it on the read path; it is never consulted inside a unit
// of work, so a stale entry can only ever be one invalidation behind.
type Cache struct {
	db *sqlx.DB
}

// New opens the cache database at the configured path and ensures the
// cache table exists. "file::memory:" gives an in-process cache.
func New(cfg config.CacheConfig) (*Cache, error) {
	db, err := sqlx.Connect("sqlite", cfg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite cache: %w", err)
	}
	// SQLite allows one writer; a single pooled connection also keeps an
	// in-memory cache on one database instance.
	db.SetMaxOpenConns(1)

	// WAL mode is generally better for concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode on sqlite cache: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		value BLOB,
		expires_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_entries_expires_at ON entries (expires_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	return &Cache{db: db}, nil
}

// Get retrieves an entry. It returns nil on a miss or an expired entry.
func (c *Cache) Get(key string) ([]byte, error) {
	var item struct {
		Value     []byte `db:"value"`
		ExpiresAt int64  `db:"expires_at"`
	}
	err := c.db.Get(&item, `SELECT value, expires_at FROM entries WHERE key = ?`, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	if time.Now().Unix() > item.ExpiresAt {
		// Expired; drop it best-effort and report a miss.
		_ = c.Delete(key)
		return nil, nil
	}
	return item.Value, nil
}

// Set stores an entry with the given TTL, replacing any prior value.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl).Unix()
	_, err := c.db.Exec(`INSERT OR REPLACE INTO entries (key, value, expires_at) VALUES (?, ?, ?)`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// Delete removes an entry. Deleting an absent entry is not an error.
func (c *Cache) Delete(key string) error {
	if _, err := c.db.Exec(`DELETE FROM entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
