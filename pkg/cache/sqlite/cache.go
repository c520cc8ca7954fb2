// Package sqlite is the persistent result cache backend. Entries
// survive restarts, so a warm corpus is not reconverted after a
// redeploy.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/penguin-orz/datamax2/pkg/models"
)

// Cache is a conversion result cache backed by SQLite.
type Cache struct {
	db         *sql.DB
	ttl        time.Duration
	maxEntries int
	hits       atomic.Int64
	misses     atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS conversion_cache (
	fingerprint TEXT PRIMARY KEY,
	result BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	ttl_seconds INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversion_cache_created ON conversion_cache(created_at);
`

// New creates a Cache at dbPath. A zero ttl disables caching; a zero
// maxEntries leaves the entry count unbounded.
func New(dbPath string, ttl time.Duration, maxEntries int) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, ttl: ttl, maxEntries: maxEntries}, nil
}

// Get retrieves a cached result. An expired entry counts as a miss and
// is removed in place.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*models.ConversionResult, bool, error) {
	if c.ttl <= 0 {
		c.misses.Add(1)
		return nil, false, nil
	}

	var blob []byte
	var createdAt time.Time
	var ttlSeconds int64
	err := c.db.QueryRowContext(ctx,
		`SELECT result, created_at, ttl_seconds FROM conversion_cache WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&blob, &createdAt, &ttlSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, models.WrapError(models.ErrCacheUnavailable, "cache get", err)
	}

	if time.Since(createdAt) > time.Duration(ttlSeconds)*time.Second {
		c.misses.Add(1)
		_, _ = c.db.ExecContext(ctx, `DELETE FROM conversion_cache WHERE fingerprint = ?`, fingerprint)
		return nil, false, nil
	}

	var res models.ConversionResult
	if err := json.Unmarshal(blob, &res); err != nil {
		return nil, false, models.WrapError(models.ErrCacheUnavailable, "decode cache entry", err)
	}
	c.hits.Add(1)
	return &res, true, nil
}

// Put stores a result. When the entry count exceeds the configured
// maximum, the oldest-inserted entries are evicted first.
func (c *Cache) Put(ctx context.Context, fingerprint string, res models.ConversionResult) error {
	if c.ttl <= 0 {
		return nil
	}
	blob, err := json.Marshal(res)
	if err != nil {
		return models.WrapError(models.ErrCacheUnavailable, "encode cache entry", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversion_cache (fingerprint, result, created_at, ttl_seconds)
		 VALUES (?, ?, ?, ?)`,
		fingerprint, blob, time.Now().UTC(), int64(c.ttl.Seconds()),
	)
	if err != nil {
		return models.WrapError(models.ErrCacheUnavailable, "cache put", err)
	}

	if c.maxEntries > 0 {
		_, err = c.db.ExecContext(ctx,
			`DELETE FROM conversion_cache WHERE fingerprint NOT IN (
				SELECT fingerprint FROM conversion_cache
				ORDER BY created_at DESC, fingerprint
				LIMIT ?
			)`, c.maxEntries)
		if err != nil {
			return models.WrapError(models.ErrCacheUnavailable, "cache evict", err)
		}
	}
	return nil
}

// Sweep removes expired entries and reports how many were evicted.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	if c.ttl <= 0 {
		return 0, nil
	}
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM conversion_cache
		 WHERE (julianday('now') - julianday(created_at)) * 86400 > ttl_seconds`)
	if err != nil {
		return 0, models.WrapError(models.ErrCacheUnavailable, "cache sweep", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats returns cache performance metrics.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversion_cache`).Scan(&count)
	if err != nil {
		return models.CacheStats{}, models.WrapError(models.ErrCacheUnavailable, "cache stats", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes cache entries. If expiredOnly is true, only expired
// entries are removed.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) error {
	if expiredOnly {
		_, err := c.Sweep(ctx)
		return err
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM conversion_cache`); err != nil {
		return models.WrapError(models.ErrCacheUnavailable, "cache clear", err)
	}
	return nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
