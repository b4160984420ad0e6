package cacheproxy

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/moodtracker/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is a stored response.
type Entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt string
}

// Cache stores responses grouped into named generations.
type Cache interface {
	Put(ctx context.Context, generation string, e Entry) error
	Match(ctx context.Context, url string) (Entry, bool, error)
	Generations(ctx context.Context) ([]string, error)
	DeleteGeneration(ctx context.Context, name string) error
	DeleteAll(ctx context.Context) error
	Size(ctx context.Context) (int64, error)
	State(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
}

// SQLiteCache keeps cache generations in their own SQLite database, apart
// from the mood store.
type SQLiteCache struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteCache opens the cache database at dsn and applies its migrations.
func OpenSQLiteCache(ctx context.Context, dsn string) (*SQLiteCache, error) {
	db, err := storage.OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(ctx, db, migrationsFS, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("running cache migrations: %w", err)
	}
	return &SQLiteCache{db: db, now: time.Now}, nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// Put stores e in generation, replacing any entry for the same URL there.
func (c *SQLiteCache) Put(ctx context.Context, generation string, e Entry) error {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("encoding headers: %w", err)
	}
	if e.StoredAt == "" {
		e.StoredAt = storage.FormatTimestamp(c.now())
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (generation, url, status, header_json, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(generation, url) DO UPDATE SET
			status = excluded.status, header_json = excluded.header_json,
			body = excluded.body, stored_at = excluded.stored_at`,
		generation, e.URL, e.Status, string(header), e.Body, e.StoredAt,
	)
	if err != nil {
		return fmt.Errorf("storing %s in %s: %w", e.URL, generation, err)
	}
	return nil
}

// Match looks url up across every generation, newest write first.
func (c *SQLiteCache) Match(ctx context.Context, url string) (Entry, bool, error) {
	var e Entry
	var header string
	err := c.db.QueryRowContext(ctx, `
		SELECT url, status, header_json, body, stored_at FROM cache_entries
		WHERE url = ? ORDER BY stored_at DESC LIMIT 1`, url,
	).Scan(&e.URL, &e.Status, &header, &e.Body, &e.StoredAt)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return Entry{}, false, fmt.Errorf("decoding headers of %s: %w", url, err)
	}
	return e, true, nil
}

// Generations lists the generation names holding at least one entry.
func (c *SQLiteCache) Generations(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT generation FROM cache_entries ORDER BY generation`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (c *SQLiteCache) DeleteGeneration(ctx context.Context, name string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation = ?`, name)
	return err
}

// DeleteAll drops every entry of every generation. Lifecycle state is kept.
func (c *SQLiteCache) DeleteAll(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	return err
}

// Size sums the stored body bytes.
func (c *SQLiteCache) Size(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(LENGTH(body)), 0) FROM cache_entries`).Scan(&n)
	return n, err
}

// State returns a lifecycle value, or "" when unset.
func (c *SQLiteCache) State(ctx context.Context, key string) (string, error) {
	var v string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM cache_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (c *SQLiteCache) SetState(ctx context.Context, key, value string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// hopHeaders are not stored with a cached response.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Set-Cookie", "Date",
}

func storableHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range hopHeaders {
		out.Del(k)
	}
	for k := range out {
		if strings.HasPrefix(k, "X-Cache") {
			out.Del(k)
		}
	}
	return out
}
