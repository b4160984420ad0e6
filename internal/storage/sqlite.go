package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultQuotaBytes = 50 << 20 // 50MB

// ConnectivityReporter tells the store whether the device is online when an
// entry is created.
type ConnectivityReporter interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Option configures a Store.
type Option func(*Store)

// WithConnectivity sets the reporter consulted by AddMoodEntry.
func WithConnectivity(r ConnectivityReporter) Option {
	return func(s *Store) { s.SetConnectivity(r) }
}

// WithQuota sets the byte budget reported by GetStorageStats.
func WithQuota(bytes int64) Option {
	return func(s *Store) {
		if bytes > 0 {
			s.quota = bytes
		}
	}
}

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store owns the persisted mood entries, offline queue and settings.
// The database is opened lazily by the first operation.
type Store struct {
	dataDir string
	quota   int64
	now     func() time.Time

	connMu sync.RWMutex
	conn   ConnectivityReporter

	mu sync.Mutex
	db *sql.DB
}

// New returns a Store backed by a SQLite database in dataDir. Nothing is
// opened until the first operation. Pass ":memory:" for an in-memory database
// (used by tests).
func New(dataDir string, opts ...Option) *Store {
	s := &Store{
		dataDir: dataDir,
		quota:   defaultQuotaBytes,
		now:     time.Now,
		conn:    alwaysOnline{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open is New followed by an eager Init.
func Open(dataDir string, opts ...Option) (*Store, error) {
	s := New(dataDir, opts...)
	if err := s.Init(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Init opens the database and applies pending migrations if that has not
// happened yet. Failures wrap ErrStorageUnavailable and are retried on the
// next call.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.handle(ctx)
	return err
}

// SetConnectivity replaces the connectivity reporter.
func (s *Store) SetConnectivity(r ConnectivityReporter) {
	if r == nil {
		r = alwaysOnline{}
	}
	s.connMu.Lock()
	s.conn = r
	s.connMu.Unlock()
}

func (s *Store) online() bool {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn.Online()
}

func (s *Store) handle(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}

	var dsn string
	if s.dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating data directory: %v", ErrStorageUnavailable, err)
		}
		dsn = filepath.Join(s.dataDir, "moodtracker.db")
	}

	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := Migrate(ctx, db, migrationsFS, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: running migrations: %v", ErrStorageUnavailable, err)
	}
	s.db = db
	return db, nil
}

// DB returns the underlying database, or nil before initialization.
func (s *Store) DB() *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

// Close closes the underlying database connection if it was opened.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// OpenDB opens a SQLite database at dsn with the pragmas every moodtracker
// database uses.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}
	return db, nil
}

// Migrate reads NNN_name.sql files from dir in fsys and applies any that
// haven't been recorded in schema_version yet.
func Migrate(ctx context.Context, db *sql.DB, fsys fs.FS, dir string) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := fs.ReadFile(fsys, dir+"/"+entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations(ctx context.Context) ([]int, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	versions, err := s.AppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1], nil
}

// --- Settings ---

// SaveSetting upserts key. The last write wins.
func (s *Store) SaveSetting(ctx context.Context, key, value string) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, FormatTimestamp(s.now()),
	)
	return err
}

// GetSetting returns the stored value and whether the key exists.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return "", false, err
	}
	var value string
	err = db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) GetAllSettings(ctx context.Context) (map[string]string, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

// --- Maintenance ---

// GetStorageStats aggregates counts across collections along with the
// database's on-disk footprint.
func (s *Store) GetStorageStats(ctx context.Context) (StorageStats, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return StorageStats{}, err
	}

	var st StorageStats
	err = db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM mood_entries),
			(SELECT COUNT(*) FROM mood_entries WHERE synced = 0),
			(SELECT COUNT(*) FROM offline_queue WHERE status = 'pending'),
			(SELECT COUNT(*) FROM offline_queue WHERE status = 'dead')`,
	).Scan(&st.TotalEntries, &st.UnsyncedCount, &st.QueueLength, &st.DeadLetters)
	if err != nil {
		return StorageStats{}, fmt.Errorf("counting records: %w", err)
	}

	var pageCount, pageSize int64
	if err := db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return StorageStats{}, fmt.Errorf("reading page_count: %w", err)
	}
	if err := db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return StorageStats{}, fmt.Errorf("reading page_size: %w", err)
	}
	st.UsageBytes = pageCount * pageSize
	st.QuotaBytes = s.quota
	if st.QuotaBytes > 0 {
		st.PercentUsed = float64(st.UsageBytes) / float64(st.QuotaBytes) * 100
	}
	return st, nil
}

// ClearAllData empties every collection, one transaction per collection.
func (s *Store) ClearAllData(ctx context.Context) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	for _, table := range []string{"mood_entries", "offline_queue", "settings"} {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning clear of %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			tx.Rollback()
			return fmt.Errorf("clearing %s: %w", table, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing clear of %s: %w", table, err)
		}
	}
	return nil
}
