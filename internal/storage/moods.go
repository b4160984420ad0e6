package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

const moodColumns = `id, mood, timestamp, synced, created_offline, version, extra_json`

// AddMoodEntry inserts entry and returns its new id. Timestamp defaults to
// now; Synced is always reset to false and CreatedOffline records the
// connectivity state at insertion.
func (s *Store) AddMoodEntry(ctx context.Context, entry MoodEntry) (int64, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}
	if !entry.Mood.Valid() {
		return 0, fmt.Errorf("%w: unknown mood %q", ErrInvalidEntry, entry.Mood)
	}
	if entry.Timestamp == "" {
		entry.Timestamp = FormatTimestamp(s.now())
	} else if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
		return 0, fmt.Errorf("%w: timestamp %q is not ISO-8601", ErrInvalidEntry, entry.Timestamp)
	}
	entry.Synced = false
	entry.CreatedOffline = !s.online()

	extra, err := encodeExtra(entry.Extra)
	if err != nil {
		return 0, err
	}
	hash, err := contentHash(entry)
	if err != nil {
		return 0, err
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO mood_entries (mood, timestamp, synced, created_offline, version, extra_json, content_hash)
		VALUES (?, ?, 0, ?, 1, ?, ?)`,
		string(entry.Mood), entry.Timestamp, entry.CreatedOffline, extra, hash,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting mood entry: %w", err)
	}
	return res.LastInsertId()
}

// GetMoodEntry returns the entry with id; ok is false when it does not exist.
func (s *Store) GetMoodEntry(ctx context.Context, id int64) (MoodEntry, bool, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return MoodEntry{}, false, err
	}
	e, err := scanMoodEntry(db.QueryRowContext(ctx, `SELECT `+moodColumns+` FROM mood_entries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return MoodEntry{}, false, nil
	}
	if err != nil {
		return MoodEntry{}, false, err
	}
	return e, true, nil
}

// GetAllMoodEntries returns every entry in insertion order.
func (s *Store) GetAllMoodEntries(ctx context.Context) ([]MoodEntry, error) {
	return s.queryMoodEntries(ctx, `SELECT `+moodColumns+` FROM mood_entries ORDER BY id ASC`)
}

// GetMoodEntriesByIndex returns every entry ordered by the timestamp or mood
// index.
func (s *Store) GetMoodEntriesByIndex(ctx context.Context, index string, desc bool) ([]MoodEntry, error) {
	var column string
	switch index {
	case "timestamp":
		column = "timestamp"
	case "mood":
		column = "mood"
	default:
		return nil, fmt.Errorf("unknown index %q", index)
	}
	order := "ASC"
	if desc {
		order = "DESC"
	}
	return s.queryMoodEntries(ctx, fmt.Sprintf(`SELECT %s FROM mood_entries ORDER BY %s %s, id %s`, moodColumns, column, order, order))
}

// GetUnsyncedEntries returns entries with synced = 0, served by
// idx_mood_entries_synced.
func (s *Store) GetUnsyncedEntries(ctx context.Context) ([]MoodEntry, error) {
	return s.queryMoodEntries(ctx, `SELECT `+moodColumns+` FROM mood_entries INDEXED BY idx_mood_entries_synced WHERE synced = 0 ORDER BY id ASC`)
}

// UpdateMoodEntry merges patch into the entry with id and returns the result.
// The read and write share one transaction; concurrent updates to the same id
// resolve last-writer-wins.
func (s *Store) UpdateMoodEntry(ctx context.Context, id int64, patch Patch) (MoodEntry, error) {
	return s.updateMoodEntry(ctx, id, patch, 0)
}

// UpdateMoodEntryIfVersion is UpdateMoodEntry guarded by a compare-and-swap
// on the entry's version. It returns ErrVersionConflict when the stored
// version differs from expected.
func (s *Store) UpdateMoodEntryIfVersion(ctx context.Context, id int64, expected int64, patch Patch) (MoodEntry, error) {
	if expected <= 0 {
		return MoodEntry{}, fmt.Errorf("%w: expected version must be positive", ErrInvalidEntry)
	}
	return s.updateMoodEntry(ctx, id, patch, expected)
}

func (s *Store) updateMoodEntry(ctx context.Context, id int64, patch Patch, expected int64) (MoodEntry, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return MoodEntry{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return MoodEntry{}, fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	e, err := scanMoodEntry(tx.QueryRowContext(ctx, `SELECT `+moodColumns+` FROM mood_entries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return MoodEntry{}, ErrNotFound
	}
	if err != nil {
		return MoodEntry{}, err
	}
	if expected > 0 && e.Version != expected {
		return MoodEntry{}, fmt.Errorf("%w: entry %d is at version %d, not %d", ErrVersionConflict, id, e.Version, expected)
	}

	if err := applyPatch(&e, patch); err != nil {
		return MoodEntry{}, err
	}

	extra, err := encodeExtra(e.Extra)
	if err != nil {
		return MoodEntry{}, err
	}
	hash, err := contentHash(e)
	if err != nil {
		return MoodEntry{}, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE mood_entries
		SET mood = ?, timestamp = ?, synced = ?, created_offline = ?, version = version + 1, extra_json = ?, content_hash = ?
		WHERE id = ? AND version = ?`,
		string(e.Mood), e.Timestamp, e.Synced, e.CreatedOffline, extra, hash, id, e.Version,
	)
	if err != nil {
		return MoodEntry{}, fmt.Errorf("updating mood entry %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return MoodEntry{}, err
	}
	if n == 0 {
		return MoodEntry{}, fmt.Errorf("%w: entry %d changed during update", ErrVersionConflict, id)
	}
	if err := tx.Commit(); err != nil {
		return MoodEntry{}, fmt.Errorf("committing update of %d: %w", id, err)
	}

	e.Version++
	return e, nil
}

// DeleteMoodEntry removes the entry with id. Deleting a missing id is a no-op.
func (s *Store) DeleteMoodEntry(ctx context.Context, id int64) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM mood_entries WHERE id = ?`, id)
	return err
}

// MarkEntriesSynced sets synced = 1 on the given ids. Unknown ids are ignored.
func (s *Store) MarkEntriesSynced(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning sync-mark transaction: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE mood_entries SET synced = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("marking entry %d synced: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *Store) hasContentHash(ctx context.Context, hash string) (bool, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return false, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mood_entries WHERE content_hash = ?`, hash).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) queryMoodEntries(ctx context.Context, query string, args ...any) ([]MoodEntry, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MoodEntry
	for rows.Next() {
		e, err := scanMoodEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMoodEntry(row rowScanner) (MoodEntry, error) {
	var e MoodEntry
	var mood, extra string
	if err := row.Scan(&e.ID, &mood, &e.Timestamp, &e.Synced, &e.CreatedOffline, &e.Version, &extra); err != nil {
		return MoodEntry{}, err
	}
	e.Mood = Mood(mood)
	if extra != "" && extra != "{}" {
		if err := json.Unmarshal([]byte(extra), &e.Extra); err != nil {
			return MoodEntry{}, fmt.Errorf("parsing extra fields of entry %d: %w", e.ID, err)
		}
	}
	return e, nil
}

func encodeExtra(extra map[string]json.RawMessage) (string, error) {
	if len(extra) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return "", fmt.Errorf("%w: encoding extra fields: %v", ErrInvalidEntry, err)
	}
	return string(b), nil
}

// applyPatch merges patch into e. id and version are owned by the store and
// are never taken from a patch.
func applyPatch(e *MoodEntry, patch Patch) error {
	for key, raw := range patch {
		var err error
		switch key {
		case "id", "version":
			continue
		case "mood":
			var m Mood
			if err = json.Unmarshal(raw, &m); err == nil && !m.Valid() {
				err = fmt.Errorf("unknown mood %q", m)
			}
			if err == nil {
				e.Mood = m
			}
		case "timestamp":
			var ts string
			if err = json.Unmarshal(raw, &ts); err == nil {
				_, err = time.Parse(time.RFC3339Nano, ts)
			}
			if err == nil {
				e.Timestamp = ts
			}
		case "synced":
			err = json.Unmarshal(raw, &e.Synced)
		case "createdOffline":
			err = json.Unmarshal(raw, &e.CreatedOffline)
		default:
			if e.Extra == nil {
				e.Extra = make(map[string]json.RawMessage)
			}
			e.Extra[key] = raw
		}
		if err != nil {
			return fmt.Errorf("%w: field %s: %v", ErrInvalidEntry, key, err)
		}
	}
	return nil
}

// contentHash identifies an entry by what the user wrote: mood, timestamp
// and the extra fields. Map keys marshal sorted, so the hash is stable.
func contentHash(e MoodEntry) (string, error) {
	b, err := json.Marshal(struct {
		Mood      Mood                       `json:"mood"`
		Timestamp string                     `json:"timestamp"`
		Extra     map[string]json.RawMessage `json:"extra"`
	}{e.Mood, e.Timestamp, e.Extra})
	if err != nil {
		return "", fmt.Errorf("hashing entry: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
