package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

const (
	queueColumns = `id, type, data_json, timestamp, idempotency_key, attempts, last_error, next_attempt_at, status`

	// maxQueueBackoff caps the delay between replays of a failing item.
	maxQueueBackoff = 5 * time.Minute
)

// AddToQueue appends item and returns its id. Timestamp defaults to now and
// Key to a fresh UUID; an imported item keeps both.
func (s *Store) AddToQueue(ctx context.Context, item QueueItem) (int64, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}
	if item.Type == "" {
		return 0, fmt.Errorf("%w: queue item type is required", ErrInvalidEntry)
	}
	if item.Timestamp == "" {
		item.Timestamp = FormatTimestamp(s.now())
	}
	if item.Key == "" {
		item.Key = uuid.New().String()
	}
	data := "null"
	if len(item.Data) > 0 {
		data = string(item.Data)
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO offline_queue (type, data_json, timestamp, idempotency_key, status)
		VALUES (?, ?, ?, ?, 'pending')`,
		item.Type, data, item.Timestamp, item.Key,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting queue item: %w", err)
	}
	return res.LastInsertId()
}

// GetQueue returns pending items in FIFO order.
func (s *Store) GetQueue(ctx context.Context) ([]QueueItem, error) {
	return s.queryQueue(ctx, QueueStatusPending)
}

// GetDeadQueue returns items that exhausted their replay attempts.
func (s *Store) GetDeadQueue(ctx context.Context) ([]QueueItem, error) {
	return s.queryQueue(ctx, QueueStatusDead)
}

func (s *Store) queryQueue(ctx context.Context, status string) ([]QueueItem, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+queueColumns+` FROM offline_queue WHERE status = ? ORDER BY id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []QueueItem
	for rows.Next() {
		var q QueueItem
		var data string
		if err := rows.Scan(&q.ID, &q.Type, &data, &q.Timestamp, &q.Key, &q.Attempts, &q.LastError, &q.NextAttemptAt, &q.Status); err != nil {
			return nil, err
		}
		if data != "null" {
			q.Data = []byte(data)
		}
		results = append(results, q)
	}
	return results, rows.Err()
}

// RemoveFromQueue deletes the given ids in one transaction. Missing ids are
// ignored.
func (s *Store) RemoveFromQueue(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning queue removal: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id); err != nil {
			return fmt.Errorf("removing queue item %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// ClearQueue deletes every queue item, pending or dead.
func (s *Store) ClearQueue(ctx context.Context) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM offline_queue`)
	return err
}

// RecordQueueFailure notes a failed replay of id. The item is pushed back by
// 2^attempts seconds (capped at five minutes) and moved to the dead status
// once attempts reach maxAttempts. maxAttempts <= 0 retries forever.
func (s *Store) RecordQueueFailure(ctx context.Context, id int64, errMsg string, maxAttempts int) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts FROM offline_queue WHERE id = ?`, id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := s.now().UTC()
	attempts++

	if maxAttempts > 0 && attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE offline_queue SET status = 'dead', attempts = ?, last_error = ?, next_attempt_at = '' WHERE id = ?`,
			attempts, errMsg, id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE offline_queue SET attempts = ?, last_error = ?, next_attempt_at = ? WHERE id = ?`,
			attempts, errMsg, FormatTimestamp(now.Add(queueBackoff(attempts))), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

func queueBackoff(attempts int) time.Duration {
	if attempts >= 9 {
		return maxQueueBackoff
	}
	d := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	if d > maxQueueBackoff {
		return maxQueueBackoff
	}
	return d
}

// RequeueDead moves every dead item back to pending with a fresh attempt
// budget and returns how many were moved.
func (s *Store) RequeueDead(ctx context.Context) (int, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `UPDATE offline_queue SET status = 'pending', attempts = 0, next_attempt_at = '' WHERE status = 'dead'`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
