package storage

import (
	"context"
	"fmt"
)

// ExportData snapshots every mood entry and pending or dead queue item.
func (s *Store) ExportData(ctx context.Context) (Snapshot, error) {
	entries, err := s.GetAllMoodEntries(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("exporting mood entries: %w", err)
	}
	pending, err := s.GetQueue(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("exporting queue: %w", err)
	}
	dead, err := s.GetDeadQueue(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("exporting dead queue: %w", err)
	}
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading schema version: %w", err)
	}

	if entries == nil {
		entries = []MoodEntry{}
	}
	queue := append(pending, dead...)
	if queue == nil {
		queue = []QueueItem{}
	}
	return Snapshot{
		MoodEntries: entries,
		Queue:       queue,
		ExportDate:  FormatTimestamp(s.now()),
		Version:     version,
	}, nil
}

// ImportData adds every entry and queue item from snap through AddMoodEntry
// and AddToQueue, so ids are reassigned and entries come back unsynced. In
// ImportAppend mode a second import of the same snapshot duplicates
// everything; ImportSkipDuplicates skips entries whose content already exists
// and queue items whose idempotency key is already queued.
func (s *Store) ImportData(ctx context.Context, snap Snapshot, mode ImportMode) (ImportResult, error) {
	var res ImportResult

	for _, e := range snap.MoodEntries {
		if mode == ImportSkipDuplicates {
			hash, err := contentHash(e)
			if err != nil {
				return res, err
			}
			exists, err := s.hasContentHash(ctx, hash)
			if err != nil {
				return res, fmt.Errorf("checking for duplicate entry: %w", err)
			}
			if exists {
				res.Skipped++
				continue
			}
		}
		if _, err := s.AddMoodEntry(ctx, e); err != nil {
			return res, fmt.Errorf("importing mood entry %d: %w", e.ID, err)
		}
		res.Entries++
	}

	for _, q := range snap.Queue {
		if mode == ImportSkipDuplicates && q.Key != "" {
			exists, err := s.hasQueueKey(ctx, q.Key)
			if err != nil {
				return res, fmt.Errorf("checking for duplicate queue item: %w", err)
			}
			if exists {
				res.Skipped++
				continue
			}
		}
		q.ID = 0
		if _, err := s.AddToQueue(ctx, q); err != nil {
			return res, fmt.Errorf("importing queue item: %w", err)
		}
		res.QueueItems++
	}

	return res, nil
}

func (s *Store) hasQueueKey(ctx context.Context, key string) (bool, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return false, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue WHERE idempotency_key = ?`, key).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
