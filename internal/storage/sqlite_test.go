package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeConnectivity struct{ online atomic.Bool }

func (f *fakeConnectivity) Online() bool { return f.online.Load() }

func mustAdd(t *testing.T, s *Store, e MoodEntry) int64 {
	t.Helper()
	id, err := s.AddMoodEntry(context.Background(), e)
	if err != nil {
		t.Fatalf("AddMoodEntry: %v", err)
	}
	return id
}

// TestMigrationsIdempotent runs Open twice on the same directory and verifies
// the schema_version count stays the same.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations(context.Background())
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) < 2 {
		t.Fatalf("expected at least two applied migrations, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_mood_entries_timestamp", "idx_mood_entries_mood", "idx_mood_entries_synced",
		"idx_mood_entries_content_hash", "idx_offline_queue_timestamp", "idx_offline_queue_type",
	}
	for _, idx := range indexes {
		var count int
		err := s.DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestLazyInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	s := New(dir)
	defer s.Close()

	if s.DB() != nil {
		t.Fatal("DB() should be nil before the first operation")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("data dir created before first operation: %v", err)
	}

	if _, err := s.GetAllMoodEntries(context.Background()); err != nil {
		t.Fatalf("GetAllMoodEntries: %v", err)
	}
	if s.DB() == nil {
		t.Error("DB() is nil after first operation")
	}
	if _, err := os.Stat(filepath.Join(dir, "moodtracker.db")); err != nil {
		t.Errorf("database file missing: %v", err)
	}
}

func TestInitFailureIsRetried(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "blocked")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(blocker, "data")
	s := New(dir)
	defer s.Close()

	err := s.Init(context.Background())
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Init error = %v, want ErrStorageUnavailable", err)
	}
	if _, err := s.AddMoodEntry(context.Background(), MoodEntry{Mood: MoodHappy}); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("AddMoodEntry error = %v, want ErrStorageUnavailable", err)
	}

	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init after clearing the obstruction: %v", err)
	}
}

func TestAddMoodEntry(t *testing.T) {
	conn := &fakeConnectivity{}
	conn.online.Store(true)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := openTestStore(t, WithConnectivity(conn), WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	id1 := mustAdd(t, s, MoodEntry{Mood: MoodHappy, Synced: true})
	conn.online.Store(false)
	id2 := mustAdd(t, s, MoodEntry{Mood: MoodSad, Timestamp: "2025-01-01T10:00:00.000Z"})

	if id2 <= id1 {
		t.Errorf("ids not increasing: %d then %d", id1, id2)
	}

	e1, ok, err := s.GetMoodEntry(ctx, id1)
	if err != nil || !ok {
		t.Fatalf("GetMoodEntry(%d) = ok %v, err %v", id1, ok, err)
	}
	if e1.Synced {
		t.Error("Synced should be reset to false on insert")
	}
	if e1.CreatedOffline {
		t.Error("entry created online has CreatedOffline = true")
	}
	if e1.Timestamp != "2025-03-01T12:00:00.000Z" {
		t.Errorf("default Timestamp = %q", e1.Timestamp)
	}
	if e1.Version != 1 {
		t.Errorf("Version = %d, want 1", e1.Version)
	}

	e2, _, _ := s.GetMoodEntry(ctx, id2)
	if !e2.CreatedOffline {
		t.Error("entry created offline has CreatedOffline = false")
	}
	if e2.Timestamp != "2025-01-01T10:00:00.000Z" {
		t.Errorf("Timestamp = %q, want the caller's", e2.Timestamp)
	}
}

func TestAddMoodEntryValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		entry MoodEntry
	}{
		{"unknown mood", MoodEntry{Mood: "ecstatic"}},
		{"empty mood", MoodEntry{}},
		{"bad timestamp", MoodEntry{Mood: MoodOkay, Timestamp: "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.AddMoodEntry(ctx, tt.entry); !errors.Is(err, ErrInvalidEntry) {
				t.Errorf("error = %v, want ErrInvalidEntry", err)
			}
		})
	}
}

func TestExtraFieldsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var e MoodEntry
	if err := json.Unmarshal([]byte(`{"mood":"good","note":"walked the dog","tags":["outside"]}`), &e); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	id := mustAdd(t, s, e)

	got, _, err := s.GetMoodEntry(ctx, id)
	if err != nil {
		t.Fatalf("GetMoodEntry: %v", err)
	}
	if string(got.Extra["note"]) != `"walked the dog"` {
		t.Errorf("note = %s", got.Extra["note"])
	}

	b, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(b, &flat); err != nil {
		t.Fatalf("Unmarshal flat: %v", err)
	}
	if flat["note"] != "walked the dog" || flat["mood"] != "good" {
		t.Errorf("flattened JSON = %s", b)
	}
}

func TestGetMoodEntryMissing(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.GetMoodEntry(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetMoodEntry: %v", err)
	}
	if ok {
		t.Error("ok = true for missing entry")
	}
}

func TestGetMoodEntriesByIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustAdd(t, s, MoodEntry{Mood: MoodSad, Timestamp: "2025-01-02T00:00:00.000Z"})
	mustAdd(t, s, MoodEntry{Mood: MoodAmazing, Timestamp: "2025-01-03T00:00:00.000Z"})
	mustAdd(t, s, MoodEntry{Mood: MoodMeh, Timestamp: "2025-01-01T00:00:00.000Z"})

	byTime, err := s.GetMoodEntriesByIndex(ctx, "timestamp", true)
	if err != nil {
		t.Fatalf("GetMoodEntriesByIndex(timestamp): %v", err)
	}
	if len(byTime) != 3 || byTime[0].Mood != MoodAmazing || byTime[2].Mood != MoodMeh {
		t.Errorf("timestamp desc order wrong: %+v", byTime)
	}

	byMood, err := s.GetMoodEntriesByIndex(ctx, "mood", false)
	if err != nil {
		t.Fatalf("GetMoodEntriesByIndex(mood): %v", err)
	}
	if byMood[0].Mood != MoodAmazing || byMood[2].Mood != MoodSad {
		t.Errorf("mood asc order wrong: %+v", byMood)
	}

	if _, err := s.GetMoodEntriesByIndex(ctx, "note", false); err == nil {
		t.Error("expected error for unknown index")
	}
}

func TestUnsyncedAndMarkSynced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := mustAdd(t, s, MoodEntry{Mood: MoodGood})
	b := mustAdd(t, s, MoodEntry{Mood: MoodTired})

	unsynced, err := s.GetUnsyncedEntries(ctx)
	if err != nil {
		t.Fatalf("GetUnsyncedEntries: %v", err)
	}
	if len(unsynced) != 2 {
		t.Fatalf("got %d unsynced, want 2", len(unsynced))
	}

	if err := s.MarkEntriesSynced(ctx, a, 999); err != nil {
		t.Fatalf("MarkEntriesSynced: %v", err)
	}
	unsynced, _ = s.GetUnsyncedEntries(ctx)
	if len(unsynced) != 1 || unsynced[0].ID != b {
		t.Errorf("unsynced after mark = %+v, want only %d", unsynced, b)
	}
}

func TestUpdateMoodEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := mustAdd(t, s, MoodEntry{Mood: MoodOkay, Timestamp: "2025-01-01T00:00:00.000Z"})

	got, err := s.UpdateMoodEntry(ctx, id, Patch{
		"mood":    json.RawMessage(`"happy"`),
		"note":    json.RawMessage(`"better now"`),
		"id":      json.RawMessage(`77`),
		"version": json.RawMessage(`50`),
	})
	if err != nil {
		t.Fatalf("UpdateMoodEntry: %v", err)
	}
	if got.ID != id {
		t.Errorf("ID = %d, want %d", got.ID, id)
	}
	if got.Mood != MoodHappy {
		t.Errorf("Mood = %q, want happy", got.Mood)
	}
	if got.Timestamp != "2025-01-01T00:00:00.000Z" {
		t.Errorf("Timestamp changed to %q", got.Timestamp)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}

	stored, _, _ := s.GetMoodEntry(ctx, id)
	if stored.Mood != MoodHappy || string(stored.Extra["note"]) != `"better now"` || stored.Version != 2 {
		t.Errorf("stored entry = %+v", stored)
	}
}

func TestUpdateMoodEntryErrors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.UpdateMoodEntry(ctx, 5, Patch{"mood": json.RawMessage(`"sad"`)}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id: error = %v, want ErrNotFound", err)
	}

	id := mustAdd(t, s, MoodEntry{Mood: MoodOkay})
	if _, err := s.UpdateMoodEntry(ctx, id, Patch{"mood": json.RawMessage(`"furious"`)}); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("bad mood: error = %v, want ErrInvalidEntry", err)
	}
	stored, _, _ := s.GetMoodEntry(ctx, id)
	if stored.Mood != MoodOkay || stored.Version != 1 {
		t.Errorf("failed update modified entry: %+v", stored)
	}
}

func TestUpdateMoodEntryIfVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := mustAdd(t, s, MoodEntry{Mood: MoodOkay})

	if _, err := s.UpdateMoodEntryIfVersion(ctx, id, 1, Patch{"mood": json.RawMessage(`"good"`)}); err != nil {
		t.Fatalf("first CAS update: %v", err)
	}
	_, err := s.UpdateMoodEntryIfVersion(ctx, id, 1, Patch{"mood": json.RawMessage(`"sad"`)})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale CAS update: error = %v, want ErrVersionConflict", err)
	}
	stored, _, _ := s.GetMoodEntry(ctx, id)
	if stored.Mood != MoodGood {
		t.Errorf("Mood = %q, want good", stored.Mood)
	}
}

// TestConcurrentUpdatesSerialize fires parallel patches at one entry and
// checks that every update landed exactly once.
func TestConcurrentUpdatesSerialize(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := mustAdd(t, s, MoodEntry{Mood: MoodOkay})

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.UpdateMoodEntry(ctx, id, Patch{"note": json.RawMessage(`"x"`)}); err != nil {
				t.Errorf("UpdateMoodEntry: %v", err)
			}
		}()
	}
	wg.Wait()

	stored, _, _ := s.GetMoodEntry(ctx, id)
	if stored.Version != n+1 {
		t.Errorf("Version = %d, want %d", stored.Version, n+1)
	}
}

func TestDeleteMoodEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := mustAdd(t, s, MoodEntry{Mood: MoodAngry})

	if err := s.DeleteMoodEntry(ctx, id); err != nil {
		t.Fatalf("DeleteMoodEntry: %v", err)
	}
	if _, ok, _ := s.GetMoodEntry(ctx, id); ok {
		t.Error("entry still present after delete")
	}
	if err := s.DeleteMoodEntry(ctx, id); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}
}

func TestQueueFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, typ := range []string{"ADD_MOOD", "UPDATE_MOOD", "DELETE_MOOD"} {
		if _, err := s.AddToQueue(ctx, QueueItem{Type: typ, Data: json.RawMessage(`{"id":1}`)}); err != nil {
			t.Fatalf("AddToQueue(%s): %v", typ, err)
		}
	}

	q, err := s.GetQueue(ctx)
	if err != nil {
		t.Fatalf("GetQueue: %v", err)
	}
	if len(q) != 3 {
		t.Fatalf("got %d items, want 3", len(q))
	}
	if q[0].Type != "ADD_MOOD" || q[2].Type != "DELETE_MOOD" {
		t.Errorf("queue order = %s, %s, %s", q[0].Type, q[1].Type, q[2].Type)
	}
	if q[0].Key == "" || q[0].Key == q[1].Key {
		t.Errorf("idempotency keys not assigned uniquely: %q %q", q[0].Key, q[1].Key)
	}
	if q[0].Status != QueueStatusPending {
		t.Errorf("Status = %q, want pending", q[0].Status)
	}
	if string(q[0].Data) != `{"id":1}` {
		t.Errorf("Data = %s", q[0].Data)
	}

	if _, err := s.AddToQueue(ctx, QueueItem{}); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("empty type: error = %v, want ErrInvalidEntry", err)
	}
}

func TestRemoveFromQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, _ := s.AddToQueue(ctx, QueueItem{Type: "ADD_MOOD"})
	b, _ := s.AddToQueue(ctx, QueueItem{Type: "ADD_MOOD"})

	if err := s.RemoveFromQueue(ctx, a, 12345); err != nil {
		t.Fatalf("RemoveFromQueue: %v", err)
	}
	q, _ := s.GetQueue(ctx)
	if len(q) != 1 || q[0].ID != b {
		t.Errorf("queue after remove = %+v", q)
	}

	if err := s.ClearQueue(ctx); err != nil {
		t.Fatalf("ClearQueue: %v", err)
	}
	q, _ = s.GetQueue(ctx)
	if len(q) != 0 {
		t.Errorf("queue not empty after clear: %+v", q)
	}
}

func TestRecordQueueFailure(t *testing.T) {
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	s := openTestStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	id, _ := s.AddToQueue(ctx, QueueItem{Type: "ADD_MOOD"})

	if err := s.RecordQueueFailure(ctx, id, "remote 500", 3); err != nil {
		t.Fatalf("RecordQueueFailure: %v", err)
	}
	q, _ := s.GetQueue(ctx)
	if len(q) != 1 {
		t.Fatalf("item left pending queue after first failure")
	}
	if q[0].Attempts != 1 || q[0].LastError != "remote 500" {
		t.Errorf("item = %+v", q[0])
	}
	if q[0].Due(now) {
		t.Error("item should not be due immediately after a failure")
	}
	if !q[0].Due(now.Add(2 * time.Second)) {
		t.Error("item should be due after the 2s backoff")
	}

	s.RecordQueueFailure(ctx, id, "remote 500", 3)
	s.RecordQueueFailure(ctx, id, "remote 500", 3)

	q, _ = s.GetQueue(ctx)
	if len(q) != 0 {
		t.Errorf("pending queue = %+v, want empty", q)
	}
	dead, err := s.GetDeadQueue(ctx)
	if err != nil {
		t.Fatalf("GetDeadQueue: %v", err)
	}
	if len(dead) != 1 || dead[0].Attempts != 3 {
		t.Fatalf("dead queue = %+v", dead)
	}

	n, err := s.RequeueDead(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RequeueDead = %d, %v", n, err)
	}
	q, _ = s.GetQueue(ctx)
	if len(q) != 1 || q[0].Attempts != 0 || !q[0].Due(now) {
		t.Errorf("requeued item = %+v", q)
	}

	if err := s.RecordQueueFailure(ctx, 999, "x", 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id: error = %v, want ErrNotFound", err)
	}
}

func TestQueueBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{40, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := queueBackoff(tt.attempts); got != tt.want {
			t.Errorf("queueBackoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestQueueItemActionAlias(t *testing.T) {
	var q QueueItem
	if err := json.Unmarshal([]byte(`{"action":"ADD_MOOD","data":{"mood":"sad"},"timestamp":"2025-01-01T00:00:00.000Z"}`), &q); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if q.Type != "ADD_MOOD" {
		t.Errorf("Type = %q, want ADD_MOOD", q.Type)
	}
}

func TestSettingsLastWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveSetting(ctx, "theme", "dark"); err != nil {
		t.Fatalf("SaveSetting: %v", err)
	}
	if err := s.SaveSetting(ctx, "theme", "light"); err != nil {
		t.Fatalf("SaveSetting (overwrite): %v", err)
	}
	v, ok, err := s.GetSetting(ctx, "theme")
	if err != nil || !ok || v != "light" {
		t.Errorf("GetSetting = %q, %v, %v; want light", v, ok, err)
	}

	if _, ok, _ := s.GetSetting(ctx, "missing"); ok {
		t.Error("missing key reported present")
	}

	s.SaveSetting(ctx, "reminder", "21:00")
	all, err := s.GetAllSettings(ctx)
	if err != nil {
		t.Fatalf("GetAllSettings: %v", err)
	}
	if len(all) != 2 || all["reminder"] != "21:00" {
		t.Errorf("GetAllSettings = %v", all)
	}
}

func TestGetStorageStats(t *testing.T) {
	s := openTestStore(t, WithQuota(1<<20))
	ctx := context.Background()

	a := mustAdd(t, s, MoodEntry{Mood: MoodGood})
	mustAdd(t, s, MoodEntry{Mood: MoodSad})
	s.MarkEntriesSynced(ctx, a)
	s.AddToQueue(ctx, QueueItem{Type: "ADD_MOOD"})
	dead, _ := s.AddToQueue(ctx, QueueItem{Type: "ADD_MOOD"})
	s.RecordQueueFailure(ctx, dead, "boom", 1)

	st, err := s.GetStorageStats(ctx)
	if err != nil {
		t.Fatalf("GetStorageStats: %v", err)
	}
	if st.TotalEntries != 2 || st.UnsyncedCount != 1 || st.QueueLength != 1 || st.DeadLetters != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.UsageBytes <= 0 {
		t.Errorf("UsageBytes = %d, want > 0", st.UsageBytes)
	}
	if st.QuotaBytes != 1<<20 || st.PercentUsed <= 0 {
		t.Errorf("quota = %d, percent = %f", st.QuotaBytes, st.PercentUsed)
	}
}

func TestClearAllData(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustAdd(t, s, MoodEntry{Mood: MoodGood})
	s.AddToQueue(ctx, QueueItem{Type: "ADD_MOOD"})
	s.SaveSetting(ctx, "theme", "dark")

	if err := s.ClearAllData(ctx); err != nil {
		t.Fatalf("ClearAllData: %v", err)
	}
	st, _ := s.GetStorageStats(ctx)
	if st.TotalEntries != 0 || st.QueueLength != 0 {
		t.Errorf("stats after clear = %+v", st)
	}
	if all, _ := s.GetAllSettings(ctx); len(all) != 0 {
		t.Errorf("settings after clear = %v", all)
	}
	v, _ := s.SchemaVersion(ctx)
	if v == 0 {
		t.Error("ClearAllData dropped schema_version")
	}
}

func TestExportImport(t *testing.T) {
	src := openTestStore(t)
	ctx := context.Background()

	a := mustAdd(t, src, MoodEntry{Mood: MoodHappy, Timestamp: "2025-02-01T09:00:00.000Z"})
	mustAdd(t, src, MoodEntry{Mood: MoodAnxious, Timestamp: "2025-02-02T09:00:00.000Z",
		Extra: map[string]json.RawMessage{"note": json.RawMessage(`"exam"`)}})
	src.MarkEntriesSynced(ctx, a)
	src.AddToQueue(ctx, QueueItem{Type: "ADD_MOOD", Data: json.RawMessage(`{"mood":"happy"}`)})

	snap, err := src.ExportData(ctx)
	if err != nil {
		t.Fatalf("ExportData: %v", err)
	}
	if len(snap.MoodEntries) != 2 || len(snap.Queue) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Version == 0 || snap.ExportDate == "" {
		t.Errorf("snapshot header = version %d, date %q", snap.Version, snap.ExportDate)
	}

	b, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Snapshot
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	dst := openTestStore(t)
	res, err := dst.ImportData(ctx, decoded, ImportAppend)
	if err != nil {
		t.Fatalf("ImportData: %v", err)
	}
	if res.Entries != 2 || res.QueueItems != 1 {
		t.Errorf("ImportResult = %+v", res)
	}

	got, _ := dst.GetAllMoodEntries(ctx)
	if len(got) != 2 {
		t.Fatalf("imported %d entries, want 2", len(got))
	}
	for _, e := range got {
		if e.Synced {
			t.Errorf("imported entry %d is synced", e.ID)
		}
	}
	if got[1].Mood != MoodAnxious || string(got[1].Extra["note"]) != `"exam"` {
		t.Errorf("imported entry = %+v", got[1])
	}

	// Append mode is additive.
	dst.ImportData(ctx, decoded, ImportAppend)
	got, _ = dst.GetAllMoodEntries(ctx)
	if len(got) != 4 {
		t.Errorf("after second append import: %d entries, want 4", len(got))
	}
}

func TestImportSkipDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustAdd(t, s, MoodEntry{Mood: MoodHappy, Timestamp: "2025-02-01T09:00:00.000Z"})
	s.AddToQueue(ctx, QueueItem{Type: "ADD_MOOD"})
	snap, err := s.ExportData(ctx)
	if err != nil {
		t.Fatalf("ExportData: %v", err)
	}
	snap.MoodEntries = append(snap.MoodEntries, MoodEntry{Mood: MoodMeh, Timestamp: "2025-02-03T09:00:00.000Z"})

	res, err := s.ImportData(ctx, snap, ImportSkipDuplicates)
	if err != nil {
		t.Fatalf("ImportData: %v", err)
	}
	if res.Entries != 1 || res.QueueItems != 0 || res.Skipped != 2 {
		t.Errorf("ImportResult = %+v, want 1 entry, 0 queue items, 2 skipped", res)
	}
	all, _ := s.GetAllMoodEntries(ctx)
	if len(all) != 2 {
		t.Errorf("got %d entries, want 2", len(all))
	}
}
