package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable is returned when the database cannot be opened or
	// migrated. The store retries initialization on the next call.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrVersionConflict is returned by conditional updates when the stored
	// entry has moved past the expected version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidEntry is returned when a mood entry fails validation.
	ErrInvalidEntry = errors.New("invalid entry")
)

// timestampLayout matches the millisecond ISO-8601 form produced by browsers.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in the store's ISO-8601 form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

type Mood string

const (
	MoodAmazing  Mood = "amazing"
	MoodHappy    Mood = "happy"
	MoodGood     Mood = "good"
	MoodOkay     Mood = "okay"
	MoodMeh      Mood = "meh"
	MoodSad      Mood = "sad"
	MoodAnxious  Mood = "anxious"
	MoodAngry    Mood = "angry"
	MoodStressed Mood = "stressed"
	MoodTired    Mood = "tired"
)

var validMoods = map[Mood]bool{
	MoodAmazing: true, MoodHappy: true, MoodGood: true, MoodOkay: true, MoodMeh: true,
	MoodSad: true, MoodAnxious: true, MoodAngry: true, MoodStressed: true, MoodTired: true,
}

// Valid reports whether m is one of the known moods.
func (m Mood) Valid() bool {
	return validMoods[m]
}

// Moods returns the known moods in display order.
func Moods() []Mood {
	return []Mood{MoodAmazing, MoodHappy, MoodGood, MoodOkay, MoodMeh, MoodSad, MoodAnxious, MoodAngry, MoodStressed, MoodTired}
}

// MoodEntry is a single journal record. Fields the store does not interpret
// (notes, tags, anything else) live in Extra and round-trip unchanged.
type MoodEntry struct {
	ID             int64
	Mood           Mood
	Timestamp      string
	Synced         bool
	CreatedOffline bool
	Version        int64
	Extra          map[string]json.RawMessage
}

var moodEntryKeys = []string{"id", "mood", "timestamp", "synced", "createdOffline", "version"}

// MarshalJSON flattens Extra next to the known fields.
func (e MoodEntry) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(e.Extra)+len(moodEntryKeys))
	for k, v := range e.Extra {
		m[k] = v
	}
	set := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshalling %s: %w", key, err)
		}
		m[key] = b
		return nil
	}
	if e.ID != 0 {
		if err := set("id", e.ID); err != nil {
			return nil, err
		}
	}
	if err := set("mood", e.Mood); err != nil {
		return nil, err
	}
	if err := set("timestamp", e.Timestamp); err != nil {
		return nil, err
	}
	if err := set("synced", e.Synced); err != nil {
		return nil, err
	}
	if err := set("createdOffline", e.CreatedOffline); err != nil {
		return nil, err
	}
	if e.Version != 0 {
		if err := set("version", e.Version); err != nil {
			return nil, err
		}
	}
	return json.Marshal(m)
}

func (e *MoodEntry) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = MoodEntry{}
	fields := map[string]any{
		"id":             &e.ID,
		"mood":           &e.Mood,
		"timestamp":      &e.Timestamp,
		"synced":         &e.Synced,
		"createdOffline": &e.CreatedOffline,
		"version":        &e.Version,
	}
	for key, dst := range fields {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("decoding %s: %w", key, err)
		}
		delete(raw, key)
	}
	if len(raw) > 0 {
		e.Extra = raw
	}
	return nil
}

// Patch is a shallow set of fields merged into an existing entry.
type Patch map[string]json.RawMessage

// Queue item statuses. Dead items exhausted their replay attempts and are
// excluded from sync passes until requeued.
const (
	QueueStatusPending = "pending"
	QueueStatusDead    = "dead"
)

// QueueItem is a mutating action recorded while offline, replayed on reconnect.
type QueueItem struct {
	ID            int64           `json:"id,omitempty"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     string          `json:"timestamp"`
	Key           string          `json:"key,omitempty"`
	Attempts      int             `json:"attempts,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt string          `json:"nextAttemptAt,omitempty"`
	Status        string          `json:"status,omitempty"`
}

// UnmarshalJSON accepts "action" as an alias of "type".
func (q *QueueItem) UnmarshalJSON(data []byte) error {
	type plain QueueItem
	var aux struct {
		plain
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*q = QueueItem(aux.plain)
	if q.Type == "" {
		q.Type = aux.Action
	}
	return nil
}

// Due reports whether the item may be replayed at now.
func (q QueueItem) Due(now time.Time) bool {
	if q.NextAttemptAt == "" {
		return true
	}
	t, err := time.Parse(timestampLayout, q.NextAttemptAt)
	if err != nil {
		return true
	}
	return !t.After(now)
}

// Snapshot is the portable export document.
type Snapshot struct {
	MoodEntries []MoodEntry `json:"moodEntries"`
	Queue       []QueueItem `json:"queue"`
	ExportDate  string      `json:"exportDate"`
	Version     int         `json:"version"`
}

// ImportMode selects how ImportData treats records already present.
type ImportMode int

const (
	// ImportAppend re-adds every record; importing twice duplicates entries.
	ImportAppend ImportMode = iota
	// ImportSkipDuplicates skips mood entries whose content hash already exists.
	ImportSkipDuplicates
)

type ImportResult struct {
	Entries    int `json:"entries"`
	QueueItems int `json:"queueItems"`
	Skipped    int `json:"skipped"`
}

// StorageStats are derived on demand; nothing here is persisted.
type StorageStats struct {
	TotalEntries  int     `json:"totalEntries"`
	QueueLength   int     `json:"queueLength"`
	UnsyncedCount int     `json:"unsyncedCount"`
	DeadLetters   int     `json:"deadLetters"`
	UsageBytes    int64   `json:"usageBytes"`
	QuotaBytes    int64   `json:"quotaBytes"`
	PercentUsed   float64 `json:"percentUsed"`
}
