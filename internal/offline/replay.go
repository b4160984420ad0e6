package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kalambet/moodtracker/internal/remote"
	"github.com/kalambet/moodtracker/internal/storage"
)

// Queue item action types.
const (
	ActionAddMood    = "ADD_MOOD"
	ActionUpdateMood = "UPDATE_MOOD"
	ActionDeleteMood = "DELETE_MOOD"
)

// ErrUnknownAction is returned when no handler is registered for a queue
// item's type.
var ErrUnknownAction = errors.New("unknown queue action")

// HandlerFunc replays one queue item. It must tolerate being called more
// than once for the same item.
type HandlerFunc func(ctx context.Context, item storage.QueueItem) error

// Pusher delivers a change to the remote sync endpoint.
type Pusher interface {
	Push(ctx context.Context, ch remote.Change) error
}

// SyncMarker is the store surface the default handlers need.
type SyncMarker interface {
	MarkEntriesSynced(ctx context.Context, ids ...int64) error
}

// ReplayError wraps the failure of a single queue item.
type ReplayError struct {
	ItemID int64
	Type   string
	Err    error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replaying queue item %d (%s): %v", e.ItemID, e.Type, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// Replayer maps queue action types to handlers.
type Replayer struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewReplayer() *Replayer {
	return &Replayer{handlers: make(map[string]HandlerFunc)}
}

// Register installs h for action, replacing any previous handler.
func (r *Replayer) Register(action string, h HandlerFunc) {
	r.mu.Lock()
	r.handlers[action] = h
	r.mu.Unlock()
}

// Replay runs the handler for item.Type.
func (r *Replayer) Replay(ctx context.Context, item storage.QueueItem) error {
	r.mu.RLock()
	h, ok := r.handlers[item.Type]
	r.mu.RUnlock()
	if !ok {
		return &ReplayError{ItemID: item.ID, Type: item.Type, Err: ErrUnknownAction}
	}
	if err := h(ctx, item); err != nil {
		return &ReplayError{ItemID: item.ID, Type: item.Type, Err: err}
	}
	return nil
}

// DefaultReplayer registers the mood actions. Each handler pushes the change
// when pusher is non-nil, then marks the referenced entry synced.
func DefaultReplayer(store SyncMarker, pusher Pusher) *Replayer {
	r := NewReplayer()

	push := func(ctx context.Context, item storage.QueueItem) error {
		if pusher == nil {
			return nil
		}
		return pusher.Push(ctx, remote.Change{
			Key:       item.Key,
			Action:    item.Type,
			Timestamp: item.Timestamp,
			Data:      item.Data,
		})
	}

	upsert := func(ctx context.Context, item storage.QueueItem) error {
		var ref struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(item.Data, &ref); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		if err := push(ctx, item); err != nil {
			return err
		}
		if ref.ID == 0 {
			return nil
		}
		return store.MarkEntriesSynced(ctx, ref.ID)
	}

	r.Register(ActionAddMood, upsert)
	r.Register(ActionUpdateMood, upsert)
	r.Register(ActionDeleteMood, func(ctx context.Context, item storage.QueueItem) error {
		var ref struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(item.Data, &ref); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		if ref.ID == 0 {
			return errors.New("delete payload has no id")
		}
		return push(ctx, item)
	})

	return r
}
