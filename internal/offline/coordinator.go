package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/moodtracker/internal/remote"
	"github.com/kalambet/moodtracker/internal/storage"
)

var (
	// ErrSyncFailed is returned when every item attempted in a pass failed.
	ErrSyncFailed = errors.New("sync failed")

	// ErrOffline is returned by operations that need connectivity.
	ErrOffline = errors.New("offline")

	// ErrUnknownSyncTag is returned by RequestSync for unrecognised tags.
	ErrUnknownSyncTag = errors.New("unknown sync tag")
)

// Background sync tags relayed by the cache proxy.
const (
	TagSyncMoods         = "sync-moods"
	TagPeriodicSyncMoods = "periodic-sync-moods"
)

const defaultMaxAttempts = 10

// entryKeySpace namespaces the deterministic idempotency keys of entries
// pushed outside the queue.
var entryKeySpace = uuid.MustParse("8f0d3c4e-5b1a-4f7e-9a55-2c6f1d0b7e21")

// Store is the Durable Store surface the coordinator drives.
type Store interface {
	SyncMarker
	AddMoodEntry(ctx context.Context, entry storage.MoodEntry) (int64, error)
	GetMoodEntry(ctx context.Context, id int64) (storage.MoodEntry, bool, error)
	UpdateMoodEntry(ctx context.Context, id int64, patch storage.Patch) (storage.MoodEntry, error)
	UpdateMoodEntryIfVersion(ctx context.Context, id int64, expected int64, patch storage.Patch) (storage.MoodEntry, error)
	DeleteMoodEntry(ctx context.Context, id int64) error
	GetUnsyncedEntries(ctx context.Context) ([]storage.MoodEntry, error)
	AddToQueue(ctx context.Context, item storage.QueueItem) (int64, error)
	GetQueue(ctx context.Context) ([]storage.QueueItem, error)
	RemoveFromQueue(ctx context.Context, ids ...int64) error
	RecordQueueFailure(ctx context.Context, id int64, errMsg string, maxAttempts int) error
}

// Prober reports connectivity to a listener until its context ends.
type Prober interface {
	Run(ctx context.Context, l remote.Listener)
}

// Summary describes one drain of the offline queue.
type Summary struct {
	Attempted int    `json:"attempted"`
	Synced    int    `json:"synced"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Pushed    int    `json:"pushed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Event types published to observers.
const (
	EventConnectivity = "connectivity"
	EventSync         = "sync"
)

// Event is a notification for UI observers.
type Event struct {
	Type    string   `json:"type"`
	Online  bool     `json:"online"`
	Summary *Summary `json:"summary,omitempty"`
	Time    string   `json:"time"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithReplayer replaces the default replay handlers.
func WithReplayer(r *Replayer) Option {
	return func(c *Coordinator) { c.replayer = r }
}

// WithPusher sets the remote the default handlers push to.
func WithPusher(p Pusher) Option {
	return func(c *Coordinator) { c.pusher = p }
}

// WithMaxAttempts sets how many failed replays dead-letter an item.
// n <= 0 retries forever.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) { c.maxAttempts = n }
}

// WithPeriodicInterval makes Run drain the queue every d.
func WithPeriodicInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.periodic = d }
}

// WithProber makes Run feed connectivity from p.
func WithProber(p Prober) Option {
	return func(c *Coordinator) { c.prober = p }
}

// WithInitialState sets the connectivity state before the first signal.
func WithInitialState(online bool) Option {
	return func(c *Coordinator) { c.online.Store(online) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator tracks connectivity, records mutations made while offline and
// replays them once the device is back online.
type Coordinator struct {
	store       Store
	replayer    *Replayer
	pusher      Pusher
	prober      Prober
	maxAttempts int
	periodic    time.Duration
	logger      *slog.Logger
	now         func() time.Time

	online atomic.Bool

	// runMu guards the drain series: a drain requested while one is in
	// progress sets rerun and gets one more pass after the current one.
	runMu      sync.Mutex
	run        *drainRun
	rerun      bool
	rerunForce bool

	passMu sync.Mutex

	obsMu     sync.RWMutex
	observers map[int]func(Event)
	nextObs   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator over store. It starts ONLINE unless
// WithInitialState says otherwise.
func New(store Store, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:       store,
		maxAttempts: defaultMaxAttempts,
		logger:      slog.Default(),
		now:         time.Now,
		observers:   make(map[int]func(Event)),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.online.Store(true)
	for _, opt := range opts {
		opt(c)
	}
	if c.replayer == nil {
		c.replayer = DefaultReplayer(store, c.pusher)
	}
	return c
}

// Online reports the current connectivity state.
func (c *Coordinator) Online() bool {
	return c.online.Load()
}

// ConnectivityChanged records a platform connectivity signal. Going online
// starts a background drain; going offline only notifies observers.
// Repeated signals for the current state are ignored.
func (c *Coordinator) ConnectivityChanged(online bool) {
	if c.online.Swap(online) == online {
		return
	}
	c.logger.Info("connectivity changed", "online", online)
	c.publish(Event{Type: EventConnectivity, Online: online})

	if !online {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.SyncOfflineQueue(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("reconnect sync failed", "error", err)
		}
	}()
}

// Subscribe registers fn for every future event and returns a function that
// removes it. fn runs on the publishing goroutine and must not block.
func (c *Coordinator) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.obsMu.Lock()
			delete(c.observers, id)
			c.obsMu.Unlock()
		})
	}
}

func (c *Coordinator) publish(ev Event) {
	ev.Time = storage.FormatTimestamp(c.now())
	if ev.Type != EventConnectivity {
		ev.Online = c.Online()
	}
	c.obsMu.RLock()
	fns := make([]func(Event), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// SyncOfflineQueue replays a snapshot of the pending queue in FIFO order.
// Items still backing off are skipped. Succeeded items are removed; failed
// ones are kept with their attempt count bumped. A call made while a pass
// is running waits for it and for one follow-up pass, so items queued
// mid-pass are not left behind. It is a no-op while offline or when the queue is empty.
func (c *Coordinator) SyncOfflineQueue(ctx context.Context) (Summary, error) {
	return c.drainShared(ctx, false)
}

// ForceSync drains the queue ignoring backoff, then replays every entry
// that is still unsynced as an upsert, which marks it synced.
func (c *Coordinator) ForceSync(ctx context.Context) (Summary, error) {
	if !c.Online() {
		return Summary{}, ErrOffline
	}
	sum, err := c.drainShared(ctx, true)
	if err != nil && !errors.Is(err, ErrSyncFailed) {
		return sum, err
	}
	pushed, perr := c.pushUnsynced(ctx)
	sum.Pushed = pushed
	if perr != nil {
		return sum, perr
	}
	return sum, err
}

// RequestSync handles a background sync request from the cache proxy.
// Entries outside the queue are pushed only when a remote is configured.
func (c *Coordinator) RequestSync(ctx context.Context, tag string) (Summary, error) {
	switch tag {
	case TagSyncMoods, TagPeriodicSyncMoods:
	default:
		return Summary{}, fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}
	c.logger.Debug("background sync requested", "tag", tag)

	sum, err := c.SyncOfflineQueue(ctx)
	if err != nil || c.pusher == nil || !c.Online() {
		return sum, err
	}
	sum.Pushed, err = c.pushUnsynced(ctx)
	return sum, err
}

type drainRun struct {
	done chan struct{}
	sum  Summary
	err  error
}

func (c *Coordinator) drainShared(ctx context.Context, force bool) (Summary, error) {
	c.runMu.Lock()
	if r := c.run; r != nil {
		c.rerun = true
		c.rerunForce = c.rerunForce || force
		c.runMu.Unlock()
		select {
		case <-r.done:
			return r.sum, r.err
		case <-ctx.Done():
			return Summary{}, ctx.Err()
		}
	}
	r := &drainRun{done: make(chan struct{})}
	c.run = r
	c.runMu.Unlock()

	var passErr error
	for {
		sum, err := c.drain(ctx, force)
		r.sum.Attempted += sum.Attempted
		r.sum.Synced += sum.Synced
		r.sum.Failed += sum.Failed
		r.sum.Skipped = sum.Skipped
		if err != nil && !errors.Is(err, ErrSyncFailed) {
			passErr = err
		}

		c.runMu.Lock()
		if !c.rerun || passErr != nil {
			c.run = nil
			c.rerun, c.rerunForce = false, false
			c.runMu.Unlock()
			break
		}
		force = c.rerunForce
		c.rerun, c.rerunForce = false, false
		c.runMu.Unlock()
	}

	r.err = passErr
	if r.err == nil && r.sum.Attempted > 0 && r.sum.Synced == 0 {
		r.err = fmt.Errorf("%w: %d of %d items failed", ErrSyncFailed, r.sum.Failed, r.sum.Attempted)
	}
	if r.err != nil {
		r.sum.Error = r.err.Error()
	}
	close(r.done)
	return r.sum, r.err
}

func (c *Coordinator) drain(ctx context.Context, force bool) (Summary, error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	var sum Summary
	if !c.Online() {
		return sum, nil
	}

	items, err := c.store.GetQueue(ctx)
	if err != nil {
		return sum, fmt.Errorf("reading queue: %w", err)
	}
	if len(items) == 0 {
		return sum, nil
	}

	now := c.now()
	var succeeded []int64
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if !force && !item.Due(now) {
			sum.Skipped++
			continue
		}
		sum.Attempted++

		if err := c.replayer.Replay(ctx, item); err != nil {
			sum.Failed++
			c.logger.Warn("queue replay failed", "item_id", item.ID, "type", item.Type, "error", err)
			if ferr := c.store.RecordQueueFailure(ctx, item.ID, err.Error(), c.maxAttempts); ferr != nil {
				c.logger.Error("failed to record replay failure", "item_id", item.ID, "error", ferr)
			}
			continue
		}
		succeeded = append(succeeded, item.ID)
	}

	if err := c.store.RemoveFromQueue(ctx, succeeded...); err != nil {
		return sum, fmt.Errorf("removing synced items: %w", err)
	}
	sum.Synced = len(succeeded)

	var result error
	if sum.Attempted > 0 && sum.Synced == 0 {
		result = fmt.Errorf("%w: %d of %d items failed", ErrSyncFailed, sum.Failed, sum.Attempted)
		sum.Error = result.Error()
	}
	c.logger.Info("offline queue drained",
		"attempted", sum.Attempted, "synced", sum.Synced, "failed", sum.Failed, "skipped", sum.Skipped)
	c.publish(Event{Type: EventSync, Summary: &sum})

	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, result
}

// pushUnsynced replays every unsynced entry as an ADD_MOOD upsert.
func (c *Coordinator) pushUnsynced(ctx context.Context) (int, error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	entries, err := c.store.GetUnsyncedEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading unsynced entries: %w", err)
	}

	var pushed int
	var errs []error
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		item := storage.QueueItem{
			Type:      ActionAddMood,
			Data:      data,
			Timestamp: e.Timestamp,
			Key:       uuid.NewSHA1(entryKeySpace, []byte(strconv.FormatInt(e.ID, 10)+"/"+strconv.FormatInt(e.Version, 10))).String(),
		}
		if err := c.replayer.Replay(ctx, item); err != nil {
			c.logger.Warn("entry push failed", "entry_id", e.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		pushed++
	}
	return pushed, errors.Join(errs...)
}

// AddMood stores entry and, while offline, queues an ADD_MOOD for replay.
func (c *Coordinator) AddMood(ctx context.Context, entry storage.MoodEntry) (storage.MoodEntry, error) {
	id, err := c.store.AddMoodEntry(ctx, entry)
	if err != nil {
		return storage.MoodEntry{}, err
	}
	stored, ok, err := c.store.GetMoodEntry(ctx, id)
	if err != nil {
		return storage.MoodEntry{}, err
	}
	if !ok {
		return storage.MoodEntry{}, fmt.Errorf("entry %d vanished after insert: %w", id, storage.ErrNotFound)
	}
	if err := c.enqueueIfOffline(ctx, ActionAddMood, stored); err != nil {
		return stored, err
	}
	return stored, nil
}

// UpdateMood merges patch into entry id. expectedVersion > 0 makes the
// update conditional on the stored version.
func (c *Coordinator) UpdateMood(ctx context.Context, id int64, patch storage.Patch, expectedVersion int64) (storage.MoodEntry, error) {
	var (
		updated storage.MoodEntry
		err     error
	)
	if expectedVersion > 0 {
		updated, err = c.store.UpdateMoodEntryIfVersion(ctx, id, expectedVersion, patch)
	} else {
		updated, err = c.store.UpdateMoodEntry(ctx, id, patch)
	}
	if err != nil {
		return storage.MoodEntry{}, err
	}
	if err := c.enqueueIfOffline(ctx, ActionUpdateMood, updated); err != nil {
		return updated, err
	}
	return updated, nil
}

// DeleteMood removes entry id. Deleting a missing id succeeds.
func (c *Coordinator) DeleteMood(ctx context.Context, id int64) error {
	if err := c.store.DeleteMoodEntry(ctx, id); err != nil {
		return err
	}
	return c.enqueueIfOffline(ctx, ActionDeleteMood, map[string]int64{"id": id})
}

func (c *Coordinator) enqueueIfOffline(ctx context.Context, action string, payload any) error {
	if c.Online() {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", action, err)
	}
	if _, err := c.store.AddToQueue(ctx, storage.QueueItem{Type: action, Data: data}); err != nil {
		return fmt.Errorf("queueing %s: %w", action, err)
	}
	return nil
}

// Run feeds connectivity from the configured prober and drains the queue
// every periodic interval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	if c.prober != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.prober.Run(ctx, c)
		}()
	}
	if c.periodic <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(c.periodic)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.SyncOfflineQueue(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("periodic sync failed", "error", err)
			}
		}
	}
}

// Wait blocks until background drains started by ConnectivityChanged finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close cancels background drains and waits for them to finish.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}
