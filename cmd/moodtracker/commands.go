package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/kalambet/moodtracker/internal/cacheproxy"
	"github.com/kalambet/moodtracker/internal/config"
	"github.com/kalambet/moodtracker/internal/offline"
	"github.com/kalambet/moodtracker/internal/storage"
)

// --- mood ---

var moodCmd = &cobra.Command{
	Use:   "mood",
	Short: "Record and browse mood entries",
}

var moodAddCmd = &cobra.Command{
	Use:   "add <mood>",
	Short: "Record a mood entry",
	Long: `Record a mood entry. Entries recorded while offline are queued and
replayed once connectivity returns.

Examples:
  moodtracker mood add happy --note "long walk"
  moodtracker mood add tired --at 2024-05-01T22:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")
		at, _ := cmd.Flags().GetString("at")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		entry, err := addMood(cmd.Context(), client, args[0], note, at)
		if err != nil {
			return err
		}
		if entry.CreatedOffline {
			printWarning("Recorded %s as entry %d (offline, queued for sync)", entry.Mood, entry.ID)
			return nil
		}
		printSuccess("Recorded %s as entry %d", entry.Mood, entry.ID)
		return nil
	},
}

func addMood(ctx context.Context, c *apiClient, mood, note, at string) (storage.MoodEntry, error) {
	mood = strings.ToLower(strings.TrimSpace(mood))
	if !storage.Mood(mood).Valid() {
		return storage.MoodEntry{}, fmt.Errorf("unknown mood %q (one of: %s)", mood, joinMoods())
	}
	body := map[string]any{"mood": mood}
	if note != "" {
		body["note"] = note
	}
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return storage.MoodEntry{}, fmt.Errorf("--at must be RFC 3339: %w", err)
		}
		body["timestamp"] = storage.FormatTimestamp(t)
	}

	resp, err := c.post(ctx, "/moods", body)
	if err != nil {
		return storage.MoodEntry{}, err
	}
	var entry storage.MoodEntry
	if err := decodeJSON(resp, &entry); err != nil {
		return storage.MoodEntry{}, err
	}
	return entry, nil
}

func joinMoods() string {
	moods := storage.Moods()
	names := make([]string, len(moods))
	for i, m := range moods {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

var moodListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mood entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		desc, _ := cmd.Flags().GetBool("desc")
		limit, _ := cmd.Flags().GetInt("limit")
		unsynced, _ := cmd.Flags().GetBool("unsynced")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/moods/unsynced"
		if !unsynced {
			q := url.Values{}
			q.Set("index", by)
			if desc {
				q.Set("order", "desc")
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path = "/moods?" + q.Encode()
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var entries []storage.MoodEntry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		printMoods(os.Stdout, entries)
		return nil
	},
}

func printMoods(w io.Writer, entries []storage.MoodEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No entries found.")
		return
	}
	for _, e := range entries {
		flags := ""
		if !e.Synced {
			flags += " " + colorize(colorYellow, "[unsynced]")
		}
		if e.CreatedOffline {
			flags += " " + colorize(colorCyan, "[offline]")
		}
		line := fmt.Sprintf("%s  %s  %-8s", colorize(colorBold, fmt.Sprintf("#%d", e.ID)), e.Timestamp, colorize(moodColor(string(e.Mood)), string(e.Mood)))
		if raw, ok := e.Extra["note"]; ok {
			var note string
			if json.Unmarshal(raw, &note) == nil && note != "" {
				if len(note) > 60 {
					note = note[:60] + "..."
				}
				line += "  " + note
			}
		}
		fmt.Fprintln(w, line+flags)
	}
}

var moodShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single entry as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/moods/"+args[0])
		if err != nil {
			return err
		}
		var entry any
		if err := decodeJSON(resp, &entry); err != nil {
			return err
		}
		return printJSON(os.Stdout, entry)
	},
}

var moodSetCmd = &cobra.Command{
	Use:   "set <id> <field> <value>",
	Short: "Update one field of an entry",
	Long: `Update one field of an entry. The value is parsed as JSON when possible
and stored as a string otherwise. With --version the update only applies if
the entry is still at that version.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetInt64("version")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		entry, err := setMoodField(cmd.Context(), client, args[0], args[1], args[2], version)
		if err != nil {
			return err
		}
		printSuccess("Updated entry %d (version %d)", entry.ID, entry.Version)
		return nil
	},
}

func setMoodField(ctx context.Context, c *apiClient, id, field, value string, version int64) (storage.MoodEntry, error) {
	raw := json.RawMessage(value)
	if !json.Valid(raw) {
		b, err := json.Marshal(value)
		if err != nil {
			return storage.MoodEntry{}, err
		}
		raw = b
	}
	body := map[string]json.RawMessage{field: raw}

	var (
		resp *http.Response
		err  error
	)
	if version > 0 {
		resp, err = c.patchIfVersion(ctx, "/moods/"+id, body, version)
	} else {
		resp, err = c.patch(ctx, "/moods/"+id, body)
	}
	if err != nil {
		return storage.MoodEntry{}, err
	}
	var entry storage.MoodEntry
	if err := decodeJSON(resp, &entry); err != nil {
		return storage.MoodEntry{}, err
	}
	return entry, nil
}

var moodDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/moods/"+args[0])
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted entry %s", args[0])
		return nil
	},
}

func init() {
	moodAddCmd.Flags().String("note", "", "free-text note")
	moodAddCmd.Flags().String("at", "", "entry time in RFC 3339 (default now)")
	moodListCmd.Flags().String("by", "timestamp", "sort index: timestamp or mood")
	moodListCmd.Flags().Bool("desc", true, "sort descending")
	moodListCmd.Flags().Int("limit", 20, "maximum number of entries (0 for all)")
	moodListCmd.Flags().Bool("unsynced", false, "only entries not yet synced")
	moodSetCmd.Flags().Int64("version", 0, "expected entry version (compare-and-swap)")

	moodCmd.AddCommand(moodAddCmd)
	moodCmd.AddCommand(moodListCmd)
	moodCmd.AddCommand(moodShowCmd)
	moodCmd.AddCommand(moodSetCmd)
	moodCmd.AddCommand(moodDeleteCmd)
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		dead, _ := cmd.Flags().GetBool("dead")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/queue"
		if dead {
			path += "?status=dead"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var items []storage.QueueItem
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}
		printQueue(os.Stdout, items)
		return nil
	},
}

func printQueue(w io.Writer, items []storage.QueueItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return
	}
	for _, it := range items {
		line := fmt.Sprintf("%s  %s  %-12s", colorize(colorBold, fmt.Sprintf("#%d", it.ID)), it.Timestamp, it.Type)
		if it.Attempts > 0 {
			line += fmt.Sprintf("  attempts=%d", it.Attempts)
		}
		if it.LastError != "" {
			line += "  " + colorize(colorRed, it.LastError)
		}
		fmt.Fprintln(w, line)
	}
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued action",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This drops all unsynced changes from the queue. Use --confirm to proceed.")
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/queue")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Queue cleared")
		return nil
	},
}

var queueDropCmd = &cobra.Command{
	Use:   "drop <id>",
	Short: "Remove one queued action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/queue/"+args[0])
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Removed queue item %s", args[0])
		return nil
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Move dead-lettered actions back to the pending queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/queue/requeue", nil)
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Requeued %d item(s)", result["requeued"])
		return nil
	},
}

func init() {
	queueListCmd.Flags().Bool("dead", false, "list dead-lettered actions")
	queueClearCmd.Flags().Bool("confirm", false, "confirm clearing the queue")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueDropCmd)
	queueCmd.AddCommand(queueRequeueCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay the offline queue and push unsynced entries now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		sum, err := forceSync(cmd.Context(), client)
		if err != nil {
			return err
		}
		printSyncSummary(sum)
		return nil
	},
}

// forceSync treats a 502 as a completed pass with failures.
func forceSync(ctx context.Context, c *apiClient) (offline.Summary, error) {
	resp, err := c.post(ctx, "/maintenance/sync", nil)
	if err != nil {
		return offline.Summary{}, err
	}
	var sum offline.Summary
	if resp.StatusCode == 502 {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
			return sum, fmt.Errorf("sync failed and summary unreadable: %w", err)
		}
		return sum, nil
	}
	if err := decodeJSON(resp, &sum); err != nil {
		return sum, err
	}
	return sum, nil
}

func printSyncSummary(sum offline.Summary) {
	switch {
	case sum.Error != "":
		printError("Sync failed: %s", sum.Error)
	case sum.Failed > 0:
		printWarning("Synced %d of %d queued action(s); %d failed", sum.Synced, sum.Attempted, sum.Failed)
	default:
		printSuccess("Synced %d queued action(s), pushed %d entr(ies)", sum.Synced, sum.Pushed)
	}
	if sum.Skipped > 0 {
		printStatus("Backing off", "%d", sum.Skipped)
	}
}

// --- connectivity ---

var connectivityCmd = &cobra.Command{
	Use:       "connectivity [online|offline]",
	Short:     "Show or override the connectivity state",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"online", "offline"},
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var result map[string]bool
		if len(args) == 0 {
			resp, err := client.get(cmd.Context(), "/connectivity")
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
		} else {
			var online bool
			switch args[0] {
			case "online":
				online = true
			case "offline":
			default:
				return fmt.Errorf("state must be online or offline, got %q", args[0])
			}
			resp, err := client.post(cmd.Context(), "/connectivity", map[string]bool{"online": online})
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
		}

		if result["online"] {
			printStatus("Connectivity", "%s", colorize(colorGreen, "online"))
		} else {
			printStatus("Connectivity", "%s", colorize(colorYellow, "offline"))
		}
		return nil
	},
}

// --- settings ---

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read or write app settings",
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/settings")
		if err != nil {
			return err
		}
		var settings map[string]string
		if err := decodeJSON(resp, &settings); err != nil {
			return err
		}
		if len(settings) == 0 {
			fmt.Println("No settings stored.")
			return nil
		}
		for k, v := range settings {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k), v)
		}
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/settings/"+url.PathEscape(args[0]), map[string]string{"value": args[1]})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsListCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

// --- data ---

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Export, import or clear local data",
}

var dataExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export entries and the queue as a JSON backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		w := io.Writer(os.Stdout)
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		snap, err := exportData(cmd.Context(), client, w)
		if err != nil {
			return err
		}
		if output != "" {
			printSuccess("Exported %d entries and %d queued action(s) to %s", len(snap.MoodEntries), len(snap.Queue), output)
		}
		return nil
	},
}

func exportData(ctx context.Context, c *apiClient, w io.Writer) (storage.Snapshot, error) {
	resp, err := c.get(ctx, "/export")
	if err != nil {
		return storage.Snapshot{}, err
	}
	var snap storage.Snapshot
	if err := decodeJSON(resp, &snap); err != nil {
		return storage.Snapshot{}, err
	}
	return snap, printJSON(w, snap)
}

var dataImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a JSON backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dedupe, _ := cmd.Flags().GetBool("dedupe")

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening backup: %w", err)
		}
		defer f.Close()

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := importData(cmd.Context(), client, f, dedupe)
		if err != nil {
			return err
		}
		printSuccess("Imported %d entries and %d queued action(s)", res.Entries, res.QueueItems)
		if res.Skipped > 0 {
			printStatus("Skipped duplicates", "%d", res.Skipped)
		}
		return nil
	},
}

func importData(ctx context.Context, c *apiClient, r io.Reader, dedupe bool) (storage.ImportResult, error) {
	path := "/import"
	if dedupe {
		path += "?dedupe=true"
	}
	resp, err := c.postRaw(ctx, path, r)
	if err != nil {
		return storage.ImportResult{}, err
	}
	var res storage.ImportResult
	if err := decodeJSON(resp, &res); err != nil {
		return storage.ImportResult{}, err
	}
	return res, nil
}

var dataClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all entries, queued actions and settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL local data. Use --confirm to proceed.")
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Clearing local data...")
		resp, err := client.post(cmd.Context(), "/maintenance/clear-data", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("All local data cleared")
		return nil
	},
}

func init() {
	dataExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	dataImportCmd.Flags().Bool("dedupe", false, "skip entries and actions already present")
	dataClearCmd.Flags().Bool("confirm", false, "confirm data deletion")
	dataCmd.AddCommand(dataExportCmd)
	dataCmd.AddCommand(dataImportCmd)
	dataCmd.AddCommand(dataClearCmd)
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or manage the response cache",
}

var cacheInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show cache version, state and size",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.proxyGet(cmd.Context(), "/__sw/info")
		if err != nil {
			return err
		}
		var info cacheproxy.Info
		if err := decodeJSON(resp, &info); err != nil {
			return err
		}
		printStatus("Version", "%s", info.Version)
		printStatus("State", "%s", info.State)
		printStatus("Active", "%s", info.ActiveVersion)
		printStatus("Size", "%s", humanize.Bytes(uint64(info.SizeBytes)))
		printStatus("Generations", "%s", strings.Join(info.Generations, ", "))
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached response",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/maintenance/clear-cache", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Cache cleared")
		return nil
	},
}

var cacheSkipWaitingCmd = &cobra.Command{
	Use:   "skip-waiting",
	Short: "Activate a waiting cache version immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		reply, err := sendCacheMessage(cmd.Context(), client, cacheproxy.MsgSkipWaiting)
		if err != nil {
			return err
		}
		printSuccess("Cache version %s activated", reply.Version)
		return nil
	},
}

func sendCacheMessage(ctx context.Context, c *apiClient, typ string) (cacheproxy.Reply, error) {
	resp, err := c.proxyPost(ctx, "/__sw/message", map[string]string{"type": typ})
	if err != nil {
		return cacheproxy.Reply{}, err
	}
	defer resp.Body.Close()
	var reply cacheproxy.Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return reply, fmt.Errorf("decoding reply (HTTP %d): %w", resp.StatusCode, err)
	}
	if reply.Error != "" {
		return reply, errors.New(reply.Error)
	}
	return reply, nil
}

func init() {
	cacheCmd.AddCommand(cacheInfoCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheSkipWaitingCmd)
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream connectivity and sync events",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return watchEvents(ctx, client, os.Stdout)
	},
}

func watchEvents(ctx context.Context, c *apiClient, w io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL("/events"), nil)
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var ev offline.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading event: %w", err)
		}
		fmt.Fprintln(w, formatEvent(ev))
	}
}

func formatEvent(ev offline.Event) string {
	switch ev.Type {
	case offline.EventConnectivity:
		state := colorize(colorGreen, "online")
		if !ev.Online {
			state = colorize(colorYellow, "offline")
		}
		return fmt.Sprintf("%s  connectivity  %s", ev.Time, state)
	case offline.EventSync:
		if ev.Summary == nil {
			return fmt.Sprintf("%s  sync", ev.Time)
		}
		s := ev.Summary
		line := fmt.Sprintf("%s  sync  synced=%d failed=%d skipped=%d", ev.Time, s.Synced, s.Failed, s.Skipped)
		if s.Error != "" {
			line += "  " + colorize(colorRed, s.Error)
		}
		return line
	}
	return fmt.Sprintf("%s  %s", ev.Time, ev.Type)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSyncTokenCmd = &cobra.Command{
	Use:   "sync-token <token>",
	Short: "Store the sync remote's bearer token in the secret store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSyncToken(config.NewKeychain(), args[0]); err != nil {
			return err
		}
		printSuccess("Sync token stored")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configSyncTokenCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
