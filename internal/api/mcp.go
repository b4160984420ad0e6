package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/moodtracker/internal/offline"
	"github.com/kalambet/moodtracker/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store       *storage.Store
	Coordinator *offline.Coordinator
	Cache       CacheControl // optional
}

// NewMCPServer creates an MCP server with the mood journal tools and
// resources registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"moodtracker",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("moodtracker: an offline-first mood journal. Entries logged while offline are queued and synced on reconnect."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("log_mood",
			mcp.WithDescription("Record a mood entry in the local journal."),
			mcp.WithString("mood", mcp.Description("One of: "+moodList()), mcp.Required()),
			mcp.WithString("note", mcp.Description("Optional free-text note")),
			mcp.WithString("timestamp", mcp.Description("ISO-8601 time of the entry (default now)")),
		),
		mcpLogMood(deps),
	)

	s.AddTool(
		mcp.NewTool("list_moods",
			mcp.WithDescription("List journal entries, newest first."),
			mcp.WithString("mood", mcp.Description("Only return entries with this mood")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 20)")),
		),
		mcpListMoods(deps),
	)

	s.AddTool(
		mcp.NewTool("get_status",
			mcp.WithDescription("Report connectivity, storage usage, queue depth and cache state."),
		),
		mcpGetStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_now",
			mcp.WithDescription("Replay queued offline changes and mark unsynced entries as synced."),
		),
		mcpSyncNow(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"moods://unsynced",
			"Unsynced Entries",
			mcp.WithResourceDescription("Mood entries not yet acknowledged by the remote"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceUnsynced(deps),
	)

	return s
}

func moodList() string {
	moods := storage.Moods()
	names := make([]string, len(moods))
	for i, m := range moods {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

func mcpLogMood(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		mood, err := req.RequireString("mood")
		if err != nil {
			return mcpError("mood is required"), nil
		}
		entry := storage.MoodEntry{
			Mood:      storage.Mood(strings.ToLower(strings.TrimSpace(mood))),
			Timestamp: req.GetString("timestamp", ""),
		}
		if note := req.GetString("note", ""); note != "" {
			b, err := json.Marshal(note)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to encode note: %v", err)), nil
			}
			entry.Extra = map[string]json.RawMessage{"note": b}
		}

		stored, err := deps.Coordinator.AddMood(ctx, entry)
		if err != nil && stored.ID == 0 {
			return mcpError(fmt.Sprintf("failed to log mood: %v", err)), nil
		}

		msg := fmt.Sprintf("Logged %s as entry %d", stored.Mood, stored.ID)
		if stored.CreatedOffline {
			msg += " (offline, queued for sync)"
		}
		return mcpText(msg), nil
	}
}

func mcpListMoods(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 500 {
			limit = 500
		}
		filter := storage.Mood(req.GetString("mood", ""))

		entries, err := deps.Store.GetMoodEntriesByIndex(ctx, "timestamp", true)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list moods: %v", err)), nil
		}

		out := make([]storage.MoodEntry, 0, min(limit, len(entries)))
		for _, e := range entries {
			if filter != "" && e.Mood != filter {
				continue
			}
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal entries: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Store.GetStorageStats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read storage stats: %v", err)), nil
		}
		status := map[string]any{
			"online":  deps.Coordinator.Online(),
			"storage": stats,
		}
		if deps.Cache != nil {
			if info, err := deps.Cache.Info(ctx); err == nil {
				status["cache"] = info
			}
		}

		b, err := json.Marshal(status)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSyncNow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sum, err := deps.Coordinator.ForceSync(ctx)
		if errors.Is(err, offline.ErrOffline) {
			return mcpError("cannot sync while offline"), nil
		}
		b, merr := json.Marshal(sum)
		if merr != nil {
			return mcpError(fmt.Sprintf("failed to marshal summary: %v", merr)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("sync finished with errors: %s", b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceUnsynced(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		entries, err := deps.Store.GetUnsyncedEntries(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get unsynced entries: %w", err)
		}
		if entries == nil {
			entries = []storage.MoodEntry{}
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entries: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
