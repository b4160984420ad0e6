package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/kalambet/moodtracker/internal/cacheproxy"
	"github.com/kalambet/moodtracker/internal/config"
	"github.com/kalambet/moodtracker/internal/offline"
	"github.com/kalambet/moodtracker/internal/storage"
)

type recordedRequest struct {
	Method  string
	Path    string
	Body    string
	Auth    string
	IfMatch string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
	status   map[string]int
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{status: make(map[string]int)}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:  r.Method,
			Path:    r.URL.RequestURI(),
			Body:    body.String(),
			Auth:    r.Header.Get("Authorization"),
			IfMatch: r.Header.Get("If-Match"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			if code, ok := ts.status[key]; ok {
				w.WriteHeader(code)
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		proxyURL:   ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) lastBody(t *testing.T) map[string]any {
	t.Helper()
	if len(ts.requests) == 0 {
		t.Fatal("no requests recorded")
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[len(ts.requests)-1].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	return body
}

var ctx = context.Background()

func TestAddMood(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /moods": `{"id":7,"mood":"happy","timestamp":"2024-05-01T10:00:00.000Z","synced":false,"createdOffline":true,"version":1,"note":"walk"}`,
	})

	entry, err := addMood(ctx, ts.client(), " Happy ", "walk", "2024-05-01T10:00:00Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ID != 7 || !entry.CreatedOffline {
		t.Errorf("entry = %+v", entry)
	}

	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/moods" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	body := ts.lastBody(t)
	if body["mood"] != "happy" {
		t.Errorf("body.mood = %v, want happy", body["mood"])
	}
	if body["note"] != "walk" {
		t.Errorf("body.note = %v, want walk", body["note"])
	}
	if body["timestamp"] != "2024-05-01T10:00:00.000Z" {
		t.Errorf("body.timestamp = %v", body["timestamp"])
	}
}

func TestAddMood_RejectsUnknownMoodLocally(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	_, err := addMood(ctx, ts.client(), "ecstatic", "", "")
	if err == nil {
		t.Fatal("expected error for unknown mood")
	}
	if !strings.Contains(err.Error(), "happy") {
		t.Errorf("error = %q, want it to list the known moods", err.Error())
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(ts.requests))
	}
}

func TestAddMood_BadTimestamp(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	if _, err := addMood(ctx, ts.client(), "sad", "", "yesterday"); err == nil {
		t.Fatal("expected error for non RFC 3339 --at")
	}
}

func TestMoodAdd_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"mood", "add"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want it to mention args", err.Error())
	}
}

func TestSetMoodField_WithVersion(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PATCH /moods/3": `{"id":3,"mood":"good","timestamp":"2024-05-01T10:00:00.000Z","version":5}`,
	})

	entry, err := setMoodField(ctx, ts.client(), "3", "mood", "good", 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Version != 5 {
		t.Errorf("version = %d, want 5", entry.Version)
	}
	if ts.requests[0].IfMatch != `"4"` {
		t.Errorf("If-Match = %q, want \"4\"", ts.requests[0].IfMatch)
	}
	// A bare word is not JSON, so it is sent as a string.
	if ts.lastBody(t)["mood"] != "good" {
		t.Errorf("body = %s", ts.requests[0].Body)
	}
}

func TestSetMoodField_JSONValue(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PATCH /moods/3": `{"id":3,"mood":"good","timestamp":"2024-05-01T10:00:00.000Z","version":2}`,
	})

	if _, err := setMoodField(ctx, ts.client(), "3", "tags", `["work","sleep"]`, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].IfMatch != "" {
		t.Errorf("If-Match = %q, want none without --version", ts.requests[0].IfMatch)
	}
	tags, ok := ts.lastBody(t)["tags"].([]any)
	if !ok || len(tags) != 2 {
		t.Errorf("tags = %v, want JSON array", ts.lastBody(t)["tags"])
	}
}

func TestSetMoodField_Conflict(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PATCH /moods/3": `{"error":{"message":"entry 3 changed since version 1","type":"conflict"}}`,
	})
	ts.status["PATCH /moods/3"] = http.StatusPreconditionFailed

	_, err := setMoodField(ctx, ts.client(), "3", "mood", "sad", 1)
	if err == nil {
		t.Fatal("expected error on 412")
	}
	if !strings.Contains(err.Error(), "412") || !strings.Contains(err.Error(), "changed since") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestPrintMoods(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var buf bytes.Buffer
	printMoods(&buf, []storage.MoodEntry{
		{ID: 1, Mood: storage.MoodHappy, Timestamp: "2024-05-01T10:00:00.000Z", Synced: true,
			Extra: map[string]json.RawMessage{"note": json.RawMessage(`"sunny"`)}},
		{ID: 2, Mood: storage.MoodTired, Timestamp: "2024-05-02T10:00:00.000Z", CreatedOffline: true},
	})
	out := buf.String()
	if !strings.Contains(out, "#1") || !strings.Contains(out, "sunny") {
		t.Errorf("output missing first entry:\n%s", out)
	}
	if !strings.Contains(out, "[unsynced]") || !strings.Contains(out, "[offline]") {
		t.Errorf("output missing flags:\n%s", out)
	}

	buf.Reset()
	printMoods(&buf, nil)
	if !strings.Contains(buf.String(), "No entries") {
		t.Errorf("empty output = %q", buf.String())
	}
}

func TestForceSync(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /maintenance/sync": `{"attempted":2,"synced":2,"pushed":3}`,
	})

	sum, err := forceSync(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Synced != 2 || sum.Pushed != 3 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestForceSync_FailedPassStillReportsSummary(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /maintenance/sync": `{"attempted":2,"synced":1,"failed":1}`,
	})
	ts.status["POST /maintenance/sync"] = http.StatusBadGateway

	sum, err := forceSync(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Failed != 1 || sum.Synced != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestForceSync_Offline(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /maintenance/sync": `{"error":{"message":"offline","type":"conflict"}}`,
	})
	ts.status["POST /maintenance/sync"] = http.StatusConflict

	_, err := forceSync(ctx, ts.client())
	if err == nil || !strings.Contains(err.Error(), "offline") {
		t.Fatalf("err = %v, want offline error", err)
	}
}

func TestImportData_Dedupe(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /import": `{"entries":1,"queueItems":0,"skipped":2}`,
	})

	doc := `{"moodEntries":[],"queue":[],"version":1}`
	res, err := importData(ctx, ts.client(), strings.NewReader(doc), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", res.Skipped)
	}
	r := ts.requests[0]
	if r.Path != "/import?dedupe=true" {
		t.Errorf("path = %q", r.Path)
	}
	if r.Body != doc {
		t.Errorf("body = %q, want the file passed through unchanged", r.Body)
	}
}

func TestExportData(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /export": `{"moodEntries":[{"id":1,"mood":"okay","timestamp":"2024-05-01T10:00:00.000Z","version":1}],"queue":[],"exportDate":"2024-05-02T00:00:00.000Z","version":1}`,
	})

	var buf bytes.Buffer
	snap, err := exportData(ctx, ts.client(), &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.MoodEntries) != 1 {
		t.Fatalf("entries = %d, want 1", len(snap.MoodEntries))
	}

	var parsed map[string]any
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	for _, key := range []string{"moodEntries", "queue", "exportDate", "version"} {
		if _, ok := parsed[key]; !ok {
			t.Errorf("missing key %q in exported JSON", key)
		}
	}
}

func TestSendCacheMessage(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /__sw/message": `{"success":true,"version":"moodtracker-v2"}`,
	})

	reply, err := sendCacheMessage(ctx, ts.client(), cacheproxy.MsgSkipWaiting)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Version != "moodtracker-v2" {
		t.Errorf("version = %q", reply.Version)
	}
	if ts.lastBody(t)["type"] != "SKIP_WAITING" {
		t.Errorf("body = %s", ts.requests[0].Body)
	}
}

func TestSendCacheMessage_ErrorReply(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /__sw/message": `{"error":"unknown message type"}`,
	})
	ts.status["POST /__sw/message"] = http.StatusBadRequest

	if _, err := sendCacheMessage(ctx, ts.client(), "BOGUS"); err == nil {
		t.Fatal("expected error reply to surface")
	}
}

func TestProxyDisabled(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	c := ts.client()
	c.proxyURL = ""

	if _, err := c.proxyGet(ctx, "/__sw/info"); err == nil || !strings.Contains(err.Error(), "proxy.origin_url") {
		t.Errorf("err = %v, want hint about proxy.origin_url", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(ts.requests))
	}
}

func TestWatchEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.URL.Query().Get("access_token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(offline.Event{Type: offline.EventConnectivity, Online: false, Time: "t1"})
		conn.WriteJSON(offline.Event{Type: offline.EventSync, Summary: &offline.Summary{Synced: 2}, Time: "t2"})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	old := noColor
	noColor = true
	defer func() { noColor = old }()

	c := &apiClient{baseURL: srv.URL, token: "tok en", httpClient: srv.Client()}
	var buf bytes.Buffer
	if err := watchEvents(ctx, c, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotToken != "tok en" {
		t.Errorf("access_token = %q", gotToken)
	}
	out := buf.String()
	if !strings.Contains(out, "connectivity  offline") {
		t.Errorf("output missing connectivity event:\n%s", out)
	}
	if !strings.Contains(out, "synced=2") {
		t.Errorf("output missing sync event:\n%s", out)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestStatusReportDecodes(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /status": `{"online":false,"storage":{"totalEntries":4,"queueLength":2,"unsyncedCount":3,"deadLetters":1,"usageBytes":2048,"quotaBytes":0,"percentUsed":0,"usage":"2.0 kB"},"cache":{"version":"moodtracker-v1","state":"active","sizeBytes":10,"size":"10 B"}}`,
	})

	resp, err := ts.client().get(ctx, "/status")
	if err != nil {
		t.Fatal(err)
	}
	var st statusReport
	if err := decodeJSON(resp, &st); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if st.Online || st.Storage.QueueLength != 2 || st.Storage.DeadLetters != 1 || st.Storage.Usage != "2.0 kB" {
		t.Errorf("status = %+v", st)
	}
	if st.Cache == nil || st.Cache.State != "active" {
		t.Errorf("cache = %+v", st.Cache)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/moods")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000

	found := false
	for _, k := range config.ShowAll(cfg) {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}
