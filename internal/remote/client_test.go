package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPush_SendsChange(t *testing.T) {
	var got Change
	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/changes" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret")
	err := c.Push(context.Background(), Change{
		Key:       "k-1",
		Action:    "ADD_MOOD",
		Timestamp: "2025-01-01T00:00:00.000Z",
		Data:      json.RawMessage(`{"id":1,"mood":"happy"}`),
	})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if gotKey != "k-1" {
		t.Errorf("Idempotency-Key = %q, want k-1", gotKey)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if got.Action != "ADD_MOOD" || string(got.Data) != `{"id":1,"mood":"happy"}` {
		t.Errorf("change = %+v", got)
	}
}

func TestPush_ConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL, "").Push(context.Background(), Change{Key: "dup"}); err != nil {
		t.Errorf("Push on 409 = %v, want nil", err)
	}
}

// 5xx is left to the offline queue's backoff rather than retried inline.
func TestPush_ServerError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "").Push(context.Background(), Change{Key: "k"})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusInternalServerError {
		t.Fatalf("error = %v, want StatusError 500", err)
	}
	if se.Body != "boom" {
		t.Errorf("Body = %q, want boom", se.Body)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("remote hit %d times, want 1 (no inline retry)", n)
	}
}

func TestPush_RetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL, "").Push(context.Background(), Change{Key: "k"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestPush_RateLimitCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := NewClient(srv.URL, "").Push(ctx, Change{Key: "k"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestPing(t *testing.T) {
	var unhealthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping healthy: %v", err)
	}
	unhealthy.Store(true)
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping unhealthy: expected error")
	}
}

type flipPinger struct {
	mu      sync.Mutex
	results []error
}

func (f *flipPinger) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	return err
}

type recordingListener struct {
	mu     sync.Mutex
	states []bool
}

func (r *recordingListener) ConnectivityChanged(online bool) {
	r.mu.Lock()
	r.states = append(r.states, online)
	r.mu.Unlock()
}

func (r *recordingListener) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

func TestProber_ReportsTransitionsOnly(t *testing.T) {
	down := errors.New("down")
	p := NewProber(&flipPinger{results: []error{nil, nil, down, down, nil}}, 5*time.Millisecond)
	l := &recordingListener{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, l)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(l.snapshot()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out, states = %v", l.snapshot())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	states := l.snapshot()
	want := []bool{true, false, true}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want prefix %v", states, want)
		}
	}
	if len(states) != 3 {
		t.Errorf("states = %v, want exactly 3 transitions", states)
	}
}
