package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func collectDeltas(t *testing.T, ds *DeltaStream) []string {
	t.Helper()
	var deltas []string
	for {
		delta, err := ds.Recv()
		if err == io.EOF {
			return deltas
		}
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		deltas = append(deltas, delta)
	}
}

func TestStreamChatDeltas(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", upstreamChunkBody("one"))
		fmt.Fprint(w, ": keep-alive comment\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{}}]}\n\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprintf(w, "data: %s\n\n", upstreamChunkBody("two"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	c := NewUpstreamClient("key", upstream.URL)
	messages, _ := json.Marshal([]chatMessage{{Role: "user", Content: "hi"}})
	ds, err := c.StreamChat(context.Background(), "gpt-3.5-turbo", messages, 100)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	defer ds.Close()

	deltas := collectDeltas(t, ds)
	if len(deltas) != 2 || deltas[0] != "one" || deltas[1] != "two" {
		t.Errorf("unexpected deltas: %v", deltas)
	}

	// The stream stays done after the terminal frame.
	if _, err := ds.Recv(); err != io.EOF {
		t.Errorf("expected EOF after done, got %v", err)
	}
}

func TestStreamChatErrorChunk(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"quota exceeded\"}}\n\n")
	}))
	defer upstream.Close()

	c := NewUpstreamClient("key", upstream.URL)
	ds, err := c.StreamChat(context.Background(), "m", json.RawMessage(`[]`), 0)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	defer ds.Close()

	_, err = ds.Recv()
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("expected upstream error, got %v", err)
	}
}

func TestStreamChatEndsWithoutDone(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", upstreamChunkBody("tail"))
	}))
	defer upstream.Close()

	c := NewUpstreamClient("key", upstream.URL)
	ds, err := c.StreamChat(context.Background(), "m", json.RawMessage(`[]`), 0)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	defer ds.Close()

	deltas := collectDeltas(t, ds)
	if len(deltas) != 1 || deltas[0] != "tail" {
		t.Errorf("unexpected deltas: %v", deltas)
	}
}

func TestStreamChatRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", upstreamChunkBody("ok"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	c := NewUpstreamClient("key", upstream.URL)
	ds, err := c.StreamChat(context.Background(), "m", json.RawMessage(`[]`), 0)
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	defer ds.Close()

	deltas := collectDeltas(t, ds)
	if len(deltas) != 1 || deltas[0] != "ok" {
		t.Errorf("unexpected deltas: %v", deltas)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestStreamChatNonRateLimitFailsFast(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer upstream.Close()

	c := NewUpstreamClient("key", upstream.URL)
	_, err := c.StreamChat(context.Background(), "m", json.RawMessage(`[]`), 0)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status error, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}
}
