package logship

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// captureServer records every request body it receives and can be told to
// fail with a given status for a while.
type captureServer struct {
	mu     sync.Mutex
	bodies []string
	auths  []string
	status int
}

func (c *captureServer) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.bodies = append(c.bodies, string(body))
	c.auths = append(c.auths, r.Header.Get("Authorization"))
	status := c.status
	c.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *captureServer) setStatus(s int) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *captureServer) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bodies...)
}

func TestLokiFlushDeliversBatch(t *testing.T) {
	cap := &captureServer{}
	srv := httptest.NewServer(http.HandlerFunc(cap.handler))
	defer srv.Close()

	s, err := NewLoki(LokiConfig{URL: srv.URL, Labels: map[string]string{"env": "test"}}, nil, Options{
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	now := time.Now()
	s.Push(Line{Time: now, Level: "info", Message: "first"})
	s.Push(Line{Time: now, Level: "error", Message: "second"})
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	bodies := cap.snapshot()
	if len(bodies) != 1 {
		t.Fatalf("expected one push, got %d", len(bodies))
	}
	var payload struct {
		Streams []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"streams"`
	}
	if err := json.Unmarshal([]byte(bodies[0]), &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Streams) != 1 || len(payload.Streams[0].Values) != 2 {
		t.Fatalf("unexpected payload shape: %s", bodies[0])
	}
	if payload.Streams[0].Stream["env"] != "test" {
		t.Errorf("missing custom label in %v", payload.Streams[0].Stream)
	}
	if got := payload.Streams[0].Values[0][1]; got != "info first" {
		t.Errorf("line = %q", got)
	}
}

func TestSizeThresholdTriggersFlush(t *testing.T) {
	cap := &captureServer{}
	srv := httptest.NewServer(http.HandlerFunc(cap.handler))
	defer srv.Close()

	s, err := NewOpenObserve(OpenObserveConfig{URL: srv.URL}, nil, Options{
		MaxBufferBytes: 64,
		FlushInterval:  time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Push(Line{Time: time.Now(), Level: "info", Message: strings.Repeat("x", 200)})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(cap.snapshot()) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("size-triggered flush never arrived")
}

func TestIntervalTriggersFlush(t *testing.T) {
	cap := &captureServer{}
	srv := httptest.NewServer(http.HandlerFunc(cap.handler))
	defer srv.Close()

	s, err := NewOpenObserve(OpenObserveConfig{URL: srv.URL}, nil, Options{
		FlushInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Push(Line{Time: time.Now(), Level: "info", Message: "tick"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(cap.snapshot()) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("interval flush never arrived")
}

// A failed flush keeps the batch and retries it ahead of newer lines. The
// retried batch leads the next payload even though newer lines were pushed
// in between; that reordering is the documented trade-off.
func TestFailedFlushRequeuesAheadOfNewerLines(t *testing.T) {
	cap := &captureServer{}
	srv := httptest.NewServer(http.HandlerFunc(cap.handler))
	defer srv.Close()

	s, err := NewOpenObserve(OpenObserveConfig{URL: srv.URL}, nil, Options{
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	cap.setStatus(http.StatusInternalServerError)
	s.Push(Line{Time: time.Now(), Level: "info", Message: "old"})
	if err := s.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error against failing backend")
	}

	cap.setStatus(0)
	s.Push(Line{Time: time.Now(), Level: "info", Message: "new"})
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	bodies := cap.snapshot()
	last := bodies[len(bodies)-1]
	var records []map[string]any
	if err := json.Unmarshal([]byte(last), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected requeued+new records, got %d", len(records))
	}
	if records[0]["message"] != "old" || records[1]["message"] != "new" {
		t.Errorf("requeued batch not ahead of newer line: %v", records)
	}
}

func TestAuthResolution(t *testing.T) {
	cap := &captureServer{}
	srv := httptest.NewServer(http.HandlerFunc(cap.handler))
	defer srv.Close()

	lookup := func(key string) (string, bool) {
		if key == "loki_token" {
			return "c2VjcmV0", true
		}
		return "", false
	}
	s, err := NewLoki(LokiConfig{
		URL:  srv.URL,
		Auth: Auth{BasicToken: "cfg:loki_token"},
	}, lookup, Options{FlushInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Push(Line{Time: time.Now(), Level: "info", Message: "hi"})
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	cap.mu.Lock()
	auth := cap.auths[0]
	cap.mu.Unlock()
	if auth != "Basic c2VjcmV0" {
		t.Errorf("auth header = %q", auth)
	}
}

func TestAuthMissingConfigKeyFails(t *testing.T) {
	_, err := NewLoki(LokiConfig{
		URL:  "http://localhost:3100",
		Auth: Auth{BasicToken: "cfg:absent"},
	}, func(string) (string, bool) { return "", false }, Options{})
	if err == nil {
		t.Fatal("expected unresolved config error")
	}
}

func TestUsernamePasswordHeader(t *testing.T) {
	a := Auth{Username: "root", Password: "pw"}
	if got := a.header(); got != "Basic cm9vdDpwdw==" {
		t.Errorf("header = %q", got)
	}
	if got := (Auth{}).header(); got != "" {
		t.Errorf("empty auth header = %q", got)
	}
}

func TestCloseFlushesRemainder(t *testing.T) {
	cap := &captureServer{}
	srv := httptest.NewServer(http.HandlerFunc(cap.handler))
	defer srv.Close()

	s, err := NewOpenObserve(OpenObserveConfig{URL: srv.URL}, nil, Options{
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Push(Line{Time: time.Now(), Level: "info", Message: "last words"})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if len(cap.snapshot()) == 0 {
		t.Fatal("close did not flush buffered lines")
	}
	// pushes after close are dropped silently
	s.Push(Line{Time: time.Now(), Level: "info", Message: "ignored"})
}
