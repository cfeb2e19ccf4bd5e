package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lowkit/lowkit"
)

func blockSpec(id string, kind lowkit.BlockKind, data string) lowkit.BlockSpec {
	s := lowkit.BlockSpec{ID: id, Type: kind}
	if data != "" {
		s.Data = json.RawMessage(data)
	}
	return s
}

func edgeSpec(source, target string) lowkit.EdgeSpec {
	return lowkit.EdgeSpec{ID: source + "-" + target, Source: source, Target: target}
}

// greetRoute answers GET /greet/:name with "Hello, <name>".
func greetRoute() RouteRecord {
	return RouteRecord{
		ID:        "r-greet",
		ProjectID: "p1",
		Path:      "/greet/:name",
		Method:    "GET",
		Active:    true,
		Blocks: []lowkit.BlockSpec{
			blockSpec("entry", lowkit.KindEntrypoint, ""),
			blockSpec("param", lowkit.KindGetParam, `{"name":"name"}`),
			blockSpec("greet", lowkit.KindTransformer, `{"code":"return 'Hello, ' + input;"}`),
			blockSpec("resp", lowkit.KindResponse, ""),
		},
		Edges: []lowkit.EdgeSpec{
			edgeSpec("entry", "param"),
			edgeSpec("param", "greet"),
			edgeSpec("greet", "resp"),
		},
	}
}

// echoRoute answers POST /echo with the parsed request body as JSON.
func echoRoute() RouteRecord {
	return RouteRecord{
		ID:        "r-echo",
		ProjectID: "p1",
		Path:      "/echo",
		Method:    "POST",
		Active:    true,
		Blocks: []lowkit.BlockSpec{
			blockSpec("entry", lowkit.KindEntrypoint, ""),
			blockSpec("resp", lowkit.KindResponse, ""),
		},
		Edges: []lowkit.EdgeSpec{edgeSpec("entry", "resp")},
	}
}

// boomRoute fails inside the sandbox on every request.
func boomRoute() RouteRecord {
	return RouteRecord{
		ID:        "r-boom",
		ProjectID: "p1",
		Path:      "/boom",
		Method:    "GET",
		Active:    true,
		Blocks: []lowkit.BlockSpec{
			blockSpec("entry", lowkit.KindEntrypoint, ""),
			blockSpec("bad", lowkit.KindTransformer, `{"code":"throw new Error('secret internals')"}`),
			blockSpec("resp", lowkit.KindResponse, ""),
		},
		Edges: []lowkit.EdgeSpec{
			edgeSpec("entry", "bad"),
			edgeSpec("bad", "resp"),
		},
	}
}

func newTestServer(t *testing.T, records ...RouteRecord) *Server {
	t.Helper()
	store := NewMemoryStore()
	for _, rec := range records {
		if err := store.Create(context.Background(), rec); err != nil {
			t.Fatalf("seed route %s: %v", rec.ID, err)
		}
	}
	srv := NewServer(Config{Store: store})
	if err := srv.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return srv
}

func TestDynamicRouteDispatch(t *testing.T) {
	srv := newTestServer(t, greetRoute())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/greet/Ada")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if got := buf.String(); got != "Hello, Ada" {
		t.Errorf("body = %q, want %q", got, "Hello, Ada")
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q, want text/plain", ct)
	}
}

func TestUnmatchedPathReturns404(t *testing.T) {
	srv := newTestServer(t, greetRoute())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body apiError
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "not_found" {
		t.Errorf("error code = %q", body.Error.Code)
	}
}

func TestMethodMismatchReturns404(t *testing.T) {
	srv := newTestServer(t, greetRoute())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/greet/Ada", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestExecutionFailureReturnsGeneric500(t *testing.T) {
	srv := newTestServer(t, boomRoute())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/boom")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if strings.Contains(buf.String(), "secret internals") {
		t.Error("response leaked internal error detail")
	}
}

func TestJSONBodyRoundTrip(t *testing.T) {
	srv := newTestServer(t, echoRoute())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/echo", "application/json",
		strings.NewReader(`{"q":"widgets","limit":5}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content type = %q, want application/json", ct)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["q"] != "widgets" || body["limit"] != float64(5) {
		t.Errorf("body = %v", body)
	}
}

func TestFormBodyParsedIntoMap(t *testing.T) {
	srv := newTestServer(t, RouteRecord{
		ID: "r-form", ProjectID: "p1", Path: "/form", Method: "POST", Active: true,
		Blocks: []lowkit.BlockSpec{
			blockSpec("entry", lowkit.KindEntrypoint, ""),
			blockSpec("pick", lowkit.KindTransformer, `{"code":"return input.name;"}`),
			blockSpec("resp", lowkit.KindResponse, ""),
		},
		Edges: []lowkit.EdgeSpec{
			edgeSpec("entry", "pick"),
			edgeSpec("pick", "resp"),
		},
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/form", "application/x-www-form-urlencoded",
		strings.NewReader("name=Grace&role=admin"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if got := buf.String(); got != "Grace" {
		t.Errorf("body = %q, want Grace", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRouteAdminLifecycle(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	payload, _ := json.Marshal(greetRoute())

	t.Run("create makes the route dispatchable", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/routes", "application/json", bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status = %d, want 201", resp.StatusCode)
		}

		got, err := http.Get(ts.URL + "/greet/Lin")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer got.Body.Close()
		if got.StatusCode != http.StatusOK {
			t.Errorf("dispatch after create = %d, want 200", got.StatusCode)
		}
	})

	t.Run("duplicate create conflicts", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/routes", "application/json", bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.StatusCode)
		}
	})

	t.Run("list returns the route", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/routes")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		var body struct {
			Routes []RouteRecord `json:"routes"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(body.Routes) != 1 || body.Routes[0].ID != "r-greet" {
			t.Errorf("routes = %+v", body.Routes)
		}
	})

	t.Run("update swaps the graph", func(t *testing.T) {
		updated := greetRoute()
		updated.Blocks[2] = blockSpec("greet", lowkit.KindTransformer, `{"code":"return 'Hi, ' + input;"}`)
		body, _ := json.Marshal(updated)

		req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/routes/r-greet", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}

		got, err := http.Get(ts.URL + "/greet/Lin")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer got.Body.Close()
		var buf bytes.Buffer
		buf.ReadFrom(got.Body)
		if buf.String() != "Hi, Lin" {
			t.Errorf("body = %q, want %q", buf.String(), "Hi, Lin")
		}
	})

	t.Run("delete removes dispatch", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/routes/r-greet", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", resp.StatusCode)
		}

		got, err := http.Get(ts.URL + "/greet/Lin")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		got.Body.Close()
		if got.StatusCode != http.StatusNotFound {
			t.Errorf("dispatch after delete = %d, want 404", got.StatusCode)
		}
	})
}

func TestCreateRouteRejectsBrokenGraph(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	rec := greetRoute()
	rec.Blocks = rec.Blocks[1:] // drop the entrypoint
	payload, _ := json.Marshal(rec)

	resp, err := http.Post(ts.URL+"/api/routes", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	srv := newTestServer(t, greetRoute())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/greet/Ada", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing CORS origin header")
	}
}

func TestMaxBodyLimitRejectsOversizedPayload(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Create(context.Background(), echoRoute()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	srv := NewServer(Config{Store: store, MaxBody: 64})
	if err := srv.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	big := `{"blob":"` + strings.Repeat("x", 256) + `"}`
	resp, err := http.Post(ts.URL+"/echo", "application/json", strings.NewReader(big))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRunRouteFiresWithSyntheticRequest(t *testing.T) {
	srv := newTestServer(t, echoRoute())

	resp, err := srv.RunRoute(context.Background(), "r-echo")
	if err != nil {
		t.Fatalf("RunRoute: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.Status)
	}

	if _, err := srv.RunRoute(context.Background(), "missing"); err != ErrRouteNotFound {
		t.Errorf("err = %v, want ErrRouteNotFound", err)
	}
}

func TestSchedulerValidatesTriggersUpFront(t *testing.T) {
	srv := newTestServer(t, echoRoute())

	if _, err := NewScheduler(SchedulerConfig{
		Server:   srv,
		Triggers: []Trigger{{RouteID: "r-echo", Cron: "not a cron"}},
	}); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}

	sched, err := NewScheduler(SchedulerConfig{
		Server:   srv,
		Triggers: []Trigger{{RouteID: "r-echo", Cron: "*/5 * * * *"}},
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sched.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestCronExpressionParsing(t *testing.T) {
	base := time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC)

	next, err := nextCronRunUTC("0 * * * *", base)
	if err != nil {
		t.Fatalf("nextCronRunUTC: %v", err)
	}
	want := time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	if _, err := nextCronRunUTC("", base); err == nil {
		t.Error("expected error for empty expression")
	}
	if _, err := nextCronRunUTC("CRON_TZ=UTC 0 * * * *", base); err == nil {
		t.Error("expected error for timezone prefix")
	}
}
