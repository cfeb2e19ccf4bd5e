package sandbox

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakeHost records script side effects for assertions.
type fakeHost struct {
	headers map[string]string
	cookies map[string]string
	vars    map[string]any
	config  map[string]string
	status  int
	logs    []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		headers: make(map[string]string),
		cookies: make(map[string]string),
		vars:    make(map[string]any),
		config:  make(map[string]string),
	}
}

func (h *fakeHost) RequestSnapshot() map[string]any {
	return map[string]any{
		"method": "GET",
		"path":   "/things/42",
		"params": map[string]any{"id": "42"},
	}
}

func (h *fakeHost) GetHeader(name string) string        { return h.headers[name] }
func (h *fakeHost) SetHeader(name, value string)        { h.headers[name] = value }
func (h *fakeHost) GetCookie(name string) string        { return h.cookies[name] }
func (h *fakeHost) SetCookie(name, value string)        { h.cookies[name] = value }
func (h *fakeHost) SetStatus(code int)                  { h.status = code }
func (h *fakeHost) SetVar(name string, value any)       { h.vars[name] = value }
func (h *fakeHost) GetVar(name string) (any, bool)      { v, ok := h.vars[name]; return v, ok }
func (h *fakeHost) ConfigValue(key string) (string, bool) {
	v, ok := h.config[key]
	return v, ok
}
func (h *fakeHost) Log(level string, args ...any) {
	h.logs = append(h.logs, level+": "+fmt.Sprint(args...))
}

func TestRun_ReturnValue(t *testing.T) {
	s := New(newFakeHost(), Options{})

	got, err := s.Run("return 1 + 2;", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != int64(3) {
		t.Errorf("Run() = %v (%T), want 3", got, got)
	}
}

func TestRun_InputBinding(t *testing.T) {
	s := New(newFakeHost(), Options{})

	got, err := s.Run("return input.name + '!';", map[string]any{"name": "Ada"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != "Ada!" {
		t.Errorf("Run() = %v, want 'Ada!'", got)
	}
}

func TestRun_ContextAccess(t *testing.T) {
	h := newFakeHost()
	h.config["greeting"] = "hello"
	s := New(h, Options{})

	got, err := s.Run("return ctx.config('greeting') + ' ' + ctx.request.params.id;", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != "hello 42" {
		t.Errorf("Run() = %v, want 'hello 42'", got)
	}
}

func TestRun_SideEffects(t *testing.T) {
	h := newFakeHost()
	s := New(h, Options{})

	_, err := s.Run(`
		ctx.setHeader('X-Test', 'yes');
		ctx.setStatus(201);
		ctx.setVar('count', 7);
		logger.warn('careful');
	`, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.headers["X-Test"] != "yes" {
		t.Errorf("header = %q, want 'yes'", h.headers["X-Test"])
	}
	if h.status != 201 {
		t.Errorf("status = %d, want 201", h.status)
	}
	if h.vars["count"] != int64(7) {
		t.Errorf("var count = %v, want 7", h.vars["count"])
	}
	if len(h.logs) != 1 || h.logs[0] != "warn: careful" {
		t.Errorf("logs = %v", h.logs)
	}
}

func TestRun_Timeout(t *testing.T) {
	s := New(newFakeHost(), Options{Budget: 50 * time.Millisecond})

	start := time.Now()
	_, err := s.Run("while (true) {}", nil)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("interrupt took %v, should abort near the budget", elapsed)
	}
}

func TestRun_InvocationsAreIndependent(t *testing.T) {
	s := New(newFakeHost(), Options{})

	if _, err := s.Run("globalThis.leaked = 'x'; return 1;", nil); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	got, err := s.Run("return typeof globalThis.leaked;", nil)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if got != "undefined" {
		t.Errorf("leaked global visible across runs: %v", got)
	}
}

func TestRun_ScriptError(t *testing.T) {
	s := New(newFakeHost(), Options{})

	_, err := s.Run("throw new Error('boom');", nil)
	if err == nil {
		t.Fatal("Run() should return error for thrown exception")
	}
}

func TestRunAsync_ResolvedPromise(t *testing.T) {
	s := New(newFakeHost(), Options{})

	got, err := s.RunAsync("return Promise.resolve('done');", nil)
	if err != nil {
		t.Fatalf("RunAsync() error = %v", err)
	}
	if got != "done" {
		t.Errorf("RunAsync() = %v, want 'done'", got)
	}
}

func TestRunAsync_RejectedPromise(t *testing.T) {
	s := New(newFakeHost(), Options{})

	_, err := s.RunAsync("return Promise.reject('nope');", nil)
	if err == nil {
		t.Fatal("RunAsync() should fail for rejected promise")
	}
}

func TestRunAsync_PlainValue(t *testing.T) {
	s := New(newFakeHost(), Options{})

	got, err := s.RunAsync("return 5;", nil)
	if err != nil {
		t.Fatalf("RunAsync() error = %v", err)
	}
	if got != int64(5) {
		t.Errorf("RunAsync() = %v, want 5", got)
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want bool
	}{
		{"nil", nil, false},
		{"false", false, false},
		{"zero int", int64(0), false},
		{"NaN", stdNaN(), false},
		{"empty string", "", false},
		{"nonzero", int64(3), true},
		{"string", "0", true},
		{"empty array", []any{}, true},
		{"empty object", map[string]any{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Truthy(tc.in); got != tc.want {
				t.Errorf("Truthy(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func stdNaN() float64 {
	var zero float64
	return zero / zero
}
