// Package sandbox executes user-authored JavaScript snippets in an
// isolated interpreter with a hard wall-clock budget. Scripts run as the
// body of an anonymous function bound to a context object exposing the
// current request, response mutators, app-config lookup, a logger, and an
// input binding carrying the previous block's output.
package sandbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// ErrTimeout is returned when a script exceeds its execution budget.
var ErrTimeout = errors.New("script execution timed out")

// DefaultBudget is the wall-clock limit applied when Options.Budget is zero.
const DefaultBudget = 4 * time.Second

// Host is the surface a script may touch. Side effects (header/cookie
// mutation, variable writes, logging) apply directly to the shared
// execution context; the sandbox is not pure.
type Host interface {
	RequestSnapshot() map[string]any
	GetHeader(name string) string
	SetHeader(name, value string)
	GetCookie(name string) string
	SetCookie(name, value string)
	SetStatus(code int)
	GetVar(name string) (any, bool)
	SetVar(name string, value any)
	ConfigValue(key string) (string, bool)
	Log(level string, args ...any)
}

// Options configures a Sandbox.
type Options struct {
	// Budget is the wall-clock limit per script invocation.
	Budget time.Duration
}

// Sandbox runs scripts against a host. Each invocation gets a fresh
// interpreter, so consecutive runs are independent except through the
// shared host.
type Sandbox struct {
	host   Host
	budget time.Duration
}

// New creates a sandbox bound to the given host.
func New(host Host, opts Options) *Sandbox {
	budget := opts.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Sandbox{host: host, budget: budget}
}

// Budget returns the configured per-invocation budget.
func (s *Sandbox) Budget() time.Duration {
	return s.budget
}

// Run executes code synchronously and returns the script's return value,
// exported to plain Go values. A busy-looping script is forcibly
// interrupted once the budget elapses and fails with ErrTimeout.
func (s *Sandbox) Run(code string, input any) (any, error) {
	return s.eval(code, input)
}

// RunAsync executes code and, when the script returns a pending promise,
// races its settlement against a second budget of the same length. A
// script whose promise settles after the deadline is treated as failed
// even if the synchronous phase completed in time.
func (s *Sandbox) RunAsync(code string, input any) (any, error) {
	v, err := s.eval(code, input)
	if err != nil {
		return nil, err
	}
	p, ok := v.(*goja.Promise)
	if !ok {
		return v, nil
	}
	deadline := time.Now().Add(s.budget)
	for p.State() == goja.PromiseStatePending {
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
	if p.State() == goja.PromiseStateRejected {
		return nil, fmt.Errorf("script promise rejected: %v", p.Result().Export())
	}
	return p.Result().Export(), nil
}

// eval runs code on a fresh interpreter and returns the exported result.
func (s *Sandbox) eval(code string, input any) (any, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := vm.Set("__ctx", s.contextObject()); err != nil {
		return nil, err
	}
	if err := vm.Set("__logger", s.loggerObject()); err != nil {
		return nil, err
	}
	if err := vm.Set("__input", input); err != nil {
		return nil, err
	}

	timer := time.AfterFunc(s.budget, func() {
		vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()
	defer vm.ClearInterrupt()

	wrapped := fmt.Sprintf(
		"(function (ctx, logger, input) {\n%s\n}).call(__ctx, __ctx, __logger, __input);",
		code)

	value, err := vm.RunString(wrapped)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ErrTimeout
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return nil, fmt.Errorf("script error: %s", exc.Error())
		}
		return nil, fmt.Errorf("script error: %w", err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

// contextObject builds the ctx binding handed to scripts.
func (s *Sandbox) contextObject() map[string]any {
	return map[string]any{
		"request": s.host.RequestSnapshot(),
		"getHeader": func(name string) string {
			return s.host.GetHeader(name)
		},
		"setHeader": func(name, value string) {
			s.host.SetHeader(name, value)
		},
		"getCookie": func(name string) string {
			return s.host.GetCookie(name)
		},
		"setCookie": func(name, value string) {
			s.host.SetCookie(name, value)
		},
		"setStatus": func(code int) {
			s.host.SetStatus(code)
		},
		"getVar": func(name string) any {
			v, ok := s.host.GetVar(name)
			if !ok {
				return nil
			}
			return v
		},
		"setVar": func(name string, value any) {
			s.host.SetVar(name, value)
		},
		"config": func(key string) any {
			v, ok := s.host.ConfigValue(key)
			if !ok {
				return nil
			}
			return v
		},
	}
}

// loggerObject builds the logger binding handed to scripts.
func (s *Sandbox) loggerObject() map[string]any {
	return map[string]any{
		"info": func(args ...any) {
			s.host.Log("info", args...)
		},
		"warn": func(args ...any) {
			s.host.Log("warn", args...)
		},
		"error": func(args ...any) {
			s.host.Log("error", args...)
		},
	}
}
