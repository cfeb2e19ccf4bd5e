package lowkit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lowkit/lowkit/db"
	"github.com/lowkit/lowkit/logship"
	"github.com/lowkit/lowkit/sandbox"
)

// RequestData is the engine's immutable snapshot of the inbound request.
// The HTTP layer parses the body per declared content type before the
// engine runs, so block handlers never touch the raw connection.
type RequestData struct {
	Method  string
	Path    string
	Headers http.Header
	Cookies map[string]string
	Query   map[string]string
	Params  map[string]string
	Body    any
	RawBody []byte
}

// ResponseDraft is the response under construction, mutated incrementally
// by blocks and finalized by the response block.
type ResponseDraft struct {
	Status  int
	Headers http.Header
	Cookies []*http.Cookie
	Body    any
}

// Deps carries the process-wide collaborators a run needs. All fields are
// shared across requests and must be safe for concurrent use.
type Deps struct {
	// DB hands out cached pooled adapters per integration ID.
	DB *db.Registry

	// Logger receives engine lifecycle and console-log block output.
	Logger *slog.Logger

	// AppConfig resolves app-level configuration keys for scripts.
	AppConfig func(key string) (string, bool)

	// HTTPClient performs outbound http-request block calls.
	HTTPClient *http.Client

	// ScriptBudget is the sandbox wall-clock budget. Zero selects the
	// sandbox default.
	ScriptBudget time.Duration

	// Shipper, when set, receives console-log block lines for delivery
	// to a configured log backend. Best-effort.
	Shipper logship.Shipper

	// Events, when set, observes run and block lifecycle events.
	Events EventHandler
}

// ExecContext is the per-request mutable state threaded through every
// block handler: request snapshot, response draft, the request-scoped
// variable bag, the sandbox bound to this request, and any open manual
// transaction sessions keyed by integration ID. Never shared across
// requests.
type ExecContext struct {
	Request  *RequestData
	Response *ResponseDraft
	Vars     map[string]any

	deps    Deps
	sandbox *sandbox.Sandbox
	txs     map[string]db.Adapter
}

// NewExecContext creates the execution context for one request.
func NewExecContext(req *RequestData, deps Deps) *ExecContext {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if req.Headers == nil {
		req.Headers = make(http.Header)
	}
	ec := &ExecContext{
		Request: req,
		Response: &ResponseDraft{
			Status:  http.StatusOK,
			Headers: make(http.Header),
		},
		Vars: make(map[string]any),
		deps: deps,
		txs:  make(map[string]db.Adapter),
	}
	ec.sandbox = sandbox.New(ec, sandbox.Options{Budget: deps.ScriptBudget})
	return ec
}

// Sandbox returns the script sandbox bound to this request.
func (ec *ExecContext) Sandbox() *sandbox.Sandbox {
	return ec.sandbox
}

// Logger returns the run logger.
func (ec *ExecContext) Logger() *slog.Logger {
	return ec.deps.Logger
}

// Adapter returns the database adapter to use for the given integration:
// the open manual-transaction session when one exists for this request,
// otherwise the shared pooled adapter from the registry.
func (ec *ExecContext) Adapter(integrationID string) (db.Adapter, error) {
	if tx, ok := ec.txs[integrationID]; ok {
		return tx, nil
	}
	if ec.deps.DB == nil {
		return nil, NewNotFoundError("no database integrations configured")
	}
	a, err := ec.deps.DB.Get(integrationID)
	if err != nil {
		return nil, NewNotFoundError("integration %s: %v", integrationID, err)
	}
	return a, nil
}

// beginTx opens a manual-transaction session for the integration and pins
// it to this request so nested DB blocks run on the reserved connection.
func (ec *ExecContext) beginTx(ctx context.Context, integrationID string) (db.Adapter, error) {
	if _, open := ec.txs[integrationID]; open {
		return nil, NewTransactionError(fmt.Sprintf("transaction already open for integration %s", integrationID), nil)
	}
	if ec.deps.DB == nil {
		return nil, NewNotFoundError("no database integrations configured")
	}
	session, err := ec.deps.DB.Session(integrationID)
	if err != nil {
		return nil, NewNotFoundError("integration %s: %v", integrationID, err)
	}
	session.SetMode(db.ModeTransaction)
	if err := session.StartTransaction(ctx); err != nil {
		return nil, NewTransactionError("starting transaction", err)
	}
	ec.txs[integrationID] = session
	return session, nil
}

// endTx removes the pinned session for the integration.
func (ec *ExecContext) endTx(integrationID string) {
	delete(ec.txs, integrationID)
}

// CommitOpenTransactions commits every still-open manual transaction.
// Called when a run completes with transactions the graph never closed
// explicitly. On a commit failure the remaining transactions roll back.
func (ec *ExecContext) CommitOpenTransactions(ctx context.Context) error {
	for id, session := range ec.txs {
		delete(ec.txs, id)
		if err := session.CommitTransaction(ctx); err != nil {
			ec.RollbackOpenTransactions(ctx)
			return NewTransactionError("commit failed", err)
		}
	}
	return nil
}

// RollbackOpenTransactions rolls back every still-open manual transaction.
// The engine calls this on any failure or cancellation exit path so a
// reserved connection is never leaked back into the pool mid-transaction.
func (ec *ExecContext) RollbackOpenTransactions(ctx context.Context) {
	for id, session := range ec.txs {
		if err := session.RollbackTransaction(ctx); err != nil {
			ec.deps.Logger.Error("rollback on cleanup failed",
				"integration", id, "error", err)
		}
		delete(ec.txs, id)
	}
}

// Host surface exposed to sandboxed scripts. Side effects below apply
// directly to the shared response draft and variable bag.

// RequestSnapshot returns the request as a plain map for script access.
func (ec *ExecContext) RequestSnapshot() map[string]any {
	headers := make(map[string]any, len(ec.Request.Headers))
	for k := range ec.Request.Headers {
		headers[k] = ec.Request.Headers.Get(k)
	}
	query := make(map[string]any, len(ec.Request.Query))
	for k, v := range ec.Request.Query {
		query[k] = v
	}
	params := make(map[string]any, len(ec.Request.Params))
	for k, v := range ec.Request.Params {
		params[k] = v
	}
	cookies := make(map[string]any, len(ec.Request.Cookies))
	for k, v := range ec.Request.Cookies {
		cookies[k] = v
	}
	return map[string]any{
		"method":  ec.Request.Method,
		"path":    ec.Request.Path,
		"headers": headers,
		"query":   query,
		"params":  params,
		"cookies": cookies,
		"body":    ec.Request.Body,
	}
}

// GetHeader returns an inbound request header value.
func (ec *ExecContext) GetHeader(name string) string {
	return ec.Request.Headers.Get(name)
}

// SetHeader sets a response header.
func (ec *ExecContext) SetHeader(name, value string) {
	ec.Response.Headers.Set(name, value)
}

// GetCookie returns an inbound request cookie value.
func (ec *ExecContext) GetCookie(name string) string {
	return ec.Request.Cookies[name]
}

// SetCookie adds a response cookie.
func (ec *ExecContext) SetCookie(name, value string) {
	ec.Response.Cookies = append(ec.Response.Cookies, &http.Cookie{
		Name:  name,
		Value: value,
		Path:  "/",
	})
}

// SetStatus sets the response status code.
func (ec *ExecContext) SetStatus(code int) {
	ec.Response.Status = code
}

// GetVar reads a request-scoped variable.
func (ec *ExecContext) GetVar(name string) (any, bool) {
	v, ok := ec.Vars[name]
	return v, ok
}

// SetVar writes a request-scoped variable.
func (ec *ExecContext) SetVar(name string, value any) {
	ec.Vars[name] = value
}

// ConfigValue resolves an app-config key.
func (ec *ExecContext) ConfigValue(key string) (string, bool) {
	if ec.deps.AppConfig == nil {
		return "", false
	}
	return ec.deps.AppConfig(key)
}

// Log emits a script logger line through the run logger and, when a
// shipper is configured, to the log backend.
func (ec *ExecContext) Log(level string, args ...any) {
	msg := fmt.Sprint(args...)
	switch level {
	case "error":
		ec.deps.Logger.Error(msg)
	case "warn":
		ec.deps.Logger.Warn(msg)
	default:
		ec.deps.Logger.Info(msg)
	}
	if ec.deps.Shipper != nil {
		ec.deps.Shipper.Push(logship.Line{
			Time:    time.Now(),
			Level:   level,
			Message: msg,
		})
	}
}
