// Package server exposes stored routes over HTTP: inbound requests are
// resolved through the route matcher and executed by the graph engine,
// while a small admin API manages routes, connections, and reloads.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lowkit/lowkit"
	"github.com/lowkit/lowkit/ai"
	"github.com/lowkit/lowkit/appconfig"
	"github.com/lowkit/lowkit/db"
	"github.com/lowkit/lowkit/logship"
	"github.com/lowkit/lowkit/router"
)

// Integration groups.
const (
	GroupDatabase      = "database"
	GroupAI            = "ai"
	GroupObservability = "observability"
)

// IntegrationConfig is one configured external-service integration.
// Setting values may carry cfg:<key> indirections.
type IntegrationConfig struct {
	Name     string            `json:"name,omitempty"`
	Group    string            `json:"group"`
	Variant  string            `json:"variant"`
	Settings map[string]string `json:"settings"`
}

// Config configures a Server instance.
type Config struct {
	Store        RouteStore
	Integrations map[string]IntegrationConfig
	AppConfig    map[string]string
	Shipper      logship.Shipper
	Events       lowkit.EventHandler
	CORSOrigin   string
	MaxBody      int64
	ScriptBudget time.Duration
	Logger       *slog.Logger
}

// Server executes stored routes and serves the admin API.
type Server struct {
	store        RouteStore
	matcher      *router.Matcher
	db           *db.Registry
	ai           *ai.Registry
	integrations map[string]IntegrationConfig
	appConfig    map[string]string
	shipper      logship.Shipper
	events       lowkit.EventHandler
	corsOrigin   string
	maxBody      int64
	scriptBudget time.Duration
	logger       *slog.Logger

	mu     sync.RWMutex
	graphs map[string]*lowkit.Graph
}

// NewServer creates a Server with the given configuration.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}

	s := &Server{
		store:        cfg.Store,
		matcher:      router.NewMatcher(),
		integrations: cfg.Integrations,
		appConfig:    cfg.AppConfig,
		shipper:      cfg.Shipper,
		events:       cfg.Events,
		corsOrigin:   corsOrigin,
		maxBody:      maxBody,
		scriptBudget: cfg.ScriptBudget,
		logger:       logger,
		graphs:       make(map[string]*lowkit.Graph),
	}

	appLookup := appconfig.MapLookup(cfg.AppConfig)
	s.db = db.NewRegistry(func(id string) (db.Integration, bool) {
		ic, ok := s.integrations[id]
		if !ok || ic.Group != GroupDatabase {
			return db.Integration{}, false
		}
		return db.Integration{ID: id, Name: ic.Name, Variant: ic.Variant, Settings: ic.Settings}, true
	}, appLookup)
	s.ai = ai.NewRegistry(func(id string) (map[string]string, bool) {
		ic, ok := s.integrations[id]
		if !ok || ic.Group != GroupAI {
			return nil, false
		}
		return ic.Settings, true
	}, appLookup)

	return s
}

// Reload rebuilds the matcher from the store and drops compiled graphs.
// Called at startup and after any route edit.
func (s *Server) Reload(ctx context.Context) error {
	records, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("loading routes: %w", err)
	}
	routes := make([]router.Route, 0, len(records))
	for _, rec := range records {
		routes = append(routes, router.Route{
			ID:          rec.ID,
			ProjectID:   rec.ProjectID,
			ProjectName: rec.ProjectName,
			Path:        rec.Path,
			Method:      rec.Method,
			Active:      rec.Active,
		})
	}
	s.matcher.Rebuild(routes)

	s.mu.Lock()
	s.graphs = make(map[string]*lowkit.Graph)
	s.mu.Unlock()
	return nil
}

// ResetConnections tears down every cached adapter so the next use
// rebuilds from current integration and app-config values.
func (s *Server) ResetConnections() {
	s.db.ResetAll()
	s.ai.ResetAll()
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/routes", s.handleListRoutes)
	mux.HandleFunc("POST /api/routes", s.handleCreateRoute)
	mux.HandleFunc("PUT /api/routes/{id}", s.handleUpdateRoute)
	mux.HandleFunc("DELETE /api/routes/{id}", s.handleDeleteRoute)
	mux.HandleFunc("POST /api/reload", s.handleReload)
	mux.HandleFunc("POST /api/connections/reset", s.handleResetConnections)
	mux.HandleFunc("POST /api/integrations/{id}/test", s.handleTestIntegration)
	mux.HandleFunc("/", s.handleDynamic)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	return handler
}

// --- Dynamic route execution ---

func (s *Server) handleDynamic(w http.ResponseWriter, r *http.Request) {
	match := s.matcher.Match(r.URL.Path, r.Method)
	if match == nil {
		writeError(w, http.StatusNotFound, "not_found", "no route matches this path")
		return
	}

	graph, err := s.graphFor(r.Context(), match.RouteID)
	if err != nil {
		s.logger.Error("route graph unavailable", "route", match.RouteID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "request failed")
		return
	}

	req, err := s.buildRequest(r, match.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed request body")
		return
	}

	engine := lowkit.NewEngine(graph, lowkit.Deps{
		DB:           s.db,
		Logger:       s.logger.With("route", match.RouteID),
		AppConfig:    appconfig.MapLookup(s.appConfig),
		ScriptBudget: s.scriptBudget,
		Shipper:      s.shipper,
		Events:       s.events,
	})

	resp, err := engine.Run(r.Context(), req)
	if err != nil {
		// Internals never reach the response body.
		s.logger.Error("route execution failed", "route", match.RouteID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "request failed")
		return
	}
	s.writeDraft(w, resp)
}

// graphFor returns the compiled graph for a route, building and caching
// it on first use.
func (s *Server) graphFor(ctx context.Context, routeID string) (*lowkit.Graph, error) {
	s.mu.RLock()
	g, ok := s.graphs[routeID]
	s.mu.RUnlock()
	if ok {
		return g, nil
	}

	rec, found, err := s.store.Get(ctx, routeID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrRouteNotFound
	}
	g, err = lowkit.BuildGraph(rec.Blocks, rec.Edges)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.graphs[routeID] = g
	s.mu.Unlock()
	return g, nil
}

// buildRequest snapshots the inbound request, parsing the body per its
// declared content type.
func (s *Server) buildRequest(r *http.Request, params map[string]string) (*lowkit.RequestData, error) {
	query := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	cookies := make(map[string]string)
	for _, c := range r.Cookies() {
		cookies[c.Name] = c.Value
	}

	req := &lowkit.RequestData{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header,
		Cookies: cookies,
		Query:   query,
		Params:  params,
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	req.RawBody = raw
	if len(raw) == 0 {
		return req, nil
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "json"):
		var body any
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
		req.Body = body
	case ct == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, err
		}
		form := make(map[string]any, len(values))
		for k, vs := range values {
			if len(vs) > 0 {
				form[k] = vs[0]
			}
		}
		req.Body = form
	default:
		req.Body = string(raw)
	}
	return req, nil
}

// writeDraft renders the finalized response draft onto the wire.
func (s *Server) writeDraft(w http.ResponseWriter, draft *lowkit.ResponseDraft) {
	for k, vs := range draft.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	for _, c := range draft.Cookies {
		http.SetCookie(w, c)
	}

	switch body := draft.Body.(type) {
	case nil:
		w.WriteHeader(draft.Status)
	case string:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
		w.WriteHeader(draft.Status)
		_, _ = io.WriteString(w, body)
	default:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(draft.Status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

// --- Admin API ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", "listing routes failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": records})
}

func (s *Server) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var rec RouteRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid route payload")
		return
	}
	if rec.ID == "" || rec.Path == "" || rec.Method == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "route requires id, path, and method")
		return
	}
	rec.Method = strings.ToUpper(rec.Method)
	// Reject graphs that cannot compile rather than storing a route that
	// can only 500.
	if _, err := lowkit.BuildGraph(rec.Blocks, rec.Edges); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_graph", err.Error())
		return
	}
	if err := s.store.Create(r.Context(), rec); err != nil {
		if err == ErrRouteExists {
			writeError(w, http.StatusConflict, "exists", "route already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "store_error", "creating route failed")
		return
	}
	if err := s.Reload(r.Context()); err != nil {
		s.logger.Error("reload after create failed", "error", err)
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	var rec RouteRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid route payload")
		return
	}
	rec.ID = r.PathValue("id")
	rec.Method = strings.ToUpper(rec.Method)
	if _, err := lowkit.BuildGraph(rec.Blocks, rec.Edges); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_graph", err.Error())
		return
	}
	if err := s.store.Update(r.Context(), rec); err != nil {
		if err == ErrRouteNotFound {
			writeError(w, http.StatusNotFound, "not_found", "route not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "store_error", "updating route failed")
		return
	}
	if err := s.Reload(r.Context()); err != nil {
		s.logger.Error("reload after update failed", "error", err)
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		if err == ErrRouteNotFound {
			writeError(w, http.StatusNotFound, "not_found", "route not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "store_error", "deleting route failed")
		return
	}
	if err := s.Reload(r.Context()); err != nil {
		s.logger.Error("reload after delete failed", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.Reload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "reload_failed", "reload failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleResetConnections(w http.ResponseWriter, r *http.Request) {
	s.ResetConnections()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleTestIntegration performs one minimal live round-trip against the
// named integration.
func (s *Server) handleTestIntegration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ic, ok := s.integrations[id]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "integration not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	writeJSON(w, http.StatusOK, map[string]any{"ok": s.testIntegration(ctx, id, ic)})
}

func (s *Server) testIntegration(ctx context.Context, id string, ic IntegrationConfig) bool {
	lookup := appconfig.MapLookup(s.appConfig)
	switch ic.Group {
	case GroupDatabase:
		adapter, err := s.db.Get(id)
		if err != nil {
			return false
		}
		return adapter.Ping(ctx) == nil

	case GroupAI:
		return ai.TestConnection(ctx, ic.Settings, lookup)

	case GroupObservability:
		switch ic.Variant {
		case "loki":
			shipper, err := logship.NewLoki(logship.LokiConfig{
				URL: ic.Settings["url"],
				Auth: logship.Auth{
					BasicToken: ic.Settings["basic_token"],
					Username:   ic.Settings["username"],
					Password:   ic.Settings["password"],
				},
			}, lookup, logship.Options{})
			if err != nil {
				return false
			}
			defer shipper.Close()
			return shipper.TestConnection(ctx)
		case "openobserve":
			shipper, err := logship.NewOpenObserve(logship.OpenObserveConfig{
				URL:    ic.Settings["url"],
				Org:    ic.Settings["org"],
				Stream: ic.Settings["stream"],
				Auth: logship.Auth{
					BasicToken: ic.Settings["basic_token"],
					Username:   ic.Settings["username"],
					Password:   ic.Settings["password"],
				},
			}, lookup, logship.Options{})
			if err != nil {
				return false
			}
			defer shipper.Close()
			return shipper.TestConnection(ctx)
		}
	}
	return false
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: apiErrorBody{Code: code, Message: message}})
}
