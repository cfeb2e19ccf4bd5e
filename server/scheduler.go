package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lowkit/lowkit"
	"github.com/lowkit/lowkit/appconfig"
)

const defaultTriggerPollInterval = 5 * time.Second

// Trigger fires a stored route on a cron schedule, with no inbound
// request behind it.
type Trigger struct {
	RouteID string `json:"route_id" yaml:"route_id"`
	Cron    string `json:"cron" yaml:"cron"`
}

// SchedulerConfig configures the background trigger runner.
type SchedulerConfig struct {
	Server       *Server
	Triggers     []Trigger
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Scheduler periodically fires due route triggers. Overlapping firings
// of the same trigger are skipped, not queued.
type Scheduler struct {
	server       *Server
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.Mutex
	entries []*triggerEntry
	active  map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

type triggerEntry struct {
	trigger   Trigger
	nextRunAt time.Time
}

// NewScheduler validates every trigger's cron expression and computes
// initial firing times.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Server == nil {
		return nil, errors.New("scheduler server is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultTriggerPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	now := cfg.Now().UTC()
	entries := make([]*triggerEntry, 0, len(cfg.Triggers))
	for _, trig := range cfg.Triggers {
		next, err := nextCronRunUTC(trig.Cron, now)
		if err != nil {
			return nil, fmt.Errorf("trigger for route %s: %w", trig.RouteID, err)
		}
		entries = append(entries, &triggerEntry{trigger: trig, nextRunAt: next})
	}

	return &Scheduler{
		server:       cfg.Server,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		logger:       cfg.Logger,
		entries:      entries,
		active:       map[string]struct{}{},
	}, nil
}

// Start starts background polling.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.RunOnce(loopCtx)
			}
		}
	}()
}

// Stop stops background polling and waits for the loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single scheduler pass, firing every due trigger.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*triggerEntry
	for _, entry := range s.entries {
		if entry.nextRunAt.After(now) {
			continue
		}
		next, err := nextCronRunUTC(entry.trigger.Cron, now)
		if err != nil {
			// Validated at construction; a failure here means the
			// expression itself is beyond repair.
			s.logger.Error("trigger cron unparseable", "route", entry.trigger.RouteID, "error", err)
			continue
		}
		entry.nextRunAt = next
		due = append(due, entry)
	}
	s.mu.Unlock()

	for _, entry := range due {
		if s.isActive(entry.trigger.RouteID) {
			s.logger.Warn("trigger skipped, prior firing still running", "route", entry.trigger.RouteID)
			continue
		}
		s.markActive(entry.trigger.RouteID)
		go s.fire(ctx, entry.trigger)
	}
}

func (s *Scheduler) fire(ctx context.Context, trig Trigger) {
	defer s.unmarkActive(trig.RouteID)

	start := s.now()
	resp, err := s.server.RunRoute(ctx, trig.RouteID)
	if err != nil {
		s.logger.Error("trigger run failed", "route", trig.RouteID, "error", err)
		return
	}
	s.logger.Info("trigger run completed",
		"route", trig.RouteID, "status", resp.Status, "elapsed", s.now().Sub(start))
}

func (s *Scheduler) isActive(routeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[routeID]
	return ok
}

func (s *Scheduler) markActive(routeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[routeID] = struct{}{}
}

func (s *Scheduler) unmarkActive(routeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, routeID)
}

// RunRoute executes a stored route with a synthetic request carrying the
// route's own method and path but no body, query, or params. Used by
// cron triggers.
func (s *Server) RunRoute(ctx context.Context, routeID string) (*lowkit.ResponseDraft, error) {
	rec, found, err := s.store.Get(ctx, routeID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrRouteNotFound
	}

	graph, err := s.graphFor(ctx, routeID)
	if err != nil {
		return nil, err
	}

	engine := lowkit.NewEngine(graph, lowkit.Deps{
		DB:           s.db,
		Logger:       s.logger.With("route", routeID, "trigger", true),
		AppConfig:    appconfig.MapLookup(s.appConfig),
		ScriptBudget: s.scriptBudget,
		Shipper:      s.shipper,
		Events:       s.events,
	})
	return engine.Run(ctx, &lowkit.RequestData{
		Method:  rec.Method,
		Path:    rec.Path,
		Headers: http.Header{},
		Cookies: map[string]string{},
		Query:   map[string]string{},
		Params:  map[string]string{},
	})
}
