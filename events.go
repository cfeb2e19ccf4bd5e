package lowkit

import (
	"time"
)

// EventKind identifies the type of event emitted by the engine.
type EventKind string

const (
	// EventRunStarted is emitted when a request run begins.
	EventRunStarted EventKind = "run_started"

	// EventBlockStarted is emitted when a block begins execution.
	EventBlockStarted EventKind = "block_started"

	// EventBlockFinished is emitted when a block completes successfully.
	EventBlockFinished EventKind = "block_finished"

	// EventBlockFailed is emitted when a block errors.
	EventBlockFailed EventKind = "block_failed"

	// EventBranch is emitted when a branching block selects a non-default
	// outgoing handle.
	EventBranch EventKind = "branch"

	// EventRunFinished is emitted when the run reaches a terminal state.
	EventRunFinished EventKind = "run_finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured record of what happened during a run. Events are
// kept small; block outputs never ride in the payload.
type Event struct {
	Kind EventKind

	// RunID uniquely identifies this request run.
	RunID string

	// BlockID is the block that produced the event (empty for run-level
	// events).
	BlockID string

	// BlockKind is the kind of that block (empty for run-level events).
	BlockKind BlockKind

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration since the run started.
	Elapsed time.Duration

	// Payload carries event-specific data.
	Payload map[string]any
}

// NewEvent creates an event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithBlock sets the block information on the event.
func (e Event) WithBlock(blockID string, kind BlockKind) Event {
	e.BlockID = blockID
	e.BlockKind = kind
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler observes engine events. Implementations can log, store, or
// forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}
