package lowkit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxSteps bounds the number of block executions per run so a
// miswired graph cannot spin a request forever.
const DefaultMaxSteps = 10000

// Engine walks one route's compiled graph for one request at a time.
// Traversal is strictly sequential; blocks have ordering-sensitive side
// effects, so independent branches are never parallelized.
type Engine struct {
	graph *Graph
	deps  Deps

	// MaxSteps overrides DefaultMaxSteps when positive.
	MaxSteps int
}

// NewEngine creates an engine over a compiled graph.
func NewEngine(graph *Graph, deps Deps) *Engine {
	return &Engine{graph: graph, deps: deps}
}

// frame is one entry of the engine's activation stack: either a live loop
// iteration or an open manual transaction, owned by blockID.
type frame struct {
	blockID       string
	loop          *LoopState
	txIntegration string
}

// Run executes the graph against one request and returns the finalized
// response draft. A failure never leaks internals: the caller maps a
// non-nil error to a generic 5xx.
func (e *Engine) Run(ctx context.Context, req *RequestData) (*ResponseDraft, error) {
	ec := NewExecContext(req, e.deps)
	runID := uuid.NewString()
	start := time.Now()

	e.emit(NewEvent(EventRunStarted, runID).
		WithPayload("method", req.Method).
		WithPayload("path", req.Path))

	resp, err := e.run(ctx, ec, runID, start)
	if err != nil {
		ec.RollbackOpenTransactions(context.WithoutCancel(ctx))
		e.emit(NewEvent(EventRunFinished, runID).
			WithElapsed(time.Since(start)).
			WithPayload("outcome", "failed"))
		return nil, err
	}
	e.emit(NewEvent(EventRunFinished, runID).
		WithElapsed(time.Since(start)).
		WithPayload("outcome", "completed").
		WithPayload("status", resp.Status))
	return resp, nil
}

func (e *Engine) run(ctx context.Context, ec *ExecContext, runID string, start time.Time) (*ResponseDraft, error) {
	maxSteps := e.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	var frames []frame
	cur := e.graph.Entry()
	var input any
	inHandler := false

	for steps := 0; ; steps++ {
		// Cancellation checkpoint between blocks. A block already in
		// flight is not interrupted.
		if ctx.Err() != nil {
			return nil, ErrExecutionCanceled
		}
		if steps >= maxSteps {
			return nil, ErrMaxStepsExceeded
		}

		blk, ok := e.graph.Block(cur)
		if !ok {
			return nil, ErrBlockNotFound
		}
		e.emit(NewEvent(EventBlockStarted, runID).
			WithBlock(cur, blk.Kind()).
			WithElapsed(time.Since(start)))

		next, nextInput, handle, err := e.step(ctx, ec, &frames, blk, input)
		if err != nil {
			if _, exhausted := err.(exhaustedError); exhausted {
				// Fell off the graph without a response block. An engine
				// wiring defect, not a block failure; no handler redirect.
				return nil, ErrNoResponse
			}
			be := asBlockError(err, cur)
			e.emit(NewEvent(EventBlockFailed, runID).
				WithBlock(cur, blk.Kind()).
				WithElapsed(time.Since(start)).
				WithPayload("kind", string(be.Kind)))

			// Any failure abandons open loops and rolls back open
			// transactions before control moves on.
			frames = nil
			ec.RollbackOpenTransactions(context.WithoutCancel(ctx))

			if h := e.graph.ErrorHandler(); h != "" && !inHandler {
				inHandler = true
				cur = h
				input = map[string]any{
					"message": be.Message,
					"kind":    string(be.Kind),
					"blockId": be.BlockID,
				}
				continue
			}
			return nil, be
		}

		e.emit(NewEvent(EventBlockFinished, runID).
			WithBlock(cur, blk.Kind()).
			WithElapsed(time.Since(start)))
		if handle == HandleTrue || handle == HandleFalse {
			e.emit(NewEvent(EventBranch, runID).
				WithBlock(cur, blk.Kind()).
				WithElapsed(time.Since(start)).
				WithPayload("handle", handle))
		}

		if next == "" {
			// Terminal state reached inside step.
			if err := ec.CommitOpenTransactions(ctx); err != nil {
				return nil, asBlockError(err, cur)
			}
			return ec.Response, nil
		}
		cur, input = next, nextInput
	}
}

// exhaustedError signals that traversal fell off the graph with no response.
type exhaustedError struct{}

func (exhaustedError) Error() string { return ErrNoResponse.Error() }
func (exhaustedError) Unwrap() error { return ErrNoResponse }

// step executes one block and resolves the next block to visit. An empty
// next with a nil error means the run completed. The returned handle is
// the one the block selected, for event emission.
func (e *Engine) step(ctx context.Context, ec *ExecContext, frames *[]frame, blk Block, input any) (string, any, string, error) {
	if looper, isLoop := blk.(Looper); isLoop {
		state, err := looper.Begin(ctx, ec, input)
		if err != nil {
			return "", nil, "", err
		}
		if v, i, more := state.Next(); more {
			if body, wired := e.graph.Successor(blk.ID(), HandleBody); wired {
				*frames = append(*frames, frame{blockID: blk.ID(), loop: state})
				return body, loopInput(v, i), HandleBody, nil
			}
		}
		// Exhausted up front, or no body wired: skip straight to done.
		next, out, err := e.advance(ctx, ec, frames, blk.ID(), HandleDone, input)
		return next, out, HandleDone, err
	}

	res, err := blk.Exec(ctx, ec, input)
	if err != nil {
		return "", nil, "", err
	}
	if res.Terminal {
		return "", nil, "", nil
	}
	if blk.Kind() == KindDBTransaction && res.Handle == HandleBody {
		tx, _ := blk.(*DBTransactionBlock)
		*frames = append(*frames, frame{blockID: blk.ID(), txIntegration: tx.IntegrationID()})
	}
	next, out, err := e.advance(ctx, ec, frames, blk.ID(), res.Handle, res.Output)
	return next, out, res.Handle, err
}

// advance follows the outgoing handle from blockID. When the path dangles,
// it unwinds the frame stack: a live loop re-enters its body with the next
// iteration, an exhausted loop continues past its done handle, and an open
// transaction commits before control continues past its owner block.
func (e *Engine) advance(ctx context.Context, ec *ExecContext, frames *[]frame, blockID, handle string, output any) (string, any, error) {
	if next, ok := e.graph.Successor(blockID, handle); ok {
		return next, output, nil
	}

	for len(*frames) > 0 {
		f := (*frames)[len(*frames)-1]

		if f.loop != nil {
			if v, i, more := f.loop.Next(); more {
				body, _ := e.graph.Successor(f.blockID, HandleBody)
				return body, loopInput(v, i), nil
			}
			*frames = (*frames)[:len(*frames)-1]
			if next, ok := e.graph.Successor(f.blockID, HandleDone); ok {
				return next, output, nil
			}
			continue
		}

		// Transaction frame: the body subgraph finished cleanly.
		*frames = (*frames)[:len(*frames)-1]
		session := ec.txs[f.txIntegration]
		ec.endTx(f.txIntegration)
		if session != nil {
			if err := session.CommitTransaction(ctx); err != nil {
				return "", nil, &BlockError{
					Kind:    KindTransaction,
					BlockID: f.blockID,
					Message: "commit failed",
					Cause:   err,
				}
			}
		}
		if next, ok := e.graph.Successor(f.blockID, HandleOut); ok {
			return next, output, nil
		}
	}

	return "", nil, exhaustedError{}
}

// loopInput is the value handed to a loop body for one iteration.
func loopInput(v any, index int) map[string]any {
	return map[string]any{"value": v, "index": index}
}

func (e *Engine) emit(ev Event) {
	if e.deps.Events != nil {
		e.deps.Events(ev)
	}
}
