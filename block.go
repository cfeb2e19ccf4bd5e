package lowkit

import (
	"context"
)

// BlockKind identifies the type of a block in a route graph.
type BlockKind string

const (
	KindEntrypoint     BlockKind = "entrypoint"
	KindErrorHandler   BlockKind = "error_handler"
	KindHTTPRequest    BlockKind = "http_request"
	KindIf             BlockKind = "if"
	KindGetHeader      BlockKind = "http_get_header"
	KindSetHeader      BlockKind = "http_set_header"
	KindGetCookie      BlockKind = "http_get_cookie"
	KindSetCookie      BlockKind = "http_set_cookie"
	KindGetParam       BlockKind = "http_get_param"
	KindGetRequestBody BlockKind = "http_get_request_body"
	KindForLoop        BlockKind = "for_loop"
	KindForeachLoop    BlockKind = "foreach_loop"
	KindTransformer    BlockKind = "transformer"
	KindSetVar         BlockKind = "set_var"
	KindGetVar         BlockKind = "get_var"
	KindConsoleLog     BlockKind = "console_log"
	KindJSRunner       BlockKind = "js_runner"
	KindResponse       BlockKind = "response"
	KindArrayOps       BlockKind = "array_ops"
	KindDBGetSingle    BlockKind = "db_get_single"
	KindDBGetAll       BlockKind = "db_get_all"
	KindDBInsert       BlockKind = "db_insert"
	KindDBInsertBulk   BlockKind = "db_insert_bulk"
	KindDBUpdate       BlockKind = "db_update"
	KindDBDelete       BlockKind = "db_delete"
	KindDBNative       BlockKind = "db_native"
	KindDBTransaction  BlockKind = "db_transaction"
	KindStickyNote     BlockKind = "sticky_note"
)

// Well-known outgoing handles. Blocks with a single output use HandleOut;
// branching and looping blocks name their outputs explicitly.
const (
	HandleOut   = "out"
	HandleTrue  = "true"
	HandleFalse = "false"
	HandleBody  = "body"
	HandleDone  = "done"
)

// Block is one node of a route's execution graph. Each block transforms
// the value flowing along the traversed edge and selects the outgoing
// handle the engine follows next.
type Block interface {
	// ID returns the block's unique identifier within its route.
	ID() string

	// Kind returns the block's type.
	Kind() BlockKind

	// Exec runs the block against the per-request execution context.
	// input is the previous block's output along the traversed edge.
	Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error)
}

// Result is the outcome of one block execution.
type Result struct {
	// Output is the value passed as input to the next block.
	Output any

	// Handle names the outgoing handle to follow. Empty means HandleOut.
	Handle string

	// Terminal marks the block as run-ending (the response block).
	Terminal bool
}

// out is shorthand for a non-terminal result on the default handle.
func out(v any) *Result {
	return &Result{Output: v, Handle: HandleOut}
}

// BaseBlock provides ID and Kind handling for block implementations.
type BaseBlock struct {
	id   string
	kind BlockKind
}

// NewBaseBlock creates a BaseBlock with the given ID and kind.
func NewBaseBlock(id string, kind BlockKind) BaseBlock {
	return BaseBlock{id: id, kind: kind}
}

// ID returns the block's unique identifier.
func (b BaseBlock) ID() string {
	return b.id
}

// Kind returns the block's type.
func (b BaseBlock) Kind() BlockKind {
	return b.kind
}

// Looper is implemented by blocks that repeatedly re-enter their body
// handle. The engine drives iteration through an explicit frame stack
// rather than revisiting the block, so nested loops cannot interfere.
type Looper interface {
	Block

	// Begin computes the iteration source for one loop activation.
	Begin(ctx context.Context, ec *ExecContext, input any) (*LoopState, error)
}

// LoopState is the mutable iteration state of one loop activation.
type LoopState struct {
	items []any
	index int
}

// NewLoopState creates iteration state over the given items.
func NewLoopState(items []any) *LoopState {
	return &LoopState{items: items}
}

// Next returns the next iteration value and its index, or ok=false when
// the loop is exhausted.
func (s *LoopState) Next() (value any, index int, ok bool) {
	if s.index >= len(s.items) {
		return nil, 0, false
	}
	v, i := s.items[s.index], s.index
	s.index++
	return v, i, true
}

// Len returns the total number of iterations.
func (s *LoopState) Len() int {
	return len(s.items)
}
