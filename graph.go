package lowkit

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Graph build errors
var (
	ErrDuplicateBlock   = errors.New("duplicate block ID")
	ErrSelfEdge         = errors.New("edge connects a block to itself")
	ErrMultipleEntry    = errors.New("route has more than one entrypoint block")
	ErrMultipleHandler  = errors.New("route has more than one error-handler block")
	ErrUnknownBlockKind = errors.New("unknown block kind")
	ErrAmbiguousHandle  = errors.New("multiple edges leave the same handle")
)

// BlockSpec is the persisted wire shape of one block. The editor also
// stores a position per block; it is not part of the execution contract
// and is ignored here.
type BlockSpec struct {
	ID   string          `json:"id"`
	Type BlockKind       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EdgeSpec is the persisted wire shape of one edge.
type EdgeSpec struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle"`
	TargetHandle string `json:"targetHandle"`
}

// Graph is a compiled, immutable route graph: blocks keyed by ID plus the
// outgoing edge for every (block, handle) pair. Loops re-enter their body
// handle under engine control; the linear portion is a DAG.
type Graph struct {
	blocks       map[string]Block
	next         map[string]map[string]string // block ID -> handle -> target block ID
	entry        string
	errorHandler string
}

// BuildGraph compiles persisted block and edge specs into an executable
// graph. Sticky-note blocks are tolerated in the input but never become
// part of the graph. Malformed block configuration surfaces as a
// validation-kind BlockError.
func BuildGraph(blocks []BlockSpec, edges []EdgeSpec) (*Graph, error) {
	g := &Graph{
		blocks: make(map[string]Block, len(blocks)),
		next:   make(map[string]map[string]string),
	}

	for _, spec := range blocks {
		if spec.Type == KindStickyNote {
			continue
		}
		if _, exists := g.blocks[spec.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBlock, spec.ID)
		}
		blk, err := buildBlock(spec)
		if err != nil {
			return nil, err
		}
		g.blocks[spec.ID] = blk

		switch spec.Type {
		case KindEntrypoint:
			if g.entry != "" {
				return nil, ErrMultipleEntry
			}
			g.entry = spec.ID
		case KindErrorHandler:
			if g.errorHandler != "" {
				return nil, ErrMultipleHandler
			}
			g.errorHandler = spec.ID
		}
	}

	if g.entry == "" {
		return nil, ErrNoEntrypoint
	}

	for _, e := range edges {
		if e.Source == e.Target {
			return nil, fmt.Errorf("%w: %s", ErrSelfEdge, e.Source)
		}
		// Edges touching sticky notes (or blocks removed in the editor)
		// are dropped, matching how partially wired graphs persist.
		if _, ok := g.blocks[e.Source]; !ok {
			continue
		}
		if _, ok := g.blocks[e.Target]; !ok {
			continue
		}
		handle := e.SourceHandle
		if handle == "" {
			handle = HandleOut
		}
		if g.next[e.Source] == nil {
			g.next[e.Source] = make(map[string]string)
		}
		if _, dup := g.next[e.Source][handle]; dup {
			return nil, fmt.Errorf("%w: block %s handle %s", ErrAmbiguousHandle, e.Source, handle)
		}
		g.next[e.Source][handle] = e.Target
	}

	return g, nil
}

// Entry returns the entrypoint block ID.
func (g *Graph) Entry() string {
	return g.entry
}

// ErrorHandler returns the error-handler block ID, or "" if the route has none.
func (g *Graph) ErrorHandler() string {
	return g.errorHandler
}

// Block retrieves a block by ID.
func (g *Graph) Block(id string) (Block, bool) {
	b, ok := g.blocks[id]
	return b, ok
}

// Successor returns the target of the edge leaving the given handle of the
// given block, or ok=false when no such edge exists.
func (g *Graph) Successor(blockID, handle string) (string, bool) {
	if handle == "" {
		handle = HandleOut
	}
	t, ok := g.next[blockID][handle]
	return t, ok
}

// Len returns the number of executable blocks in the graph.
func (g *Graph) Len() int {
	return len(g.blocks)
}
