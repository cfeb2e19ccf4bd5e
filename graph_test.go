package lowkit

import (
	"errors"
	"testing"
)

func TestBuildGraphValidation(t *testing.T) {
	entry := spec("entry", KindEntrypoint, "")
	resp := spec("resp", KindResponse, "")

	t.Run("duplicate block ids rejected", func(t *testing.T) {
		_, err := BuildGraph([]BlockSpec{entry, spec("entry", KindResponse, "")}, nil)
		if !errors.Is(err, ErrDuplicateBlock) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("missing entrypoint rejected", func(t *testing.T) {
		_, err := BuildGraph([]BlockSpec{resp}, nil)
		if !errors.Is(err, ErrNoEntrypoint) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("second entrypoint rejected", func(t *testing.T) {
		_, err := BuildGraph([]BlockSpec{entry, spec("entry2", KindEntrypoint, "")}, nil)
		if !errors.Is(err, ErrMultipleEntry) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("second error handler rejected", func(t *testing.T) {
		_, err := BuildGraph([]BlockSpec{
			entry,
			spec("h1", KindErrorHandler, ""),
			spec("h2", KindErrorHandler, ""),
		}, nil)
		if !errors.Is(err, ErrMultipleHandler) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("self edge rejected", func(t *testing.T) {
		_, err := BuildGraph([]BlockSpec{entry, resp},
			[]EdgeSpec{edge("resp", "resp", "")})
		if !errors.Is(err, ErrSelfEdge) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("unknown kind rejected", func(t *testing.T) {
		_, err := BuildGraph([]BlockSpec{entry, spec("x", "quantum_leap", "")}, nil)
		if !errors.Is(err, ErrUnknownBlockKind) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("two edges off one handle rejected", func(t *testing.T) {
		_, err := BuildGraph(
			[]BlockSpec{entry, resp, spec("resp2", KindResponse, "")},
			[]EdgeSpec{edge("entry", "resp", ""), edge("entry", "resp2", "")})
		if !errors.Is(err, ErrAmbiguousHandle) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestBuildGraphToleratesStickyNotes(t *testing.T) {
	g, err := BuildGraph(
		[]BlockSpec{
			spec("entry", KindEntrypoint, ""),
			spec("note", KindStickyNote, `{"text":"remember to paginate"}`),
			spec("resp", KindResponse, ""),
		},
		[]EdgeSpec{
			edge("entry", "resp", ""),
			// Edges touching the note are dropped, not errors.
			edge("note", "resp", ""),
			edge("entry", "note", "side"),
		})
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if g.Len() != 2 {
		t.Errorf("Len = %d, want sticky note excluded", g.Len())
	}
	if _, ok := g.Block("note"); ok {
		t.Error("sticky note became executable")
	}
}

func TestGraphSuccessorDefaultsToOutHandle(t *testing.T) {
	g := mustGraph(t,
		[]BlockSpec{
			spec("entry", KindEntrypoint, ""),
			spec("resp", KindResponse, ""),
		},
		[]EdgeSpec{edge("entry", "resp", "")})

	if next, ok := g.Successor("entry", ""); !ok || next != "resp" {
		t.Errorf("Successor = %q %v", next, ok)
	}
	if _, ok := g.Successor("resp", HandleOut); ok {
		t.Error("expected no successor off the response block")
	}
}

func TestGraphEntryAndHandler(t *testing.T) {
	g := mustGraph(t,
		[]BlockSpec{
			spec("entry", KindEntrypoint, ""),
			spec("handler", KindErrorHandler, ""),
			spec("resp", KindResponse, ""),
		},
		[]EdgeSpec{edge("entry", "resp", "")})

	if g.Entry() != "entry" {
		t.Errorf("Entry = %q", g.Entry())
	}
	if g.ErrorHandler() != "handler" {
		t.Errorf("ErrorHandler = %q", g.ErrorHandler())
	}
}
