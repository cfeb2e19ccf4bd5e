package lowkit

import (
	"context"

	"github.com/lowkit/lowkit/condition"
)

// IfConfig configures an IfBlock.
type IfConfig struct {
	// Conditions is the chain folded left to right per the evaluator.
	Conditions []condition.Condition `json:"conditions"`
}

// IfBlock evaluates its condition chain and branches on the true or false
// handle.
type IfBlock struct {
	BaseBlock
	config IfConfig
}

func NewIfBlock(id string, config IfConfig) *IfBlock {
	return &IfBlock{BaseBlock: NewBaseBlock(id, KindIf), config: config}
}

func (b *IfBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	ok, err := condition.Evaluate(b.config.Conditions, ec.Sandbox(), input)
	if err != nil {
		return nil, scriptError(err)
	}
	handle := HandleFalse
	if ok {
		handle = HandleTrue
	}
	return &Result{Output: input, Handle: handle}, nil
}

// ForLoopConfig configures a ForLoopBlock.
type ForLoopConfig struct {
	From int `json:"from"`
	To   int `json:"to"`

	// Step defaults to 1. Zero or a step pointing away from To yields an
	// empty iteration.
	Step int `json:"step,omitempty"`
}

// ForLoopBlock re-enters its body handle once per counter value from From
// toward To (exclusive), then follows its done handle. Iteration state
// lives in an engine-owned frame, so nested loops cannot interfere.
type ForLoopBlock struct {
	BaseBlock
	config ForLoopConfig
}

func NewForLoopBlock(id string, config ForLoopConfig) *ForLoopBlock {
	if config.Step == 0 {
		config.Step = 1
	}
	return &ForLoopBlock{BaseBlock: NewBaseBlock(id, KindForLoop), config: config}
}

// Begin materializes the counter sequence for one loop activation.
func (b *ForLoopBlock) Begin(ctx context.Context, ec *ExecContext, input any) (*LoopState, error) {
	var items []any
	switch {
	case b.config.Step > 0:
		for i := b.config.From; i < b.config.To; i += b.config.Step {
			items = append(items, i)
		}
	case b.config.Step < 0:
		for i := b.config.From; i > b.config.To; i += b.config.Step {
			items = append(items, i)
		}
	}
	return NewLoopState(items), nil
}

// Exec is never reached; the engine drives loopers through Begin.
func (b *ForLoopBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	return out(input), nil
}

// ForeachSource selects where a foreach loop takes its items from.
type ForeachSource string

const (
	// ForeachFromInput iterates the flowing input value.
	ForeachFromInput ForeachSource = "input"

	// ForeachFromVar iterates a request variable.
	ForeachFromVar ForeachSource = "var"

	// ForeachFromScript iterates a script's returned array.
	ForeachFromScript ForeachSource = "js"
)

// ForeachLoopConfig configures a ForeachLoopBlock.
type ForeachLoopConfig struct {
	// Source defaults to ForeachFromInput.
	Source ForeachSource `json:"source,omitempty"`

	// VarName names the variable for ForeachFromVar.
	VarName string `json:"varName,omitempty"`

	// Code backs ForeachFromScript.
	Code string `json:"code,omitempty"`
}

// ForeachLoopBlock re-enters its body handle once per element of its item
// source, then follows its done handle. The body receives a map with
// "value" and "index" keys as its input.
type ForeachLoopBlock struct {
	BaseBlock
	config ForeachLoopConfig
}

func NewForeachLoopBlock(id string, config ForeachLoopConfig) *ForeachLoopBlock {
	if config.Source == "" {
		config.Source = ForeachFromInput
	}
	return &ForeachLoopBlock{BaseBlock: NewBaseBlock(id, KindForeachLoop), config: config}
}

// Begin resolves the item source for one loop activation.
func (b *ForeachLoopBlock) Begin(ctx context.Context, ec *ExecContext, input any) (*LoopState, error) {
	var src any
	switch b.config.Source {
	case ForeachFromInput:
		src = input
	case ForeachFromVar:
		if b.config.VarName == "" {
			return nil, NewValidationError("foreach block with var source requires varName")
		}
		src, _ = ec.GetVar(b.config.VarName)
	case ForeachFromScript:
		if b.config.Code == "" {
			return nil, NewValidationError("foreach block with js source requires code")
		}
		v, err := ec.Sandbox().Run(b.config.Code, input)
		if err != nil {
			return nil, scriptError(err)
		}
		src = v
	default:
		return nil, NewValidationError("foreach block: unknown source %q", b.config.Source)
	}

	items, err := asArray(src)
	if err != nil {
		return nil, NewValidationError("foreach block requires an array to iterate")
	}
	return NewLoopState(items), nil
}

// Exec is never reached; the engine drives loopers through Begin.
func (b *ForeachLoopBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	return out(input), nil
}

var (
	_ Block  = (*IfBlock)(nil)
	_ Looper = (*ForLoopBlock)(nil)
	_ Looper = (*ForeachLoopBlock)(nil)
)
