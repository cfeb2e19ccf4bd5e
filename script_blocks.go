package lowkit

import (
	"context"
	"errors"
	"strings"

	"github.com/lowkit/lowkit/sandbox"
)

const scriptPrefix = "js:"

// resolveValue substitutes a "js:"-prefixed string configuration value
// with its sandboxed script result; anything else passes through.
func resolveValue(ec *ExecContext, v any, input any) (any, error) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, scriptPrefix) {
		return v, nil
	}
	res, err := ec.Sandbox().Run(strings.TrimPrefix(s, scriptPrefix), input)
	if err != nil {
		return nil, scriptError(err)
	}
	return res, nil
}

// scriptError types a sandbox failure: budget exhaustion becomes a
// timeout-kind error, everything else a script-kind error.
func scriptError(err error) *BlockError {
	if errors.Is(err, sandbox.ErrTimeout) {
		return NewTimeoutError("script execution exceeded budget")
	}
	return &BlockError{Kind: KindScript, Message: err.Error(), Cause: err}
}

// TransformerConfig configures a TransformerBlock.
type TransformerConfig struct {
	// Code is the script body; its return value becomes the block output.
	Code string `json:"code"`
}

// TransformerBlock runs a synchronous script over the flowing value.
type TransformerBlock struct {
	BaseBlock
	config TransformerConfig
}

func NewTransformerBlock(id string, config TransformerConfig) *TransformerBlock {
	return &TransformerBlock{BaseBlock: NewBaseBlock(id, KindTransformer), config: config}
}

func (b *TransformerBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	if b.config.Code == "" {
		return nil, NewValidationError("transformer block requires code")
	}
	v, err := ec.Sandbox().Run(b.config.Code, input)
	if err != nil {
		return nil, scriptError(err)
	}
	return out(v), nil
}

// JSRunnerConfig configures a JSRunnerBlock.
type JSRunnerConfig struct {
	Code string `json:"code"`
}

// JSRunnerBlock runs a script through the async path: a returned promise
// is awaited against a second budget of the same length.
type JSRunnerBlock struct {
	BaseBlock
	config JSRunnerConfig
}

func NewJSRunnerBlock(id string, config JSRunnerConfig) *JSRunnerBlock {
	return &JSRunnerBlock{BaseBlock: NewBaseBlock(id, KindJSRunner), config: config}
}

func (b *JSRunnerBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	if b.config.Code == "" {
		return nil, NewValidationError("js-runner block requires code")
	}
	v, err := ec.Sandbox().RunAsync(b.config.Code, input)
	if err != nil {
		return nil, scriptError(err)
	}
	return out(v), nil
}

// SetVarConfig configures a SetVarBlock.
type SetVarConfig struct {
	Name string `json:"name"`

	// Value is stored under Name; nil stores the flowing input, a "js:"
	// prefix defers to the sandbox.
	Value any `json:"value,omitempty"`
}

// SetVarBlock writes one request-scoped variable.
type SetVarBlock struct {
	BaseBlock
	config SetVarConfig
}

func NewSetVarBlock(id string, config SetVarConfig) *SetVarBlock {
	return &SetVarBlock{BaseBlock: NewBaseBlock(id, KindSetVar), config: config}
}

func (b *SetVarBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	if b.config.Name == "" {
		return nil, NewValidationError("set-var block requires a variable name")
	}
	v := b.config.Value
	if v == nil {
		v = input
	}
	resolved, err := resolveValue(ec, v, input)
	if err != nil {
		return nil, err
	}
	ec.SetVar(b.config.Name, resolved)
	return out(resolved), nil
}

// GetVarConfig configures a GetVarBlock.
type GetVarConfig struct {
	Name string `json:"name"`
}

// GetVarBlock reads one request-scoped variable. A missing variable
// outputs nil rather than failing.
type GetVarBlock struct {
	BaseBlock
	config GetVarConfig
}

func NewGetVarBlock(id string, config GetVarConfig) *GetVarBlock {
	return &GetVarBlock{BaseBlock: NewBaseBlock(id, KindGetVar), config: config}
}

func (b *GetVarBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	if b.config.Name == "" {
		return nil, NewValidationError("get-var block requires a variable name")
	}
	v, _ := ec.GetVar(b.config.Name)
	return out(v), nil
}

// ConsoleLogConfig configures a ConsoleLogBlock.
type ConsoleLogConfig struct {
	// Level is info, warn, or error. Defaults to info.
	Level string `json:"level,omitempty"`

	// Message is logged; nil logs the flowing input, a "js:" prefix
	// defers to the sandbox.
	Message any `json:"message,omitempty"`
}

// ConsoleLogBlock emits one log line through the run logger and, when
// configured, the log shipper. The flowing value passes through untouched.
type ConsoleLogBlock struct {
	BaseBlock
	config ConsoleLogConfig
}

func NewConsoleLogBlock(id string, config ConsoleLogConfig) *ConsoleLogBlock {
	if config.Level == "" {
		config.Level = "info"
	}
	return &ConsoleLogBlock{BaseBlock: NewBaseBlock(id, KindConsoleLog), config: config}
}

func (b *ConsoleLogBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	msg := b.config.Message
	if msg == nil {
		msg = input
	}
	v, err := resolveValue(ec, msg, input)
	if err != nil {
		return nil, err
	}
	ec.Log(b.config.Level, v)
	return out(input), nil
}

// ArrayOp is one array-ops operation.
type ArrayOp string

const (
	ArrayOpMap     ArrayOp = "map"
	ArrayOpFilter  ArrayOp = "filter"
	ArrayOpFind    ArrayOp = "find"
	ArrayOpLength  ArrayOp = "length"
	ArrayOpFirst   ArrayOp = "first"
	ArrayOpLast    ArrayOp = "last"
	ArrayOpFlatten ArrayOp = "flatten"
	ArrayOpPush    ArrayOp = "push"
)

// ArrayOpsConfig configures an ArrayOpsBlock.
type ArrayOpsConfig struct {
	Op ArrayOp `json:"op"`

	// Code backs map/filter/find; it runs once per element with the
	// element bound as input.
	Code string `json:"code,omitempty"`

	// Value is appended for push; a "js:" prefix defers to the sandbox.
	Value any `json:"value,omitempty"`
}

// ArrayOpsBlock applies one operation to the flowing array value.
type ArrayOpsBlock struct {
	BaseBlock
	config ArrayOpsConfig
}

func NewArrayOpsBlock(id string, config ArrayOpsConfig) *ArrayOpsBlock {
	return &ArrayOpsBlock{BaseBlock: NewBaseBlock(id, KindArrayOps), config: config}
}

func (b *ArrayOpsBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	items, err := asArray(input)
	if err != nil {
		return nil, err
	}

	switch b.config.Op {
	case ArrayOpLength:
		return out(len(items)), nil

	case ArrayOpFirst:
		if len(items) == 0 {
			return out(nil), nil
		}
		return out(items[0]), nil

	case ArrayOpLast:
		if len(items) == 0 {
			return out(nil), nil
		}
		return out(items[len(items)-1]), nil

	case ArrayOpFlatten:
		flat := make([]any, 0, len(items))
		for _, it := range items {
			if nested, ok := it.([]any); ok {
				flat = append(flat, nested...)
			} else {
				flat = append(flat, it)
			}
		}
		return out(flat), nil

	case ArrayOpPush:
		v, err := resolveValue(ec, b.config.Value, input)
		if err != nil {
			return nil, err
		}
		return out(append(append([]any(nil), items...), v)), nil

	case ArrayOpMap:
		if b.config.Code == "" {
			return nil, NewValidationError("array-ops map requires code")
		}
		mapped := make([]any, len(items))
		for i, it := range items {
			v, err := ec.Sandbox().Run(b.config.Code, it)
			if err != nil {
				return nil, scriptError(err)
			}
			mapped[i] = v
		}
		return out(mapped), nil

	case ArrayOpFilter:
		if b.config.Code == "" {
			return nil, NewValidationError("array-ops filter requires code")
		}
		kept := make([]any, 0, len(items))
		for _, it := range items {
			v, err := ec.Sandbox().Run(b.config.Code, it)
			if err != nil {
				return nil, scriptError(err)
			}
			if sandbox.Truthy(v) {
				kept = append(kept, it)
			}
		}
		return out(kept), nil

	case ArrayOpFind:
		if b.config.Code == "" {
			return nil, NewValidationError("array-ops find requires code")
		}
		for _, it := range items {
			v, err := ec.Sandbox().Run(b.config.Code, it)
			if err != nil {
				return nil, scriptError(err)
			}
			if sandbox.Truthy(v) {
				return out(it), nil
			}
		}
		return out(nil), nil

	default:
		return nil, NewValidationError("array-ops block: unknown operation %q", b.config.Op)
	}
}

// asArray coerces the flowing value into a slice.
func asArray(v any) ([]any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return x, nil
	}
	return nil, NewValidationError("array-ops block requires an array input")
}

var (
	_ Block = (*TransformerBlock)(nil)
	_ Block = (*JSRunnerBlock)(nil)
	_ Block = (*SetVarBlock)(nil)
	_ Block = (*GetVarBlock)(nil)
	_ Block = (*ConsoleLogBlock)(nil)
	_ Block = (*ArrayOpsBlock)(nil)
)
