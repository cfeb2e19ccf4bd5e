package lowkit

import (
	"encoding/json"
	"fmt"
)

// buildBlock instantiates a block from its persisted spec. The block kind
// set is closed; unknown kinds fail graph compilation rather than being
// skipped at execution time.
func buildBlock(spec BlockSpec) (Block, error) {
	switch spec.Type {
	case KindEntrypoint:
		return NewEntrypointBlock(spec.ID), nil
	case KindErrorHandler:
		return NewErrorHandlerBlock(spec.ID), nil
	case KindGetRequestBody:
		return NewGetRequestBodyBlock(spec.ID), nil

	case KindGetHeader:
		var cfg GetHeaderConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewGetHeaderBlock(spec.ID, cfg), nil
	case KindSetHeader:
		var cfg SetHeaderConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewSetHeaderBlock(spec.ID, cfg), nil
	case KindGetCookie:
		var cfg GetCookieConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewGetCookieBlock(spec.ID, cfg), nil
	case KindSetCookie:
		var cfg SetCookieConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewSetCookieBlock(spec.ID, cfg), nil
	case KindGetParam:
		var cfg GetParamConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewGetParamBlock(spec.ID, cfg), nil
	case KindHTTPRequest:
		var cfg HTTPRequestConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewHTTPRequestBlock(spec.ID, cfg), nil
	case KindResponse:
		var cfg ResponseConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewResponseBlock(spec.ID, cfg), nil

	case KindIf:
		var cfg IfConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewIfBlock(spec.ID, cfg), nil
	case KindForLoop:
		var cfg ForLoopConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewForLoopBlock(spec.ID, cfg), nil
	case KindForeachLoop:
		var cfg ForeachLoopConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewForeachLoopBlock(spec.ID, cfg), nil

	case KindTransformer:
		var cfg TransformerConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewTransformerBlock(spec.ID, cfg), nil
	case KindJSRunner:
		var cfg JSRunnerConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewJSRunnerBlock(spec.ID, cfg), nil
	case KindSetVar:
		var cfg SetVarConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewSetVarBlock(spec.ID, cfg), nil
	case KindGetVar:
		var cfg GetVarConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewGetVarBlock(spec.ID, cfg), nil
	case KindConsoleLog:
		var cfg ConsoleLogConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewConsoleLogBlock(spec.ID, cfg), nil
	case KindArrayOps:
		var cfg ArrayOpsConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewArrayOpsBlock(spec.ID, cfg), nil

	case KindDBGetSingle, KindDBGetAll, KindDBInsert, KindDBInsertBulk,
		KindDBUpdate, KindDBDelete:
		var cfg DBQueryConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewDBBlock(spec.ID, spec.Type, cfg), nil
	case KindDBNative:
		var cfg DBNativeConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewDBNativeBlock(spec.ID, cfg), nil
	case KindDBTransaction:
		var cfg DBTransactionConfig
		if err := decodeConfig(spec, &cfg); err != nil {
			return nil, err
		}
		return NewDBTransactionBlock(spec.ID, cfg), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBlockKind, spec.Type)
	}
}

// decodeConfig unmarshals a block's data payload into its config type.
func decodeConfig(spec BlockSpec, dst any) error {
	if len(spec.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(spec.Data, dst); err != nil {
		return NewValidationError("block %s: invalid configuration: %v", spec.ID, err)
	}
	return nil
}
