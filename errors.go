package lowkit

import (
	"errors"
	"fmt"
)

// Engine errors
var (
	ErrNoEntrypoint      = errors.New("graph has no entrypoint block")
	ErrBlockNotFound     = errors.New("block not found")
	ErrMaxStepsExceeded  = errors.New("maximum execution steps exceeded")
	ErrNoResponse        = errors.New("execution finished without producing a response")
	ErrExecutionCanceled = errors.New("execution was canceled")
)

// ErrorKind classifies a failure raised by a block handler or an adapter.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindTimeout     ErrorKind = "timeout"
	KindAdapter     ErrorKind = "adapter"
	KindNotFound    ErrorKind = "not_found"
	KindTransaction ErrorKind = "transaction"
	KindScript      ErrorKind = "script"
)

// BlockError is the typed error raised by block handlers and adapters.
// The engine catches it at the per-block boundary and routes it to the
// error-handler block when one exists.
type BlockError struct {
	Kind    ErrorKind
	BlockID string
	Message string
	Cause   error
}

// Error returns the error string including the originating block when known.
func (e *BlockError) Error() string {
	if e.BlockID != "" {
		return fmt.Sprintf("%s: block %s: %s", e.Kind, e.BlockID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *BlockError) Unwrap() error {
	return e.Cause
}

// NewValidationError reports malformed or missing block configuration.
func NewValidationError(format string, args ...any) *BlockError {
	return &BlockError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewTimeoutError reports an exceeded sandbox execution budget.
func NewTimeoutError(message string) *BlockError {
	return &BlockError{Kind: KindTimeout, Message: message}
}

// NewAdapterError reports a failed DB, AI, or log backend call.
func NewAdapterError(message string, cause error) *BlockError {
	return &BlockError{Kind: KindAdapter, Message: message, Cause: cause}
}

// NewNotFoundError reports a referenced entity that does not exist.
func NewNotFoundError(format string, args ...any) *BlockError {
	return &BlockError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewTransactionError reports a commit or rollback failure.
func NewTransactionError(message string, cause error) *BlockError {
	return &BlockError{Kind: KindTransaction, Message: message, Cause: cause}
}

// IsKind reports whether err is a BlockError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *BlockError
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// asBlockError coerces any error into a BlockError, attributing it to blockID.
// Errors that are already typed keep their kind; everything else becomes a
// script-kind failure so internals are never reflected into responses.
func asBlockError(err error, blockID string) *BlockError {
	var be *BlockError
	if errors.As(err, &be) {
		if be.BlockID == "" {
			be.BlockID = blockID
		}
		return be
	}
	return &BlockError{Kind: KindScript, BlockID: blockID, Message: err.Error(), Cause: err}
}
