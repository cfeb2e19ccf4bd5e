// Package db provides the uniform database adapter layer: one lazily
// created, process-cached pooled adapter per configured integration,
// exposing CRUD, raw parameterized queries, and manual transactions over
// different engines (PostgreSQL via lib/pq, SQLite via modernc).
package db

import (
	"context"
	"errors"

	"github.com/lowkit/lowkit/appconfig"
	"github.com/lowkit/lowkit/condition"
)

// HardRowLimit caps every getAll result set regardless of the requested
// limit.
const HardRowLimit = 1000

// BulkChunkSize bounds single-statement size for insertBulk.
const BulkChunkSize = 1000

var (
	ErrUnknownIntegration = errors.New("unknown integration")
	ErrUnsupportedVariant = errors.New("unsupported database variant")

	ErrNonStringQuery  = errors.New("raw query must be a string")
	ErrNoTransaction   = errors.New("no transaction in progress")
	ErrTransactionOpen = errors.New("transaction already in progress")

	// ErrUnresolvedConfig aliases the shared cfg: resolution failure.
	ErrUnresolvedConfig = appconfig.ErrUnresolved
)

// Mode selects between pooled statements and a reserved-connection
// transaction.
type Mode int

const (
	ModeNormal Mode = iota
	ModeTransaction
)

// Cond is one per-field comparison in a WHERE chain. The shape mirrors
// the condition evaluator's records, restricted to comparison operators,
// and folds left to right with and/or chaining.
type Cond struct {
	Field string          `json:"field"`
	Op    condition.Op    `json:"operator"`
	Value any             `json:"value"`
	Chain condition.Chain `json:"chain,omitempty"`
}

// Sort orders a getAll result.
type Sort struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

// Row is one result row keyed by column name.
type Row = map[string]any

// Adapter is the uniform per-integration database contract. While in
// transaction mode every statement issued through the same adapter
// instance runs on one reserved physical connection; committing or
// rolling back always releases that connection and resets the mode, even
// on error.
type Adapter interface {
	// GetAll returns at most min(limit, HardRowLimit) rows; limit <= 0 or
	// above the hard limit clamps to the hard limit.
	GetAll(ctx context.Context, table string, conds []Cond, limit, offset int, sort *Sort) ([]Row, error)

	// GetSingle returns the first matching row, or nil if none match.
	GetSingle(ctx context.Context, table string, conds []Cond) (Row, error)

	// Insert writes one row and returns it as stored.
	Insert(ctx context.Context, table string, row Row) (Row, error)

	// InsertBulk writes rows in fixed-size chunks and returns all
	// inserted rows concatenated in chunk order.
	InsertBulk(ctx context.Context, table string, rows []Row) ([]Row, error)

	// Update applies patch to every matching row and returns the updated rows.
	Update(ctx context.Context, table string, patch Row, conds []Cond) ([]Row, error)

	// Delete removes matching rows; true iff at least one row was affected.
	Delete(ctx context.Context, table string, conds []Cond) (bool, error)

	// Raw executes a driver-native parameterized statement. Only string
	// queries are accepted.
	Raw(ctx context.Context, query any, params []any) (any, error)

	// SetMode switches between normal and transaction mode.
	SetMode(m Mode)

	// StartTransaction reserves a connection and begins a transaction on it.
	StartTransaction(ctx context.Context) error

	// CommitTransaction commits, releases the reserved connection, and
	// resets the mode. The connection is released even when commit fails.
	CommitTransaction(ctx context.Context) error

	// RollbackTransaction rolls back, releases the reserved connection,
	// and resets the mode. The connection is released even on error.
	RollbackTransaction(ctx context.Context) error

	// Session returns a new adapter sharing this adapter's pool but with
	// independent mode/transaction state, for request-scoped transactions.
	Session() Adapter

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close tears down the underlying pool.
	Close() error
}

// Integration is the resolved configuration of one database integration.
// Setting values may carry cfg:<key> indirections; they are resolved at
// adapter construction time.
type Integration struct {
	ID       string
	Name     string
	Variant  string // "postgres" or "sqlite"
	Settings map[string]string
}
