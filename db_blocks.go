package lowkit

import (
	"context"
	"errors"

	"github.com/lowkit/lowkit/db"
)

// DBQueryConfig is the shared configuration of the CRUD database blocks.
type DBQueryConfig struct {
	// Integration references the database integration by id.
	Integration string `json:"integration"`

	Table      string    `json:"table"`
	Conditions []db.Cond `json:"conditions,omitempty"`

	// Limit, Offset, and Sort apply to db_get_all only.
	Limit  int      `json:"limit,omitempty"`
	Offset int      `json:"offset,omitempty"`
	Sort   *db.Sort `json:"sort,omitempty"`

	// Row backs db_insert and db_update's patch; nil uses the flowing
	// input. Rows backs db_insert_bulk the same way.
	Row  map[string]any   `json:"row,omitempty"`
	Rows []map[string]any `json:"rows,omitempty"`
}

func (c DBQueryConfig) validate() error {
	if c.Integration == "" {
		return NewValidationError("database block requires an integration")
	}
	if c.Table == "" {
		return NewValidationError("database block requires a table")
	}
	return nil
}

// row resolves the single-row payload, falling back to the flowing input.
func (c DBQueryConfig) row(input any) (db.Row, error) {
	if c.Row != nil {
		return c.Row, nil
	}
	m, ok := input.(map[string]any)
	if !ok {
		return nil, NewValidationError("database block requires a row object")
	}
	return m, nil
}

// rows resolves the multi-row payload, falling back to the flowing input.
func (c DBQueryConfig) rows(input any) ([]db.Row, error) {
	if c.Rows != nil {
		rows := make([]db.Row, len(c.Rows))
		for i, r := range c.Rows {
			rows[i] = r
		}
		return rows, nil
	}
	items, ok := input.([]any)
	if !ok {
		return nil, NewValidationError("database block requires an array of row objects")
	}
	rows := make([]db.Row, len(items))
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, NewValidationError("database block requires an array of row objects")
		}
		rows[i] = m
	}
	return rows, nil
}

// DBBlock executes one CRUD database operation; the operation is selected
// by the block kind.
type DBBlock struct {
	BaseBlock
	config DBQueryConfig
}

// NewDBBlock creates a CRUD database block of the given kind.
func NewDBBlock(id string, kind BlockKind, config DBQueryConfig) *DBBlock {
	return &DBBlock{BaseBlock: NewBaseBlock(id, kind), config: config}
}

func (b *DBBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	if err := b.config.validate(); err != nil {
		return nil, err
	}
	adapter, err := ec.Adapter(b.config.Integration)
	if err != nil {
		return nil, err
	}

	switch b.Kind() {
	case KindDBGetSingle:
		row, err := adapter.GetSingle(ctx, b.config.Table, b.config.Conditions)
		if err != nil {
			return nil, NewAdapterError("db getSingle failed", err)
		}
		if row == nil {
			return out(nil), nil
		}
		return out(map[string]any(row)), nil

	case KindDBGetAll:
		rows, err := adapter.GetAll(ctx, b.config.Table, b.config.Conditions,
			b.config.Limit, b.config.Offset, b.config.Sort)
		if err != nil {
			return nil, NewAdapterError("db getAll failed", err)
		}
		return out(rowsToAny(rows)), nil

	case KindDBInsert:
		row, err := b.config.row(input)
		if err != nil {
			return nil, err
		}
		inserted, err := adapter.Insert(ctx, b.config.Table, row)
		if err != nil {
			return nil, NewAdapterError("db insert failed", err)
		}
		return out(map[string]any(inserted)), nil

	case KindDBInsertBulk:
		rows, err := b.config.rows(input)
		if err != nil {
			return nil, err
		}
		inserted, err := adapter.InsertBulk(ctx, b.config.Table, rows)
		if err != nil {
			return nil, NewAdapterError("db insertBulk failed", err)
		}
		return out(rowsToAny(inserted)), nil

	case KindDBUpdate:
		patch, err := b.config.row(input)
		if err != nil {
			return nil, err
		}
		updated, err := adapter.Update(ctx, b.config.Table, patch, b.config.Conditions)
		if err != nil {
			return nil, NewAdapterError("db update failed", err)
		}
		return out(rowsToAny(updated)), nil

	case KindDBDelete:
		affected, err := adapter.Delete(ctx, b.config.Table, b.config.Conditions)
		if err != nil {
			return nil, NewAdapterError("db delete failed", err)
		}
		return out(affected), nil

	default:
		return nil, NewValidationError("unsupported database block kind %q", b.Kind())
	}
}

// rowsToAny widens adapter rows for the scripting boundary.
func rowsToAny(rows []db.Row) []any {
	items := make([]any, len(rows))
	for i, r := range rows {
		items[i] = map[string]any(r)
	}
	return items
}

// DBNativeConfig configures a DBNativeBlock.
type DBNativeConfig struct {
	Integration string `json:"integration"`

	// Query must resolve to a string; anything else fails the block. A
	// "js:" prefix defers to the sandbox.
	Query any `json:"query"`

	Params []any `json:"params,omitempty"`
}

// DBNativeBlock executes one driver-native parameterized statement.
type DBNativeBlock struct {
	BaseBlock
	config DBNativeConfig
}

func NewDBNativeBlock(id string, config DBNativeConfig) *DBNativeBlock {
	return &DBNativeBlock{BaseBlock: NewBaseBlock(id, KindDBNative), config: config}
}

func (b *DBNativeBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	if b.config.Integration == "" {
		return nil, NewValidationError("db-native block requires an integration")
	}
	adapter, err := ec.Adapter(b.config.Integration)
	if err != nil {
		return nil, err
	}
	query, err := resolveValue(ec, b.config.Query, input)
	if err != nil {
		return nil, err
	}
	res, err := adapter.Raw(ctx, query, b.config.Params)
	if err != nil {
		if errors.Is(err, db.ErrNonStringQuery) {
			return nil, NewValidationError("db-native block requires a string query")
		}
		return nil, NewAdapterError("db raw query failed", err)
	}
	return out(res), nil
}

// DBTransactionConfig configures a DBTransactionBlock.
type DBTransactionConfig struct {
	Integration string `json:"integration"`
}

// DBTransactionBlock opens a manual transaction for its integration and
// hands control to its body handle. Every database block inside the body
// that references the same integration runs on the reserved connection.
// The engine commits when the body subgraph finishes and rolls back when
// any nested block fails.
type DBTransactionBlock struct {
	BaseBlock
	config DBTransactionConfig
}

func NewDBTransactionBlock(id string, config DBTransactionConfig) *DBTransactionBlock {
	return &DBTransactionBlock{BaseBlock: NewBaseBlock(id, KindDBTransaction), config: config}
}

// IntegrationID returns the integration whose transaction this block owns.
func (b *DBTransactionBlock) IntegrationID() string {
	return b.config.Integration
}

func (b *DBTransactionBlock) Exec(ctx context.Context, ec *ExecContext, input any) (*Result, error) {
	if b.config.Integration == "" {
		return nil, NewValidationError("db-transaction block requires an integration")
	}
	if _, err := ec.beginTx(ctx, b.config.Integration); err != nil {
		return nil, err
	}
	return &Result{Output: input, Handle: HandleBody}, nil
}

var (
	_ Block = (*DBBlock)(nil)
	_ Block = (*DBNativeBlock)(nil)
	_ Block = (*DBTransactionBlock)(nil)
)
