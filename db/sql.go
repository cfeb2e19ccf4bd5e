package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lowkit/lowkit/condition"
)

// dialect abstracts the engine-specific SQL details.
type dialect interface {
	// placeholder returns the parameter marker for 1-based position n.
	placeholder(n int) string
	// quote quotes an identifier.
	quote(ident string) string
}

// sqlAdapter implements Adapter over database/sql for any dialect that
// supports RETURNING.
type sqlAdapter struct {
	db *sql.DB
	d  dialect

	mu   sync.Mutex
	mode Mode
	conn *sql.Conn
	tx   *sql.Tx
}

var _ Adapter = (*sqlAdapter)(nil)

func newSQLAdapter(pool *sql.DB, d dialect) *sqlAdapter {
	return &sqlAdapter{db: pool, d: d}
}

// Session returns a fresh adapter over the same pool with its own
// transaction state.
func (a *sqlAdapter) Session() Adapter {
	return newSQLAdapter(a.db, a.d)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// q returns the statement target: the reserved transaction while in
// transaction mode, the shared pool otherwise.
func (a *sqlAdapter) q() querier {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode == ModeTransaction && a.tx != nil {
		return a.tx
	}
	return a.db
}

func (a *sqlAdapter) GetAll(ctx context.Context, table string, conds []Cond, limit, offset int, srt *Sort) ([]Row, error) {
	if limit <= 0 || limit > HardRowLimit {
		limit = HardRowLimit
	}
	if offset < 0 {
		offset = 0
	}

	var b strings.Builder
	args := make([]any, 0, len(conds))
	fmt.Fprintf(&b, "SELECT * FROM %s", a.d.quote(table))
	where, args, err := a.buildWhere(conds, args)
	if err != nil {
		return nil, err
	}
	b.WriteString(where)
	if srt != nil && srt.Field != "" {
		dir := "ASC"
		if srt.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s", a.d.quote(srt.Field), dir)
	}
	fmt.Fprintf(&b, " LIMIT %d OFFSET %d", limit, offset)

	return a.queryRows(ctx, b.String(), args)
}

func (a *sqlAdapter) GetSingle(ctx context.Context, table string, conds []Cond) (Row, error) {
	rows, err := a.GetAll(ctx, table, conds, 1, 0, nil)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (a *sqlAdapter) Insert(ctx context.Context, table string, row Row) (Row, error) {
	inserted, err := a.insertChunk(ctx, table, []Row{row})
	if err != nil {
		return nil, err
	}
	if len(inserted) == 0 {
		return nil, nil
	}
	return inserted[0], nil
}

func (a *sqlAdapter) InsertBulk(ctx context.Context, table string, rows []Row) ([]Row, error) {
	all := make([]Row, 0, len(rows))
	for start := 0; start < len(rows); start += BulkChunkSize {
		end := start + BulkChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk, err := a.insertChunk(ctx, table, rows[start:end])
		if err != nil {
			return nil, err
		}
		all = append(all, chunk...)
	}
	return all, nil
}

// insertChunk writes one bounded batch of rows sharing a column set.
func (a *sqlAdapter) insertChunk(ctx context.Context, table string, rows []Row) ([]Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	cols := sortedColumns(rows[0])
	if len(cols) == 0 {
		return nil, fmt.Errorf("insert into %s: empty row", table)
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = a.d.quote(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", a.d.quote(table), strings.Join(quoted, ", "))
	args := make([]any, 0, len(rows)*len(cols))
	n := 1
	for ri, row := range rows {
		if ri > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for ci, c := range cols {
			if ci > 0 {
				b.WriteString(", ")
			}
			b.WriteString(a.d.placeholder(n))
			args = append(args, row[c])
			n++
		}
		b.WriteString(")")
	}
	b.WriteString(" RETURNING *")

	return a.queryRows(ctx, b.String(), args)
}

func (a *sqlAdapter) Update(ctx context.Context, table string, patch Row, conds []Cond) ([]Row, error) {
	cols := sortedColumns(patch)
	if len(cols) == 0 {
		return nil, fmt.Errorf("update %s: empty patch", table)
	}

	var b strings.Builder
	args := make([]any, 0, len(cols)+len(conds))
	fmt.Fprintf(&b, "UPDATE %s SET ", a.d.quote(table))
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = %s", a.d.quote(c), a.d.placeholder(len(args)+1))
		args = append(args, patch[c])
	}
	where, args, err := a.buildWhere(conds, args)
	if err != nil {
		return nil, err
	}
	b.WriteString(where)
	b.WriteString(" RETURNING *")

	return a.queryRows(ctx, b.String(), args)
}

func (a *sqlAdapter) Delete(ctx context.Context, table string, conds []Cond) (bool, error) {
	var b strings.Builder
	args := make([]any, 0, len(conds))
	fmt.Fprintf(&b, "DELETE FROM %s", a.d.quote(table))
	where, args, err := a.buildWhere(conds, args)
	if err != nil {
		return false, err
	}
	b.WriteString(where)

	res, err := a.q().ExecContext(ctx, b.String(), args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (a *sqlAdapter) Raw(ctx context.Context, query any, params []any) (any, error) {
	text, ok := query.(string)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNonStringQuery, query)
	}
	if isRowReturning(text) {
		return a.queryRows(ctx, text, params)
	}
	res, err := a.q().ExecContext(ctx, text, params...)
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	return Row{"rowsAffected": affected}, nil
}

func (a *sqlAdapter) SetMode(m Mode) {
	a.mu.Lock()
	a.mode = m
	a.mu.Unlock()
}

func (a *sqlAdapter) StartTransaction(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tx != nil {
		return ErrTransactionOpen
	}
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return err
	}
	a.conn = conn
	a.tx = tx
	a.mode = ModeTransaction
	return nil
}

func (a *sqlAdapter) CommitTransaction(ctx context.Context) error {
	return a.finishTransaction(func(tx *sql.Tx) error { return tx.Commit() })
}

func (a *sqlAdapter) RollbackTransaction(ctx context.Context) error {
	return a.finishTransaction(func(tx *sql.Tx) error { return tx.Rollback() })
}

// finishTransaction ends the transaction and releases the reserved
// connection in every exit path, resetting the adapter to normal mode.
func (a *sqlAdapter) finishTransaction(end func(*sql.Tx) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tx == nil {
		return ErrNoTransaction
	}
	err := end(a.tx)
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.tx = nil
	a.conn = nil
	a.mode = ModeNormal
	return err
}

func (a *sqlAdapter) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *sqlAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tx != nil {
		_ = a.tx.Rollback()
		a.tx = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	return a.db.Close()
}

// buildWhere folds conditions left to right into a parenthesized WHERE
// clause matching the evaluator's left-associative and/or semantics.
func (a *sqlAdapter) buildWhere(conds []Cond, args []any) (string, []any, error) {
	if len(conds) == 0 {
		return "", args, nil
	}
	expr := ""
	for i, c := range conds {
		op, ok := sqlOp(c.Op)
		if !ok {
			return "", nil, fmt.Errorf("unsupported where operator %q", c.Op)
		}
		args = append(args, c.Value)
		piece := fmt.Sprintf("%s %s %s", a.d.quote(c.Field), op, a.d.placeholder(len(args)))
		if i == 0 {
			expr = piece
			continue
		}
		join := "AND"
		if c.Chain == condition.ChainOr {
			join = "OR"
		}
		expr = fmt.Sprintf("(%s) %s %s", expr, join, piece)
	}
	return " WHERE " + expr, args, nil
}

func sqlOp(op condition.Op) (string, bool) {
	switch op {
	case condition.OpEq:
		return "=", true
	case condition.OpNeq:
		return "<>", true
	case condition.OpGt:
		return ">", true
	case condition.OpGte:
		return ">=", true
	case condition.OpLt:
		return "<", true
	case condition.OpLte:
		return "<=", true
	}
	return "", false
}

// queryRows executes a row-returning statement and scans every row into a
// map keyed by column name.
func (a *sqlAdapter) queryRows(ctx context.Context, query string, args []any) ([]Row, error) {
	rows, err := a.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(values[i])
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// normalizeValue converts driver byte slices to strings so rows survive
// JSON encoding and script access.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// sortedColumns returns the row's column names in stable order.
func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// isRowReturning reports whether a raw statement produces rows.
func isRowReturning(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(q, "SELECT") ||
		strings.HasPrefix(q, "WITH") ||
		strings.Contains(q, "RETURNING")
}
