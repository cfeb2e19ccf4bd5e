package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lowkit/lowkit"

	_ "modernc.org/sqlite"
)

const routeSQLiteSchema = `
CREATE TABLE IF NOT EXISTS routes (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	project_id TEXT NOT NULL,
	project_name TEXT,
	path TEXT NOT NULL,
	method TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	blocks BLOB NOT NULL,
	edges BLOB NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_routes_project
ON routes(project_id);`

// SQLiteStoreConfig configures the SQLite route store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists route records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed route store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("route store sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("route sqlite store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("route sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(routeSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("route sqlite store create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) List(ctx context.Context) ([]RouteRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, project_name, path, method, active, blocks, edges, created_at, updated_at
FROM routes
ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("route sqlite store list: %w", err)
	}
	defer rows.Close()

	var records []RouteRecord
	for rows.Next() {
		rec, err := scanRouteRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("route sqlite store list rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (RouteRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, project_id, project_name, path, method, active, blocks, edges, created_at, updated_at
FROM routes
WHERE id = ?`, id)

	rec, err := scanRouteRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RouteRecord{}, false, nil
		}
		return RouteRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec RouteRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	blocks, edges, err := marshalGraph(rec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO routes (id, project_id, project_name, path, method, active, blocks, edges, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProjectID, rec.ProjectName, rec.Path, strings.ToUpper(rec.Method),
		boolToInt(rec.Active), blocks, edges,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrRouteExists
		}
		return fmt.Errorf("route sqlite store create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, rec RouteRecord) error {
	blocks, edges, err := marshalGraph(rec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE routes
SET project_id = ?, project_name = ?, path = ?, method = ?, active = ?, blocks = ?, edges = ?, updated_at = ?
WHERE id = ?`,
		rec.ProjectID, rec.ProjectName, rec.Path, strings.ToUpper(rec.Method),
		boolToInt(rec.Active), blocks, edges,
		time.Now().UTC().Format(time.RFC3339Nano), rec.ID)
	if err != nil {
		return fmt.Errorf("route sqlite store update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("route sqlite store update: %w", err)
	}
	if n == 0 {
		return ErrRouteNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM routes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("route sqlite store delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("route sqlite store delete: %w", err)
	}
	if n == 0 {
		return ErrRouteNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRouteRecord(row rowScanner) (RouteRecord, error) {
	var (
		rec                  RouteRecord
		active               int
		blocks, edges        []byte
		createdAt, updatedAt string
	)
	err := row.Scan(&rec.ID, &rec.ProjectID, &rec.ProjectName, &rec.Path, &rec.Method,
		&active, &blocks, &edges, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RouteRecord{}, err
		}
		return RouteRecord{}, fmt.Errorf("route sqlite store scan: %w", err)
	}

	rec.Active = active != 0
	if err := json.Unmarshal(blocks, &rec.Blocks); err != nil {
		return RouteRecord{}, fmt.Errorf("route sqlite store decode blocks: %w", err)
	}
	if err := json.Unmarshal(edges, &rec.Edges); err != nil {
		return RouteRecord{}, fmt.Errorf("route sqlite store decode edges: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return RouteRecord{}, fmt.Errorf("route sqlite store decode created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return RouteRecord{}, fmt.Errorf("route sqlite store decode updated_at: %w", err)
	}
	return rec, nil
}

func marshalGraph(rec RouteRecord) (blocks, edges []byte, err error) {
	if rec.Blocks == nil {
		rec.Blocks = []lowkit.BlockSpec{}
	}
	if rec.Edges == nil {
		rec.Edges = []lowkit.EdgeSpec{}
	}
	blocks, err = json.Marshal(rec.Blocks)
	if err != nil {
		return nil, nil, fmt.Errorf("route sqlite store encode blocks: %w", err)
	}
	edges, err = json.Marshal(rec.Edges)
	if err != nil {
		return nil, nil, fmt.Errorf("route sqlite store encode edges: %w", err)
	}
	return blocks, edges, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ RouteStore = (*SQLiteStore)(nil)
