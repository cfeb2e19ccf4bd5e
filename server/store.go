package server

import (
	"context"
	"errors"
	"time"

	"github.com/lowkit/lowkit"
)

// Sentinel errors for store operations.
var (
	ErrRouteExists   = errors.New("route already exists")
	ErrRouteNotFound = errors.New("route not found")
)

// RouteRecord is one persisted route: its matcher attributes plus the
// block/edge graph the engine executes.
type RouteRecord struct {
	ID          string             `json:"id"`
	ProjectID   string             `json:"project_id"`
	ProjectName string             `json:"project_name,omitempty"`
	Path        string             `json:"path"`
	Method      string             `json:"method"`
	Active      bool               `json:"active"`
	Blocks      []lowkit.BlockSpec `json:"blocks"`
	Edges       []lowkit.EdgeSpec  `json:"edges"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// RouteStore provides CRUD operations for route records.
type RouteStore interface {
	List(ctx context.Context) ([]RouteRecord, error)
	Get(ctx context.Context, id string) (RouteRecord, bool, error)
	Create(ctx context.Context, rec RouteRecord) error
	Update(ctx context.Context, rec RouteRecord) error
	Delete(ctx context.Context, id string) error
}
