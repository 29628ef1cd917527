// Package history keeps the durable record of finished executions.
// Records are returned most recent first.
package history

import (
	"context"
	"fmt"

	"github.com/CZERTAINLY/Bosun/internal/model"
)

// Store is the persistence boundary of the execution core.
type Store interface {
	// Append durably adds a terminal execution record.
	Append(ctx context.Context, rec model.Execution) error
	// List returns all records, most recent first.
	List(ctx context.Context) ([]model.Execution, error)
	// Get returns the record with id or model.ErrNotFound.
	Get(ctx context.Context, id string) (model.Execution, error)
	// Prune keeps the keep most recent records and returns how many were
	// removed.
	Prune(ctx context.Context, keep int) (int, error)
	// Ping reports whether the store is usable.
	Ping(ctx context.Context) error
	Close() error
}

// Open creates the store configured by cfg.
func Open(ctx context.Context, cfg model.History) (Store, error) {
	switch cfg.Driver {
	case model.HistoryDriverFile:
		return NewFile(cfg.Path)
	case model.HistoryDriverSQLite:
		return OpenSQL(ctx, DriverSQLite, cfg.Path)
	case model.HistoryDriverPostgres:
		return OpenSQL(ctx, DriverPostgres, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported history driver %q", cfg.Driver)
	}
}
