package database

import (
	"context"
	"fmt"

	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/config"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/models"
)

// Queryer is the common read/write surface shared by DB and Tx.
type Queryer interface {
	// Select executes a query and scans rows into dest (slice pointer).
	Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error

	// Get executes a query expected to return a single row and scans into dest.
	Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error

	// Exec executes a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...interface{}) error

	// Insert inserts a struct-tagged record into table and returns the new row ID.
	Insert(ctx context.Context, table string, record interface{}) (int64, error)

	// Update updates rows matching the where clause with values from record.
	Update(ctx context.Context, table string, record interface{}, where string, args ...interface{}) error

	// Upsert inserts or updates based on conflictCols.
	Upsert(ctx context.Context, table string, record interface{}, conflictCols []string) error
}

// Tx is a scoped transactional session: Commit on success, Rollback on error.
// The catalog store (spec §4.1) is built entirely on top of this.
type Tx interface {
	Queryer
	Commit() error
	Rollback() error
}

// DB is the generic storage interface used throughout the scan core.
// Implementations exist for SQLite, MySQL, and PostgreSQL.
type DB interface {
	Queryer

	// Begin opens a transactional session scoped to the caller.
	Begin(ctx context.Context) (Tx, error)

	// ClaimQueuedScanRun atomically selects the oldest queued ScanRun under
	// row-level locking with skip-locked semantics, marks it running, and
	// commits — spec §4.2 steps 1-3 as a single unit. Returns (nil, nil) when
	// no run is queued.
	ClaimQueuedScanRun(ctx context.Context) (*models.ScanRun, error)

	// Migrate applies pending schema migrations in order, idempotently.
	Migrate(ctx context.Context) error

	// Ping verifies the database connection is alive.
	Ping(ctx context.Context) error

	// Close releases the database connection.
	Close() error

	// Driver returns the backend name: "sqlite", "mysql", or "postgres".
	Driver() string
}

// New returns a DB implementation matching cfg.Driver.
// SQLite is the default when driver is empty; an unrecognised driver is an
// error.
func New(cfg config.DatabaseConfig) (DB, error) {
	switch cfg.Driver {
	case "mysql":
		return NewMySQL(cfg)
	case "postgres", "postgresql", "pgx":
		return NewPostgres(cfg)
	case "sqlite", "sqlite3", "":
		return NewSQLite(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q (supported: sqlite, mysql, postgres)", cfg.Driver)
	}
}
