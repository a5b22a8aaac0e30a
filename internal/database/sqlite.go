package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/config"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDB implements DB using SQLite via mattn/go-sqlite3. Being a
// single-writer database, it satisfies the dispatcher's skip-locked claim
// requirement by construction: BEGIN IMMEDIATE takes the one write lock
// before the SELECT runs, so no second connection can observe or claim the
// same row concurrently.
type SQLiteDB struct {
	*sqlBackend
}

// NewSQLite opens (or creates) the SQLite database at cfg.Path.
func NewSQLite(cfg config.DatabaseConfig) (*SQLiteDB, error) {
	path := cfg.Path
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, config.DefaultDBFile)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	s := &SQLiteDB{sqlBackend: &sqlBackend{db: db, driver: "sqlite", rebind: identity, adaptSQL: identity}}
	if err := s.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning sqlite transaction: %w", err)
	}
	return &sqlTx{tx: tx, driver: "sqlite", rebind: identity}, nil
}

func (s *SQLiteDB) ClaimQueuedScanRun(ctx context.Context) (*models.ScanRun, error) {
	// SQLite has no row-level SKIP LOCKED; with SetMaxOpenConns(1) the single
	// connection already serializes every transaction, so the claim's own
	// BeginTx below is a sufficient mutual-exclusion boundary.
	return claimQueuedScanRun(ctx, s.sqlBackend, "")
}
