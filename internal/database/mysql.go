package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/config"
	"github.com/Kousthubh-Veturi/asfalis-scan-core/internal/models"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLDB implements DB using MySQL 8+ via go-sql-driver/mysql. MySQL 8
// supports SELECT ... FOR UPDATE SKIP LOCKED natively.
type MySQLDB struct {
	*sqlBackend
}

// NewMySQL opens a MySQL connection using cfg.DSN.
func NewMySQL(cfg config.DatabaseConfig) (*MySQLDB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("mysql DSN is required when driver is mysql")
	}

	dsn := cfg.DSN
	if !strings.Contains(dsn, "parseTime") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	m := &MySQLDB{sqlBackend: &sqlBackend{db: db, driver: "mysql", rebind: identity, adaptSQL: mysqlAdapt}}
	if err := m.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("pinging mysql: %w", err)
	}
	return m, nil
}

func (m *MySQLDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning mysql transaction: %w", err)
	}
	return &sqlTx{tx: tx, driver: "mysql", rebind: identity}, nil
}

func (m *MySQLDB) ClaimQueuedScanRun(ctx context.Context) (*models.ScanRun, error) {
	return claimQueuedScanRun(ctx, m.sqlBackend, "FOR UPDATE SKIP LOCKED")
}

// mysqlAdapt converts SQLite-flavored DDL in the shared migration files to
// MySQL equivalents.
func mysqlAdapt(sql string) string {
	sql = strings.ReplaceAll(sql, "INTEGER PRIMARY KEY AUTOINCREMENT", "INT NOT NULL AUTO_INCREMENT PRIMARY KEY")
	sql = strings.ReplaceAll(sql, "AUTOINCREMENT", "AUTO_INCREMENT")
	sql = strings.ReplaceAll(sql, " REAL ", " DOUBLE ")
	sql = strings.ReplaceAll(sql, "ON CONFLICT DO NOTHING", "")
	return sql
}
