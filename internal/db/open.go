// Package db opens and pools the message store's database connections.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/db/dialect"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// defaultSQLiteReaderConns is the number of concurrent read connections.
	// SQLite WAL mode allows many readers alongside a single writer.
	defaultSQLiteReaderConns = 4
)

// Open builds a Pool from configuration: Postgres when POSTGRES_URL is set,
// SQLite WAL reader/writer otherwise.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	if cfg.PostgresURL != "" {
		pg, err := openPostgres(cfg.PostgresURL, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		return NewPool(pg, pg), nil
	}

	writer, err := openSQLite(cfg.Path)
	if err != nil {
		return nil, err
	}
	reader, err := openSQLiteReader(cfg.Path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewPool(writer, reader), nil
}

// openPostgres opens a PostgreSQL connection pool using pgx.
// If maxConns or minConns are 0, they default to 25 and 5 respectively.
func openPostgres(dsn string, maxConns, minConns int) (*sqlx.DB, error) {
	pg, err := sqlx.Open(dialect.PGX, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}

	pg.SetMaxOpenConns(maxConns)
	pg.SetMaxIdleConns(minConns)

	if err := pg.Ping(); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return pg, nil
}

// openSQLite opens a SQLite database configured for writes (single connection).
func openSQLite(dbPath string) (*sqlx.DB, error) {
	normalizedPath := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureSQLiteFile(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
	// - journal_mode=WAL: better read concurrency with a single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	sqldb, err := sqlx.Open(dialect.SQLite3, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)

	return sqldb, nil
}

// openSQLiteReader opens a read-only SQLite connection pool with multiple
// concurrent connections.
func openSQLiteReader(dbPath string) (*sqlx.DB, error) {
	normalizedPath := normalizeSQLitePath(dbPath)

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	sqldb, err := sqlx.Open(dialect.SQLite3, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	sqldb.SetMaxOpenConns(defaultSQLiteReaderConns)
	sqldb.SetMaxIdleConns(defaultSQLiteReaderConns)

	return sqldb, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureSQLiteFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
