package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies which SQL backend a connection speaks.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Connect opens the database. An empty connStr selects the embedded SQLite
// file at sqlitePath; otherwise connStr is treated as a Postgres URL.
func Connect(connStr, sqlitePath string) (*sql.DB, Dialect, error) {
	if connStr == "" {
		db, err := sql.Open("sqlite", sqlitePath)
		if err != nil {
			return nil, "", fmt.Errorf("unable to open sqlite database %s: %w", sqlitePath, err)
		}
		// SQLite handles one writer at a time; a single connection avoids
		// SQLITE_BUSY under concurrent pipeline inserts.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{`PRAGMA journal_mode = WAL;`, `PRAGMA busy_timeout = 30000;`} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, "", fmt.Errorf("unable to configure sqlite database: %w", err)
			}
		}
		return db, DialectSQLite, nil
	}

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, "", fmt.Errorf("unable to connect to database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, DialectPostgres, nil
}

// Ping verifies the connection with a short deadline.
func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}
