package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (or creates) the shared SQLite database. Alert definitions,
// notification state, evaluation history and the global lock all live in one
// file so a single fsync domain covers them.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY under
	// concurrent evaluation workers.
	db.SetMaxOpenConns(1)
	return db, nil
}
