// Package sqlite implements the storage interfaces on modernc.org/sqlite.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// Open opens a SQLite database, configures WAL mode and creates the schema.
// The returned handle is shared by the memory, fact and task stores.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Using a single open
	// connection serialises writes and avoids SQLITE_BUSY errors under
	// concurrent load. WAL mode lets readers proceed without blocking the
	// writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait instead of failing with SQLITE_BUSY when the connection is held
	// by another goroutine.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return db, nil
}

// migrate applies additive, backward-compatible column additions to schemas
// created by older versions. New columns are nullable or defaulted only.
func migrate(db *sql.DB) error {
	additions := []struct {
		table, column, decl string
	}{
		{"memories", "decay_days", "REAL NOT NULL DEFAULT 30"},
		{"memories", "last_accessed", "TIMESTAMP"},
		{"memories", "n_reinforced", "INTEGER NOT NULL DEFAULT 0"},
		{"memories", "pinned", "INTEGER NOT NULL DEFAULT 0"},
		{"memories", "person_ref", "TEXT"},
		{"facts", "decay_days", "REAL NOT NULL DEFAULT 365"},
		{"facts", "last_accessed", "TIMESTAMP"},
		{"facts", "n_reinforced", "INTEGER NOT NULL DEFAULT 0"},
		{"facts", "pinned", "INTEGER NOT NULL DEFAULT 0"},
		{"facts", "evidence", "TEXT NOT NULL DEFAULT ''"},
		{"facts", "person_ref", "TEXT"},
		{"tasks", "question_text", "TEXT"},
		{"tasks", "answer_text", "TEXT"},
		{"tasks", "claimed_by", "TEXT NOT NULL DEFAULT ''"},
	}

	for _, a := range additions {
		has, err := hasColumn(db, a.table, a.column)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", a.table, a.column, a.decl)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", a.table, a.column, err)
		}
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
