// Package database is the SQLite backend for appointments and availability
// entries.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sql.DB for the calendar engine.
type DB struct {
	*sql.DB
	path string
}

// Open opens the database at path in WAL mode and runs migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := createTables(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func createTables(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS appointments (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			start_ms INTEGER NOT NULL,
			end_ms INTEGER NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			meeting_url TEXT NOT NULL DEFAULT '',
			contact_id TEXT NOT NULL DEFAULT '',
			assigned_to_id TEXT NOT NULL,
			property_id TEXT NOT NULL DEFAULT '',
			attendees TEXT NOT NULL DEFAULT '[]',
			reminders TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			recurring_pattern TEXT,
			version INTEGER NOT NULL,
			created_ms INTEGER NOT NULL,
			updated_ms INTEGER NOT NULL,
			CHECK (end_ms > start_ms)
		)`,

		`CREATE TABLE IF NOT EXISTS availability_entries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			day_of_week INTEGER NOT NULL DEFAULT 0,
			is_recurring BOOLEAN NOT NULL DEFAULT 0,
			recurring_pattern TEXT,
			date TEXT NOT NULL DEFAULT '',
			start_minute INTEGER NOT NULL,
			end_minute INTEGER NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			effective_from TEXT NOT NULL DEFAULT '',
			created_ms INTEGER NOT NULL,
			CHECK (end_minute > start_minute)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_appointments_agent_time ON appointments(assigned_to_id, start_ms, end_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_start ON appointments(start_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_status ON appointments(status)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_contact ON appointments(contact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_availability_user ON availability_entries(user_id)`,
	}

	for _, q := range queries {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// encodeNullableJSON stores nil pointers as SQL NULL.
func encodeNullableJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	s, err := encodeJSON(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func decodeNullableJSON[T any](ns sql.NullString) (*T, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal([]byte(ns.String), &v); err != nil {
		return nil, err
	}
	return &v, nil
}
