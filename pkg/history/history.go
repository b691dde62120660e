// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package history keeps a SQLite ledger of flashing sessions.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Session outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Session is one recorded run.
type Session struct {
	ID         int64
	StartedAt  time.Time
	Duration   time.Duration
	Operation  string // flash, erase, info, read
	Port       string
	Image      string
	Address    uint32
	Bytes      int
	Bootloader string
	ProductID  string
	Outcome    string
	Error      string
}

// Store wraps *sql.DB with the ledger queries.
type Store struct {
	*sql.DB
}

// Open opens (or creates) the ledger at path with WAL journal mode and
// applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	// One writer; the CLI never needs more
	raw.SetMaxOpenConns(1)

	s := &Store{raw}
	if err := s.Migrate(); err != nil {
		raw.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the schema. It is idempotent.
func (s *Store) Migrate() error {
	for _, stmt := range []string{ddlSessions} {
		if _, err := s.Exec(stmt); err != nil {
			return fmt.Errorf("history: migrate: %w", err)
		}
	}
	return nil
}

// Record appends a session and returns its id.
func (s *Store) Record(ctx context.Context, sess *Session) (int64, error) {
	res, err := s.ExecContext(ctx, `
INSERT INTO sessions
    (started_at, duration_ms, operation, port, image, address, bytes,
     bootloader, product_id, outcome, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.StartedAt.UnixMilli(),
		sess.Duration.Milliseconds(),
		sess.Operation,
		sess.Port,
		sess.Image,
		int64(sess.Address),
		sess.Bytes,
		sess.Bootloader,
		sess.ProductID,
		sess.Outcome,
		sess.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("history: record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history: record: %w", err)
	}
	sess.ID = id
	return id, nil
}

// List returns the most recent sessions, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.QueryContext(ctx, `
SELECT id, started_at, duration_ms, operation, port, image, address, bytes,
       bootloader, product_id, outcome, error
FROM sessions
ORDER BY started_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess      Session
			startedAt int64
			duration  int64
			address   int64
		)
		if err := rows.Scan(&sess.ID, &startedAt, &duration, &sess.Operation, &sess.Port,
			&sess.Image, &address, &sess.Bytes, &sess.Bootloader, &sess.ProductID,
			&sess.Outcome, &sess.Error); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		sess.StartedAt = time.UnixMilli(startedAt)
		sess.Duration = time.Duration(duration) * time.Millisecond
		sess.Address = uint32(address)
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return out, nil
}

// Stats counts sessions by outcome.
func (s *Store) Stats(ctx context.Context) (total, failed int, err error) {
	row := s.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0)
FROM sessions`, OutcomeFailed)
	if err := row.Scan(&total, &failed); err != nil {
		return 0, 0, fmt.Errorf("history: stats: %w", err)
	}
	return total, failed, nil
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at  INTEGER NOT NULL,          -- Unix milliseconds
    duration_ms INTEGER NOT NULL DEFAULT 0,
    operation   TEXT    NOT NULL,
    port        TEXT    NOT NULL DEFAULT '',
    image       TEXT    NOT NULL DEFAULT '',
    address     INTEGER NOT NULL DEFAULT 0,
    bytes       INTEGER NOT NULL DEFAULT 0,
    bootloader  TEXT    NOT NULL DEFAULT '',
    product_id  TEXT    NOT NULL DEFAULT '',
    outcome     TEXT    NOT NULL,
    error       TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions (started_at DESC);
`
