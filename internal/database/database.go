// Snakehook is a package triage sandbox service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package database persists run history in SQLite. Persistence is an
// observability aid; the triage pipeline itself never depends on it.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/import-pandas-as-numpy/snakehook-runner/pkg/triage"
)

// Run is one row of run history.
type Run struct {
	RunID       string    `json:"run_id"`
	PackageName string    `json:"package_name"`
	Version     string    `json:"version"`
	Mode        string    `json:"mode"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Run status values.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

// DB wraps the database connection and provides run-history access.
type DB struct {
	conn *sql.DB
}

// New opens (or creates) the run-history database.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Migrate runs database migrations.
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			package_name TEXT NOT NULL,
			version TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			message TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, migration := range migrations {
		if _, err := tx.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return tx.Commit()
}

// RecordStart inserts the run in running state.
func (db *DB) RecordStart(ctx context.Context, job triage.RunJob) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO runs (run_id, package_name, version, mode, status) VALUES (?, ?, ?, ?, ?)`,
		job.RunID, job.PackageName, job.Version, string(job.Mode), StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// RecordResult marks the run finished with its terminal message.
func (db *DB) RecordResult(ctx context.Context, runID string, ok bool, message string) error {
	status := StatusFailed
	if ok {
		status = StatusOK
	}
	_, err := db.conn.ExecContext(ctx,
		`UPDATE runs SET status = ?, message = ?, finished_at = CURRENT_TIMESTAMP WHERE run_id = ?`,
		status, message, runID)
	if err != nil {
		return fmt.Errorf("failed to record run result: %w", err)
	}
	return nil
}

// GetRun fetches one run by ID. Returns sql.ErrNoRows when absent.
func (db *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT run_id, package_name, version, mode, status, COALESCE(message, ''),
			created_at, COALESCE(finished_at, '')
		FROM runs WHERE run_id = ?`, runID)

	var run Run
	var createdAt, finishedAt string
	err := row.Scan(&run.RunID, &run.PackageName, &run.Version, &run.Mode,
		&run.Status, &run.Message, &createdAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	run.CreatedAt = parseSQLiteTime(createdAt)
	run.FinishedAt = parseSQLiteTime(finishedAt)
	return &run, nil
}

// ListRecentRuns returns up to limit runs, newest first.
func (db *DB) ListRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT run_id, package_name, version, mode, status, COALESCE(message, ''),
			created_at, COALESCE(finished_at, '')
		FROM runs ORDER BY created_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var createdAt, finishedAt string
		if err := rows.Scan(&run.RunID, &run.PackageName, &run.Version, &run.Mode,
			&run.Status, &run.Message, &createdAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.CreatedAt = parseSQLiteTime(createdAt)
		run.FinishedAt = parseSQLiteTime(finishedAt)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// parseSQLiteTime handles the DATETIME text format CURRENT_TIMESTAMP
// produces. Empty and unparsable values map to the zero time.
func parseSQLiteTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
