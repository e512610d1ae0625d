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

package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/import-pandas-as-numpy/snakehook-runner/pkg/triage"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "triage.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestRecordStartAndResult(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	job := triage.RunJob{
		RunID:       "run-1",
		PackageName: "requests",
		Version:     "2.31.0",
		Mode:        triage.ModeInstall,
	}
	if err := db.RecordStart(ctx, job); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}

	run, err := db.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != StatusRunning {
		t.Errorf("status = %q, want %q", run.Status, StatusRunning)
	}
	if run.PackageName != "requests" || run.Version != "2.31.0" {
		t.Errorf("run = %+v", run)
	}
	if run.CreatedAt.IsZero() {
		t.Error("created_at must be set")
	}
	if !run.FinishedAt.IsZero() {
		t.Error("finished_at must be zero while running")
	}

	if err := db.RecordResult(ctx, "run-1", true, "install ok"); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	run, err = db.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun after result: %v", err)
	}
	if run.Status != StatusOK {
		t.Errorf("status = %q, want %q", run.Status, StatusOK)
	}
	if run.Message != "install ok" {
		t.Errorf("message = %q", run.Message)
	}
	if run.FinishedAt.IsZero() {
		t.Error("finished_at must be set after result")
	}
}

func TestRecordResultFailure(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	job := triage.RunJob{RunID: "run-2", PackageName: "left-pad", Version: "1.0.0", Mode: triage.ModeExecute}
	if err := db.RecordStart(ctx, job); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	if err := db.RecordResult(ctx, "run-2", false, "pip install failed: boom"); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	run, err := db.GetRun(ctx, "run-2")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != StatusFailed {
		t.Errorf("status = %q, want %q", run.Status, StatusFailed)
	}
}

func TestGetRunMissing(t *testing.T) {
	db := testDB(t)
	_, err := db.GetRun(context.Background(), "nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestListRecentRuns(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, id := range []string{"run-a", "run-b", "run-c"} {
		job := triage.RunJob{RunID: id, PackageName: "pkg", Version: "1.0", Mode: triage.ModeInstall}
		if err := db.RecordStart(ctx, job); err != nil {
			t.Fatalf("RecordStart %s: %v", id, err)
		}
	}

	runs, err := db.ListRecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d, want 2", len(runs))
	}
	// CURRENT_TIMESTAMP has second resolution; the run_id tiebreaker
	// keeps insertion order stable within the same second.
	if runs[0].RunID != "run-c" || runs[1].RunID != "run-b" {
		t.Errorf("order = %q, %q", runs[0].RunID, runs[1].RunID)
	}
}
