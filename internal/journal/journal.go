// Copyright 2025 btrmirror Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package journal persists replication run reports to a SQLite database so
// past runs can be reviewed with `btrmirror history`. The journal is
// strictly additive observability: a journal failure is a warning, never a
// reason to touch the replication outcome.
package journal

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"btrmirror/internal/replicate"
	"btrmirror/internal/util"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		dest TEXT NOT NULL,
		dry_run INTEGER NOT NULL,
		status TEXT NOT NULL,
		warnings INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS run_steps (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		op TEXT NOT NULL,
		path TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs (started_at)`,
}

// Journal is a SQLite-backed run history.
type Journal struct {
	db    *sql.DB
	bunDB *bun.DB
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	// Execute statements individually for libsql compatibility.
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create journal schema: %w", err)
		}
	}
	return &Journal{
		db:    db,
		bunDB: bun.NewDB(db, sqlitedialect.New()),
	}, nil
}

// execPragma runs a PRAGMA via Query (not Exec) because libsql returns
// rows for PRAGMA statements. The rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets the essential PRAGMAs after opening a connection.
// libsql ignores DSN-based _pragma=value parameters, so they must be set
// explicitly.
func applyPragmas(db *sql.DB) error {
	if err := execPragma(db, "PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record writes one run report and its steps.
func (j *Journal) Record(ctx context.Context, r *replicate.Report) error {
	run := &RunModel{
		ID:         r.RunID,
		Source:     r.Source,
		Dest:       r.Dest,
		DryRun:     r.DryRun,
		Status:     r.Status(),
		Warnings:   int64(r.Warnings()),
		StartedAt:  r.StartedAt.Unix(),
		FinishedAt: r.FinishedAt.Unix(),
	}
	steps := make([]StepModel, 0, len(r.Steps))
	for _, s := range r.Steps {
		steps = append(steps, StepModel{
			RunID:  r.RunID,
			Seq:    int64(s.Seq),
			Op:     s.Op,
			Path:   s.Path,
			Status: string(s.Status),
			Detail: s.Detail,
		})
	}

	// Retried on transient "database is locked" errors only.
	return util.Retry(ctx, func() error {
		return j.bunDB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.NewInsert().Model(run).Exec(ctx); err != nil {
				return err
			}
			if len(steps) > 0 {
				if _, err := tx.NewInsert().Model(&steps).Exec(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}, util.DatabaseRetryOptions(ctx)...)
}

// History returns the most recent runs, newest first.
func (j *Journal) History(ctx context.Context, limit int) ([]RunModel, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []RunModel
	err := j.bunDB.NewSelect().
		Model(&runs).
		OrderExpr("started_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// Steps returns the recorded steps of one run in sequence order.
func (j *Journal) Steps(ctx context.Context, runID string) ([]StepModel, error) {
	var steps []StepModel
	err := j.bunDB.NewSelect().
		Model(&steps).
		Where("run_id = ?", runID).
		OrderExpr("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return steps, nil
}
