// Copyright 2025 Baton Authors
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

// Package sqlite provides a SQLite backend implementation for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hfield/baton/internal/backend"
	"github.com/hfield/baton/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ backend.ExecutionStore  = (*Backend)(nil)
	_ backend.ExecutionLister = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	// SQLite serializes writes, so keep a single connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connecting to database")
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "configuring pragmas")
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "running migrations")
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return errors.Wrapf(err, "executing %s", pragma)
		}
	}

	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			triggered_by TEXT,
			params TEXT,
			result TEXT,
			error TEXT,
			completed INTEGER DEFAULT 0,
			total INTEGER DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return errors.Wrap(err, "migration failed")
		}
	}

	return nil
}

// CreateExecution creates a new execution record.
func (b *Backend) CreateExecution(ctx context.Context, rec *backend.ExecutionRecord) error {
	paramsJSON, err := json.Marshal(rec.Params)
	if err != nil {
		return errors.Wrap(err, "marshaling params")
	}
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return errors.Wrap(err, "marshaling result")
	}

	query := `
		INSERT INTO executions (id, workflow_id, status, priority, triggered_by,
			params, result, error, completed, total, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = b.db.ExecContext(ctx, query,
		rec.ID, rec.WorkflowID, rec.Status, rec.Priority, nullString(rec.TriggeredBy),
		string(paramsJSON), string(resultJSON), nullString(rec.Error),
		rec.Completed, rec.Total,
		formatTime(rec.StartedAt), formatTime(rec.CompletedAt),
		created.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return &errors.StoreError{Op: "create", Key: rec.ID, Cause: err}
	}

	rec.CreatedAt = created
	rec.UpdatedAt = now
	return nil
}

// GetExecution retrieves an execution by ID.
func (b *Backend) GetExecution(ctx context.Context, id string) (*backend.ExecutionRecord, error) {
	query := selectColumns + ` FROM executions WHERE id = ?`

	rec, err := scanExecution(b.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "get", Key: id, Cause: err}
	}
	return rec, nil
}

// UpdateExecution updates an existing execution record.
func (b *Backend) UpdateExecution(ctx context.Context, rec *backend.ExecutionRecord) error {
	paramsJSON, err := json.Marshal(rec.Params)
	if err != nil {
		return errors.Wrap(err, "marshaling params")
	}
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return errors.Wrap(err, "marshaling result")
	}

	query := `
		UPDATE executions SET
			workflow_id = ?, status = ?, priority = ?, triggered_by = ?,
			params = ?, result = ?, error = ?, completed = ?, total = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now()
	result, err := b.db.ExecContext(ctx, query,
		rec.WorkflowID, rec.Status, rec.Priority, nullString(rec.TriggeredBy),
		string(paramsJSON), string(resultJSON), nullString(rec.Error),
		rec.Completed, rec.Total,
		formatTime(rec.StartedAt), formatTime(rec.CompletedAt),
		now.Format(time.RFC3339Nano),
		rec.ID,
	)
	if err != nil {
		return &errors.StoreError{Op: "update", Key: rec.ID, Cause: err}
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &errors.NotFoundError{Resource: "execution", ID: rec.ID}
	}

	rec.UpdatedAt = now
	return nil
}

// ListExecutions lists executions with optional filtering, newest first.
func (b *Backend) ListExecutions(ctx context.Context, filter backend.ExecutionFilter) ([]*backend.ExecutionRecord, error) {
	query := selectColumns + ` FROM executions WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Workflow != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.Workflow)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.StoreError{Op: "list", Cause: err}
	}
	defer rows.Close()

	var recs []*backend.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, &errors.StoreError{Op: "list", Cause: err}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteExecution deletes an execution by ID.
func (b *Backend) DeleteExecution(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id); err != nil {
		return &errors.StoreError{Op: "delete", Key: id, Cause: err}
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

const selectColumns = `
	SELECT id, workflow_id, status, priority, triggered_by, params, result,
		error, completed, total, started_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*backend.ExecutionRecord, error) {
	var rec backend.ExecutionRecord
	var triggeredBy, paramsJSON, resultJSON, errorStr sql.NullString
	var startedAt, completedAt, createdAt, updatedAt sql.NullString

	err := row.Scan(
		&rec.ID, &rec.WorkflowID, &rec.Status, &rec.Priority, &triggeredBy,
		&paramsJSON, &resultJSON, &errorStr,
		&rec.Completed, &rec.Total,
		&startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if triggeredBy.Valid {
		rec.TriggeredBy = triggeredBy.String
	}
	if errorStr.Valid {
		rec.Error = errorStr.String
	}

	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &rec.Params); err != nil {
			return nil, errors.Wrap(err, "unmarshaling params")
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &rec.Result); err != nil {
			return nil, errors.Wrap(err, "unmarshaling result")
		}
	}

	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		rec.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		rec.CompletedAt = &t
	}
	if createdAt.Valid {
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
	}
	if updatedAt.Valid {
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt.String)
	}

	return &rec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
