package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/evmloadtest/pkg/types"
)

// ErrRunNotFound is returned by updates addressing an unknown run.
var ErrRunNotFound = errors.New("run not found")

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical JSON columns so a corrupt value does not hide the row.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets the API read history while a run is being written.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		pattern TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		requests INTEGER DEFAULT 0,
		failures INTEGER DEFAULT 0,
		average_rps REAL DEFAULT 0,
		peak_users INTEGER DEFAULT 0,
		latency_stats TEXT,
		config TEXT NOT NULL,
		status TEXT DEFAULT 'running',
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS task_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		category TEXT NOT NULL,
		name TEXT NOT NULL,
		requests INTEGER NOT NULL,
		failures INTEGER NOT NULL,
		avg_response_size REAL DEFAULT 0,
		latency_stats TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_stats_run ON task_stats(run_id);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		category TEXT NOT NULL,
		name TEXT NOT NULL,
		response_time_ms REAL NOT NULL,
		response_size INTEGER DEFAULT 0,
		tx_hash TEXT,
		error_class TEXT,
		error TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema. Each is applied only if missing.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"runs", "skips", "ALTER TABLE runs ADD COLUMN skips INTEGER DEFAULT 0"},
		{"runs", "errors", "ALTER TABLE runs ADD COLUMN errors TEXT"},
		{"runs", "chain_id", "ALTER TABLE runs ADD COLUMN chain_id INTEGER DEFAULT 0"},
		{"runs", "target", "ALTER TABLE runs ADD COLUMN target TEXT"},
		// Run naming and favorites
		{"runs", "custom_name", "ALTER TABLE runs ADD COLUMN custom_name TEXT"},
		{"runs", "is_favorite", "ALTER TABLE runs ADD COLUMN is_favorite INTEGER DEFAULT 0"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				return fmt.Errorf("add %s.%s: %w", m.table, m.column, err)
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Identifiers are validated first since they are interpolated into the query.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier reports whether s only holds alphanumerics and underscores.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run record when the run starts.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, pattern, duration_ms, config, status, chain_id, target)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, run.Pattern, run.DurationMs, string(configJSON), run.Status,
		run.ChainID, nullString(run.Target))

	return err
}

// CompleteRun stores the final statistics of a run.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, run *Run) error {
	latencyJSON, _ := json.Marshal(run.Latency)
	errorsJSON, _ := json.Marshal(run.Errors)

	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?,
			duration_ms = ?,
			requests = ?,
			failures = ?,
			skips = ?,
			average_rps = ?,
			peak_users = ?,
			latency_stats = ?,
			errors = ?,
			status = ?,
			error_message = ?
		WHERE id = ?
	`, completedAt, run.DurationMs, run.Requests, run.Failures, run.Skips, run.AverageRPS, run.PeakUsers,
		string(latencyJSON), string(errorsJSON), run.Status, nullString(run.ErrorMessage), run.ID)
	if err != nil {
		return err
	}
	return requireRow(result, run.ID)
}

const runColumns = `id, started_at, completed_at, pattern, duration_ms,
	requests, failures, COALESCE(skips, 0), average_rps, peak_users,
	latency_stats, errors, config, status, error_message,
	COALESCE(chain_id, 0), target, custom_name, COALESCE(is_favorite, 0)`

// GetRun retrieves a single run by ID. It returns nil, nil for unknown IDs.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns a page of runs, favorites first, then newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
		ORDER BY is_favorite DESC, started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run and everything recorded for it.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	return err
}

// UpdateRunMetadata updates the custom name and/or favorite flag of a run.
func (s *SQLiteStorage) UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error {
	var updates []string
	var args []any

	if update.CustomName != nil {
		updates = append(updates, "custom_name = ?")
		args = append(args, *update.CustomName)
	}
	if update.IsFavorite != nil {
		updates = append(updates, "is_favorite = ?")
		if *update.IsFavorite {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}

	if len(updates) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(updates, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return requireRow(result, id)
}

// SaveTaskStats replaces the per-task statistics of a run.
func (s *SQLiteStorage) SaveTaskStats(ctx context.Context, runID string, tasks []TaskStatsRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM task_stats WHERE run_id = ?", runID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO task_stats (run_id, category, name, requests, failures, avg_response_size, latency_stats)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range tasks {
		latencyJSON, _ := json.Marshal(t.Latency)
		if _, err := stmt.ExecContext(ctx, runID, t.Category, t.Name, t.Requests, t.Failures,
			t.AvgResponseSize, string(latencyJSON)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetTaskStats returns the per-task statistics of a run in name order.
func (s *SQLiteStorage) GetTaskStats(ctx context.Context, runID string) ([]TaskStatsRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, name, requests, failures, avg_response_size, latency_stats
		FROM task_stats
		WHERE run_id = ?
		ORDER BY category, name
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []TaskStatsRow{}
	for rows.Next() {
		var t TaskStatsRow
		var latencyJSON sql.NullString
		if err := rows.Scan(&t.Category, &t.Name, &t.Requests, &t.Failures, &t.AvgResponseSize, &latencyJSON); err != nil {
			return nil, err
		}
		if latencyJSON.Valid && latencyJSON.String != "" && latencyJSON.String != "null" {
			t.Latency = &types.LatencyStats{}
			unmarshalJSON(latencyJSON.String, t.Latency, "task_stats.latency_stats", runID)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// BulkInsertEvents inserts a run's event log in one transaction.
func (s *SQLiteStorage) BulkInsertEvents(ctx context.Context, runID string, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (run_id, timestamp_ms, user_id, category, name, response_time_ms, response_size,
			tx_hash, error_class, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := stmt.ExecContext(ctx, runID, e.Timestamp.UnixMilli(), e.User, e.Category, e.Name,
			e.ResponseTimeMs, e.ResponseSize, nullString(e.TxHash), nullString(e.ErrorClass), nullString(e.Error))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetEvents returns a page of a run's event log in insertion order.
func (s *SQLiteStorage) GetEvents(ctx context.Context, runID string, limit, offset int) (*PaginatedEvents, error) {
	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events WHERE run_id = ?", runID).Scan(&total)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp_ms, user_id, category, name, response_time_ms, response_size, tx_hash, error_class, error
		FROM events
		WHERE run_id = ?
		ORDER BY id
		LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []EventRow{}
	for rows.Next() {
		var e EventRow
		var tsMs int64
		var txHash, errClass, errMsg sql.NullString
		if err := rows.Scan(&tsMs, &e.User, &e.Category, &e.Name, &e.ResponseTimeMs, &e.ResponseSize,
			&txHash, &errClass, &errMsg); err != nil {
			return nil, err
		}
		e.RunID = runID
		e.Timestamp = time.UnixMilli(tsMs)
		e.TxHash = txHash.String
		e.ErrorClass = errClass.String
		e.Error = errMsg.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedEvents{
		Events: events,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var completedAt sql.NullTime
	var latencyJSON, errorsJSON, configJSON sql.NullString
	var errorMsg, target, customName sql.NullString
	var isFavorite int

	err := row.Scan(&run.ID, &run.StartedAt, &completedAt, &run.Pattern, &run.DurationMs,
		&run.Requests, &run.Failures, &run.Skips, &run.AverageRPS, &run.PeakUsers,
		&latencyJSON, &errorsJSON, &configJSON, &run.Status, &errorMsg,
		&run.ChainID, &target, &customName, &isFavorite)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.ErrorMessage = errorMsg.String
	run.Target = target.String
	if customName.Valid {
		run.CustomName = &customName.String
	}
	run.IsFavorite = isFavorite == 1

	if latencyJSON.Valid && latencyJSON.String != "" && latencyJSON.String != "null" {
		run.Latency = &types.LatencyStats{}
		unmarshalJSON(latencyJSON.String, run.Latency, "latency_stats", run.ID)
	}
	if errorsJSON.Valid && errorsJSON.String != "" {
		unmarshalJSON(errorsJSON.String, &run.Errors, "errors", run.ID)
	}
	if configJSON.Valid && configJSON.String != "" && configJSON.String != "null" {
		run.Config = &types.StartRunRequest{}
		unmarshalJSON(configJSON.String, run.Config, "config", run.ID)
	}

	return &run, nil
}

func requireRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

var _ Storage = (*SQLiteStorage)(nil)
