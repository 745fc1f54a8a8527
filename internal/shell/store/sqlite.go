package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeFormat = time.RFC3339Nano

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the journal database and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID         string  `db:"id"`
	Command    string  `db:"command"`
	HostLimit  string  `db:"host_limit"`
	Tags       string  `db:"tags"`
	StartedAt  string  `db:"started_at"`
	FinishedAt *string `db:"finished_at"`
	Outcome    string  `db:"outcome"`
	Error      string  `db:"error"`
}

func (r runRow) toRun() (*Run, error) {
	startedAt, err := time.Parse(timeFormat, r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid started_at: %w", err)
	}

	var finishedAt *time.Time
	if r.FinishedAt != nil {
		t, err := time.Parse(timeFormat, *r.FinishedAt)
		if err != nil {
			return nil, fmt.Errorf("invalid finished_at: %w", err)
		}
		finishedAt = &t
	}

	return &Run{
		ID:         r.ID,
		Command:    r.Command,
		HostLimit:  r.HostLimit,
		Tags:       r.Tags,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Outcome:    RunOutcome(r.Outcome),
		Error:      r.Error,
	}, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	return createRun(ctx, s.db, run)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id string, outcome RunOutcome, errMsg string) error {
	return finishRun(ctx, s.db, id, outcome, errMsg)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	return listRuns(ctx, s.db, limit)
}

func createRun(ctx context.Context, ex executor, run *Run) error {
	if run.Outcome == "" {
		run.Outcome = OutcomeRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	row := runRow{
		ID:        run.ID,
		Command:   run.Command,
		HostLimit: run.HostLimit,
		Tags:      run.Tags,
		StartedAt: run.StartedAt.UTC().Format(timeFormat),
		Outcome:   string(run.Outcome),
		Error:     run.Error,
	}

	_, err := ex.NamedExecContext(ctx, `
		INSERT INTO runs (id, command, host_limit, tags, started_at, outcome, error)
		VALUES (:id, :command, :host_limit, :tags, :started_at, :outcome, :error)`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return NewStoreError("CreateRun", "run", run.ID, "run already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateRun", "run", run.ID, err.Error(), err)
	}
	return nil
}

func finishRun(ctx context.Context, ex executor, id string, outcome RunOutcome, errMsg string) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := ex.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, outcome = ?, error = ? WHERE id = ?`,
		now, string(outcome), errMsg, id)
	if err != nil {
		return NewStoreError("FinishRun", "run", id, err.Error(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("FinishRun", "run", id, "run not found", ErrNotFound)
	}
	return nil
}

func getRun(ctx context.Context, ex executor, id string) (*Run, error) {
	var row runRow
	err := ex.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}
	return row.toRun()
}

func listRuns(ctx context.Context, ex executor, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []runRow
	err := ex.SelectContext(ctx, &rows, `
		SELECT * FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	runs := make([]Run, 0, len(rows))
	for _, row := range rows {
		run, err := row.toRun()
		if err != nil {
			return nil, NewStoreError("ListRuns", "run", row.ID, err.Error(), err)
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// =============================================================================
// Host Result Operations
// =============================================================================

// hostResultRow represents a host_results row in the database.
type hostResultRow struct {
	ID          int64  `db:"id"`
	RunID       string `db:"run_id"`
	Host        string `db:"host"`
	Action      string `db:"action"`
	FromVersion string `db:"from_version"`
	ToVersion   string `db:"to_version"`
	DurationMS  int64  `db:"duration_ms"`
	Error       string `db:"error"`
}

func (s *SQLiteStore) CreateHostResult(ctx context.Context, result *HostResult) error {
	return createHostResult(ctx, s.db, result)
}

func (s *SQLiteStore) ListHostResults(ctx context.Context, runID string) ([]HostResult, error) {
	return listHostResults(ctx, s.db, runID)
}

func createHostResult(ctx context.Context, ex executor, result *HostResult) error {
	row := hostResultRow{
		RunID:       result.RunID,
		Host:        result.Host,
		Action:      result.Action,
		FromVersion: result.FromVersion,
		ToVersion:   result.ToVersion,
		DurationMS:  result.Duration.Milliseconds(),
		Error:       result.Error,
	}

	res, err := ex.NamedExecContext(ctx, `
		INSERT INTO host_results (run_id, host, action, from_version, to_version, duration_ms, error)
		VALUES (:run_id, :host, :action, :from_version, :to_version, :duration_ms, :error)`, row)
	if err != nil {
		return NewStoreError("CreateHostResult", "host_result", result.Host, err.Error(), err)
	}
	if id, err := res.LastInsertId(); err == nil {
		result.ID = id
	}
	return nil
}

func listHostResults(ctx context.Context, ex executor, runID string) ([]HostResult, error) {
	var rows []hostResultRow
	err := ex.SelectContext(ctx, &rows, `
		SELECT * FROM host_results WHERE run_id = ? ORDER BY host`, runID)
	if err != nil {
		return nil, NewStoreError("ListHostResults", "host_result", runID, err.Error(), err)
	}

	results := make([]HostResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, HostResult{
			ID:          row.ID,
			RunID:       row.RunID,
			Host:        row.Host,
			Action:      row.Action,
			FromVersion: row.FromVersion,
			ToVersion:   row.ToVersion,
			Duration:    time.Duration(row.DurationMS) * time.Millisecond,
			Error:       row.Error,
		})
	}
	return results, nil
}

// =============================================================================
// Sync Event Operations
// =============================================================================

// syncEventRow represents a sync_events row in the database.
type syncEventRow struct {
	ID         string `db:"id"`
	Stack      string `db:"stack"`
	CommitHash string `db:"commit_hash"`
	Source     string `db:"source"`
	Status     string `db:"status"`
	Error      string `db:"error"`
	CreatedAt  string `db:"created_at"`
}

func (r syncEventRow) toEvent() (*SyncEvent, error) {
	createdAt, err := time.Parse(timeFormat, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	return &SyncEvent{
		ID:        r.ID,
		Stack:     r.Stack,
		Commit:    r.CommitHash,
		Source:    SyncSource(r.Source),
		Status:    r.Status,
		Error:     r.Error,
		CreatedAt: createdAt,
	}, nil
}

func (s *SQLiteStore) CreateSyncEvent(ctx context.Context, event *SyncEvent) error {
	return createSyncEvent(ctx, s.db, event)
}

func (s *SQLiteStore) ListSyncEvents(ctx context.Context, stack string, limit int) ([]SyncEvent, error) {
	return listSyncEvents(ctx, s.db, stack, limit)
}

func (s *SQLiteStore) LatestSyncEvent(ctx context.Context, stack string) (*SyncEvent, error) {
	return latestSyncEvent(ctx, s.db, stack)
}

func createSyncEvent(ctx context.Context, ex executor, event *SyncEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	row := syncEventRow{
		ID:         event.ID,
		Stack:      event.Stack,
		CommitHash: event.Commit,
		Source:     string(event.Source),
		Status:     event.Status,
		Error:      event.Error,
		CreatedAt:  event.CreatedAt.UTC().Format(timeFormat),
	}

	_, err := ex.NamedExecContext(ctx, `
		INSERT INTO sync_events (id, stack, commit_hash, source, status, error, created_at)
		VALUES (:id, :stack, :commit_hash, :source, :status, :error, :created_at)`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return NewStoreError("CreateSyncEvent", "sync_event", event.ID, "event already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateSyncEvent", "sync_event", event.ID, err.Error(), err)
	}
	return nil
}

func listSyncEvents(ctx context.Context, ex executor, stack string, limit int) ([]SyncEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT * FROM sync_events ORDER BY created_at DESC LIMIT ?`
	args := []any{limit}
	if stack != "" {
		query = `SELECT * FROM sync_events WHERE stack = ? ORDER BY created_at DESC LIMIT ?`
		args = []any{stack, limit}
	}

	var rows []syncEventRow
	if err := ex.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError("ListSyncEvents", "sync_event", stack, err.Error(), err)
	}

	events := make([]SyncEvent, 0, len(rows))
	for _, row := range rows {
		event, err := row.toEvent()
		if err != nil {
			return nil, NewStoreError("ListSyncEvents", "sync_event", row.ID, err.Error(), err)
		}
		events = append(events, *event)
	}
	return events, nil
}

func latestSyncEvent(ctx context.Context, ex executor, stack string) (*SyncEvent, error) {
	var row syncEventRow
	err := ex.GetContext(ctx, &row, `
		SELECT * FROM sync_events WHERE stack = ? ORDER BY created_at DESC LIMIT 1`, stack)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("LatestSyncEvent", "sync_event", stack, "no sync events for stack", ErrNotFound)
		}
		return nil, NewStoreError("LatestSyncEvent", "sync_event", stack, err.Error(), err)
	}
	return row.toEvent()
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}
	return nil
}

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	return createRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) FinishRun(ctx context.Context, id string, outcome RunOutcome, errMsg string) error {
	return finishRun(ctx, s.tx, id, outcome, errMsg)
}

func (s *txSQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return getRun(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	return listRuns(ctx, s.tx, limit)
}

func (s *txSQLiteStore) CreateHostResult(ctx context.Context, result *HostResult) error {
	return createHostResult(ctx, s.tx, result)
}

func (s *txSQLiteStore) ListHostResults(ctx context.Context, runID string) ([]HostResult, error) {
	return listHostResults(ctx, s.tx, runID)
}

func (s *txSQLiteStore) CreateSyncEvent(ctx context.Context, event *SyncEvent) error {
	return createSyncEvent(ctx, s.tx, event)
}

func (s *txSQLiteStore) ListSyncEvents(ctx context.Context, stack string, limit int) ([]SyncEvent, error) {
	return listSyncEvents(ctx, s.tx, stack, limit)
}

func (s *txSQLiteStore) LatestSyncEvent(ctx context.Context, stack string) (*SyncEvent, error) {
	return latestSyncEvent(ctx, s.tx, stack)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already inside a transaction.
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
