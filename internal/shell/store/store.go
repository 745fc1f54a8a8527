package store

import (
	"context"
	"time"
)

// =============================================================================
// Journal Entities
// =============================================================================

// RunOutcome is the final state of a CLI run.
type RunOutcome string

const (
	OutcomeRunning   RunOutcome = "running"
	OutcomeSucceeded RunOutcome = "succeeded"
	OutcomeFailed    RunOutcome = "failed"
	OutcomePartial   RunOutcome = "partial"
)

// Run is one journal entry per CLI operation.
type Run struct {
	ID         string
	Command    string // e.g. "periphery deploy"
	HostLimit  string // the -l selector, "" for all
	Tags       string // the -t tags, "" for none
	StartedAt  time.Time
	FinishedAt *time.Time
	Outcome    RunOutcome
	Error      string
}

// HostResult is the outcome of one host within a run.
type HostResult struct {
	ID          int64
	RunID       string
	Host        string
	Action      string // install | update | uninstall | skip | unreachable
	FromVersion string
	ToVersion   string
	Duration    time.Duration
	Error       string
}

// SyncSource identifies what triggered a sync.
type SyncSource string

const (
	SourceCLI     SyncSource = "cli"
	SourceWebhook SyncSource = "webhook"
	SourceTimer   SyncSource = "timer"
)

// SyncEvent records one triggered stack sync.
type SyncEvent struct {
	ID        string
	Stack     string
	Commit    string // remote HEAD at trigger time, may be empty
	Source    SyncSource
	Status    string // queued | failed
	Error     string
	CreatedAt time.Time
}

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for the run journal.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, outcome RunOutcome, errMsg string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// Host result operations
	CreateHostResult(ctx context.Context, result *HostResult) error
	ListHostResults(ctx context.Context, runID string) ([]HostResult, error)

	// Sync event operations
	CreateSyncEvent(ctx context.Context, event *SyncEvent) error
	ListSyncEvents(ctx context.Context, stack string, limit int) ([]SyncEvent, error)
	LatestSyncEvent(ctx context.Context, stack string) (*SyncEvent, error)

	// WithTx runs fn inside a transaction.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close releases the underlying connection.
	Close() error
}
