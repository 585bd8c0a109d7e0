package deploy

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Database persists attempts and their logs.
type Database interface {
	CreateAttempt(ctx context.Context, params *DatabaseCreateAttemptParams) (*Attempt, error)
	UpdateAttempt(ctx context.Context, params *DatabaseUpdateAttemptParams) (*Attempt, error)
	CancelAttempt(ctx context.Context, params *DatabaseCancelAttemptParams) (*Attempt, error)
	GetAttempt(ctx context.Context, params *DatabaseGetAttemptParams) (*Attempt, error)
	ListHistory(ctx context.Context, params *DatabaseListHistoryParams) (*DatabaseListHistoryResult, error)
	ListUnfinished(ctx context.Context, params *DatabaseListUnfinishedParams) ([]*Attempt, error)
	AppendLog(ctx context.Context, params *DatabaseAppendLogParams) (*LogEntry, error)
	GetLogsSince(ctx context.Context, params *DatabaseGetLogsSinceParams) ([]*LogEntry, error)
}

type DatabaseCreateAttemptParams struct {
	ID        uuid.UUID
	Kind      Kind
	Initiator Initiator
}

// DatabaseUpdateAttemptParams describes a partial update.
// Nil fields are left untouched.
//
// Progress never decreases: the stored value becomes the greater of the two.
// ErrorMessage is only set if the attempt has none yet.
// Updating a terminal attempt fails with ErrAlreadyTerminal
// unless Status is set to the attempt's current terminal status.
//
// Kind isn't stored, it labels the update if it ends up in the recovery log.
type DatabaseUpdateAttemptParams struct {
	ID              uuid.UUID
	Kind            Kind
	Status          *Status
	Progress        *int
	CompletedAt     *time.Time
	DurationSeconds *int
	ErrorMessage    *string
	GitBranch       *string
	GitCommit       *string
	Artifact        *Artifact
}

// DatabaseCancelAttemptParams describes a cancellation of a non-terminal attempt.
// It fails with ErrNotFound if the attempt doesn't exist
// and with ErrAlreadyTerminal if it is already terminal.
type DatabaseCancelAttemptParams struct {
	ID          uuid.UUID
	CompletedAt time.Time
	Message     string
}

type DatabaseGetAttemptParams struct {
	ID uuid.UUID
}

type DatabaseListHistoryParams struct {
	Kind       Kind
	PageLimit  int
	PageOffset int
}

type DatabaseListHistoryResult struct {
	Attempts       []*Attempt
	NextPageOffset *int
	TotalSize      int
}

type DatabaseListUnfinishedParams struct {
	Kind          Kind
	StartedBefore time.Time
}

type DatabaseAppendLogParams struct {
	AttemptID uuid.UUID
	Level     Level
	Message   string // truncated to MaxLogMessageLength by the implementation
}

// MaxLogsPerPage caps the number of log entries returned by a single GetLogsSince call.
const MaxLogsPerPage = 500

type DatabaseGetLogsSinceParams struct {
	AttemptID       uuid.UUID
	SinceSequenceID int64
	Limit           int // capped at MaxLogsPerPage, zero means MaxLogsPerPage
}
