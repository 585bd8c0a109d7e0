package deploy

import (
	"context"

	"github.com/google/uuid"
)

type TriggerStatus int

const (
	TriggerRunning TriggerStatus = iota // no status reported yet
	TriggerSucceeded
	TriggerFailed
)

// PollResult is what a single Trigger.Poll observed.
type PollResult struct {
	Lines         []string // log lines appended since the previous poll, without blank lines
	Status        TriggerStatus
	StatusContent string // raw status content, trimmed
}

// Trigger is the channel to the external executor that runs builds.
// It is asynchronous: Start only requests work and the caller has to Poll for the outcome.
type Trigger interface {
	// Start asks the executor to run attemptID.
	Start(ctx context.Context, attemptID uuid.UUID) error

	// Poll returns the log lines written since the previous call
	// and the status reported by the executor, if any.
	Poll(ctx context.Context, attemptID uuid.UUID) (*PollResult, error)

	// CancelRequested reports whether Cancel was called for attemptID.
	CancelRequested(ctx context.Context, attemptID uuid.UUID) (bool, error)

	// Cancel asks for attemptID to be cancelled.
	// It doesn't stop the executor, the poll loop is expected to notice.
	Cancel(ctx context.Context, attemptID uuid.UUID) error

	// Cleanup removes everything left for attemptID. Failures are logged, not returned.
	Cleanup(ctx context.Context, attemptID uuid.UUID)
}
