package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var _ Database = (*RetryDatabase)(nil)

// RetryDatabase wraps a Database and retries UpdateAttempt on transient errors.
// When the retries are exhausted the update is handed to Sink
// and ErrPersistenceDegraded is returned.
// Other methods are passed through unchanged.
type RetryDatabase struct {
	Database                   // required
	Sink      RecoverySink     // required
	Log       *slog.Logger     // default: slog.Default()
	Attempts  int              // default: 3
	BaseDelay time.Duration    // default: 1s, doubled after every failed attempt
	Now       func() time.Time // default: time.Now
}

func NewRetryDatabase(db Database, sink RecoverySink, log *slog.Logger) *RetryDatabase {
	return &RetryDatabase{Database: db, Sink: sink, Log: log}
}

// UpdateAttempt implements Database.
func (d *RetryDatabase) UpdateAttempt(ctx context.Context, params *DatabaseUpdateAttemptParams) (*Attempt, error) {
	var lastErr error
	for attempt := 0; attempt < d.attempts(); attempt++ {
		if attempt > 0 {
			t := time.NewTimer(d.baseDelay() << (attempt - 1))
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				lastErr = errors.Join(lastErr, ctx.Err())
				return nil, d.recover(ctx, params, lastErr)
			}
		}

		a, err := d.Database.UpdateAttempt(ctx, params)
		if err == nil {
			return a, nil
		}
		if !transient(err) {
			return nil, err
		}

		lastErr = err
		d.log().Warn(
			"didn't update attempt",
			"attempt_id", params.ID,
			"try", attempt+1,
			"error", err,
		)
	}

	return nil, d.recover(ctx, params, lastErr)
}

func (d *RetryDatabase) recover(ctx context.Context, params *DatabaseUpdateAttemptParams, cause error) error {
	entry := newRecoveryEntry(params, cause, d.now())

	// The sink must get the entry even if ctx is already done.
	if err := d.Sink.Record(context.WithoutCancel(ctx), entry); err != nil {
		d.log().Error(
			"didn't record attempt update for recovery",
			"attempt_id", params.ID,
			"error", err,
			"update_error", cause,
		)
		return fmt.Errorf("update attempt: %w: %w", ErrPersistenceDegraded, errors.Join(cause, err))
	}

	d.log().Error(
		"recorded attempt update for recovery",
		"attempt_id", params.ID,
		"error", cause,
	)
	return fmt.Errorf("update attempt: %w: %w", ErrPersistenceDegraded, cause)
}

func transient(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyTerminal),
		errors.Is(err, ErrPermanent):
		return false
	default:
		return true
	}
}

func (d *RetryDatabase) attempts() int {
	if d.Attempts <= 0 {
		return 3
	}
	return d.Attempts
}

func (d *RetryDatabase) baseDelay() time.Duration {
	if d.BaseDelay <= 0 {
		return time.Second
	}
	return d.BaseDelay
}

func (d *RetryDatabase) log() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

func (d *RetryDatabase) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}
