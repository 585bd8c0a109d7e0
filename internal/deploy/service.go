package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ArtifactStore opens build artifacts by name.
type ArtifactStore interface {
	Open(ctx context.Context, name string) (body io.ReadCloser, size int64, err error)
}

type ServiceParams struct {
	Database  Database      // required
	Locker    Locker        // required
	Profiles  []*Profile    // required
	Artifacts ArtifactStore // optional, OpenArtifact fails with ErrNotFound without it
	Log       *slog.Logger  // default: slog.Default()
}

// Service answers queries about attempts and cancels them.
type Service struct {
	db        Database
	locker    Locker
	profiles  map[Kind]*Profile
	artifacts ArtifactStore
	log       *slog.Logger
	now       func() time.Time
}

func NewService(params *ServiceParams) *Service {
	profiles := make(map[Kind]*Profile, len(params.Profiles))
	for _, p := range params.Profiles {
		profiles[p.Kind] = p
	}

	log := params.Log
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		db:        params.Database,
		locker:    params.Locker,
		profiles:  profiles,
		artifacts: params.Artifacts,
		log:       log.With("component", "service"),
		now:       time.Now,
	}
}

// GetStatus returns the attempt with id or ErrNotFound.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	a, err := s.db.GetAttempt(ctx, &DatabaseGetAttemptParams{ID: id})
	if err != nil {
		return nil, fmt.Errorf("deploy.Service: %w", err)
	}
	return a, nil
}

// GetLogs returns up to MaxLogsPerPage log entries of the attempt with id
// that come after sinceID. Callers poll again with the last SequenceID they saw.
// No new entries is not an error.
func (s *Service) GetLogs(ctx context.Context, id uuid.UUID, sinceID int64) ([]*LogEntry, error) {
	entries, err := s.db.GetLogsSince(ctx, &DatabaseGetLogsSinceParams{
		AttemptID:       id,
		SinceSequenceID: max(sinceID, 0),
		Limit:           MaxLogsPerPage,
	})
	if err != nil {
		return nil, fmt.Errorf("deploy.Service: %w", err)
	}
	if entries == nil {
		entries = []*LogEntry{}
	}
	return entries, nil
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type History struct {
	Attempts []*Attempt
	Total    int
	Page     int
	PageSize int
}

// ListHistory returns a page of attempts of kind, newest first.
// Pages start at 1. A non-positive page or page size selects the default.
func (s *Service) ListHistory(ctx context.Context, kind Kind, page, pageSize int) (*History, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)

	result, err := s.db.ListHistory(ctx, &DatabaseListHistoryParams{
		Kind:       kind,
		PageLimit:  pageSize,
		PageOffset: (page - 1) * pageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("deploy.Service: %w", err)
	}

	attempts := result.Attempts
	if attempts == nil {
		attempts = []*Attempt{}
	}
	return &History{Attempts: attempts, Total: result.TotalSize, Page: page, PageSize: pageSize}, nil
}

// Cancel marks the attempt with id cancelled and asks the executor to stop.
//
// The executor isn't stopped forcibly, it may keep running until it notices.
// Cancelling a cancelled attempt returns it unchanged.
// It fails with ErrNotFound for an unknown id
// and with ErrAlreadyTerminal for a completed or failed attempt.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	current, err := s.db.GetAttempt(ctx, &DatabaseGetAttemptParams{ID: id})
	if err != nil {
		return nil, fmt.Errorf("deploy.Service: %w", err)
	}
	if current.Status.Terminal() {
		return s.cancelled(current)
	}

	log := s.log.With("kind", current.Kind, "attempt_id", id)

	// The sentinel is written first: an orchestrator that finishes the attempt
	// after this point removes it during its cleanup.
	p, ok := s.profiles[current.Kind]
	if !ok {
		log.Error("didn't signal cancellation, no profile for kind")
	} else if err = p.Trigger.Cancel(ctx, id); err != nil {
		log.Error("didn't signal cancellation", "error", err)
	}

	a, err := s.db.CancelAttempt(ctx, &DatabaseCancelAttemptParams{
		ID:          id,
		CompletedAt: s.now(),
		Message:     "Cancellation requested by admin",
	})
	if errors.Is(err, ErrAlreadyTerminal) {
		// Finished in the meantime.
		if ok {
			p.Trigger.Cleanup(ctx, id)
		}
		finished, getErr := s.db.GetAttempt(ctx, &DatabaseGetAttemptParams{ID: id})
		if getErr != nil {
			return nil, fmt.Errorf("deploy.Service: %w", getErr)
		}
		return s.cancelled(finished)
	}
	if err != nil {
		return nil, fmt.Errorf("deploy.Service: %w", err)
	}
	if !ok {
		return a, nil
	}

	holder, held, err := s.locker.Holder(ctx, p.LockKey)
	switch {
	case err != nil:
		log.Error("didn't get lock holder", "error", err)
	case !held || holder != id:
		// No orchestrator follows the attempt, nothing else removes the sentinel.
		p.Trigger.Cleanup(ctx, id)
	default:
		// The orchestrator releases the lock too once it notices,
		// releasing here frees the kind even if it is slow to do so.
		if err = s.locker.Release(ctx, p.LockKey, id); err != nil {
			log.Error("didn't release lock", "error", err)
		}
	}

	_, err = s.db.AppendLog(ctx, &DatabaseAppendLogParams{
		AttemptID: id,
		Level:     LevelWarning,
		Message:   "Cancellation requested by admin, the running build may continue until the deploy agent notices",
	})
	if err != nil {
		log.Error("didn't append log", "error", err)
	}

	log.Info("cancellation requested")
	return a, nil
}

// cancelled returns a cancelled attempt unchanged and fails for other terminal attempts.
func (s *Service) cancelled(a *Attempt) (*Attempt, error) {
	if a.Status == StatusCancelled {
		return a, nil
	}
	return nil, fmt.Errorf("deploy.Service: %w: %s", ErrAlreadyTerminal, a.Status)
}

// ArtifactFile is an open artifact of a completed build.
type ArtifactFile struct {
	Name string
	Size int64
	Body io.ReadCloser
}

// OpenArtifact opens the APK produced by the attempt with id.
// It fails with ErrNotFound unless the attempt completed and reported an artifact.
func (s *Service) OpenArtifact(ctx context.Context, id uuid.UUID) (*ArtifactFile, error) {
	a, err := s.db.GetAttempt(ctx, &DatabaseGetAttemptParams{ID: id})
	if err != nil {
		return nil, fmt.Errorf("deploy.Service: %w", err)
	}
	if a.Status != StatusCompleted || a.Artifact == nil || a.Artifact.Name == "" || s.artifacts == nil {
		return nil, fmt.Errorf("deploy.Service: artifact: %w", ErrNotFound)
	}

	body, size, err := s.artifacts.Open(ctx, a.Artifact.Name)
	if err != nil {
		return nil, fmt.Errorf("deploy.Service: artifact: %w", err)
	}
	return &ArtifactFile{Name: a.Artifact.Name, Size: size, Body: body}, nil
}
