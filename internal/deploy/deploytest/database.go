// Package deploytest provides in-memory implementations of the deploy interfaces for tests.
package deploytest

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/deployer/internal/deploy"
)

var _ deploy.Database = (*Database)(nil)

// Database is an in-memory deploy.Database with the same update rules as deploypg.
type Database struct {
	// FailUpdate, if set, is called before every UpdateAttempt.
	// A non-nil result is returned instead of applying the update.
	FailUpdate func(params *deploy.DatabaseUpdateAttemptParams) error

	mu       sync.Mutex
	attempts map[uuid.UUID]*deploy.Attempt
	logs     map[uuid.UUID][]*deploy.LogEntry
	progress map[uuid.UUID][]int // every stored progress value, in order
	statuses map[uuid.UUID][]deploy.Status
	now      func() time.Time
}

func NewDatabase() *Database {
	return &Database{
		attempts: make(map[uuid.UUID]*deploy.Attempt),
		logs:     make(map[uuid.UUID][]*deploy.LogEntry),
		progress: make(map[uuid.UUID][]int),
		statuses: make(map[uuid.UUID][]deploy.Status),
		now:      time.Now,
	}
}

// SetFailUpdate replaces FailUpdate while attempts may be running.
func (d *Database) SetFailUpdate(f func(params *deploy.DatabaseUpdateAttemptParams) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FailUpdate = f
}

// CreateAttempt implements deploy.Database.
func (d *Database) CreateAttempt(_ context.Context, params *deploy.DatabaseCreateAttemptParams) (*deploy.Attempt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.attempts[params.ID]; ok {
		return nil, deploy.Permanent(deploy.ErrConflict)
	}

	a := &deploy.Attempt{
		ID:        params.ID,
		Kind:      params.Kind,
		Status:    deploy.StatusPending,
		Progress:  0,
		Initiator: params.Initiator,
		StartedAt: d.now().UTC(),
	}
	d.attempts[a.ID] = a
	d.progress[a.ID] = []int{0}
	d.statuses[a.ID] = []deploy.Status{deploy.StatusPending}
	return clone(a), nil
}

// UpdateAttempt implements deploy.Database.
func (d *Database) UpdateAttempt(_ context.Context, params *deploy.DatabaseUpdateAttemptParams) (*deploy.Attempt, error) {
	d.mu.Lock()
	failUpdate := d.FailUpdate
	d.mu.Unlock()
	if failUpdate != nil {
		if err := failUpdate(params); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.attempts[params.ID]
	if !ok {
		return nil, deploy.ErrNotFound
	}
	if a.Status.Terminal() && (params.Status == nil || *params.Status != a.Status) {
		return nil, deploy.ErrAlreadyTerminal
	}

	if params.Status != nil && *params.Status != a.Status {
		a.Status = *params.Status
		d.statuses[a.ID] = append(d.statuses[a.ID], a.Status)
	}
	if params.Progress != nil && *params.Progress > a.Progress {
		a.Progress = *params.Progress
		d.progress[a.ID] = append(d.progress[a.ID], a.Progress)
	}
	if params.CompletedAt != nil {
		t := params.CompletedAt.UTC()
		a.CompletedAt = &t
	}
	if params.DurationSeconds != nil {
		a.DurationSeconds = ptr(*params.DurationSeconds)
	}
	if params.ErrorMessage != nil && a.ErrorMessage == nil {
		a.ErrorMessage = ptr(*params.ErrorMessage)
	}
	if params.GitBranch != nil {
		a.GitBranch = ptr(*params.GitBranch)
	}
	if params.GitCommit != nil {
		a.GitCommit = ptr(*params.GitCommit)
	}
	if params.Artifact != nil {
		artifact := *params.Artifact
		a.Artifact = &artifact
	}

	return clone(a), nil
}

// CancelAttempt implements deploy.Database.
func (d *Database) CancelAttempt(_ context.Context, params *deploy.DatabaseCancelAttemptParams) (*deploy.Attempt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.attempts[params.ID]
	if !ok {
		return nil, deploy.ErrNotFound
	}
	if a.Status.Terminal() {
		return nil, deploy.ErrAlreadyTerminal
	}

	a.Status = deploy.StatusCancelled
	d.statuses[a.ID] = append(d.statuses[a.ID], a.Status)
	t := params.CompletedAt.UTC()
	a.CompletedAt = &t
	if a.ErrorMessage == nil {
		a.ErrorMessage = ptr(params.Message)
	}
	return clone(a), nil
}

// GetAttempt implements deploy.Database.
func (d *Database) GetAttempt(_ context.Context, params *deploy.DatabaseGetAttemptParams) (*deploy.Attempt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.attempts[params.ID]
	if !ok {
		return nil, deploy.ErrNotFound
	}
	return clone(a), nil
}

// ListHistory implements deploy.Database.
func (d *Database) ListHistory(_ context.Context, params *deploy.DatabaseListHistoryParams) (*deploy.DatabaseListHistoryResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var attempts []*deploy.Attempt
	for _, a := range d.attempts {
		if a.Kind == params.Kind {
			attempts = append(attempts, clone(a))
		}
	}
	slices.SortFunc(attempts, func(a, b *deploy.Attempt) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})

	total := len(attempts)
	start := min(params.PageOffset, total)
	end := min(start+params.PageLimit, total)

	result := &deploy.DatabaseListHistoryResult{Attempts: attempts[start:end], TotalSize: total}
	if end < total {
		result.NextPageOffset = ptr(end)
	}
	return result, nil
}

// ListUnfinished implements deploy.Database.
func (d *Database) ListUnfinished(_ context.Context, params *deploy.DatabaseListUnfinishedParams) ([]*deploy.Attempt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var attempts []*deploy.Attempt
	for _, a := range d.attempts {
		if a.Kind == params.Kind && !a.Status.Terminal() && a.StartedAt.Before(params.StartedBefore) {
			attempts = append(attempts, clone(a))
		}
	}
	slices.SortFunc(attempts, func(a, b *deploy.Attempt) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return attempts, nil
}

// AppendLog implements deploy.Database.
func (d *Database) AppendLog(_ context.Context, params *deploy.DatabaseAppendLogParams) (*deploy.LogEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.attempts[params.AttemptID]; !ok {
		return nil, deploy.ErrNotFound
	}

	entry := &deploy.LogEntry{
		AttemptID:  params.AttemptID,
		SequenceID: int64(len(d.logs[params.AttemptID]) + 1),
		Level:      params.Level,
		Message:    deploy.TruncateLogMessage(params.Message),
		CreatedAt:  d.now().UTC(),
	}
	d.logs[params.AttemptID] = append(d.logs[params.AttemptID], entry)

	e := *entry
	return &e, nil
}

// GetLogsSince implements deploy.Database.
func (d *Database) GetLogsSince(_ context.Context, params *deploy.DatabaseGetLogsSinceParams) ([]*deploy.LogEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	limit := params.Limit
	if limit <= 0 || limit > deploy.MaxLogsPerPage {
		limit = deploy.MaxLogsPerPage
	}

	var entries []*deploy.LogEntry
	for _, entry := range d.logs[params.AttemptID] {
		if entry.SequenceID <= params.SinceSequenceID {
			continue
		}
		if len(entries) == limit {
			break
		}
		e := *entry
		entries = append(entries, &e)
	}
	return entries, nil
}

// Messages returns the log messages of the attempt with id, in order.
func (d *Database) Messages(id uuid.UUID) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var messages []string
	for _, entry := range d.logs[id] {
		messages = append(messages, entry.Message)
	}
	return messages
}

// ProgressHistory returns every progress value stored for the attempt with id, in order.
func (d *Database) ProgressHistory(id uuid.UUID) []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.progress[id])
}

// StatusHistory returns every status stored for the attempt with id, in order.
func (d *Database) StatusHistory(id uuid.UUID) []deploy.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.statuses[id])
}

// Put stores a directly, e.g. to simulate an attempt left by a crashed process.
func (d *Database) Put(a *deploy.Attempt) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts[a.ID] = clone(a)
	d.progress[a.ID] = []int{a.Progress}
	d.statuses[a.ID] = []deploy.Status{a.Status}
}

func clone(a *deploy.Attempt) *deploy.Attempt {
	c := *a
	if a.CompletedAt != nil {
		c.CompletedAt = ptr(*a.CompletedAt)
	}
	if a.DurationSeconds != nil {
		c.DurationSeconds = ptr(*a.DurationSeconds)
	}
	if a.ErrorMessage != nil {
		c.ErrorMessage = ptr(*a.ErrorMessage)
	}
	if a.GitBranch != nil {
		c.GitBranch = ptr(*a.GitBranch)
	}
	if a.GitCommit != nil {
		c.GitCommit = ptr(*a.GitCommit)
	}
	if a.Artifact != nil {
		artifact := *a.Artifact
		c.Artifact = &artifact
	}
	return &c
}

func ptr[T any](v T) *T {
	return &v
}
