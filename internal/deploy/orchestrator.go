package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownKind = errors.New("unknown kind")
	ErrShutdown    = errors.New("orchestrator is shut down")

	errStopped = errors.New("orchestrator stopped before the attempt finished")
)

// finalizeTimeout bounds the work done after an attempt ended,
// including the retries of the terminal update.
const finalizeTimeout = 30 * time.Second

type OrchestratorParams struct {
	Database  Database     // required, usually a *RetryDatabase
	Locker    Locker       // required
	Profiles  []*Profile   // required
	Git       GitInfo      // optional
	Publisher Publisher    // optional
	Metrics   *Metrics     // optional
	Log       *slog.Logger // default: slog.Default()
}

// Orchestrator runs attempts: it takes the lock of the kind,
// hands the attempt to the executor and follows it in the background until it ends.
type Orchestrator struct {
	db        Database
	locker    Locker
	profiles  map[Kind]*Profile
	git       GitInfo
	publisher Publisher
	metrics   *Metrics
	log       *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewOrchestrator(params *OrchestratorParams) (*Orchestrator, error) {
	profiles := make(map[Kind]*Profile, len(params.Profiles))
	for _, p := range params.Profiles {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("deploy.NewOrchestrator: %w", err)
		}
		profiles[p.Kind] = p
	}

	log := params.Log
	if log == nil {
		log = slog.Default()
	}
	publisher := params.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		db:        params.Database,
		locker:    params.Locker,
		profiles:  profiles,
		git:       params.Git,
		publisher: publisher,
		metrics:   params.Metrics,
		log:       log.With("component", "orchestrator"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Profile returns the profile registered for kind.
func (o *Orchestrator) Profile(kind Kind) (*Profile, bool) {
	p, ok := o.profiles[kind]
	return p, ok
}

// Start begins a new attempt of kind on behalf of initiator.
//
// It returns once the lock is held, the attempt is stored and the executor is triggered;
// the attempt then continues in the background.
// It fails with ErrConflict if an attempt of the same kind is still running.
func (o *Orchestrator) Start(ctx context.Context, kind Kind, initiator Initiator) (*Attempt, error) {
	p, ok := o.profiles[kind]
	if !ok {
		return nil, fmt.Errorf("deploy.Orchestrator: %w: %q", ErrUnknownKind, kind)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, fmt.Errorf("deploy.Orchestrator: %w", ErrShutdown)
	}
	o.wg.Add(1)
	o.mu.Unlock()

	a, r, err := o.begin(ctx, p, initiator)
	if err != nil {
		o.wg.Done()
		return nil, fmt.Errorf("deploy.Orchestrator: %w", err)
	}

	go func() {
		defer o.wg.Done()
		r.follow()
	}()

	a.Status = r.status
	a.Progress = r.progress
	return a, nil
}

// Shutdown stops following running attempts and waits until they are finalized.
// Interrupted attempts are marked failed. Start fails with ErrShutdown afterwards.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("deploy.Orchestrator: shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) begin(ctx context.Context, p *Profile, initiator Initiator) (*Attempt, *run, error) {
	id := uuid.New()
	acquired, err := o.locker.Acquire(ctx, p.LockKey, id, p.LockTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		o.metrics.lockConflict(p.Kind)
		return nil, nil, fmt.Errorf("%s: %w", p.Kind, ErrConflict)
	}

	a, err := o.db.CreateAttempt(ctx, &DatabaseCreateAttemptParams{ID: id, Kind: p.Kind, Initiator: initiator})
	if err != nil {
		o.releaseLock(p, id)
		return nil, nil, err
	}

	r := o.newRun(p, a)
	o.metrics.attemptStarted(p.Kind)

	if err = r.begin(ctx); err != nil {
		r.end(err)
		return nil, nil, err
	}

	return a, r, nil
}

func (o *Orchestrator) releaseLock(p *Profile, id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), finalizeTimeout)
	defer cancel()

	if err := o.locker.Release(ctx, p.LockKey, id); err != nil {
		// The lock expires after LockTTL anyway.
		o.log.Error("didn't release lock", "kind", p.Kind, "attempt_id", id, "error", err)
	}
}

// run is the state of a single attempt followed by the orchestrator.
type run struct {
	o   *Orchestrator
	p   *Profile
	log *slog.Logger

	id        uuid.UUID
	startedAt time.Time

	status    Status
	progress  int
	signalled bool // a log line moved progress
	artifact  ArtifactParser
}

func (o *Orchestrator) newRun(p *Profile, a *Attempt) *run {
	return &run{
		o:         o,
		p:         p,
		log:       o.log.With("kind", p.Kind, "attempt_id", a.ID),
		id:        a.ID,
		startedAt: a.StartedAt,
		status:    a.Status,
		progress:  a.Progress,
	}
}

// begin triggers the executor and moves the attempt to building.
func (r *run) begin(ctx context.Context) error {
	r.appendLog(ctx, LevelInfo, r.p.StartMessage)
	r.appendLog(ctx, LevelInfo, r.p.TriggerMessage)

	if err := r.p.Trigger.Start(ctx, r.id); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}

	if err := r.update(ctx, 10, StatusBuilding); err != nil {
		return err
	}
	r.appendLog(ctx, LevelInfo, "Trigger created, waiting for deploy agent...")

	r.publish(ctx, EventAttemptStarted, StatusBuilding, "")
	return nil
}

// follow polls the executor until the attempt ends and finalizes it.
func (r *run) follow() {
	ctx := r.o.ctx

	r.recordRevision(ctx)

	err := r.poll(ctx)
	if err == nil {
		err = r.validate(ctx)
	}
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
		err = errStopped
	}

	r.end(err)
}

func (r *run) recordRevision(ctx context.Context) {
	if r.o.git == nil {
		return
	}

	branch, commit, err := r.o.git.Head(ctx)
	if err != nil {
		r.log.Warn("didn't get git revision", "error", err)
		if branch == "" {
			branch = unknownRevision
		}
		if commit == "" {
			commit = unknownRevision
		}
	}

	_, err = r.o.db.UpdateAttempt(ctx, &DatabaseUpdateAttemptParams{
		ID:        r.id,
		Kind:      r.p.Kind,
		GitBranch: &branch,
		GitCommit: &commit,
	})
	if err != nil {
		r.updateFailed(err)
	}
	r.appendLog(ctx, LevelInfo, fmt.Sprintf("Branch: %s, Commit: %s", branch, shortCommit(commit)))
}

// poll returns nil when the executor reports success.
func (r *run) poll(ctx context.Context) error {
	trigger := r.p.Trigger

	ticker := time.NewTicker(r.p.pollInterval())
	defer ticker.Stop()

	quietCycles := 0
	for cycle := 0; cycle < r.p.maxCycles(); cycle++ {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}

		cancelled, err := trigger.CancelRequested(ctx, r.id)
		if err != nil {
			r.log.Warn("didn't check cancellation", "error", err)
		} else if cancelled {
			return ErrCancelled
		}

		res, err := trigger.Poll(ctx, r.id)
		if err != nil {
			r.log.Warn("didn't poll executor", "error", err)
			continue
		}

		for _, line := range res.Lines {
			if err = r.handleLine(ctx, line); err != nil {
				return err
			}
		}

		switch res.Status {
		case TriggerSucceeded:
			return nil
		case TriggerFailed:
			return &ExecutorError{StatusContent: res.StatusContent}
		}

		if r.signalled {
			continue
		}
		quietCycles++
		if next, ok := Nudge(r.progress, quietCycles, r.p.nudgeEvery()); ok {
			if err = r.update(ctx, next, r.status); err != nil {
				return err
			}
		}
	}

	return &TimeoutError{Noun: r.p.Noun, Hint: r.p.agentHint(), After: r.p.Timeout}
}

// handleLine stores a line of executor output and acts on it.
func (r *run) handleLine(ctx context.Context, line string) error {
	u, classifyErr := r.p.Classifier.Classify(line, r.progress)

	level := LevelInfo
	if classifyErr != nil {
		level = LevelError
	}
	r.appendLog(ctx, level, line)

	if classifyErr != nil {
		return classifyErr
	}
	if r.p.ParseArtifact {
		r.artifact.Observe(line)
	}
	if u == nil {
		return nil
	}

	r.signalled = true
	return r.update(ctx, u.Progress, u.Status)
}

func (r *run) validate(ctx context.Context) error {
	if r.p.BuildCompletedMessage != "" {
		r.appendLog(ctx, LevelInfo, r.p.BuildCompletedMessage)
	}
	if r.p.Validator == nil {
		return nil
	}

	if err := r.update(ctx, 98, StatusValidating); err != nil {
		return err
	}
	r.appendLog(ctx, LevelInfo, "Validating deployment...")

	if err := r.p.Validator.Validate(ctx); err != nil {
		r.log.Warn("didn't validate deployment", "error", err)
		return errors.New("Deployment validation failed - app not accessible")
	}
	return nil
}

// update moves the attempt forward.
// Losing an update to the recovery log doesn't stop the attempt;
// finding the attempt already finished does.
func (r *run) update(ctx context.Context, progress int, status Status) error {
	progress = max(progress, r.progress)
	_, err := r.o.db.UpdateAttempt(ctx, &DatabaseUpdateAttemptParams{
		ID:       r.id,
		Kind:     r.p.Kind,
		Status:   &status,
		Progress: &progress,
	})
	if errors.Is(err, ErrAlreadyTerminal) {
		return err
	}
	if err != nil {
		r.updateFailed(err)
	}

	r.progress = progress
	r.status = status
	return nil
}

func (r *run) updateFailed(err error) {
	if errors.Is(err, ErrAlreadyTerminal) {
		r.log.Debug("didn't update finished attempt", "error", err)
		return
	}
	if errors.Is(err, ErrPersistenceDegraded) {
		r.o.metrics.persistenceDegraded(r.p.Kind)
		r.log.Warn("recorded attempt update for recovery", "error", err)
		return
	}
	r.log.Error("didn't update attempt", "error", err)
}

// end finalizes the attempt with the outcome err and releases the lock.
// A nil err means the attempt completed.
func (r *run) end(err error) {
	defer r.o.releaseLock(r.p, r.id)
	defer r.o.metrics.attemptEnded(r.p.Kind)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.o.ctx), finalizeTimeout)
	defer cancel()
	defer r.p.Trigger.Cleanup(ctx, r.id)

	completedAt := r.o.now()
	elapsed := completedAt.Sub(r.startedAt)
	duration := int(math.Round(elapsed.Seconds()))

	params := &DatabaseUpdateAttemptParams{
		ID:              r.id,
		Kind:            r.p.Kind,
		CompletedAt:     &completedAt,
		DurationSeconds: &duration,
	}

	var (
		status       Status
		level        Level
		line         string
		errorMessage string
	)
	switch {
	case err == nil:
		status, level = StatusCompleted, LevelInfo
		progress := 100
		params.Progress = &progress
		if r.p.ParseArtifact {
			params.Artifact = r.artifact.Artifact()
			if params.Artifact == nil {
				r.log.Warn("build didn't report its artifact")
			}
		}
		line = fmt.Sprintf("✅ %s completed successfully in %ds", r.p.Noun, duration)
	case errors.Is(err, ErrAlreadyTerminal):
		// Cancelled through the API or reconciled, the stored outcome stands.
		r.log.Info("attempt was finished elsewhere")
		return
	case errors.Is(err, ErrCancelled):
		status, level = StatusCancelled, LevelWarning
		errorMessage = "Cancelled by admin"
		line = fmt.Sprintf("%s cancelled by admin", r.p.Noun)
	default:
		status, level = StatusFailed, LevelError
		errorMessage = err.Error()
		line = fmt.Sprintf("❌ %s failed: %s", r.p.Noun, errorMessage)
	}
	params.Status = &status
	if errorMessage != "" {
		params.ErrorMessage = &errorMessage
	}

	_, updateErr := r.o.db.UpdateAttempt(ctx, params)
	switch {
	case updateErr == nil:
	case errors.Is(updateErr, ErrAlreadyTerminal):
		r.log.Info("attempt was finished elsewhere", "status", status)
		return
	default:
		r.updateFailed(updateErr)
	}

	r.appendLog(ctx, level, line)
	r.o.metrics.attemptFinished(r.p.Kind, status, elapsed)
	r.publish(ctx, EventAttemptFinished, status, errorMessage)

	r.log.Info("attempt finished", "status", status, "duration", elapsed, "error", err)
}

// appendLog stores a log line. A lost log line doesn't stop the attempt.
func (r *run) appendLog(ctx context.Context, level Level, message string) {
	_, err := r.o.db.AppendLog(ctx, &DatabaseAppendLogParams{AttemptID: r.id, Level: level, Message: message})
	if err != nil {
		r.log.Error("didn't append log", "level", level, "error", err)
	}
}

func (r *run) publish(ctx context.Context, typ EventType, status Status, errorMessage string) {
	err := r.o.publisher.Publish(ctx, &Event{
		Type:         typ,
		AttemptID:    r.id,
		Kind:         r.p.Kind,
		Status:       status,
		ErrorMessage: errorMessage,
		OccurredAt:   r.o.now().UTC(),
	})
	if err != nil {
		r.log.Warn("didn't publish event", "type", typ, "error", err)
	}
}
