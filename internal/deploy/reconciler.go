package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/robfig/cron/v3"
)

type ReconcilerParams struct {
	Database   Database      // required
	Locker     Locker        // required
	Profiles   []*Profile    // required
	Recovery   RecoverySink  // optional, outcomes recorded there are replayed instead of failed
	StaleAfter time.Duration // default: 1m
	Metrics    *Metrics      // optional
	Log        *slog.Logger  // default: slog.Default()
}

// Reconciler finalizes attempts that were left unfinished by a process that stopped.
//
// An unfinished attempt is stale when the lock of its kind is not held by it.
// The lock is authoritative: it is taken before an attempt is created
// and released only after the attempt is finalized.
// A stale attempt whose outcome reached the recovery log gets that outcome;
// any other stale attempt is marked failed.
type Reconciler struct {
	db         Database
	locker     Locker
	profiles   []*Profile
	recovery   RecoverySink
	staleAfter time.Duration
	metrics    *Metrics
	log        *slog.Logger
	now        func() time.Time
}

func NewReconciler(params *ReconcilerParams) *Reconciler {
	log := params.Log
	if log == nil {
		log = slog.Default()
	}
	staleAfter := params.StaleAfter
	if staleAfter <= 0 {
		staleAfter = time.Minute
	}

	return &Reconciler{
		db:         params.Database,
		locker:     params.Locker,
		profiles:   params.Profiles,
		recovery:   params.Recovery,
		staleAfter: staleAfter,
		metrics:    params.Metrics,
		log:        log.With("component", "reconciler"),
		now:        time.Now,
	}
}

// Reconcile finalizes stale attempts of every kind and returns how many it finalized.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, p := range r.profiles {
		n, err := r.reconcileKind(ctx, p)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Kind, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return total, fmt.Errorf("deploy.Reconciler: %w", err)
	}
	return total, nil
}

func (r *Reconciler) reconcileKind(ctx context.Context, p *Profile) (int, error) {
	// Attempts created after this point may belong to a lock taken after the check below.
	startedBefore := r.now().Add(-r.staleAfter)

	holder, held, err := r.locker.Holder(ctx, p.LockKey)
	if err != nil {
		return 0, fmt.Errorf("lock holder: %w", err)
	}

	attempts, err := r.db.ListUnfinished(ctx, &DatabaseListUnfinishedParams{
		Kind:          p.Kind,
		StartedBefore: startedBefore,
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, a := range attempts {
		if held && a.ID == holder {
			continue
		}
		finalized, err := r.replay(ctx, p, a)
		if err != nil {
			return n, err
		}
		if !finalized {
			finalized, err = r.fail(ctx, p, a)
			if err != nil {
				return n, err
			}
		}
		if finalized {
			n++
		}
	}
	return n, nil
}

// replay applies the terminal update recorded for a when the database was unavailable.
// It reports false if there is no such update.
func (r *Reconciler) replay(ctx context.Context, p *Profile, a *Attempt) (bool, error) {
	if r.recovery == nil {
		return false, nil
	}
	entry, err := r.recovery.Lookup(ctx, a.ID)
	if err != nil {
		return false, fmt.Errorf("replay attempt %s: %w", a.ID, err)
	}
	if entry == nil {
		return false, nil
	}
	params, err := entry.UpdateParams()
	if err != nil {
		return false, fmt.Errorf("replay attempt %s: %w", a.ID, err)
	}
	params.Kind = a.Kind

	_, err = r.db.UpdateAttempt(ctx, params)
	if errors.Is(err, ErrAlreadyTerminal) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("replay attempt %s: %w", a.ID, err)
	}

	_, err = r.db.AppendLog(ctx, &DatabaseAppendLogParams{
		AttemptID: a.ID,
		Level:     LevelWarning,
		Message:   fmt.Sprintf("%s outcome %s restored from the recovery log", p.Noun, *params.Status),
	})
	if err != nil {
		r.log.Error("didn't append log", "kind", a.Kind, "attempt_id", a.ID, "error", err)
	}

	p.Trigger.Cleanup(ctx, a.ID)

	r.metrics.attemptReconciled(a.Kind)
	r.log.Warn("replayed recorded attempt update", "kind", a.Kind, "attempt_id", a.ID, "status", *params.Status, "recorded_at", entry.Timestamp)
	return true, nil
}

func (r *Reconciler) fail(ctx context.Context, p *Profile, a *Attempt) (bool, error) {
	log := r.log.With("kind", a.Kind, "attempt_id", a.ID)

	completedAt := r.now()
	duration := int(math.Round(completedAt.Sub(a.StartedAt).Seconds()))
	status := StatusFailed
	message := errStopped.Error()

	_, err := r.db.UpdateAttempt(ctx, &DatabaseUpdateAttemptParams{
		ID:              a.ID,
		Kind:            a.Kind,
		Status:          &status,
		CompletedAt:     &completedAt,
		DurationSeconds: &duration,
		ErrorMessage:    &message,
	})
	if errors.Is(err, ErrAlreadyTerminal) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail attempt %s: %w", a.ID, err)
	}

	_, err = r.db.AppendLog(ctx, &DatabaseAppendLogParams{
		AttemptID: a.ID,
		Level:     LevelError,
		Message:   fmt.Sprintf("❌ %s failed: %s", p.Noun, message),
	})
	if err != nil {
		log.Error("didn't append log", "error", err)
	}

	p.Trigger.Cleanup(ctx, a.ID)

	r.metrics.attemptReconciled(a.Kind)
	log.Warn("marked stale attempt failed", "status", a.Status, "started_at", a.StartedAt)
	return true, nil
}

// Schedule runs Reconcile on the cron spec until ctx is done.
// The returned scheduler is already started; Stop it to wait for a running pass.
func (r *Reconciler) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		n, err := r.Reconcile(ctx)
		if err != nil {
			r.log.Error("didn't reconcile", "error", err)
			return
		}
		if n > 0 {
			r.log.Info("reconciled stale attempts", "count", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("deploy.Reconciler: schedule %q: %w", spec, err)
	}

	c.Start()
	return c, nil
}
