package deploypg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/deployer/internal/deploy"
	"github.com/k11v/deployer/internal/postgrestest"
	"github.com/k11v/deployer/internal/postgresutil"
)

func NewTestDatabase(tb testing.TB, ctx context.Context) *Database {
	tb.Helper()

	connectionString, teardown, err := postgrestest.Setup(ctx)
	tb.Cleanup(func() {
		if teardownErr := teardown(); teardownErr != nil {
			tb.Errorf("didn't want %v", teardownErr)
		}
	})
	if err != nil {
		tb.Fatalf("didn't want %v", err)
	}

	pool, err := postgresutil.NewPool(ctx, &postgresutil.Config{ConnectionString: connectionString})
	if err != nil {
		tb.Fatalf("didn't want %v", err)
	}
	tb.Cleanup(pool.Close)

	return NewDatabase(pool)
}

func ptr[T any](v T) *T {
	return &v
}

func TestDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	db := NewTestDatabase(t, ctx)

	create := func(t *testing.T, kind deploy.Kind) *deploy.Attempt {
		t.Helper()

		a, err := db.CreateAttempt(ctx, &deploy.DatabaseCreateAttemptParams{
			ID:        uuid.New(),
			Kind:      kind,
			Initiator: deploy.Initiator{UserID: "42", Email: "admin@example.com"},
		})
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		return a
	}

	t.Run("creates a pending attempt", func(t *testing.T) {
		a := create(t, deploy.KindWebDeploy)

		if a.Status != deploy.StatusPending || a.Progress != 0 {
			t.Fatalf("got %q %d, want pending 0", a.Status, a.Progress)
		}
		if got, want := a.Initiator, (deploy.Initiator{UserID: "42", Email: "admin@example.com"}); got != want {
			t.Fatalf("got %v, want %v", got, want)
		}

		got, err := db.GetAttempt(ctx, &deploy.DatabaseGetAttemptParams{ID: a.ID})
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if got.ID != a.ID || got.Kind != deploy.KindWebDeploy {
			t.Fatalf("got %v %q, want %v %q", got.ID, got.Kind, a.ID, deploy.KindWebDeploy)
		}
	})

	t.Run("keeps the greater progress and the first error message", func(t *testing.T) {
		a := create(t, deploy.KindAPKBuild)

		_, err := db.UpdateAttempt(ctx, &deploy.DatabaseUpdateAttemptParams{ID: a.ID, Progress: ptr(40), ErrorMessage: ptr("first")})
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		got, err := db.UpdateAttempt(ctx, &deploy.DatabaseUpdateAttemptParams{ID: a.ID, Progress: ptr(20), ErrorMessage: ptr("second")})
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if got.Progress != 40 {
			t.Fatalf("got %d, want 40", got.Progress)
		}
		if got.ErrorMessage == nil || *got.ErrorMessage != "first" {
			t.Fatalf("got %v, want first", got.ErrorMessage)
		}
	})

	t.Run("stores the artifact", func(t *testing.T) {
		a := create(t, deploy.KindAPKBuild)
		artifact := &deploy.Artifact{Path: "/out/app.apk", Name: "app-release.apk", SizeBytes: 12897485, VersionName: "1.4.2"}

		got, err := db.UpdateAttempt(ctx, &deploy.DatabaseUpdateAttemptParams{
			ID:       a.ID,
			Status:   ptr(deploy.StatusCompleted),
			Progress: ptr(100),
			Artifact: artifact,
		})
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if got.Artifact == nil || *got.Artifact != *artifact {
			t.Fatalf("got %+v, want %+v", got.Artifact, artifact)
		}
	})

	t.Run("rejects updates of finished attempts", func(t *testing.T) {
		a := create(t, deploy.KindWebDeploy)

		_, err := db.UpdateAttempt(ctx, &deploy.DatabaseUpdateAttemptParams{ID: a.ID, Status: ptr(deploy.StatusFailed)})
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}

		_, err = db.UpdateAttempt(ctx, &deploy.DatabaseUpdateAttemptParams{ID: a.ID, Status: ptr(deploy.StatusCompleted)})
		if !errors.Is(err, deploy.ErrAlreadyTerminal) {
			t.Fatalf("got %v, want ErrAlreadyTerminal", err)
		}
		_, err = db.UpdateAttempt(ctx, &deploy.DatabaseUpdateAttemptParams{ID: a.ID, Progress: ptr(50)})
		if !errors.Is(err, deploy.ErrAlreadyTerminal) {
			t.Fatalf("got %v, want ErrAlreadyTerminal", err)
		}

		// Repeating the terminal status is allowed.
		_, err = db.UpdateAttempt(ctx, &deploy.DatabaseUpdateAttemptParams{ID: a.ID, Status: ptr(deploy.StatusFailed)})
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}

		_, err = db.UpdateAttempt(ctx, &deploy.DatabaseUpdateAttemptParams{ID: uuid.New(), Progress: ptr(50)})
		if !errors.Is(err, deploy.ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("cancels running attempts only", func(t *testing.T) {
		a := create(t, deploy.KindWebDeploy)
		now := time.Now()

		got, err := db.CancelAttempt(ctx, &deploy.DatabaseCancelAttemptParams{ID: a.ID, CompletedAt: now, Message: "Cancellation requested by admin"})
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if got.Status != deploy.StatusCancelled || got.CompletedAt == nil {
			t.Fatalf("got %q %v, want cancelled with a completion time", got.Status, got.CompletedAt)
		}

		_, err = db.CancelAttempt(ctx, &deploy.DatabaseCancelAttemptParams{ID: a.ID, CompletedAt: now})
		if !errors.Is(err, deploy.ErrAlreadyTerminal) {
			t.Fatalf("got %v, want ErrAlreadyTerminal", err)
		}
	})

	t.Run("lists history and unfinished attempts", func(t *testing.T) {
		kind := deploy.KindWebDeploy
		for range 3 {
			create(t, kind)
		}
		before := time.Now().Add(time.Hour)

		result, err := db.ListHistory(ctx, &deploy.DatabaseListHistoryParams{Kind: kind, PageLimit: 2, PageOffset: 0})
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if len(result.Attempts) != 2 || result.NextPageOffset == nil || *result.NextPageOffset != 2 {
			t.Fatalf("got %d attempts and next offset %v, want 2 and 2", len(result.Attempts), result.NextPageOffset)
		}
		if result.Attempts[0].StartedAt.Before(result.Attempts[1].StartedAt) {
			t.Fatalf("want newest first")
		}

		unfinished, err := db.ListUnfinished(ctx, &deploy.DatabaseListUnfinishedParams{Kind: kind, StartedBefore: before})
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		for _, a := range unfinished {
			if a.Status.Terminal() {
				t.Fatalf("got %q, want only unfinished attempts", a.Status)
			}
		}
	})

	t.Run("numbers log entries without gaps", func(t *testing.T) {
		a := create(t, deploy.KindAPKBuild)

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := db.AppendLog(ctx, &deploy.DatabaseAppendLogParams{
					AttemptID: a.ID,
					Level:     deploy.LevelInfo,
					Message:   fmt.Sprintf("line %d", i),
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("didn't want %v", err)
			}
		}

		entries, err := db.GetLogsSince(ctx, &deploy.DatabaseGetLogsSinceParams{AttemptID: a.ID})
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if len(entries) != 20 {
			t.Fatalf("got %d entries, want 20", len(entries))
		}
		for i, entry := range entries {
			if got, want := entry.SequenceID, int64(i+1); got != want {
				t.Fatalf("got %d, want %d", got, want)
			}
		}

		entries, err = db.GetLogsSince(ctx, &deploy.DatabaseGetLogsSinceParams{AttemptID: a.ID, SinceSequenceID: 18, Limit: 1})
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if len(entries) != 1 || entries[0].SequenceID != 19 {
			t.Fatalf("got %v, want entry 19", entries)
		}

		_, err = db.AppendLog(ctx, &deploy.DatabaseAppendLogParams{AttemptID: uuid.New(), Level: deploy.LevelInfo, Message: "orphan"})
		if !errors.Is(err, deploy.ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("truncates long messages", func(t *testing.T) {
		a := create(t, deploy.KindWebDeploy)
		message := make([]byte, deploy.MaxLogMessageLength+1)
		for i := range message {
			message[i] = 'x'
		}

		entry, err := db.AppendLog(ctx, &deploy.DatabaseAppendLogParams{AttemptID: a.ID, Level: deploy.LevelError, Message: string(message)})
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if got, want := entry.Message, deploy.TruncateLogMessage(string(message)); got != want {
			t.Fatalf("got %d bytes, want %d", len(got), len(want))
		}
	})

	t.Run("stores messages with invalid bytes", func(t *testing.T) {
		a := create(t, deploy.KindAPKBuild)

		entry, err := db.AppendLog(ctx, &deploy.DatabaseAppendLogParams{AttemptID: a.ID, Level: deploy.LevelInfo, Message: "x\xffy\x00z"})
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if got, want := entry.Message, "x\uFFFDyz"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}

		entries, err := db.GetLogsSince(ctx, &deploy.DatabaseGetLogsSinceParams{AttemptID: a.ID, SinceSequenceID: 0, Limit: 10})
		if err != nil {
			t.Fatalf("didn't want %v", err)
		}
		if len(entries) != 1 || entries[0].Message != "x\uFFFDyz" {
			t.Fatalf("got %v, want the cleaned message", entries)
		}
	})
}
