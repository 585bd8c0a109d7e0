package deploy_test

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/k11v/deployer/internal/deploy"
	"github.com/k11v/deployer/internal/deploy/deployfs"
	"github.com/k11v/deployer/internal/deploy/deploytest"
)

func TestReconciler(t *testing.T) {
	t.Run("fails stale attempts", func(t *testing.T) {
		ctx := context.Background()
		dir := t.TempDir()
		db := deploytest.NewDatabase()
		locker := deploytest.NewLocker()
		web := deploy.NewWebDeployProfile(deployfs.NewTrigger(dir, "deploy", nil), nil)
		apk := deploy.NewAPKBuildProfile(deployfs.NewTrigger(dir, "apk-build", nil))
		agent := &deploytest.Agent{Dir: dir, Prefix: "deploy"}

		old := time.Now().Add(-time.Hour)
		stale := putAttempt(db, deploy.KindWebDeploy, deploy.StatusBuilding, old)
		held := putAttempt(db, deploy.KindAPKBuild, deploy.StatusSigning, old)
		recent := putAttempt(db, deploy.KindWebDeploy, deploy.StatusPending, time.Now())
		done := putAttempt(db, deploy.KindWebDeploy, deploy.StatusCompleted, old)

		if _, err := locker.Acquire(ctx, apk.LockKey, held.ID, time.Hour); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if err := agent.Log(stale.ID, "Getting dependencies"); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		reconciler := deploy.NewReconciler(&deploy.ReconcilerParams{
			Database: db,
			Locker:   locker,
			Profiles: []*deploy.Profile{web, apk},
		})

		n, err := reconciler.Reconcile(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := n, 1; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}

		want := map[*deploy.Attempt]deploy.Status{
			stale:  deploy.StatusFailed,
			held:   deploy.StatusSigning,
			recent: deploy.StatusPending,
			done:   deploy.StatusCompleted,
		}
		for a, wantStatus := range want {
			got, getErr := db.GetAttempt(ctx, &deploy.DatabaseGetAttemptParams{ID: a.ID})
			if getErr != nil {
				t.Fatalf("didn't want %q", getErr)
			}
			if got.Status != wantStatus {
				t.Fatalf("%v: got %q, want %q", a.ID, got.Status, wantStatus)
			}
		}

		got, err := db.GetAttempt(ctx, &deploy.DatabaseGetAttemptParams{ID: stale.ID})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if want := "orchestrator stopped before the attempt finished"; got.ErrorMessage == nil || *got.ErrorMessage != want {
			t.Fatalf("got %v, want %q", got.ErrorMessage, want)
		}
		if got.CompletedAt == nil || got.DurationSeconds == nil {
			t.Fatalf("want completion time and duration")
		}

		messages := db.Messages(stale.ID)
		if want := "❌ Deployment failed: orchestrator stopped before the attempt finished"; len(messages) != 1 || messages[0] != want {
			t.Fatalf("got %q, want [%q]", messages, want)
		}

		n, err = reconciler.Reconcile(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if n != 0 {
			t.Fatalf("got %d, want 0 on the second pass", n)
		}
	})

	t.Run("restores outcomes from the recovery log", func(t *testing.T) {
		ctx := context.Background()
		dir := t.TempDir()
		db := deploytest.NewDatabase()
		locker := deploytest.NewLocker()
		web := deploy.NewWebDeployProfile(deployfs.NewTrigger(dir, "deploy", nil), nil)
		apk := deploy.NewAPKBuildProfile(deployfs.NewTrigger(dir, "apk-build", nil))

		sink := deploy.NewFileRecoverySink(filepath.Join(dir, "deploy-status-update-failures.log"))
		defer func() {
			if err := sink.Close(); err != nil {
				t.Errorf("didn't want %q", err)
			}
		}()

		old := time.Now().Add(-time.Hour)
		built := putAttempt(db, deploy.KindAPKBuild, deploy.StatusValidating, old)
		lost := putAttempt(db, deploy.KindWebDeploy, deploy.StatusBuilding, old)

		progress := 99
		completed := deploy.StatusCompleted
		completedAt := old.Add(10 * time.Minute).UTC()
		for _, entry := range []*deploy.RecoveryEntry{
			{
				AttemptID: built.ID,
				Kind:      deploy.KindAPKBuild,
				Fields:    map[string]any{"progress": progress},
				Timestamp: completedAt,
				Error:     "connection reset",
			},
			{
				AttemptID: built.ID,
				Kind:      deploy.KindAPKBuild,
				Status:    &completed,
				Fields: map[string]any{
					"status":              completed,
					"progress":            100,
					"completed_at":        completedAt,
					"duration_seconds":    600,
					"artifact_path":       "/out/app.apk",
					"artifact_name":       "app-release.apk",
					"artifact_size_bytes": int64(12897485),
					"version_name":        "1.4.2",
					"version_code":        "42",
				},
				Timestamp: completedAt,
				Error:     "connection reset",
			},
		} {
			if err := sink.Record(ctx, entry); err != nil {
				t.Fatalf("didn't want %q", err)
			}
		}

		reconciler := deploy.NewReconciler(&deploy.ReconcilerParams{
			Database: db,
			Locker:   locker,
			Profiles: []*deploy.Profile{web, apk},
			Recovery: sink,
		})

		n, err := reconciler.Reconcile(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := n, 2; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}

		got, err := db.GetAttempt(ctx, &deploy.DatabaseGetAttemptParams{ID: built.ID})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got.Status != deploy.StatusCompleted || got.Progress != 100 {
			t.Fatalf("got %q at %d, want completed at 100", got.Status, got.Progress)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(completedAt) {
			t.Fatalf("got %v, want %v", got.CompletedAt, completedAt)
		}
		if got.DurationSeconds == nil || *got.DurationSeconds != 600 {
			t.Fatalf("got %v, want 600", got.DurationSeconds)
		}
		wantArtifact := &deploy.Artifact{
			Path:        "/out/app.apk",
			Name:        "app-release.apk",
			SizeBytes:   12897485,
			VersionName: "1.4.2",
			VersionCode: "42",
		}
		if !reflect.DeepEqual(got.Artifact, wantArtifact) {
			t.Fatalf("got %+v, want %+v", got.Artifact, wantArtifact)
		}
		if got.ErrorMessage != nil {
			t.Fatalf("got %q, want no error message", *got.ErrorMessage)
		}
		if messages, want := db.Messages(built.ID), "APK build outcome completed restored from the recovery log"; len(messages) != 1 || messages[0] != want {
			t.Fatalf("got %q, want [%q]", messages, want)
		}

		got, err = db.GetAttempt(ctx, &deploy.DatabaseGetAttemptParams{ID: lost.ID})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got.Status != deploy.StatusFailed {
			t.Fatalf("got %q, want %q", got.Status, deploy.StatusFailed)
		}
	})

	t.Run("rejects a bad schedule", func(t *testing.T) {
		reconciler := deploy.NewReconciler(&deploy.ReconcilerParams{
			Database: deploytest.NewDatabase(),
			Locker:   deploytest.NewLocker(),
		})

		if _, err := reconciler.Schedule(context.Background(), "every now and then"); err == nil {
			t.Fatalf("want an error")
		}
	})
}
