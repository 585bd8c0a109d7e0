package deploypg

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/k11v/deployer/internal/deploy"
)

const attemptColumns = `
	id, kind, status, progress,
	initiator_user_id, initiator_email,
	started_at, completed_at, duration_seconds,
	error_message, git_branch, git_commit,
	artifact_path, artifact_name, artifact_size_bytes, version_name, version_code
`

type attemptRow struct {
	ID                uuid.UUID  `db:"id"`
	Kind              string     `db:"kind"`
	Status            string     `db:"status"`
	Progress          int        `db:"progress"`
	InitiatorUserID   string     `db:"initiator_user_id"`
	InitiatorEmail    string     `db:"initiator_email"`
	StartedAt         time.Time  `db:"started_at"`
	CompletedAt       *time.Time `db:"completed_at"`
	DurationSeconds   *int       `db:"duration_seconds"`
	ErrorMessage      *string    `db:"error_message"`
	GitBranch         *string    `db:"git_branch"`
	GitCommit         *string    `db:"git_commit"`
	ArtifactPath      *string    `db:"artifact_path"`
	ArtifactName      *string    `db:"artifact_name"`
	ArtifactSizeBytes *int64     `db:"artifact_size_bytes"`
	VersionName       *string    `db:"version_name"`
	VersionCode       *string    `db:"version_code"`
}

func rowToAttempt(collectableRow pgx.CollectableRow) (*deploy.Attempt, error) {
	collectedRow, err := pgx.RowToStructByName[attemptRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to attempt: %w", err)
	}

	kind, known := deploy.KindFromString(collectedRow.Kind)
	if !known {
		slog.Default().Warn(
			"unknown kind encountered while reading attempt",
			"kind", collectedRow.Kind,
			"attempt_id", collectedRow.ID,
		)
	}
	status, known := deploy.StatusFromString(collectedRow.Status)
	if !known {
		slog.Default().Warn(
			"unknown status encountered while reading attempt",
			"status", collectedRow.Status,
			"attempt_id", collectedRow.ID,
		)
	}

	a := &deploy.Attempt{
		ID:       collectedRow.ID,
		Kind:     kind,
		Status:   status,
		Progress: collectedRow.Progress,
		Initiator: deploy.Initiator{
			UserID: collectedRow.InitiatorUserID,
			Email:  collectedRow.InitiatorEmail,
		},
		StartedAt:       collectedRow.StartedAt,
		CompletedAt:     collectedRow.CompletedAt,
		DurationSeconds: collectedRow.DurationSeconds,
		ErrorMessage:    collectedRow.ErrorMessage,
		GitBranch:       collectedRow.GitBranch,
		GitCommit:       collectedRow.GitCommit,
	}

	if collectedRow.ArtifactPath != nil || collectedRow.ArtifactName != nil {
		a.Artifact = &deploy.Artifact{
			Path:        deref(collectedRow.ArtifactPath),
			Name:        deref(collectedRow.ArtifactName),
			SizeBytes:   deref(collectedRow.ArtifactSizeBytes),
			VersionName: deref(collectedRow.VersionName),
			VersionCode: deref(collectedRow.VersionCode),
		}
	}

	return a, nil
}

type logRow struct {
	AttemptID  uuid.UUID `db:"attempt_id"`
	SequenceID int64     `db:"sequence_id"`
	Level      string    `db:"level"`
	Message    string    `db:"message"`
	CreatedAt  time.Time `db:"created_at"`
}

func rowToLogEntry(collectableRow pgx.CollectableRow) (*deploy.LogEntry, error) {
	collectedRow, err := pgx.RowToStructByName[logRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to log entry: %w", err)
	}

	level, known := deploy.LevelFromString(collectedRow.Level)
	if !known {
		slog.Default().Warn(
			"unknown level encountered while reading log entry",
			"level", collectedRow.Level,
			"attempt_id", collectedRow.AttemptID,
		)
	}

	return &deploy.LogEntry{
		AttemptID:  collectedRow.AttemptID,
		SequenceID: collectedRow.SequenceID,
		Level:      level,
		Message:    collectedRow.Message,
		CreatedAt:  collectedRow.CreatedAt,
	}, nil
}

func rowToInt(collectableRow pgx.CollectableRow) (int, error) {
	var n int
	if err := collectableRow.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func rowToInt64(collectableRow pgx.CollectableRow) (int64, error) {
	var n int64
	if err := collectableRow.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
