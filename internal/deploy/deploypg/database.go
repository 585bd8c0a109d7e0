// Package deploypg implements deploy.Database with PostgreSQL.
package deploypg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/k11v/deployer/internal/deploy"
)

var _ deploy.Database = (*Database)(nil)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Database struct {
	db Querier // required
}

func NewDatabase(db Querier) *Database {
	return &Database{db: db}
}

// CreateAttempt implements deploy.Database.
func (d *Database) CreateAttempt(ctx context.Context, params *deploy.DatabaseCreateAttemptParams) (*deploy.Attempt, error) {
	query := `
		INSERT INTO attempts (id, kind, status, progress, initiator_user_id, initiator_email)
		VALUES ($1, $2, $3, 0, $4, $5)
		RETURNING ` + attemptColumns
	args := []any{
		params.ID,
		string(params.Kind),
		string(deploy.StatusPending),
		params.Initiator.UserID,
		params.Initiator.Email,
	}

	rows, _ := d.db.Query(ctx, query, args...)
	a, err := pgx.CollectExactlyOneRow(rows, rowToAttempt)
	if err != nil {
		return nil, fmt.Errorf("create attempt: %w", wrapError(err))
	}

	return a, nil
}

// UpdateAttempt implements deploy.Database.
func (d *Database) UpdateAttempt(ctx context.Context, params *deploy.DatabaseUpdateAttemptParams) (*deploy.Attempt, error) {
	query := `
		UPDATE attempts SET
			status = COALESCE($2, status),
			progress = GREATEST(progress, COALESCE($3, progress)),
			completed_at = COALESCE($4, completed_at),
			duration_seconds = COALESCE($5, duration_seconds),
			error_message = COALESCE(error_message, $6),
			git_branch = COALESCE($7, git_branch),
			git_commit = COALESCE($8, git_commit),
			artifact_path = COALESCE($9, artifact_path),
			artifact_name = COALESCE($10, artifact_name),
			artifact_size_bytes = COALESCE($11, artifact_size_bytes),
			version_name = COALESCE($12, version_name),
			version_code = COALESCE($13, version_code)
		WHERE id = $1
			AND (status NOT IN ('completed', 'failed', 'cancelled') OR status = $2)
		RETURNING ` + attemptColumns

	var status *string
	if params.Status != nil {
		s := string(*params.Status)
		status = &s
	}

	var (
		artifactPath, artifactName, versionName, versionCode *string
		artifactSizeBytes                                    *int64
	)
	if a := params.Artifact; a != nil {
		artifactPath, artifactName = &a.Path, &a.Name
		artifactSizeBytes = &a.SizeBytes
		versionName, versionCode = nilIfEmpty(a.VersionName), nilIfEmpty(a.VersionCode)
	}

	args := []any{
		params.ID,
		status,
		params.Progress,
		params.CompletedAt,
		params.DurationSeconds,
		params.ErrorMessage,
		params.GitBranch,
		params.GitCommit,
		artifactPath,
		artifactName,
		artifactSizeBytes,
		versionName,
		versionCode,
	}

	rows, _ := d.db.Query(ctx, query, args...)
	a, err := pgx.CollectExactlyOneRow(rows, rowToAttempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update attempt: %w", d.missingOrTerminal(ctx, params.ID))
	} else if err != nil {
		return nil, fmt.Errorf("update attempt: %w", wrapError(err))
	}

	return a, nil
}

// CancelAttempt implements deploy.Database.
func (d *Database) CancelAttempt(ctx context.Context, params *deploy.DatabaseCancelAttemptParams) (*deploy.Attempt, error) {
	query := `
		UPDATE attempts SET
			status = 'cancelled',
			completed_at = $2,
			error_message = COALESCE(error_message, $3)
		WHERE id = $1
			AND status NOT IN ('completed', 'failed', 'cancelled')
		RETURNING ` + attemptColumns
	args := []any{params.ID, params.CompletedAt, params.Message}

	rows, _ := d.db.Query(ctx, query, args...)
	a, err := pgx.CollectExactlyOneRow(rows, rowToAttempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cancel attempt: %w", d.missingOrTerminal(ctx, params.ID))
	} else if err != nil {
		return nil, fmt.Errorf("cancel attempt: %w", wrapError(err))
	}

	return a, nil
}

// missingOrTerminal explains why a conditional update of the attempt with id matched no rows.
func (d *Database) missingOrTerminal(ctx context.Context, id any) error {
	query := `SELECT count(*) FROM attempts WHERE id = $1`

	rows, _ := d.db.Query(ctx, query, id)
	n, err := pgx.CollectExactlyOneRow(rows, rowToInt)
	if err != nil {
		return wrapError(err)
	}
	if n == 0 {
		return deploy.ErrNotFound
	}
	return deploy.ErrAlreadyTerminal
}

// GetAttempt implements deploy.Database.
func (d *Database) GetAttempt(ctx context.Context, params *deploy.DatabaseGetAttemptParams) (*deploy.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts WHERE id = $1`
	args := []any{params.ID}

	rows, _ := d.db.Query(ctx, query, args...)
	a, err := pgx.CollectExactlyOneRow(rows, rowToAttempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, deploy.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get attempt: %w", wrapError(err))
	}

	return a, nil
}

// ListHistory implements deploy.Database.
func (d *Database) ListHistory(ctx context.Context, params *deploy.DatabaseListHistoryParams) (*deploy.DatabaseListHistoryResult, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM attempts
		WHERE kind = $1
		ORDER BY started_at DESC, id ASC
		LIMIT $2
		OFFSET $3
	`
	args := []any{string(params.Kind), params.PageLimit, params.PageOffset}

	rows, _ := d.db.Query(ctx, query, args...)
	attempts, err := pgx.CollectRows(rows, rowToAttempt)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", wrapError(err))
	}

	query = `
		SELECT count(*)
		FROM attempts
		WHERE kind = $1
	`
	args = []any{string(params.Kind)}

	rows, _ = d.db.Query(ctx, query, args...)
	totalSize, err := pgx.CollectExactlyOneRow(rows, rowToInt)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", wrapError(err))
	}

	nextPageOffset := new(int)
	*nextPageOffset = params.PageOffset + len(attempts)
	if *nextPageOffset >= totalSize {
		nextPageOffset = nil
	}

	result := &deploy.DatabaseListHistoryResult{
		Attempts:       attempts,
		NextPageOffset: nextPageOffset,
		TotalSize:      totalSize,
	}
	return result, nil
}

// ListUnfinished implements deploy.Database.
func (d *Database) ListUnfinished(ctx context.Context, params *deploy.DatabaseListUnfinishedParams) ([]*deploy.Attempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM attempts
		WHERE kind = $1
			AND status NOT IN ('completed', 'failed', 'cancelled')
			AND started_at < $2
		ORDER BY started_at ASC
	`
	args := []any{string(params.Kind), params.StartedBefore}

	rows, _ := d.db.Query(ctx, query, args...)
	attempts, err := pgx.CollectRows(rows, rowToAttempt)
	if err != nil {
		return nil, fmt.Errorf("list unfinished: %w", wrapError(err))
	}

	return attempts, nil
}

// AppendLog implements deploy.Database.
//
// The sequence id comes from a counter on the attempt row.
// Incrementing it locks the row until the entry is committed,
// so entries of an attempt become visible in sequence order.
func (d *Database) AppendLog(ctx context.Context, params *deploy.DatabaseAppendLogParams) (*deploy.LogEntry, error) {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("append log: %w", wrapError(err))
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		UPDATE attempts
		SET log_count = log_count + 1
		WHERE id = $1
		RETURNING log_count
	`
	args := []any{params.AttemptID}

	rows, _ := tx.Query(ctx, query, args...)
	sequenceID, err := pgx.CollectExactlyOneRow(rows, rowToInt64)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("append log: %w", deploy.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("append log: %w", wrapError(err))
	}

	query = `
		INSERT INTO attempt_logs (attempt_id, sequence_id, level, message)
		VALUES ($1, $2, $3, $4)
		RETURNING attempt_id, sequence_id, level, message, created_at
	`
	args = []any{
		params.AttemptID,
		sequenceID,
		string(params.Level),
		deploy.TruncateLogMessage(params.Message),
	}

	rows, _ = tx.Query(ctx, query, args...)
	entry, err := pgx.CollectExactlyOneRow(rows, rowToLogEntry)
	if err != nil {
		return nil, fmt.Errorf("append log: %w", wrapError(err))
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("append log: %w", wrapError(err))
	}

	return entry, nil
}

// GetLogsSince implements deploy.Database.
func (d *Database) GetLogsSince(ctx context.Context, params *deploy.DatabaseGetLogsSinceParams) ([]*deploy.LogEntry, error) {
	limit := params.Limit
	if limit <= 0 || limit > deploy.MaxLogsPerPage {
		limit = deploy.MaxLogsPerPage
	}

	query := `
		SELECT attempt_id, sequence_id, level, message, created_at
		FROM attempt_logs
		WHERE attempt_id = $1 AND sequence_id > $2
		ORDER BY sequence_id ASC
		LIMIT $3
	`
	args := []any{params.AttemptID, params.SinceSequenceID, limit}

	rows, _ := d.db.Query(ctx, query, args...)
	entries, err := pgx.CollectRows(rows, rowToLogEntry)
	if err != nil {
		return nil, fmt.Errorf("get logs since: %w", wrapError(err))
	}

	return entries, nil
}

// wrapError marks errors that retrying won't fix.
func wrapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgerrcode.IsIntegrityConstraintViolation(pgErr.Code),
		pgerrcode.IsDataException(pgErr.Code),
		pgerrcode.IsSyntaxErrororAccessRuleViolation(pgErr.Code):
		return deploy.Permanent(err)
	default:
		return err
	}
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
