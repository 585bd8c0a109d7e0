package deploy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RecoveryEntry is an attempt update that couldn't reach the database.
type RecoveryEntry struct {
	AttemptID uuid.UUID      `json:"attempt_id"`
	Kind      Kind           `json:"kind,omitempty"`
	Status    *Status        `json:"status,omitempty"`
	Fields    map[string]any `json:"fields"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error"`
}

// RecoverySink stores updates that exhausted their retries
// so that they can be replayed later.
type RecoverySink interface {
	Record(ctx context.Context, entry *RecoveryEntry) error

	// Lookup returns the first recorded entry for attemptID that sets a terminal status,
	// or nil if there is none.
	Lookup(ctx context.Context, attemptID uuid.UUID) (*RecoveryEntry, error)
}

// recoveryFields mirrors the fields of a recorded update.
type recoveryFields struct {
	Status            *Status    `json:"status"`
	Progress          *int       `json:"progress"`
	CompletedAt       *time.Time `json:"completed_at"`
	DurationSeconds   *int       `json:"duration_seconds"`
	ErrorMessage      *string    `json:"error_message"`
	GitBranch         *string    `json:"git_branch"`
	GitCommit         *string    `json:"git_commit"`
	ArtifactPath      *string    `json:"artifact_path"`
	ArtifactName      *string    `json:"artifact_name"`
	ArtifactSizeBytes *int64     `json:"artifact_size_bytes"`
	VersionName       *string    `json:"version_name"`
	VersionCode       *string    `json:"version_code"`
}

// UpdateParams rebuilds the update the entry was recorded for.
func (e *RecoveryEntry) UpdateParams() (*DatabaseUpdateAttemptParams, error) {
	b, err := json.Marshal(e.Fields)
	if err != nil {
		return nil, fmt.Errorf("recovery entry %s: %w", e.AttemptID, err)
	}
	var f recoveryFields
	if err = json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("recovery entry %s: %w", e.AttemptID, err)
	}

	params := &DatabaseUpdateAttemptParams{
		ID:              e.AttemptID,
		Kind:            e.Kind,
		Status:          f.Status,
		Progress:        f.Progress,
		CompletedAt:     f.CompletedAt,
		DurationSeconds: f.DurationSeconds,
		ErrorMessage:    f.ErrorMessage,
		GitBranch:       f.GitBranch,
		GitCommit:       f.GitCommit,
	}
	if params.Status == nil {
		params.Status = e.Status
	}
	if f.ArtifactName != nil || f.ArtifactPath != nil {
		params.Artifact = &Artifact{
			Path:        deref(f.ArtifactPath),
			Name:        deref(f.ArtifactName),
			SizeBytes:   deref(f.ArtifactSizeBytes),
			VersionName: deref(f.VersionName),
			VersionCode: deref(f.VersionCode),
		}
	}
	return params, nil
}

func deref[T any](p *T) T {
	var v T
	if p != nil {
		v = *p
	}
	return v
}

func newRecoveryEntry(params *DatabaseUpdateAttemptParams, err error, now time.Time) *RecoveryEntry {
	fields := make(map[string]any)
	if params.Status != nil {
		fields["status"] = *params.Status
	}
	if params.Progress != nil {
		fields["progress"] = *params.Progress
	}
	if params.CompletedAt != nil {
		fields["completed_at"] = params.CompletedAt.UTC()
	}
	if params.DurationSeconds != nil {
		fields["duration_seconds"] = *params.DurationSeconds
	}
	if params.ErrorMessage != nil {
		fields["error_message"] = *params.ErrorMessage
	}
	if params.GitBranch != nil {
		fields["git_branch"] = *params.GitBranch
	}
	if params.GitCommit != nil {
		fields["git_commit"] = *params.GitCommit
	}
	if a := params.Artifact; a != nil {
		fields["artifact_path"] = a.Path
		fields["artifact_name"] = a.Name
		fields["artifact_size_bytes"] = a.SizeBytes
		fields["version_name"] = a.VersionName
		fields["version_code"] = a.VersionCode
	}

	return &RecoveryEntry{
		AttemptID: params.ID,
		Kind:      params.Kind,
		Status:    params.Status,
		Fields:    fields,
		Timestamp: now.UTC(),
		Error:     err.Error(),
	}
}

var _ RecoverySink = (*FileRecoverySink)(nil)

// FileRecoverySink appends entries as JSON lines to a size-rotated file.
// Lookup only reads the current file, not the rotated ones.
type FileRecoverySink struct {
	filename string
	w        io.WriteCloser
}

// NewFileRecoverySink returns a sink writing to filename.
// The file is rotated when it grows past 10 MB and up to 5 old files are kept.
func NewFileRecoverySink(filename string) *FileRecoverySink {
	return &FileRecoverySink{
		filename: filename,
		w: &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			Compress:   true,
		},
	}
}

// Record implements RecoverySink.
func (s *FileRecoverySink) Record(_ context.Context, entry *RecoveryEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	b = append(b, '\n')

	// lumberjack.Logger serializes writes, one Write per entry keeps lines whole.
	if _, err = s.w.Write(b); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return nil
}

// Lookup implements RecoverySink.
// Lines that don't decode, such as one being written, are skipped.
func (s *FileRecoverySink) Lookup(_ context.Context, attemptID uuid.UUID) (*RecoveryEntry, error) {
	f, err := os.Open(s.filename)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry RecoveryEntry
		if err = json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry.AttemptID == attemptID && entry.Status != nil && entry.Status.Terminal() {
			return &entry, nil
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	return nil, nil
}

func (s *FileRecoverySink) Close() error {
	return s.w.Close()
}
