package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/deployer/internal/deploy"
)

type initiatorResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

type artifactResponse struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	SizeBytes   int64  `json:"size_bytes"`
	VersionName string `json:"version_name,omitempty"`
	VersionCode string `json:"version_code,omitempty"`
}

type attemptResponse struct {
	ID              uuid.UUID         `json:"id"`
	Kind            deploy.Kind       `json:"kind"`
	Status          deploy.Status     `json:"status"`
	Progress        int               `json:"progress"`
	Initiator       initiatorResponse `json:"initiator"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at"`
	DurationSeconds *int              `json:"duration_seconds"`
	ErrorMessage    *string           `json:"error_message"`
	GitBranch       *string           `json:"git_branch"`
	GitCommit       *string           `json:"git_commit"`
	Artifact        *artifactResponse `json:"artifact,omitempty"`
}

func newAttemptResponse(a *deploy.Attempt) *attemptResponse {
	resp := &attemptResponse{
		ID:              a.ID,
		Kind:            a.Kind,
		Status:          a.Status,
		Progress:        a.Progress,
		Initiator:       initiatorResponse{UserID: a.Initiator.UserID, Email: a.Initiator.Email},
		StartedAt:       a.StartedAt,
		CompletedAt:     a.CompletedAt,
		DurationSeconds: a.DurationSeconds,
		ErrorMessage:    a.ErrorMessage,
		GitBranch:       a.GitBranch,
		GitCommit:       a.GitCommit,
	}
	if a.Artifact != nil {
		resp.Artifact = &artifactResponse{
			Path:        a.Artifact.Path,
			Name:        a.Artifact.Name,
			SizeBytes:   a.Artifact.SizeBytes,
			VersionName: a.Artifact.VersionName,
			VersionCode: a.Artifact.VersionCode,
		}
	}
	return resp
}

type logEntryResponse struct {
	SequenceID int64        `json:"sequence_id"`
	Level      deploy.Level `json:"level"`
	Message    string       `json:"message"`
	CreatedAt  time.Time    `json:"created_at"`
}

func newLogEntryResponse(e *deploy.LogEntry) *logEntryResponse {
	return &logEntryResponse{
		SequenceID: e.SequenceID,
		Level:      e.Level,
		Message:    e.Message,
		CreatedAt:  e.CreatedAt,
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
