package deploy

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventAttemptStarted  EventType = "attempt.started"
	EventAttemptFinished EventType = "attempt.finished"
)

// Event announces a lifecycle change of an attempt to other services.
type Event struct {
	Type         EventType `json:"type"`
	AttemptID    uuid.UUID `json:"attempt_id"`
	Kind         Kind      `json:"kind"`
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Publisher delivers events. Delivery is best effort,
// the orchestrator logs publish errors and moves on.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *Event) error { return nil }
