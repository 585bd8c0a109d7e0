// Package deployamqp publishes attempt lifecycle events to RabbitMQ.
package deployamqp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/deployer/internal/amqputil"
	"github.com/k11v/deployer/internal/deploy"
)

var _ deploy.Publisher = (*Publisher)(nil)

type Publisher struct {
	client *amqputil.Client // required
}

func NewPublisher(client *amqputil.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish implements deploy.Publisher.
// Events are persistent JSON messages typed with the event type.
func (p *Publisher) Publish(ctx context.Context, event *deploy.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("deployamqp: %w", err)
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    fmt.Sprintf("%s/%s", event.AttemptID, event.Type),
		Timestamp:    event.OccurredAt,
		Type:         string(event.Type),
		Body:         body,
	}
	if err = p.client.Publish(ctx, msg); err != nil {
		return fmt.Errorf("deployamqp: %w", err)
	}
	return nil
}
