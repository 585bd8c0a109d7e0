// Package amqputil publishes messages to a RabbitMQ queue.
package amqputil

import (
	"context"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

type Config struct {
	ConnectionString string `env:"CONNECTION_STRING"` // optional, publishing is disabled without it
	Queue            string `env:"QUEUE"`             // default: "deployer.events"
}

func (c *Config) queue() string {
	if c.Queue == "" {
		return "deployer.events"
	}
	return c.Queue
}

// Client publishes to a durable queue named by Config.Queue.
// It dials for every publish.
type Client struct {
	connectionString string
	queue            string
}

func NewClient(cfg *Config) *Client {
	return &Client{
		connectionString: cfg.ConnectionString,
		queue:            cfg.queue(),
	}
}

// Queue returns the name of the queue the client publishes to.
func (cli *Client) Queue() string {
	return cli.queue
}

// Publish declares the queue and publishes msg to it through the default exchange.
func (cli *Client) Publish(ctx context.Context, msg amqp091.Publishing) error {
	conn, err := amqp091.Dial(cli.connectionString)
	if err != nil {
		return fmt.Errorf("amqputil: dial: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqputil: channel: %w", err)
	}
	defer func() {
		_ = ch.Close()
	}()

	_, err = ch.QueueDeclare(
		cli.queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("amqputil: declare queue %s: %w", cli.queue, err)
	}

	if err = ch.PublishWithContext(ctx, "", cli.queue, false, false, msg); err != nil {
		return fmt.Errorf("amqputil: publish: %w", err)
	}
	return nil
}
