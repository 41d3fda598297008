// internal/messaging/rabbit.go
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"bizfolio/internal/metrics"
	"bizfolio/internal/model"
)

const (
	AuditQueue = "audit_events_queue"
	AuditDLQ   = "audit_events_dlq"
)

type RabbitClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	URL     string

	// amqp channels are not safe for concurrent publishes
	mu sync.Mutex
}

func NewRabbitClient(url string) (*RabbitClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	return &RabbitClient{
		conn:    conn,
		channel: ch,
		URL:     url,
	}, nil
}

func (r *RabbitClient) GetChannel() *amqp.Channel {
	return r.channel
}

func (r *RabbitClient) GetConnection() *amqp.Connection {
	return r.conn
}

// DeclareQueue creates a durable queue that dead-letters into its own DLQ.
func (r *RabbitClient) DeclareQueue(queueName, dlqName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.channel.QueueDeclare(
		dlqName,
		true, false, false, false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare DLQ: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqName,
	}
	_, err = r.channel.QueueDeclare(
		queueName,
		true, false, false, false,
		args,
	)
	if err != nil {
		return fmt.Errorf("declare main queue: %w", err)
	}

	log.Info().Str("queue", queueName).Str("dlq", dlqName).Msg("rabbit queues declared")
	return nil
}

// Publish sends an audit event to the audit queue as persistent JSON.
func (r *RabbitClient) Publish(_ context.Context, e model.AuditEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.channel.Publish(
		"",         // default exchange
		AuditQueue, // routing key (queue name)
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         string(e.Kind),
			Timestamp:    e.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to queue %s: %w", AuditQueue, err)
	}
	return nil
}

// Close cleans up connection and channel
func (r *RabbitClient) Close() error {
	if err := r.channel.Close(); err != nil {
		return err
	}
	if err := r.conn.Close(); err != nil {
		return err
	}
	return nil
}

// UpdateQueueDepth records the number of audit events waiting in queueName.
func (r *RabbitClient) UpdateQueueDepth(queueName string) {
	r.mu.Lock()
	q, err := r.channel.QueueInspect(queueName)
	r.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("queue", queueName).Msg("inspect queue failed")
		return
	}

	metrics.QueueDepth.WithLabelValues(queueName).Set(float64(q.Messages))
}
