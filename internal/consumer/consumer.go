// internal/consumer/consumer.go
package consumer

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

type MessageHandlerFunc func(queue string, delivery amqp.Delivery)

// Consumer holds control channels and metadata for a running queue consumer
type Consumer struct {
	QueueName   string
	Channel     *amqp.Channel
	StopChan    chan struct{}
	DoneChan    chan struct{}
	Handler     MessageHandlerFunc
	ConsumerTag string
}

// StartConsumer starts a goroutine that feeds queueName's deliveries to handler
func StartConsumer(conn *amqp.Connection, queueName string, prefetch int, handler MessageHandlerFunc) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("queue %s: failed to open channel: %w", queueName, err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("queue %s: failed to set prefetch: %w", queueName, err)
		}
	}

	consumerTag := fmt.Sprintf("consumer-%s", queueName)

	msgs, err := ch.Consume(
		queueName,
		consumerTag,
		false, // autoAck: false to handle manually
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("queue %s: failed to start consuming: %w", queueName, err)
	}

	c := newConsumer(queueName, consumerTag, ch, handler)
	go c.consumeLoop(msgs)

	log.Info().Str("queue", queueName).Msg("consumer started")
	return c, nil
}

func newConsumer(queueName, tag string, ch *amqp.Channel, handler MessageHandlerFunc) *Consumer {
	return &Consumer{
		QueueName:   queueName,
		Channel:     ch,
		StopChan:    make(chan struct{}),
		DoneChan:    make(chan struct{}),
		Handler:     handler,
		ConsumerTag: tag,
	}
}

// consumeLoop processes messages until StopChan is closed
func (c *Consumer) consumeLoop(msgs <-chan amqp.Delivery) {
	defer close(c.DoneChan)

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				log.Warn().Str("queue", c.QueueName).Msg("delivery channel closed")
				return
			}
			c.Handler(c.QueueName, msg)

		case <-c.StopChan:
			log.Info().Str("queue", c.QueueName).Msg("stopping consumer")
			if c.Channel != nil {
				_ = c.Channel.Cancel(c.ConsumerTag, false)
			}
			return
		}
	}
}

// Stop signals the consumer to stop and waits for cleanup
func (c *Consumer) Stop() {
	close(c.StopChan)
	<-c.DoneChan
	if c.Channel != nil {
		_ = c.Channel.Close()
	}
	log.Info().Str("queue", c.QueueName).Msg("consumer stopped")
}
