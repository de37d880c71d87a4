package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetwise/vehicle-tracking/pkg/logattr"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. It settles the delivery itself
// (ack, reject or nack); a returned error is only logged.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer pulls deliveries from the manager's work queue one at a time
type Consumer struct {
	manager     *ConnectionManager
	consumerTag string
	logger      *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a consumer for the manager's work queue
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager: manager,
		logger:  manager.Logger(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.consumerTag == "" {
		c.consumerTag = fmt.Sprintf("%s-%s", manager.Config().Route(), uuid.NewString())
	}

	return c
}

// Tag returns the consumer tag
func (c *Consumer) Tag() string {
	return c.consumerTag
}

// Run consumes until ctx is cancelled or the broker closes the delivery
// channel. Deliveries are handled sequentially; the handler receives a
// context that is not cancelled with ctx so the delivery in flight is
// settled before Run returns. Cancellation returns nil.
func (c *Consumer) Run(ctx context.Context, handler MessageHandler) error {
	queue := c.manager.Queue().Name

	ch, err := c.manager.Channel()
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: c.consumerTag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		c.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: c.consumerTag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	c.logger.Info("consuming",
		logattr.Queue(queue),
		"consumerTag", c.consumerTag,
		"prefetchCount", PrefetchCount)

	handlerCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(c.consumerTag, false); err != nil {
				c.logger.Warn("failed to cancel consumer", logattr.Queue(queue), logattr.Error(err))
			}
			c.logger.Info("consumer stopped", logattr.Queue(queue))
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", logattr.Queue(queue))
				return &ConsumerError{
					Queue:       queue,
					ConsumerTag: c.consumerTag,
					Op:          "receive",
					Err:         ErrConsumerCancelled,
					Timestamp:   time.Now(),
				}
			}

			if err := handler(handlerCtx, delivery); err != nil {
				c.logger.Error("failed to handle message",
					logattr.Queue(queue),
					logattr.DeliveryTag(delivery.DeliveryTag),
					logattr.CorrelationID(delivery.CorrelationId),
					logattr.Error(err))
			}
		}
	}
}
