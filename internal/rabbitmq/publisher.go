package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetwise/vehicle-tracking/contracts"
	"github.com/fleetwise/vehicle-tracking/pkg/logattr"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ContentTypeJSON is set on every envelope publication
const ContentTypeJSON = "application/json"

// Publisher sends envelopes to the configured exchange. Publications are
// fire-and-forget: no confirms, no retries.
type Publisher struct {
	manager        *ConnectionManager
	publishTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout bounds a single publication when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a publisher on the manager's channel
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		publishTimeout: 10 * time.Second,
		logger:         manager.Logger(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends env to the primary route
func (p *Publisher) Publish(ctx context.Context, env contracts.Envelope) error {
	return p.PublishTo(ctx, p.manager.Config().Route(), env)
}

// PublishTo sends env under an explicit routing key
func (p *Publisher) PublishTo(ctx context.Context, route string, env contracts.Envelope) error {
	body, err := contracts.Encode(env)
	if err != nil {
		return &PublishError{
			Exchange:   p.manager.Config().Exchange,
			RoutingKey: route,
			Err:        fmt.Errorf("encode envelope: %w", err),
			Timestamp:  time.Now(),
		}
	}

	return p.Send(ctx, route, amqp.Publishing{
		ContentType:  ContentTypeJSON,
		DeliveryMode: amqp.Transient,
		MessageId:    env.Header.ExecutionID.String(),
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Send publishes a raw message to the configured exchange
func (p *Publisher) Send(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	return p.send(ctx, p.manager.Config().Exchange, routingKey, msg)
}

// SendToQueue publishes a raw message straight to queue through the default
// exchange, as replies to a replyTo queue must be
func (p *Publisher) SendToQueue(ctx context.Context, queue string, msg amqp.Publishing) error {
	return p.send(ctx, "", queue, msg)
}

func (p *Publisher) send(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	ch, err := p.manager.Channel()
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		p.logger.Error("publish failed",
			logattr.Exchange(exchange),
			logattr.Route(routingKey),
			logattr.CorrelationID(msg.CorrelationId),
			logattr.Error(err))
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	p.logger.Debug("message published",
		logattr.Exchange(exchange),
		logattr.Route(routingKey),
		"size", len(msg.Body))

	return nil
}
