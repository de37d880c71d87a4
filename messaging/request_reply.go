package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetwise/vehicle-tracking/contracts"
	"github.com/fleetwise/vehicle-tracking/internal/rabbitmq"
	"github.com/fleetwise/vehicle-tracking/internal/reliability"
	"github.com/fleetwise/vehicle-tracking/pkg/logattr"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RequestClient issues RPC calls. Each call uses its own channel, reply
// queue and correlation id, so concurrent calls do not interfere.
type RequestClient struct {
	manager *rabbitmq.ConnectionManager
	route   string
	timeout time.Duration
	logger  *slog.Logger
}

// ClientOption configures the RequestClient
type ClientOption func(*RequestClient)

// WithTimeout sets how long a call waits for its reply
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *RequestClient) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRequestRoute sets the route requests are published to. It defaults
// to the manager's primary route.
func WithRequestRoute(route string) ClientOption {
	return func(c *RequestClient) {
		c.route = route
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *RequestClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewRequestClient creates a client on manager
func NewRequestClient(manager *rabbitmq.ConnectionManager, options ...ClientOption) *RequestClient {
	c := &RequestClient{
		manager: manager,
		route:   manager.Config().Route(),
		timeout: reliability.DefaultTimeout,
		logger:  manager.Logger(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Call sends body and waits for the matching reply
func (c *RequestClient) Call(ctx context.Context, body []byte) ([]byte, error) {
	return c.call(ctx, uuid.NewString(), body)
}

// CallEnvelope stamps the envelope's CorrelateID with the call's
// correlation id and sends it
func (c *RequestClient) CallEnvelope(ctx context.Context, env contracts.Envelope) ([]byte, error) {
	id := uuid.New()
	env.Header.CorrelateID = id

	body, err := contracts.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return c.call(ctx, id.String(), body)
}

func (c *RequestClient) call(ctx context.Context, correlationID string, body []byte) ([]byte, error) {
	exchange := c.manager.Config().Exchange
	logger := c.logger.With(logattr.Route(c.route), logattr.CorrelationID(correlationID))

	ch, err := c.manager.OpenChannel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	replyQueue, err := rabbitmq.DeclareReplyQueue(ch)
	if err != nil {
		return nil, err
	}

	replies, err := ch.Consume(
		replyQueue.Name,
		"",
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &rabbitmq.ConsumerError{Queue: replyQueue.Name, Op: "consume replies", Err: err, Timestamp: time.Now()}
	}

	budget := c.budget(ctx)
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	err = ch.PublishWithContext(ctx, exchange, c.route, false, false, amqp.Publishing{
		ContentType:   rabbitmq.ContentTypeJSON,
		CorrelationId: correlationID,
		ReplyTo:       replyQueue.Name,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return nil, &rabbitmq.PublishError{Exchange: exchange, RoutingKey: c.route, Err: err, Timestamp: time.Now()}
	}

	logger.Debug("request sent", logattr.Queue(replyQueue.Name))

	for {
		select {
		case d, ok := <-replies:
			if !ok {
				return nil, &rabbitmq.ConsumerError{
					Queue:     replyQueue.Name,
					Op:        "await reply",
					Err:       rabbitmq.ErrConsumerCancelled,
					Timestamp: time.Now(),
				}
			}
			if d.CorrelationId != correlationID {
				logger.Debug("discarding reply for another request", "got", d.CorrelationId)
				continue
			}
			if reason, ok := d.Headers[HeaderError]; ok {
				return d.Body, fmt.Errorf("%w: %v", ErrRequestRejected, reason)
			}
			return d.Body, nil

		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				logger.Warn("request timed out", "timeout", budget)
				return nil, &TimeoutError{CorrelationID: correlationID, Route: c.route, Timeout: budget}
			}
			return nil, ctx.Err()
		}
	}
}

// budget is how long a call may wait: the client timeout, or less when the
// caller's deadline comes first
func (c *RequestClient) budget(ctx context.Context) time.Duration {
	budget := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < budget {
			budget = max(remaining, 0)
		}
	}
	return budget
}
