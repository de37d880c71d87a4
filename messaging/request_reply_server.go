package messaging

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/fleetwise/vehicle-tracking/internal/rabbitmq"
	"github.com/fleetwise/vehicle-tracking/internal/reliability"
	"github.com/fleetwise/vehicle-tracking/pkg/logattr"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RequestWorker answers RPC requests arriving on the manager's work queue.
// Every request with a replyTo gets exactly one reply carrying its
// correlation id, an empty one when the request could not be processed.
type RequestWorker struct {
	workerState

	manager   *rabbitmq.ConnectionManager
	consumer  *rabbitmq.Consumer
	publisher *rabbitmq.Publisher
	handler   RequestHandler
	opts      workerOptions
	logger    *slog.Logger
}

// NewRequestWorker creates a worker on manager
func NewRequestWorker(manager *rabbitmq.ConnectionManager, handler RequestHandler, options ...WorkerOption) *RequestWorker {
	opts := newWorkerOptions(manager, options)
	cfg := manager.Config()

	return &RequestWorker{
		manager:   manager,
		consumer:  opts.consumer(manager),
		publisher: rabbitmq.NewPublisher(manager, rabbitmq.WithPublisherLogger(opts.logger)),
		handler:   handler,
		opts:      opts,
		logger: opts.logger.With(
			logattr.Component("rpc-worker"),
			logattr.Exchange(cfg.Exchange),
			logattr.Queue(cfg.Route())),
	}
}

// Run consumes requests until ctx is cancelled
func (w *RequestWorker) Run(ctx context.Context) error {
	if w.handler == nil {
		return ErrNoHandler
	}

	w.set(StateConsuming)
	defer w.set(StateIdle)

	w.logger.Info("request worker started")
	err := w.consumer.Run(ctx, w.handleDelivery)
	w.logger.Info("request worker stopped", w.Stats().attrs()...)
	return err
}

func (w *RequestWorker) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	w.set(StateProcessing)
	defer w.set(StateConsuming)

	logger := w.logger.With(
		logattr.Route(d.RoutingKey),
		logattr.CorrelationID(d.CorrelationId),
		logattr.DeliveryTag(d.DeliveryTag),
		"replyTo", d.ReplyTo)

	if d.ReplyTo == "" {
		logger.Warn("request without replyTo, nobody to answer")
		return w.ack(d)
	}

	var reply []byte
	err := reliability.Do(ctx, w.opts.decodePolicy(), func(ctx context.Context) error {
		if len(bytes.TrimSpace(d.Body)) == 0 {
			return reliability.Mark(reliability.KindInvalidBody, ErrEmptyRequest)
		}
		reply = invokeRequest(ctx, w.handler, d.Body, logger)
		return nil
	})

	var headers amqp.Table
	if err != nil {
		logger.Error("invalid request, answering empty",
			logattr.ErrorKind(reliability.KindOf(err).String()),
			logattr.Error(err))
		reply = []byte{}
		headers = amqp.Table{HeaderError: reliability.KindOf(err).String()}
	}

	if err := w.reply(ctx, d, reply, headers); err != nil {
		logger.Error("reply failed, requeueing request", logattr.Error(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			return nackErr
		}
		w.requeued.Add(1)
		w.set(StateRejected)
		return nil
	}

	logger.Debug("request answered", "size", len(reply))
	return w.ack(d)
}

// reply publishes the answer to the caller's queue, retrying connectivity
// failures only
func (w *RequestWorker) reply(ctx context.Context, d amqp.Delivery, body []byte, headers amqp.Table) error {
	msg := amqp.Publishing{
		ContentType:   rabbitmq.ContentTypeJSON,
		CorrelationId: d.CorrelationId,
		Headers:       headers,
		Timestamp:     time.Now(),
		Body:          body,
	}

	policy := w.opts.replyPolicy()
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		w.logger.Warn("retrying reply",
			logattr.CorrelationID(d.CorrelationId),
			logattr.Attempt(attempt),
			logattr.Error(err))
	}

	return reliability.Do(ctx, policy, func(ctx context.Context) error {
		return w.publisher.SendToQueue(ctx, d.ReplyTo, msg)
	})
}

func (w *RequestWorker) ack(d amqp.Delivery) error {
	if err := d.Ack(false); err != nil {
		return err
	}
	w.acknowledged.Add(1)
	w.set(StateAcknowledged)
	return nil
}
