package messaging

import (
	"context"
	"log/slog"

	"github.com/fleetwise/vehicle-tracking/contracts"
	"github.com/fleetwise/vehicle-tracking/internal/rabbitmq"
	"github.com/fleetwise/vehicle-tracking/internal/reliability"
	"github.com/fleetwise/vehicle-tracking/pkg/logattr"
	amqp "github.com/rabbitmq/amqp091-go"
)

// SubscriberWorker consumes events from the manager's work queue and hands
// every valid envelope to its EventHandler.
//
// Settlement:
//   - success: ack
//   - invalid envelope or handler failure: ack, or reject without requeue
//     when the queue has a dead-letter exchange
type SubscriberWorker struct {
	workerState

	manager  *rabbitmq.ConnectionManager
	consumer *rabbitmq.Consumer
	handler  EventHandler
	opts     workerOptions
	logger   *slog.Logger
}

// NewSubscriberWorker creates a worker on manager
func NewSubscriberWorker(manager *rabbitmq.ConnectionManager, handler EventHandler, options ...WorkerOption) *SubscriberWorker {
	opts := newWorkerOptions(manager, options)
	cfg := manager.Config()

	return &SubscriberWorker{
		manager:  manager,
		consumer: opts.consumer(manager),
		handler:  handler,
		opts:     opts,
		logger: opts.logger.With(
			logattr.Component("subscriber"),
			logattr.Exchange(cfg.Exchange),
			logattr.Queue(cfg.Route())),
	}
}

// Run consumes until ctx is cancelled. The delivery in flight when ctx is
// cancelled is still settled.
func (w *SubscriberWorker) Run(ctx context.Context) error {
	if w.handler == nil {
		return ErrNoHandler
	}

	w.set(StateConsuming)
	defer w.set(StateIdle)

	w.logger.Info("subscriber worker started")
	err := w.consumer.Run(ctx, w.handleDelivery)
	w.logger.Info("subscriber worker stopped", w.Stats().attrs()...)
	return err
}

func (w *SubscriberWorker) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	w.set(StateProcessing)
	defer w.set(StateConsuming)

	logger := w.logger.With(
		logattr.Route(d.RoutingKey),
		logattr.DeliveryTag(d.DeliveryTag))

	env, err := reliability.DoValue(ctx, w.opts.decodePolicy(), func(context.Context) (contracts.Envelope, error) {
		env, err := contracts.Decode(d.Body)
		if err != nil {
			return env, reliability.Mark(reliability.KindInvalidBody, err)
		}
		return env, nil
	})
	if err != nil {
		logger.Error("discarding invalid event",
			logattr.CorrelationID(d.CorrelationId),
			"size", len(d.Body),
			logattr.Error(err))
		return w.settleFailed(d)
	}

	logger = logger.With(
		logattr.CorrelationID(env.Header.CorrelateID.String()),
		logattr.ExecutionID(env.Header.ExecutionID.String()))

	if err := invokeEvent(ctx, w.handler, d.Body); err != nil {
		logger.Error("event handler failed", logattr.Error(err))
		return w.settleFailed(d)
	}

	if err := d.Ack(false); err != nil {
		return err
	}
	w.acknowledged.Add(1)
	w.set(StateAcknowledged)
	logger.Debug("event processed")
	return nil
}

// settleFailed finishes a delivery that will not be processed. It is never
// requeued.
func (w *SubscriberWorker) settleFailed(d amqp.Delivery) error {
	if w.manager.Config().DeadLetterExchange != "" {
		if err := d.Reject(false); err != nil {
			return err
		}
		w.rejected.Add(1)
		w.set(StateRejected)
		return nil
	}

	if err := d.Ack(false); err != nil {
		return err
	}
	w.acknowledged.Add(1)
	w.set(StateAcknowledged)
	return nil
}

func (s Stats) attrs() []any {
	return []any{
		"acknowledged", s.Acknowledged,
		"rejected", s.Rejected,
		"requeued", s.Requeued,
	}
}
