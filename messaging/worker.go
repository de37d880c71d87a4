package messaging

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fleetwise/vehicle-tracking/internal/rabbitmq"
	"github.com/fleetwise/vehicle-tracking/internal/reliability"
)

const (
	// DefaultDecodeAttempts bounds the validation of one delivery
	DefaultDecodeAttempts = 2
	// DefaultReplyAttempts bounds the publication of one RPC reply
	DefaultReplyAttempts = 3

	// HeaderError is set on replies produced for requests that could not be processed
	HeaderError = "x-error"
)

// State is the lifecycle position of a worker
type State int32

const (
	StateIdle State = iota
	StateConsuming
	StateProcessing
	StateAcknowledged
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConsuming:
		return "consuming"
	case StateProcessing:
		return "processing"
	case StateAcknowledged:
		return "acknowledged"
	case StateRejected:
		return "rejected"
	default:
		return "idle"
	}
}

// Stats counts settled deliveries
type Stats struct {
	Acknowledged uint64
	Rejected     uint64
	Requeued     uint64
}

type workerOptions struct {
	logger         *slog.Logger
	decodeAttempts int
	replyAttempts  int
	retryBackoff   reliability.Backoff
	consumerTag    string
}

// WorkerOption configures SubscriberWorker and RequestWorker
type WorkerOption func(*workerOptions)

// WithWorkerLogger sets the logger
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDecodeAttempts sets how often a delivery is validated before it is
// given up
func WithDecodeAttempts(attempts int) WorkerOption {
	return func(o *workerOptions) {
		o.decodeAttempts = attempts
	}
}

// WithReplyAttempts sets how often an RPC reply publication is tried
func WithReplyAttempts(attempts int) WorkerOption {
	return func(o *workerOptions) {
		o.replyAttempts = attempts
	}
}

// WithRetryBackoff sets the delay between per-delivery retries
func WithRetryBackoff(backoff reliability.Backoff) WorkerOption {
	return func(o *workerOptions) {
		o.retryBackoff = backoff
	}
}

// WithWorkerConsumerTag sets the consumer tag
func WithWorkerConsumerTag(tag string) WorkerOption {
	return func(o *workerOptions) {
		o.consumerTag = tag
	}
}

func newWorkerOptions(manager *rabbitmq.ConnectionManager, options []WorkerOption) workerOptions {
	o := workerOptions{
		logger:         manager.Logger(),
		decodeAttempts: DefaultDecodeAttempts,
		replyAttempts:  DefaultReplyAttempts,
		retryBackoff:   reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0),
	}
	for _, opt := range options {
		opt(&o)
	}
	return o
}

func (o workerOptions) consumer(manager *rabbitmq.ConnectionManager) *rabbitmq.Consumer {
	opts := []rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(o.logger)}
	if o.consumerTag != "" {
		opts = append(opts, rabbitmq.WithConsumerTag(o.consumerTag))
	}
	return rabbitmq.NewConsumer(manager, opts...)
}

func (o workerOptions) decodePolicy() reliability.Policy {
	return reliability.Policy{
		MaxAttempts: o.decodeAttempts,
		Backoff:     o.retryBackoff,
		Classify:    reliability.RetryOn(reliability.KindInvalidBody),
	}
}

func (o workerOptions) replyPolicy() reliability.Policy {
	return reliability.Policy{
		MaxAttempts: o.replyAttempts,
		Backoff:     o.retryBackoff,
		Classify: reliability.ClassifyBy(rabbitmq.ClassifyError,
			reliability.KindSocket,
			reliability.KindBrokerUnreachable,
		),
	}
}

type workerState struct {
	state        atomic.Int32
	acknowledged atomic.Uint64
	rejected     atomic.Uint64
	requeued     atomic.Uint64
}

func (s *workerState) set(state State) {
	s.state.Store(int32(state))
}

// State returns the current lifecycle state
func (s *workerState) State() State {
	return State(s.state.Load())
}

// Stats returns the settlement counters
func (s *workerState) Stats() Stats {
	return Stats{
		Acknowledged: s.acknowledged.Load(),
		Rejected:     s.rejected.Load(),
		Requeued:     s.requeued.Load(),
	}
}
