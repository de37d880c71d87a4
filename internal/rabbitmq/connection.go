package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetwise/vehicle-tracking/internal/reliability"
	"github.com/fleetwise/vehicle-tracking/pkg/logattr"
	amqp "github.com/rabbitmq/amqp091-go"
)

// PrefetchCount is the number of unacknowledged deliveries a channel accepts
const PrefetchCount = 1

// Channel is the part of *amqp.Channel the package relies on
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Connection is the part of *amqp.Connection the package relies on
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection
type Dialer func(url string, config amqp.Config) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP is the production Dialer
func DialAMQP(url string, config amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, config)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// ConnectionManager owns one connection and one channel to the broker for a
// single worker or client. It is not meant to be shared between concurrent
// consumers.
type ConnectionManager struct {
	cfg       Config
	conn      Connection
	channel   Channel
	queue     amqp.Queue
	mu        sync.RWMutex
	closed    bool
	logger    *slog.Logger
	dial      Dialer
	backoff   reliability.Backoff
	queueArgs amqp.Table
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithBackoff sets the delay between connection attempts
func WithBackoff(backoff reliability.Backoff) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = backoff
	}
}

// WithQueueArguments adds arguments to the work queue declaration
func WithQueueArguments(args amqp.Table) ConnectionOption {
	return func(cm *ConnectionManager) {
		for k, v := range args {
			cm.queueArgs[k] = v
		}
	}
}

// NewConnectionManager connects to the broker, declares the work queue and
// sets prefetch to one. Unreachable broker, connect and socket failures are
// retried up to cfg.RetryAttempts; anything else fails immediately.
func NewConnectionManager(ctx context.Context, cfg Config, options ...ConnectionOption) (*ConnectionManager, error) {
	cfg, err := NewConfig(cfg)
	if err != nil {
		return nil, err
	}

	cm := &ConnectionManager{
		cfg:       cfg,
		logger:    slog.Default(),
		dial:      DialAMQP,
		backoff:   reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0),
		queueArgs: amqp.Table{},
	}

	for _, opt := range options {
		opt(cm)
	}

	attempt := 0
	policy := reliability.Policy{
		MaxAttempts: cfg.RetryAttempts,
		Backoff:     cm.backoff,
		Classify: reliability.ClassifyBy(ClassifyError,
			reliability.KindBrokerUnreachable,
			reliability.KindConnectFailure,
			reliability.KindSocket,
		),
		OnRetry: func(next int, err error, delay time.Duration) {
			cm.logger.Warn("broker connection failed, retrying",
				logattr.Host(cfg.Address()),
				logattr.Attempt(next),
				logattr.ErrorKind(ClassifyError(err).String()),
				logattr.Error(err),
				"nextRetryIn", delay)
		},
	}

	err = reliability.Do(ctx, policy, func(ctx context.Context) error {
		attempt++
		return cm.connect(ctx, attempt)
	})
	if err != nil {
		cm.logger.Error("failed to initialize broker connection",
			logattr.Host(cfg.Address()),
			logattr.Exchange(cfg.Exchange),
			logattr.Route(cfg.Route()),
			logattr.Error(err))
		return nil, err
	}

	return cm, nil
}

// connect performs one connect-and-declare attempt
func (cm *ConnectionManager) connect(ctx context.Context, attempt int) error {
	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.cfg.URL()),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempt,
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(cm.cfg.URL()),
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
			Attempts:  attempt,
		}
	}

	queue, err := declareWorkTopology(ch, cm.cfg, cm.queueArgs)
	if err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	if err := ch.Qos(PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	cm.mu.Lock()
	cm.conn = conn
	cm.channel = ch
	cm.queue = queue
	cm.mu.Unlock()

	cm.logger.Info("connected to broker",
		"url", SanitizeURL(cm.cfg.URL()),
		logattr.Exchange(cm.cfg.Exchange),
		logattr.Queue(queue.Name),
		logattr.Attempt(attempt))

	return nil
}

func (cm *ConnectionManager) amqpConfig() amqp.Config {
	vhost := cm.cfg.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.Config{
		SASL:      []amqp.Authentication{&amqp.PlainAuth{Username: cm.cfg.UserName, Password: cm.cfg.Password}},
		Vhost:     vhost,
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(cm.cfg.ConnectionTimeout),
	}
}

// dialContext runs the dialer so that ctx can abandon a slow handshake
func (cm *ConnectionManager) dialContext(ctx context.Context) (Connection, error) {
	type result struct {
		conn Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.cfg.URL(), cm.amqpConfig())
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %w", ErrConnectionTimeout, ctx.Err())
	}
}

// Channel returns the owned channel
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed || cm.channel == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.channel.IsClosed() {
		return nil, ErrChannelClosed
	}
	return cm.channel, nil
}

// OpenChannel opens an additional channel on the owned connection. The caller
// closes it.
func (cm *ConnectionManager) OpenChannel() (Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	ch, err := cm.conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: fmt.Errorf("%w: %w", ErrChannelCreationFailed, err)}
	}
	return ch, nil
}

// Config returns the broker configuration
func (cm *ConnectionManager) Config() Config {
	return cm.cfg
}

// Queue returns the declared work queue
func (cm *ConnectionManager) Queue() amqp.Queue {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.queue
}

// Logger returns the manager's logger
func (cm *ConnectionManager) Logger() *slog.Logger {
	return cm.logger
}

// IsConnected reports whether the connection is open
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return !cm.closed && cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the channel and the connection. Closing twice is a no-op.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true

	var errs []error
	if cm.channel != nil && !cm.channel.IsClosed() {
		if err := cm.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		if err := cm.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	cm.channel = nil
	cm.conn = nil

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	cm.logger.Info("broker connection closed", logattr.Queue(cm.cfg.Route()))
	return nil
}
