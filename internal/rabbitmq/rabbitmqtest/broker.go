// Package rabbitmqtest provides an in-process broker double that satisfies
// the rabbitmq Dialer, Connection and Channel seams.
package rabbitmqtest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/fleetwise/vehicle-tracking/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

const queueBuffer = 64

// Publication is a message seen by the broker
type Publication struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Settlement records how a delivery was finished
type Settlement struct {
	DeliveryTag uint64
	Action      string // ack, nack or reject
	Requeue     bool
}

// Broker is a minimal in-memory broker. Publications on the default
// exchange are routed to the queue named by the routing key; publications
// on a named exchange follow the declared bindings.
type Broker struct {
	mu sync.Mutex

	// DialErrors are returned by successive dials; a nil entry succeeds
	DialErrors []error
	// ChannelError is returned by every Connection.Channel call when set
	ChannelError error
	// DeclareError is returned by every QueueDeclare when set
	DeclareError error
	// PublishErrors are returned by successive publishes; a nil entry succeeds
	PublishErrors []error
	// OnPublish runs after a publication is recorded and routed
	OnPublish func(Publication)

	dials       int
	publishes   int
	nextTag     uint64
	queues      map[string]chan amqp.Delivery
	bindings    map[string][]string // exchange/key -> queues
	published   []Publication
	settlements []Settlement
	declared    []string
	qos         []int
	channels    []*Channel
	settled     chan struct{}
}

// NewBroker returns an empty broker
func NewBroker() *Broker {
	return &Broker{
		queues:   map[string]chan amqp.Delivery{},
		bindings: map[string][]string{},
		settled:  make(chan struct{}, 1024),
	}
}

// Dialer returns a rabbitmq.Dialer bound to this broker
func (b *Broker) Dialer() rabbitmq.Dialer {
	return func(string, amqp.Config) (rabbitmq.Connection, error) {
		b.mu.Lock()
		defer b.mu.Unlock()

		i := b.dials
		b.dials++
		if i < len(b.DialErrors) && b.DialErrors[i] != nil {
			return nil, b.DialErrors[i]
		}
		return &Connection{broker: b}, nil
	}
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Declared returns the names of the queues declared so far, in order
func (b *Broker) Declared() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.declared...)
}

// Prefetch returns every prefetch count set through Qos
func (b *Broker) Prefetch() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.qos...)
}

// Channels returns the channels opened so far
func (b *Broker) Channels() []*Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Channel(nil), b.channels...)
}

// Published returns a copy of every publication
func (b *Broker) Published() []Publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Publication(nil), b.published...)
}

// Settlements returns a copy of every settlement
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settlements...)
}

// Bound reports whether queue is bound to exchange under key
func (b *Broker) Bound(exchange, key, queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.bindings[exchange+"/"+key] {
		if q == queue {
			return true
		}
	}
	return false
}

// Deliver pushes a message onto queue. DeliveryTag and Acknowledger are
// filled in by the broker and the assigned tag is returned.
func (b *Broker) Deliver(queue string, d amqp.Delivery) uint64 {
	b.mu.Lock()
	b.nextTag++
	d.DeliveryTag = b.nextTag
	d.Acknowledger = acknowledger{broker: b}
	if d.RoutingKey == "" {
		d.RoutingKey = queue
	}
	q := b.queueLocked(queue)
	b.mu.Unlock()

	q <- d
	return d.DeliveryTag
}

// WaitSettled blocks until n settlements have been recorded in total
func (b *Broker) WaitSettled(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		b.mu.Lock()
		count := len(b.settlements)
		b.mu.Unlock()
		if count >= n {
			return true
		}
		select {
		case <-b.settled:
		case <-deadline:
			return false
		}
	}
}

func (b *Broker) queueLocked(name string) chan amqp.Delivery {
	q, ok := b.queues[name]
	if !ok {
		q = make(chan amqp.Delivery, queueBuffer)
		b.queues[name] = q
	}
	return q
}

func (b *Broker) settle(s Settlement) error {
	b.mu.Lock()
	b.settlements = append(b.settlements, s)
	b.mu.Unlock()

	select {
	case b.settled <- struct{}{}:
	default:
	}
	return nil
}

func (b *Broker) publish(exchange, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	i := b.publishes
	b.publishes++
	if i < len(b.PublishErrors) && b.PublishErrors[i] != nil {
		err := b.PublishErrors[i]
		b.mu.Unlock()
		return err
	}

	p := Publication{Exchange: exchange, RoutingKey: key, Msg: msg}
	b.published = append(b.published, p)

	var targets []string
	if exchange == "" {
		if _, ok := b.queues[key]; ok {
			targets = []string{key}
		}
	} else {
		targets = append(targets, b.bindings[exchange+"/"+key]...)
	}
	hook := b.OnPublish
	b.mu.Unlock()

	for _, queue := range targets {
		b.Deliver(queue, amqp.Delivery{
			Exchange:      exchange,
			RoutingKey:    key,
			ContentType:   msg.ContentType,
			CorrelationId: msg.CorrelationId,
			ReplyTo:       msg.ReplyTo,
			MessageId:     msg.MessageId,
			Headers:       msg.Headers,
			Body:          msg.Body,
		})
	}

	if hook != nil {
		hook(p)
	}
	return nil
}

// Connection is the fake rabbitmq.Connection
type Connection struct {
	broker *Broker
	mu     sync.Mutex
	closed bool
}

// Channel opens a fake channel
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ChannelError != nil {
		return nil, b.ChannelError
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, amqp.ErrClosed
	}

	ch := &Channel{broker: b, consumers: map[string]bool{}}
	b.channels = append(b.channels, ch)
	return ch, nil
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	return nil
}

// Channel is the fake rabbitmq.Channel
type Channel struct {
	broker    *Broker
	mu        sync.Mutex
	closed    bool
	exclusive []string
	consumers map[string]bool
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return c.check()
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := c.check(); err != nil {
		return amqp.Queue{}, err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.DeclareError != nil {
		return amqp.Queue{}, b.DeclareError
	}
	if name == "" {
		name = fmt.Sprintf("amq.gen-%d", len(b.declared)+1)
	}
	b.queueLocked(name)
	b.declared = append(b.declared, name)

	if exclusive {
		c.mu.Lock()
		c.exclusive = append(c.exclusive, name)
		c.mu.Unlock()
	}
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := c.check(); err != nil {
		return amqp.Queue{}, err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	return amqp.Queue{Name: name, Messages: len(q)}, nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if err := c.check(); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[exchange+"/"+key] = append(b.bindings[exchange+"/"+key], name)
	return nil
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if err := c.check(); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.qos = append(b.qos, prefetchCount)
	return nil
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	b := c.broker
	b.mu.Lock()
	q, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queue + "'"}
	}

	c.mu.Lock()
	c.consumers[consumer] = true
	c.mu.Unlock()
	return q, nil
}

func (c *Channel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.consumers, consumer)
	return nil
}

// Consumers returns the number of active consumers on the channel
func (c *Channel) Consumers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.consumers)
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.broker.publish(exchange, key, msg)
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the channel and drops its exclusive queues
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	exclusive := c.exclusive
	c.exclusive = nil
	c.mu.Unlock()

	b := c.broker
	b.mu.Lock()
	for _, name := range exclusive {
		delete(b.queues, name)
	}
	b.mu.Unlock()
	return nil
}

func (c *Channel) check() error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}

type acknowledger struct {
	broker *Broker
}

func (a acknowledger) Ack(tag uint64, multiple bool) error {
	return a.broker.settle(Settlement{DeliveryTag: tag, Action: "ack"})
}

func (a acknowledger) Nack(tag uint64, multiple, requeue bool) error {
	return a.broker.settle(Settlement{DeliveryTag: tag, Action: "nack", Requeue: requeue})
}

func (a acknowledger) Reject(tag uint64, requeue bool) error {
	return a.broker.settle(Settlement{DeliveryTag: tag, Action: "reject", Requeue: requeue})
}

// ErrBrokerDown is a refused TCP dial, the usual failure of a broker that is
// not up yet
var ErrBrokerDown error = &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
