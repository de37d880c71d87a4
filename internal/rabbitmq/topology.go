package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	argDeadLetterExchange   = "x-dead-letter-exchange"
	argDeadLetterRoutingKey = "x-dead-letter-routing-key"

	// DeadLetterSuffix is appended to the route to name its dead-letter queue
	DeadLetterSuffix = ".dlq"
)

// DeadLetterQueue returns the dead-letter queue name for a route
func DeadLetterQueue(route string) string {
	return route + DeadLetterSuffix
}

// declareWorkTopology declares the work queue named after the primary route.
// The queue is non-durable, not exclusive and not auto-deleted. When an
// exchange is configured the queue is bound to it under every route; when a
// dead-letter exchange is configured rejected deliveries end up in
// <route>.dlq.
func declareWorkTopology(ch Channel, cfg Config, extra amqp.Table) (amqp.Queue, error) {
	route := cfg.Route()

	args := amqp.Table{}
	for k, v := range extra {
		args[k] = v
	}

	if cfg.DeadLetterExchange != "" {
		if err := declareDeadLetter(ch, cfg.DeadLetterExchange, route); err != nil {
			return amqp.Queue{}, err
		}
		args[argDeadLetterExchange] = cfg.DeadLetterExchange
		args[argDeadLetterRoutingKey] = route
	}
	if len(args) == 0 {
		args = nil
	}

	queue, err := ch.QueueDeclare(
		route,
		false, // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		args,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: route, Op: "declare", Err: err}
	}

	if cfg.Exchange == "" {
		return queue, nil
	}

	if err := ch.ExchangeDeclare(
		cfg.Exchange,
		DefaultExchangeType,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return amqp.Queue{}, &TopologyError{Component: "exchange", Name: cfg.Exchange, Op: "declare", Err: err}
	}

	for _, key := range cfg.Routes {
		if key == "" {
			continue
		}
		if err := ch.QueueBind(queue.Name, key, cfg.Exchange, false, nil); err != nil {
			return amqp.Queue{}, &TopologyError{Component: "binding", Name: key, Op: "bind", Err: err}
		}
	}

	return queue, nil
}

func declareDeadLetter(ch Channel, exchange, route string) error {
	if err := ch.ExchangeDeclare(exchange, DefaultExchangeType, true, false, false, false, nil); err != nil {
		return &TopologyError{Component: "exchange", Name: exchange, Op: "declare", Err: err}
	}

	dlq := DeadLetterQueue(route)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return &TopologyError{Component: "queue", Name: dlq, Op: "declare", Err: err}
	}
	if err := ch.QueueBind(dlq, route, exchange, false, nil); err != nil {
		return &TopologyError{Component: "binding", Name: dlq, Op: "bind", Err: err}
	}
	return nil
}

// DeclareReplyQueue declares a server-named, exclusive, auto-deleted queue
// for RPC replies. It disappears with the channel that declared it.
func DeclareReplyQueue(ch Channel) (amqp.Queue, error) {
	queue, err := ch.QueueDeclare(
		"",
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: "reply", Op: "declare", Err: err}
	}
	return queue, nil
}
