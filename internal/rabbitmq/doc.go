// Package rabbitmq is the broker layer of the vehicle tracking service.
//
// A ConnectionManager owns exactly one connection and one channel, declares
// the work queue named after the first configured route and limits the
// channel to one unacknowledged delivery. Connecting is retried for
// connectivity failures only; everything else fails fast.
//
// On top of the manager:
//   - Publisher sends JSON envelopes without confirms
//   - Consumer runs the explicit, sequential delivery loop
//   - DeclareReplyQueue backs RPC callers with a private reply queue
//
// Dialer, Connection and Channel are narrow interfaces over amqp091-go so
// the package can be exercised without a broker.
package rabbitmq
