package messaging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/fleetwise/vehicle-tracking/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replies(broker *rabbitmqtest.Broker) []rabbitmqtest.Publication {
	var out []rabbitmqtest.Publication
	for _, p := range broker.Published() {
		if p.RoutingKey == "caller" {
			out = append(out, p)
		}
	}
	return out
}

func TestRequestWorker(t *testing.T) {
	t.Run("replies with the request's correlation id and acks", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		worker := NewRequestWorker(newManager(t, broker, "rpc"), upperHandler, noRetryDelay())

		tag := broker.Deliver("rpc", amqp.Delivery{Body: []byte("abc"), ReplyTo: "caller", CorrelationId: "c-1"})

		stop := start(t, worker.Run)
		require.True(t, broker.WaitSettled(1, settleTimeout))
		require.NoError(t, stop())

		out := replies(broker)
		require.Len(t, out, 1)
		assert.Equal(t, "", out[0].Exchange)
		assert.Equal(t, "c-1", out[0].Msg.CorrelationId)
		assert.Equal(t, "ABC", string(out[0].Msg.Body))
		assert.Nil(t, out[0].Msg.Headers)
		assert.Equal(t, []rabbitmqtest.Settlement{{DeliveryTag: tag, Action: "ack"}}, broker.Settlements())
	})

	t.Run("missing replyTo is acknowledged without a reply", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		called := false
		worker := NewRequestWorker(newManager(t, broker, "rpc"), func(context.Context, []byte) []byte {
			called = true
			return nil
		}, noRetryDelay())

		broker.Deliver("rpc", amqp.Delivery{Body: []byte("abc"), CorrelationId: "c-1"})

		stop := start(t, worker.Run)
		require.True(t, broker.WaitSettled(1, settleTimeout))
		require.NoError(t, stop())

		assert.False(t, called)
		assert.Empty(t, broker.Published())
		assert.Equal(t, "ack", broker.Settlements()[0].Action)
	})

	t.Run("empty request gets an empty error reply and the handler is skipped", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		calls := 0
		worker := NewRequestWorker(newManager(t, broker, "rpc"), func(context.Context, []byte) []byte {
			calls++
			return []byte("never")
		}, noRetryDelay())

		broker.Deliver("rpc", amqp.Delivery{Body: []byte(" \n"), ReplyTo: "caller", CorrelationId: "c-2"})

		stop := start(t, worker.Run)
		require.True(t, broker.WaitSettled(1, settleTimeout))
		require.NoError(t, stop())

		assert.Zero(t, calls)
		out := replies(broker)
		require.Len(t, out, 1)
		assert.Empty(t, out[0].Msg.Body)
		assert.Equal(t, "c-2", out[0].Msg.CorrelationId)
		assert.Equal(t, "invalid-body", out[0].Msg.Headers[HeaderError])
		assert.Equal(t, "ack", broker.Settlements()[0].Action)
	})

	t.Run("transient reply failures are retried", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.PublishErrors = []error{rabbitmqtest.ErrBrokerDown, rabbitmqtest.ErrBrokerDown}
		worker := NewRequestWorker(newManager(t, broker, "rpc"), upperHandler, noRetryDelay())

		broker.Deliver("rpc", amqp.Delivery{Body: []byte("abc"), ReplyTo: "caller", CorrelationId: "c-3"})

		stop := start(t, worker.Run)
		require.True(t, broker.WaitSettled(1, settleTimeout))
		require.NoError(t, stop())

		assert.Len(t, replies(broker), 1)
		assert.Equal(t, "ack", broker.Settlements()[0].Action)
	})

	t.Run("request is requeued when the reply cannot be published", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.PublishErrors = []error{rabbitmqtest.ErrBrokerDown, rabbitmqtest.ErrBrokerDown, rabbitmqtest.ErrBrokerDown}
		worker := NewRequestWorker(newManager(t, broker, "rpc"), upperHandler, noRetryDelay())

		tag := broker.Deliver("rpc", amqp.Delivery{Body: []byte("abc"), ReplyTo: "caller", CorrelationId: "c-4"})

		stop := start(t, worker.Run)
		require.True(t, broker.WaitSettled(1, settleTimeout))
		require.NoError(t, stop())

		assert.Empty(t, replies(broker))
		assert.Equal(t, rabbitmqtest.Settlement{DeliveryTag: tag, Action: "nack", Requeue: true}, broker.Settlements()[0])
		assert.Equal(t, uint64(1), worker.Stats().Requeued)
	})

	t.Run("non-connectivity reply failures are not retried", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.PublishErrors = []error{errors.New("frame too large")}
		worker := NewRequestWorker(newManager(t, broker, "rpc"), upperHandler, noRetryDelay())

		broker.Deliver("rpc", amqp.Delivery{Body: []byte("abc"), ReplyTo: "caller", CorrelationId: "c-5"})

		stop := start(t, worker.Run)
		require.True(t, broker.WaitSettled(1, settleTimeout))
		require.NoError(t, stop())

		assert.Empty(t, replies(broker))
		assert.Equal(t, "nack", broker.Settlements()[0].Action)
	})

	t.Run("handler panic yields an empty reply", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		worker := NewRequestWorker(newManager(t, broker, "rpc"), func(context.Context, []byte) []byte {
			panic("boom")
		}, noRetryDelay())

		broker.Deliver("rpc", amqp.Delivery{Body: []byte("abc"), ReplyTo: "caller", CorrelationId: "c-6"})

		stop := start(t, worker.Run)
		require.True(t, broker.WaitSettled(1, settleTimeout))
		require.NoError(t, stop())

		out := replies(broker)
		require.Len(t, out, 1)
		assert.Empty(t, out[0].Msg.Body)
	})
}

func TestSafeRequestHandler(t *testing.T) {
	t.Run("passes replies through", func(t *testing.T) {
		h := SafeRequestHandler(func(_ context.Context, p []byte) ([]byte, error) { return p, nil }, nil)
		assert.Equal(t, []byte("x"), h(context.Background(), []byte("x")))
	})

	t.Run("errors become empty replies", func(t *testing.T) {
		h := SafeRequestHandler(func(context.Context, []byte) ([]byte, error) { return []byte("partial"), errors.New("db down") }, nil)
		assert.Equal(t, []byte{}, h(context.Background(), []byte("x")))
	})

	t.Run("panics become empty replies", func(t *testing.T) {
		h := SafeRequestHandler(func(context.Context, []byte) ([]byte, error) { panic("boom") }, nil)
		assert.Equal(t, []byte{}, h(context.Background(), []byte("x")))
	})

	t.Run("nil reply becomes empty", func(t *testing.T) {
		h := SafeRequestHandler(func(context.Context, []byte) ([]byte, error) { return nil, nil }, nil)
		assert.Equal(t, []byte{}, h(context.Background(), []byte("x")))
	})
}

func TestRequestWorkerLogsCarryRoutingContext(t *testing.T) {
	broker := rabbitmqtest.NewBroker()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	worker := NewRequestWorker(newManager(t, broker, "rpc"), upperHandler,
		noRetryDelay(), WithWorkerLogger(logger))

	broker.Deliver("rpc", amqp.Delivery{ReplyTo: "caller", CorrelationId: "c-9"})

	stop := start(t, worker.Run)
	require.True(t, broker.WaitSettled(1, settleTimeout))
	require.NoError(t, stop())

	var entry map[string]any
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		if line["msg"] == "invalid request, answering empty" {
			entry = line
		}
	}
	require.NotNil(t, entry)

	assert.Contains(t, entry, "exchange")
	assert.Equal(t, "rpc", entry["route"])
	assert.Equal(t, "rpc", entry["queue"])
	assert.Equal(t, "c-9", entry["correlation_id"])
}
