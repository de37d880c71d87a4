package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetwise/vehicle-tracking/contracts"
	"github.com/fleetwise/vehicle-tracking/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventBody(t *testing.T, body any) []byte {
	t.Helper()
	env, err := contracts.NewEnvelope(body)
	require.NoError(t, err)
	data, err := contracts.Encode(env)
	require.NoError(t, err)
	return data
}

type recordingHandler struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (h *recordingHandler) handle(ctx context.Context, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, payload)
	return h.err
}

func (h *recordingHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payloads)
}

func TestSubscriberWorker(t *testing.T) {
	t.Run("valid event is handled and acknowledged", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		handler := &recordingHandler{}
		worker := NewSubscriberWorker(newManager(t, broker, "vehicles"), handler.handle, noRetryDelay())

		payload := eventBody(t, contracts.Vehicle{ChassisNumber: "ABC123"})
		tag := broker.Deliver("vehicles", amqp.Delivery{Body: payload})

		stop := start(t, worker.Run)
		require.True(t, broker.WaitSettled(1, settleTimeout))
		require.NoError(t, stop())

		assert.Equal(t, [][]byte{payload}, handler.payloads)
		assert.Equal(t, []rabbitmqtest.Settlement{{DeliveryTag: tag, Action: "ack"}}, broker.Settlements())
		assert.Equal(t, Stats{Acknowledged: 1}, worker.Stats())
		assert.Equal(t, StateIdle, worker.State())
	})

	t.Run("empty and malformed events never reach the handler", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		handler := &recordingHandler{}
		worker := NewSubscriberWorker(newManager(t, broker, "vehicles"), handler.handle, noRetryDelay())

		broker.Deliver("vehicles", amqp.Delivery{Body: nil})
		broker.Deliver("vehicles", amqp.Delivery{Body: []byte("{not json")})
		broker.Deliver("vehicles", amqp.Delivery{Body: []byte(`{"header":{}}`)})

		stop := start(t, worker.Run)
		require.True(t, broker.WaitSettled(3, settleTimeout))
		require.NoError(t, stop())

		assert.Zero(t, handler.calls())
		for _, s := range broker.Settlements() {
			assert.Equal(t, "ack", s.Action)
		}
	})

	t.Run("invalid events go to the dead-letter exchange when configured", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		handler := &recordingHandler{}
		worker := NewSubscriberWorker(newManager(t, broker, "vehicles", withDeadLetter), handler.handle, noRetryDelay())

		tag := broker.Deliver("vehicles", amqp.Delivery{Body: []byte("   ")})

		stop := start(t, worker.Run)
		require.True(t, broker.WaitSettled(1, settleTimeout))
		require.NoError(t, stop())

		assert.Zero(t, handler.calls())
		assert.Equal(t, []rabbitmqtest.Settlement{{DeliveryTag: tag, Action: "reject", Requeue: false}}, broker.Settlements())
		assert.Equal(t, uint64(1), worker.Stats().Rejected)
	})

	t.Run("handler failure is acknowledged and the loop continues", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		handler := &recordingHandler{err: errors.New("store unavailable")}
		worker := NewSubscriberWorker(newManager(t, broker, "vehicles"), handler.handle, noRetryDelay())

		broker.Deliver("vehicles", amqp.Delivery{Body: eventBody(t, "first")})
		broker.Deliver("vehicles", amqp.Delivery{Body: eventBody(t, "second")})

		stop := start(t, worker.Run)
		require.True(t, broker.WaitSettled(2, settleTimeout))
		require.NoError(t, stop())

		assert.Equal(t, 2, handler.calls())
		assert.Equal(t, uint64(2), worker.Stats().Acknowledged)
	})

	t.Run("handler panic is recovered", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		worker := NewSubscriberWorker(newManager(t, broker, "vehicles"), func(context.Context, []byte) error {
			panic("boom")
		}, noRetryDelay())

		broker.Deliver("vehicles", amqp.Delivery{Body: eventBody(t, "x")})

		stop := start(t, worker.Run)
		require.True(t, broker.WaitSettled(1, settleTimeout))
		require.NoError(t, stop())
		assert.Equal(t, "ack", broker.Settlements()[0].Action)
	})

	t.Run("deliveries are processed strictly in sequence", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()

		var (
			mu       sync.Mutex
			inFlight int
			maxSeen  int
		)
		worker := NewSubscriberWorker(newManager(t, broker, "vehicles"), func(context.Context, []byte) error {
			mu.Lock()
			inFlight++
			if inFlight > maxSeen {
				maxSeen = inFlight
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil
		}, noRetryDelay())

		for i := 0; i < 5; i++ {
			broker.Deliver("vehicles", amqp.Delivery{Body: eventBody(t, i)})
		}

		stop := start(t, worker.Run)
		require.True(t, broker.WaitSettled(5, settleTimeout))
		require.NoError(t, stop())

		assert.Equal(t, 1, maxSeen)
		assert.Equal(t, []int{1}, broker.Prefetch())
	})

	t.Run("nil handler", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		worker := NewSubscriberWorker(newManager(t, broker, "vehicles"), nil)
		assert.ErrorIs(t, worker.Run(context.Background()), ErrNoHandler)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "consuming", StateConsuming.String())
	assert.Equal(t, "processing", StateProcessing.String())
	assert.Equal(t, "acknowledged", StateAcknowledged.String())
	assert.Equal(t, "rejected", StateRejected.String())
}
