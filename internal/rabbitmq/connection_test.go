package rabbitmq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetwise/vehicle-tracking/internal/rabbitmq"
	"github.com/fleetwise/vehicle-tracking/internal/rabbitmq/rabbitmqtest"
	"github.com/fleetwise/vehicle-tracking/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(routes ...string) rabbitmq.Config {
	if len(routes) == 0 {
		routes = []string{"vehicles"}
	}
	return rabbitmq.Config{
		HostName:      "localhost",
		Routes:        routes,
		UserName:      "guest",
		Password:      "guest",
		RetryAttempts: 3,
	}
}

func connect(t *testing.T, broker *rabbitmqtest.Broker, cfg rabbitmq.Config) *rabbitmq.ConnectionManager {
	t.Helper()

	manager, err := rabbitmq.NewConnectionManager(context.Background(), cfg,
		rabbitmq.WithDialer(broker.Dialer()),
		rabbitmq.WithBackoff(reliability.NoBackoff{}))
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

func TestNewConnectionManager(t *testing.T) {
	t.Run("declares the work queue and sets prefetch to one", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		manager := connect(t, broker, testConfig())

		assert.True(t, manager.IsConnected())
		assert.Equal(t, "vehicles", manager.Queue().Name)
		assert.Equal(t, []string{"vehicles"}, broker.Declared())
		assert.Equal(t, []int{rabbitmq.PrefetchCount}, broker.Prefetch())
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("binds every route when an exchange is configured", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cfg := testConfig("vehicles", "vehicles.updated")
		cfg.Exchange = "fleet"
		connect(t, broker, cfg)

		assert.True(t, broker.Bound("fleet", "vehicles", "vehicles"))
		assert.True(t, broker.Bound("fleet", "vehicles.updated", "vehicles"))
	})

	t.Run("declares a dead-letter queue when configured", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cfg := testConfig()
		cfg.DeadLetterExchange = "fleet.dlx"
		connect(t, broker, cfg)

		assert.Equal(t, []string{"vehicles.dlq", "vehicles"}, broker.Declared())
		assert.True(t, broker.Bound("fleet.dlx", "vehicles", "vehicles.dlq"))
	})

	t.Run("retries connectivity failures exactly RetryAttempts times", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.DialErrors = []error{rabbitmqtest.ErrBrokerDown, rabbitmqtest.ErrBrokerDown, rabbitmqtest.ErrBrokerDown, nil}

		_, err := rabbitmq.NewConnectionManager(context.Background(), testConfig(),
			rabbitmq.WithDialer(broker.Dialer()),
			rabbitmq.WithBackoff(reliability.NoBackoff{}))

		var connErr *rabbitmq.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, 3, connErr.Attempts)
		assert.Equal(t, 3, broker.Dials())
		assert.Equal(t, reliability.KindBrokerUnreachable, rabbitmq.ClassifyError(err))
	})

	t.Run("recovers once the broker comes up", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.DialErrors = []error{rabbitmqtest.ErrBrokerDown, rabbitmqtest.ErrBrokerDown}

		manager := connect(t, broker, testConfig())
		assert.True(t, manager.IsConnected())
		assert.Equal(t, 3, broker.Dials())
	})

	t.Run("fatal errors are not retried", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.DialErrors = []error{amqp.ErrCredentials}

		_, err := rabbitmq.NewConnectionManager(context.Background(), testConfig(),
			rabbitmq.WithDialer(broker.Dialer()),
			rabbitmq.WithBackoff(reliability.NoBackoff{}))

		assert.ErrorIs(t, err, amqp.ErrCredentials)
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("declare failure closes the attempt", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.DeclareError = &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'durable'"}

		_, err := rabbitmq.NewConnectionManager(context.Background(), testConfig(),
			rabbitmq.WithDialer(broker.Dialer()),
			rabbitmq.WithBackoff(reliability.NoBackoff{}))

		var topoErr *rabbitmq.TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "queue", topoErr.Component)
		assert.Equal(t, 1, broker.Dials())
		for _, ch := range broker.Channels() {
			assert.True(t, ch.IsClosed())
		}
	})

	t.Run("invalid configuration never dials", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		_, err := rabbitmq.NewConnectionManager(context.Background(), rabbitmq.Config{HostName: "h"},
			rabbitmq.WithDialer(broker.Dialer()))

		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
		assert.Zero(t, broker.Dials())
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.DialErrors = []error{rabbitmqtest.ErrBrokerDown, rabbitmqtest.ErrBrokerDown, rabbitmqtest.ErrBrokerDown}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := rabbitmq.NewConnectionManager(ctx, testConfig(),
			rabbitmq.WithDialer(broker.Dialer()),
			rabbitmq.WithBackoff(reliability.NewFixedDelay(time.Hour)))

		assert.Error(t, err)
		assert.Equal(t, 1, broker.Dials())
	})
}

func TestConnectionManagerClose(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	manager := connect(t, broker, testConfig())

	require.NoError(t, manager.Close())
	assert.NoError(t, manager.Close())
	assert.False(t, manager.IsConnected())

	_, err := manager.Channel()
	assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)

	_, err = manager.OpenChannel()
	assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)

	for _, ch := range broker.Channels() {
		assert.True(t, ch.IsClosed())
	}
}

func TestOpenChannel(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	manager := connect(t, broker, testConfig())

	ch, err := manager.OpenChannel()
	require.NoError(t, err)
	defer ch.Close()

	owned, err := manager.Channel()
	require.NoError(t, err)
	assert.NotSame(t, owned, ch)

	broker.ChannelError = errors.New("channel limit reached")
	_, err = manager.OpenChannel()

	var chErr *rabbitmq.ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.ErrorIs(t, err, rabbitmq.ErrChannelCreationFailed)
}
