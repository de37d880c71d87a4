package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/fleetwise/vehicle-tracking/internal/rabbitmq"
	"github.com/fleetwise/vehicle-tracking/internal/rabbitmq/rabbitmqtest"
	"github.com/fleetwise/vehicle-tracking/internal/reliability"
	"github.com/stretchr/testify/require"
)

const settleTimeout = 2 * time.Second

func newManager(t *testing.T, broker *rabbitmqtest.Broker, route string, mutate ...func(*rabbitmq.Config)) *rabbitmq.ConnectionManager {
	t.Helper()

	cfg := rabbitmq.Config{
		HostName:      "localhost",
		Routes:        []string{route},
		RetryAttempts: 1,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	manager, err := rabbitmq.NewConnectionManager(context.Background(), cfg,
		rabbitmq.WithDialer(broker.Dialer()),
		rabbitmq.WithBackoff(reliability.NoBackoff{}))
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

func withDeadLetter(cfg *rabbitmq.Config) {
	cfg.DeadLetterExchange = "fleet.dlx"
}

// start runs fn in the background and returns a function that stops it and
// reports its result
func start(t *testing.T, fn func(ctx context.Context) error) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var stopped bool
	var result error
	stop := func() error {
		if !stopped {
			cancel()
			result = <-done
			stopped = true
		}
		return result
	}
	t.Cleanup(func() { stop() })
	return stop
}

func noRetryDelay() WorkerOption {
	return WithRetryBackoff(reliability.NoBackoff{})
}
