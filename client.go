// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetwise/vehicle-tracking/contracts"
	"github.com/fleetwise/vehicle-tracking/internal/rabbitmq"
	"github.com/fleetwise/vehicle-tracking/messaging"
)

// Client provides the main entry point for services talking to the vehicle
// tracking workers. It owns one broker connection and publishes events and
// issues RPC calls on the routes of its configuration.
type Client struct {
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.Publisher
	requests  *messaging.RequestClient
	logger    *slog.Logger
}

// NewClient connects to the broker described by cfg
func NewClient(ctx context.Context, cfg rabbitmq.Config, options ...ClientOption) (*Client, error) {
	c := &clientConfig{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(c.logger)}
	if c.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(c.dialer))
	}
	connOpts = append(connOpts, c.connectionOptions...)

	manager, err := rabbitmq.NewConnectionManager(ctx, cfg, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	requestOpts := []messaging.ClientOption{messaging.WithClientLogger(c.logger)}
	if c.timeout > 0 {
		requestOpts = append(requestOpts, messaging.WithTimeout(c.timeout))
	}
	if c.requestRoute != "" {
		requestOpts = append(requestOpts, messaging.WithRequestRoute(c.requestRoute))
	}

	return &Client{
		manager:   manager,
		publisher: rabbitmq.NewPublisher(manager, rabbitmq.WithPublisherLogger(c.logger)),
		requests:  messaging.NewRequestClient(manager, requestOpts...),
		logger:    c.logger,
	}, nil
}

// Publish wraps body in a new envelope and publishes it to the primary route
func (c *Client) Publish(ctx context.Context, body any) error {
	env, err := contracts.NewEnvelope(body)
	if err != nil {
		return err
	}
	return c.publisher.Publish(ctx, env)
}

// PublishEnvelope publishes a prepared envelope to the primary route
func (c *Client) PublishEnvelope(ctx context.Context, env contracts.Envelope) error {
	return c.publisher.Publish(ctx, env)
}

// Call sends a raw RPC request and waits for its reply
func (c *Client) Call(ctx context.Context, body []byte) ([]byte, error) {
	return c.requests.Call(ctx, body)
}

// CallEnvelope sends an envelope as an RPC request
func (c *Client) CallEnvelope(ctx context.Context, env contracts.Envelope) ([]byte, error) {
	return c.requests.CallEnvelope(ctx, env)
}

// QueryVehicles asks the filter worker for the vehicles of customerID. An
// empty reply yields no vehicles.
func (c *Client) QueryVehicles(ctx context.Context, customerID string) ([]contracts.Vehicle, error) {
	env, err := contracts.NewEnvelope(contracts.VehicleFilter{CustomerID: customerID})
	if err != nil {
		return nil, err
	}

	reply, err := c.requests.CallEnvelope(ctx, env)
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 {
		return nil, nil
	}

	var vehicles []contracts.Vehicle
	if err := json.Unmarshal(reply, &vehicles); err != nil {
		return nil, fmt.Errorf("decode vehicle reply: %w", err)
	}
	return vehicles, nil
}

// Manager returns the underlying connection manager
func (c *Client) Manager() *rabbitmq.ConnectionManager {
	return c.manager
}

// Close closes the broker connection
func (c *Client) Close() error {
	return c.manager.Close()
}

// clientConfig holds client configuration
type clientConfig struct {
	logger            *slog.Logger
	dialer            rabbitmq.Dialer
	timeout           time.Duration
	requestRoute      string
	connectionOptions []rabbitmq.ConnectionOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithTimeout sets how long RPC calls wait for a reply
func WithTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.timeout = timeout
	}
}

// WithRequestRoute sends RPC requests to route instead of the primary route
func WithRequestRoute(route string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.requestRoute = route
	}
}

// WithConnectionOptions passes options through to the connection manager
func WithConnectionOptions(options ...rabbitmq.ConnectionOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionOptions = append(cfg.connectionOptions, options...)
	}
}
