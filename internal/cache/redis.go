// Package cache provides the vehicles.Cache adapters: Redis guarded by a
// circuit breaker, and an in-memory map.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetwise/vehicle-tracking/internal/vehicles"
	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
)

const (
	DefaultBreakDuration    = 30 * time.Second
	DefaultFailureThreshold = 5
)

// RedisConfig configures the Redis adapter
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL applies to every Set; zero keeps entries forever
	TTL time.Duration
	// FailureThreshold consecutive failures open the breaker for BreakDuration
	FailureThreshold uint32
	BreakDuration    time.Duration
}

// Redis is a vehicles.Cache backed by Redis. All calls go through a circuit
// breaker so an unavailable cache fails fast.
type Redis struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration
	logger  *slog.Logger
}

// NewRedis connects lazily to cfg.Addr
func NewRedis(cfg RedisConfig, logger *slog.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisWithClient(client, cfg, logger)
}

// NewRedisWithClient wraps an existing client
func NewRedisWithClient(client *redis.Client, cfg RedisConfig, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = DefaultFailureThreshold
	}
	breakFor := cfg.BreakDuration
	if breakFor <= 0 {
		breakFor = DefaultBreakDuration
	}

	r := &Redis{client: client, ttl: cfg.TTL, logger: logger}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis:" + cfg.Addr,
		Timeout: breakFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	return r
}

// Get returns the value under key or vehicles.ErrNotFound
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.breaker.Execute(func() (interface{}, error) {
		data, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// a miss is a healthy answer
			return nil, nil
		}
		return data, err
	})
	if err != nil {
		return nil, fmt.Errorf("cache get %q: %w", key, err)
	}
	if v == nil {
		return nil, vehicles.ErrNotFound
	}
	return v.([]byte), nil
}

// Set stores value under key with the configured TTL
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.client.Set(ctx, key, value, r.ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// Ping checks that Redis answers. It goes through the breaker, so an open
// breaker reports gobreaker.ErrOpenState without touching Redis.
func (r *Redis) Ping(ctx context.Context) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.client.Ping(ctx).Err()
	})
	if err != nil {
		return fmt.Errorf("cache ping: %w", err)
	}
	return nil
}

// State returns the breaker state
func (r *Redis) State() gobreaker.State {
	return r.breaker.State()
}

// Close releases the client
func (r *Redis) Close() error {
	return r.client.Close()
}
