// Package config loads the service configuration from the environment,
// reading a .env file first when one exists.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fleetwise/vehicle-tracking/internal/cache"
	"github.com/fleetwise/vehicle-tracking/internal/rabbitmq"
	"github.com/fleetwise/vehicle-tracking/internal/reliability"
	"github.com/joho/godotenv"
)

const (
	// RouteSeparator splits MIDDLEWARE_ROUTES_SUBSCRIBER into routes
	RouteSeparator = "-"

	DefaultVehicleFilterQueue = "rpc_queue_vehicle_filter"
	DefaultLogLevel           = "info"
)

// Config holds the service configuration
type Config struct {
	BrokerHost         string
	Exchange           string
	SubscriberRoutes   []string
	PublisherRoute     string
	BrokerUser         string
	BrokerPassword     string
	DeadLetterExchange string
	VehicleFilterQueue string

	CacheAddr             string
	CacheDB               int
	CacheTTL              time.Duration
	CacheBreakDuration    time.Duration
	CacheFailureThreshold int

	DatabaseDSN string

	RetryCount int
	Timeout    time.Duration
	LogLevel   string
}

// Load reads .env files (the working directory's .env when none are given)
// and then the environment. Variables already set win over the files.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	var errs []error
	cfg := &Config{
		BrokerHost:         getEnv("MESSAGES_MIDDLEWARE", ""),
		Exchange:           getEnv("MIDDLEWARE_EXCHANGE", ""),
		SubscriberRoutes:   splitRoutes(getEnv("MIDDLEWARE_ROUTES_SUBSCRIBER", "")),
		PublisherRoute:     getEnv("MIDDLEWARE_PING_PUBLISHER", ""),
		BrokerUser:         getEnv("MIDDLEWARE_USERNAME", ""),
		BrokerPassword:     getEnv("MIDDLEWARE_PASSWORD", ""),
		DeadLetterExchange: getEnv("MIDDLEWARE_DEAD_LETTER_EXCHANGE", ""),
		VehicleFilterQueue: getEnv("RPC_QUEUE_VEHICLE_FILTER", DefaultVehicleFilterQueue),

		CacheAddr:             getEnv("DISTRIBUTED_CACHE", ""),
		CacheDB:               getEnvAsInt("CACHE_DB_VEHICLES", 0, &errs),
		CacheTTL:              getEnvAsDuration("CACHE_TTL", 0, &errs),
		CacheBreakDuration:    getEnvAsDuration("CACHE_BREAK_TIMEOUT", cache.DefaultBreakDuration, &errs),
		CacheFailureThreshold: getEnvAsInt("CACHE_BREAKER_FAILURES", cache.DefaultFailureThreshold, &errs),

		DatabaseDSN: getEnv("EVENT_DB_CONNECTION", ""),

		RetryCount: getEnvAsInt("RETRY_COUNT", reliability.DefaultAttempts, &errs),
		Timeout:    getEnvAsDuration("TIMEOUT", reliability.DefaultTimeout, &errs),
		LogLevel:   getEnv("LOG_LEVEL", DefaultLogLevel),
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// SubscriberBroker is the broker configuration of the event subscriber
func (c *Config) SubscriberBroker() rabbitmq.Config {
	return c.broker(c.Exchange, c.SubscriberRoutes, c.DeadLetterExchange)
}

// PublisherBroker is the broker configuration of the ping publisher
func (c *Config) PublisherBroker() rabbitmq.Config {
	return c.broker(c.Exchange, []string{c.PublisherRoute}, "")
}

// RequestBroker is the broker configuration of the RPC worker and client.
// Requests and replies travel on the default exchange.
func (c *Config) RequestBroker() rabbitmq.Config {
	return c.broker("", []string{c.VehicleFilterQueue}, "")
}

// Redis is the cache configuration
func (c *Config) Redis() cache.RedisConfig {
	threshold := c.CacheFailureThreshold
	if threshold < 0 {
		threshold = 0
	}
	return cache.RedisConfig{
		Addr:             c.CacheAddr,
		DB:               c.CacheDB,
		TTL:              c.CacheTTL,
		FailureThreshold: uint32(threshold),
		BreakDuration:    c.CacheBreakDuration,
	}
}

func (c *Config) broker(exchange string, routes []string, deadLetter string) rabbitmq.Config {
	return rabbitmq.Config{
		HostName:           c.BrokerHost,
		Exchange:           exchange,
		Routes:             routes,
		UserName:           c.BrokerUser,
		Password:           c.BrokerPassword,
		DeadLetterExchange: deadLetter,
		ConnectionTimeout:  c.Timeout,
		RetryAttempts:      c.RetryCount,
	}
}

func splitRoutes(value string) []string {
	var routes []string
	for _, r := range strings.Split(value, RouteSeparator) {
		if r = strings.TrimSpace(r); r != "" {
			routes = append(routes, r)
		}
	}
	return routes
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int, errs *[]error) int {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", key, value))
		return defaultValue
	}
	return n
}

// getEnvAsDuration accepts Go durations ("90s") and plain seconds ("60")
func getEnvAsDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value, exists := os.LookupEnv(key)
	value = strings.TrimSpace(value)
	if !exists || value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, value))
		return defaultValue
	}
	return d
}
