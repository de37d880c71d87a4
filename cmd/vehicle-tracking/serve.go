package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetwise/vehicle-tracking/health"
	"github.com/fleetwise/vehicle-tracking/internal/cache"
	"github.com/fleetwise/vehicle-tracking/internal/rabbitmq"
	"github.com/fleetwise/vehicle-tracking/internal/store"
	"github.com/fleetwise/vehicle-tracking/internal/vehicles"
	"github.com/fleetwise/vehicle-tracking/messaging"
	"github.com/fleetwise/vehicle-tracking/pkg/logattr"
	"golang.org/x/sync/errgroup"
)

// backends holds the cache and store the workers run against
type backends struct {
	cache    vehicles.Cache
	store    vehicles.Store
	checkers []health.Checker
	closers  []func() error
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openBackends uses Redis when DISTRIBUTED_CACHE is set and Postgres when
// EVENT_DB_CONNECTION is set, in-memory adapters otherwise
func openBackends(ctx context.Context, rt *runtime) (*backends, error) {
	b := &backends{}

	if rt.cfg.CacheAddr != "" {
		redisCache := cache.NewRedis(rt.cfg.Redis(), rt.logger)
		b.cache = redisCache
		b.checkers = append(b.checkers, health.NewCacheChecker(redisCache))
		b.closers = append(b.closers, redisCache.Close)
	} else {
		rt.logger.Warn("DISTRIBUTED_CACHE not set, using in-memory cache")
		memoryCache := cache.NewMemory(rt.cfg.CacheTTL)
		b.cache = memoryCache
		b.checkers = append(b.checkers, health.NewCacheChecker(memoryCache))
	}

	if rt.cfg.DatabaseDSN != "" {
		db, err := store.Connect(ctx, rt.cfg.DatabaseDSN)
		if err != nil {
			b.Close()
			return nil, err
		}
		postgres := store.NewPostgres(db, rt.logger)
		if err := postgres.Migrate(ctx); err != nil {
			postgres.Close()
			b.Close()
			return nil, err
		}
		b.store = postgres
		b.checkers = append(b.checkers, health.NewStoreChecker(postgres))
		b.closers = append(b.closers, postgres.Close)
	} else {
		rt.logger.Warn("EVENT_DB_CONNECTION not set, using in-memory store")
		memoryStore := store.NewMemory()
		b.store = memoryStore
		b.checkers = append(b.checkers, health.NewStoreChecker(memoryStore))
	}

	return b, nil
}

// serve runs the subscriber and the RPC worker until SIGINT or SIGTERM, or
// until one of them fails
func serve(ctx context.Context, rt *runtime) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, rt)
	if err != nil {
		return err
	}
	defer b.Close()

	subscriberManager, err := rabbitmq.NewConnectionManager(ctx, rt.cfg.SubscriberBroker(),
		rabbitmq.WithLogger(rt.logger))
	if err != nil {
		return err
	}
	defer subscriberManager.Close()

	requestManager, err := rabbitmq.NewConnectionManager(ctx, rt.cfg.RequestBroker(),
		rabbitmq.WithLogger(rt.logger))
	if err != nil {
		return err
	}
	defer requestManager.Close()

	enrichment := vehicles.NewEnrichmentHandler(b.cache, b.store, rt.logger.With(logattr.Component("enrichment")))
	subscriber := messaging.NewSubscriberWorker(subscriberManager, enrichment.Handle)

	filter := vehicles.NewFilterQueryHandler(b.store, rt.logger.With(logattr.Component("vehicle-filter")))
	requests := messaging.NewRequestWorker(requestManager, filter.Handler())

	rt.logger.Info("vehicle tracking started",
		logattr.Route(rt.cfg.SubscriberBroker().Route()),
		logattr.Queue(rt.cfg.VehicleFilterQueue),
		"version", version)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return subscriber.Run(ctx) })
	g.Go(func() error { return requests.Run(ctx) })

	err = g.Wait()
	rt.logger.Info("vehicle tracking stopped",
		"subscriber", subscriber.Stats(),
		"requests", requests.Stats(),
		logattr.Error(err))
	return err
}

// checkHealth connects to every worker queue and the backends, writes the
// report as JSON and fails when anything is unhealthy
func checkHealth(ctx context.Context, rt *runtime, out io.Writer) error {
	b, err := openBackends(ctx, rt)
	if err != nil {
		return err
	}
	defer b.Close()

	checkers := append([]health.Checker(nil), b.checkers...)
	for _, brokerCfg := range []rabbitmq.Config{rt.cfg.SubscriberBroker(), rt.cfg.RequestBroker()} {
		manager, err := rabbitmq.NewConnectionManager(ctx, brokerCfg, rabbitmq.WithLogger(rt.logger))
		if err != nil {
			return fmt.Errorf("broker unavailable for %s: %w", brokerCfg.Route(), err)
		}
		defer manager.Close()

		checkers = append(checkers, health.NewQueueChecker(brokerCfg.Route(), manager))
	}

	report := health.Run(ctx, checkers...)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}

	if report.Status == health.StatusUnhealthy {
		return fmt.Errorf("health check failed: %s", report.Status)
	}
	return nil
}
