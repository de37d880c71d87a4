package vehicles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fleetwise/vehicle-tracking/contracts"
	"github.com/fleetwise/vehicle-tracking/pkg/logattr"
)

// EnrichmentHandler stores vehicle events, filling in the owner's name from
// the cache when it is known, and caches the stored vehicle under its
// chassis number.
type EnrichmentHandler struct {
	cache  Cache
	store  Store
	logger *slog.Logger
}

// NewEnrichmentHandler creates the handler
func NewEnrichmentHandler(cache Cache, store Store, logger *slog.Logger) *EnrichmentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnrichmentHandler{cache: cache, store: store, logger: logger}
}

// Handle processes one vehicle event envelope. Missing or unreadable
// customer entries only skip the enrichment; store and cache write
// failures are returned.
func (h *EnrichmentHandler) Handle(ctx context.Context, payload []byte) error {
	env, err := contracts.Decode(payload)
	if err != nil {
		return err
	}

	var vehicle contracts.Vehicle
	if err := contracts.DecodeBody(env, &vehicle); err != nil {
		return err
	}

	logger := h.logger.With(
		logattr.ChassisNumber(vehicle.ChassisNumber),
		logattr.CustomerID(vehicle.CustomerID),
		logattr.CorrelationID(env.Header.CorrelateID.String()))

	if name, ok := h.customerName(ctx, vehicle.CustomerID, logger); ok {
		vehicle.CustomerName = name
	}

	if err := h.store.Add(ctx, vehicle); err != nil {
		return fmt.Errorf("store vehicle %s: %w", vehicle.ChassisNumber, err)
	}

	data, err := json.Marshal(vehicle)
	if err != nil {
		return fmt.Errorf("encode vehicle %s: %w", vehicle.ChassisNumber, err)
	}
	if err := h.cache.Set(ctx, vehicle.ChassisNumber, data); err != nil {
		return fmt.Errorf("cache vehicle %s: %w", vehicle.ChassisNumber, err)
	}

	logger.Info("vehicle stored", "enriched", vehicle.CustomerName != "")
	return nil
}

func (h *EnrichmentHandler) customerName(ctx context.Context, customerID string, logger *slog.Logger) (string, bool) {
	if customerID == "" {
		return "", false
	}

	data, err := h.cache.Get(ctx, customerID)
	switch {
	case errors.Is(err, ErrNotFound):
		logger.Debug("customer not cached")
		return "", false
	case err != nil:
		logger.Warn("customer lookup failed", logattr.Error(err))
		return "", false
	}

	var customer contracts.Customer
	if err := json.Unmarshal(data, &customer); err != nil {
		logger.Warn("unreadable customer entry", logattr.Error(err))
		return "", false
	}
	return customer.Name, customer.Name != ""
}
