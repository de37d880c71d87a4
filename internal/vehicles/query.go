package vehicles

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fleetwise/vehicle-tracking/contracts"
	"github.com/fleetwise/vehicle-tracking/messaging"
	"github.com/fleetwise/vehicle-tracking/pkg/logattr"
)

// FilterQueryHandler answers vehicle filter requests with the JSON array of
// the customer's vehicles
type FilterQueryHandler struct {
	store  Store
	logger *slog.Logger
}

// NewFilterQueryHandler creates the handler
func NewFilterQueryHandler(store Store, logger *slog.Logger) *FilterQueryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilterQueryHandler{store: store, logger: logger}
}

// Query decodes a VehicleFilter envelope and returns the matching vehicles.
// No result is an empty reply.
func (h *FilterQueryHandler) Query(ctx context.Context, payload []byte) ([]byte, error) {
	env, err := contracts.Decode(payload)
	if err != nil {
		return nil, err
	}

	var filter contracts.VehicleFilter
	if err := contracts.DecodeBody(env, &filter); err != nil {
		return nil, err
	}

	vehicles, err := h.store.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query vehicles for %q: %w", filter.CustomerID, err)
	}
	if vehicles == nil {
		return []byte{}, nil
	}

	h.logger.Debug("vehicle query answered",
		logattr.CustomerID(filter.CustomerID),
		logattr.CorrelationID(env.Header.CorrelateID.String()),
		"count", len(vehicles))
	return json.Marshal(vehicles)
}

// Handler adapts Query for the RPC request worker
func (h *FilterQueryHandler) Handler() messaging.RequestHandler {
	return messaging.SafeRequestHandler(h.Query, h.logger)
}
