// Package vehicles holds the business callbacks run by the broker workers:
// cache-aside enrichment of vehicle events and the vehicle filter query.
package vehicles

import (
	"context"
	"errors"

	"github.com/fleetwise/vehicle-tracking/contracts"
)

// ErrNotFound is returned by caches for a missing key
var ErrNotFound = errors.New("vehicles: not found")

// Cache is the distributed key/value cache shared with other services
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Store persists vehicles
type Store interface {
	Add(ctx context.Context, vehicle contracts.Vehicle) error
	Query(ctx context.Context, filter contracts.VehicleFilter) ([]contracts.Vehicle, error)
}
