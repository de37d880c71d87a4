package store

import (
	"context"
	"sync"

	"github.com/fleetwise/vehicle-tracking/contracts"
)

// Memory is a process-local vehicles.Store
type Memory struct {
	mu       sync.RWMutex
	vehicles map[string]contracts.Vehicle
	order    []string
}

func NewMemory() *Memory {
	return &Memory{vehicles: make(map[string]contracts.Vehicle)}
}

func (m *Memory) Add(_ context.Context, vehicle contracts.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.vehicles[vehicle.ChassisNumber]; !ok {
		m.order = append(m.order, vehicle.ChassisNumber)
	}
	vehicle.Features = append([]string(nil), vehicle.Features...)
	m.vehicles[vehicle.ChassisNumber] = vehicle
	return nil
}

func (m *Memory) Query(_ context.Context, filter contracts.VehicleFilter) ([]contracts.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []contracts.Vehicle{}
	for _, chassis := range m.order {
		if v := m.vehicles[chassis]; v.CustomerID == filter.CustomerID {
			out = append(out, v)
		}
	}
	return out, nil
}

// Ping always succeeds
func (m *Memory) Ping(context.Context) error {
	return nil
}
