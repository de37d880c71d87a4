package vehicles

import (
	"context"

	"github.com/fleetwise/vehicle-tracking/contracts"
	"github.com/stretchr/testify/mock"
)

type mockCache struct {
	mock.Mock
}

func (m *mockCache) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockCache) Set(ctx context.Context, key string, value []byte) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Add(ctx context.Context, vehicle contracts.Vehicle) error {
	args := m.Called(ctx, vehicle)
	return args.Error(0)
}

func (m *mockStore) Query(ctx context.Context, filter contracts.VehicleFilter) ([]contracts.Vehicle, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]contracts.Vehicle), args.Error(1)
}
