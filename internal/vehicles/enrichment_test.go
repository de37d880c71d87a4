package vehicles

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/fleetwise/vehicle-tracking/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func vehicleEvent(t *testing.T, v contracts.Vehicle) []byte {
	t.Helper()
	env, err := contracts.NewEnvelope(v)
	require.NoError(t, err)
	data, err := contracts.Encode(env)
	require.NoError(t, err)
	return data
}

func TestEnrichmentHandler(t *testing.T) {
	ctx := context.Background()
	event := contracts.Vehicle{ChassisNumber: "ABC123", Model: "XC90", CustomerID: "CUST1"}

	t.Run("known customer name is copied onto the vehicle", func(t *testing.T) {
		cache := &mockCache{}
		store := &mockStore{}

		enriched := event
		enriched.CustomerName = "Jane Doe"
		cached, err := json.Marshal(enriched)
		require.NoError(t, err)

		cache.On("Get", mock.Anything, "CUST1").Return([]byte(`{"id":"CUST1","name":"Jane Doe"}`), nil)
		store.On("Add", mock.Anything, enriched).Return(nil)
		cache.On("Set", mock.Anything, "ABC123", cached).Return(nil)

		err = NewEnrichmentHandler(cache, store, nil).Handle(ctx, vehicleEvent(t, event))

		require.NoError(t, err)
		cache.AssertExpectations(t)
		store.AssertExpectations(t)
	})

	t.Run("cache miss stores the vehicle unenriched", func(t *testing.T) {
		cache := &mockCache{}
		store := &mockStore{}

		cache.On("Get", mock.Anything, "CUST1").Return(nil, ErrNotFound)
		store.On("Add", mock.Anything, event).Return(nil)
		cache.On("Set", mock.Anything, "ABC123", mock.Anything).Return(nil)

		require.NoError(t, NewEnrichmentHandler(cache, store, nil).Handle(ctx, vehicleEvent(t, event)))
		store.AssertExpectations(t)
	})

	t.Run("cache read error does not block the store", func(t *testing.T) {
		cache := &mockCache{}
		store := &mockStore{}

		cache.On("Get", mock.Anything, "CUST1").Return(nil, errors.New("circuit breaker is open"))
		store.On("Add", mock.Anything, event).Return(nil)
		cache.On("Set", mock.Anything, "ABC123", mock.Anything).Return(nil)

		require.NoError(t, NewEnrichmentHandler(cache, store, nil).Handle(ctx, vehicleEvent(t, event)))
		store.AssertExpectations(t)
	})

	t.Run("unreadable customer entry is ignored", func(t *testing.T) {
		cache := &mockCache{}
		store := &mockStore{}

		cache.On("Get", mock.Anything, "CUST1").Return([]byte("not json"), nil)
		store.On("Add", mock.Anything, event).Return(nil)
		cache.On("Set", mock.Anything, "ABC123", mock.Anything).Return(nil)

		require.NoError(t, NewEnrichmentHandler(cache, store, nil).Handle(ctx, vehicleEvent(t, event)))
		store.AssertExpectations(t)
	})

	t.Run("vehicle without customer skips the lookup", func(t *testing.T) {
		cache := &mockCache{}
		store := &mockStore{}
		anonymous := contracts.Vehicle{ChassisNumber: "XYZ"}

		store.On("Add", mock.Anything, anonymous).Return(nil)
		cache.On("Set", mock.Anything, "XYZ", mock.Anything).Return(nil)

		require.NoError(t, NewEnrichmentHandler(cache, store, nil).Handle(ctx, vehicleEvent(t, anonymous)))
		cache.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	})

	t.Run("store failure is returned and nothing is cached", func(t *testing.T) {
		cache := &mockCache{}
		store := &mockStore{}
		storeErr := errors.New("connection refused")

		cache.On("Get", mock.Anything, "CUST1").Return(nil, ErrNotFound)
		store.On("Add", mock.Anything, event).Return(storeErr)

		err := NewEnrichmentHandler(cache, store, nil).Handle(ctx, vehicleEvent(t, event))

		assert.ErrorIs(t, err, storeErr)
		cache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("cache write failure is returned", func(t *testing.T) {
		cache := &mockCache{}
		store := &mockStore{}
		setErr := errors.New("READONLY")

		cache.On("Get", mock.Anything, "CUST1").Return(nil, ErrNotFound)
		store.On("Add", mock.Anything, event).Return(nil)
		cache.On("Set", mock.Anything, "ABC123", mock.Anything).Return(setErr)

		err := NewEnrichmentHandler(cache, store, nil).Handle(ctx, vehicleEvent(t, event))
		assert.ErrorIs(t, err, setErr)
		store.AssertExpectations(t)
	})

	t.Run("invalid payload", func(t *testing.T) {
		err := NewEnrichmentHandler(&mockCache{}, &mockStore{}, nil).Handle(ctx, []byte("{"))
		assert.True(t, contracts.IsInvalid(err))
	})
}
