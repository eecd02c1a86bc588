package store

import (
	"context"
	"testing"

	"channel-inventory/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededMemoryStore(t *testing.T) (*MemoryStore, *models.Channel) {
	m := NewMemoryStore()
	ch := m.PutChannel(models.Channel{Code: "D2C", Name: "Direct", Type: models.ChannelTypeD2C, IsActive: true})
	_, err := m.SetOnHand(context.Background(), 1, 100, 100)
	require.NoError(t, err)
	return m, ch
}

func TestMemoryAllocateRespectsPool(t *testing.T) {
	ctx := context.Background()
	m, d2c := seededMemoryStore(t)
	dealer := m.PutChannel(models.Channel{Code: "DLR", Type: models.ChannelTypeDealer, IsActive: true})

	_, err := m.Allocate(ctx, models.AllocateParams{ChannelID: d2c.ID, WarehouseID: 1, ProductID: 100, Quantity: 30})
	require.NoError(t, err)
	_, err = m.Allocate(ctx, models.AllocateParams{ChannelID: dealer.ID, WarehouseID: 1, ProductID: 100, Quantity: 40})
	require.NoError(t, err)

	_, err = m.Allocate(ctx, models.AllocateParams{ChannelID: d2c.ID, WarehouseID: 1, ProductID: 100, Quantity: 31})
	assert.ErrorIs(t, err, models.ErrInsufficientPoolStock)

	entry, err := m.GetPoolEntry(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 70, entry.AllocatedQuantity)
	assert.Equal(t, 30, entry.UnallocatedQuantity)
}

func TestMemoryDeallocateRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, ch := seededMemoryStore(t)
	key := models.AllocationKey{ChannelID: ch.ID, WarehouseID: 1, ProductID: 100}

	_, err := m.Allocate(ctx, models.AllocateParams{ChannelID: ch.ID, WarehouseID: 1, ProductID: 100, Quantity: 40})
	require.NoError(t, err)
	before, _ := m.GetPoolEntry(ctx, 1, 100)

	_, err = m.Allocate(ctx, models.AllocateParams{ChannelID: ch.ID, WarehouseID: 1, ProductID: 100, Quantity: 15})
	require.NoError(t, err)
	_, err = m.Deallocate(ctx, key, 15)
	require.NoError(t, err)

	after, _ := m.GetPoolEntry(ctx, 1, 100)
	assert.Equal(t, before.UnallocatedQuantity, after.UnallocatedQuantity)
	row, _ := m.Allocation(key)
	assert.Equal(t, 40, row.AllocatedQuantity)

	_, err = m.Deallocate(ctx, key, 41)
	assert.ErrorIs(t, err, models.ErrExceedsDeallocatable)
}

func TestMemoryCommitReservedSpreadsAcrossWarehouses(t *testing.T) {
	ctx := context.Background()
	m, ch := seededMemoryStore(t)
	_, err := m.SetOnHand(ctx, 2, 100, 50)
	require.NoError(t, err)

	_, err = m.Allocate(ctx, models.AllocateParams{ChannelID: ch.ID, WarehouseID: 1, ProductID: 100, Quantity: 10})
	require.NoError(t, err)
	_, err = m.Allocate(ctx, models.AllocateParams{ChannelID: ch.ID, WarehouseID: 2, ProductID: 100, Quantity: 10})
	require.NoError(t, err)

	lines, err := m.CommitReserved(ctx, ch.ID, []models.ReservationItem{{ProductID: 100, Quantity: 14}})
	require.NoError(t, err)
	assert.Equal(t, []models.ReservedLine{
		{WarehouseID: 1, ProductID: 100, Quantity: 10},
		{WarehouseID: 2, ProductID: 100, Quantity: 4},
	}, lines)

	row1, _ := m.Allocation(models.AllocationKey{ChannelID: ch.ID, WarehouseID: 1, ProductID: 100})
	row2, _ := m.Allocation(models.AllocationKey{ChannelID: ch.ID, WarehouseID: 2, ProductID: 100})
	assert.Equal(t, 10, row1.ReservedQuantity)
	assert.Equal(t, 4, row2.ReservedQuantity)
}

func TestMemoryCommitReservedAllOrNothing(t *testing.T) {
	ctx := context.Background()
	m, ch := seededMemoryStore(t)
	_, err := m.SetOnHand(ctx, 1, 101, 5)
	require.NoError(t, err)

	_, err = m.Allocate(ctx, models.AllocateParams{ChannelID: ch.ID, WarehouseID: 1, ProductID: 100, Quantity: 10})
	require.NoError(t, err)
	_, err = m.Allocate(ctx, models.AllocateParams{ChannelID: ch.ID, WarehouseID: 1, ProductID: 101, Quantity: 5})
	require.NoError(t, err)

	_, err = m.CommitReserved(ctx, ch.ID, []models.ReservationItem{
		{ProductID: 100, Quantity: 3},
		{ProductID: 101, Quantity: 6},
	})
	assert.ErrorIs(t, err, models.ErrInsufficientChannelStock)

	row, _ := m.Allocation(models.AllocationKey{ChannelID: ch.ID, WarehouseID: 1, ProductID: 100})
	assert.Equal(t, 0, row.ReservedQuantity)
}

func TestMemoryFulfillConsumesPool(t *testing.T) {
	ctx := context.Background()
	m, ch := seededMemoryStore(t)
	key := models.AllocationKey{ChannelID: ch.ID, WarehouseID: 1, ProductID: 100}

	_, err := m.Allocate(ctx, models.AllocateParams{ChannelID: ch.ID, WarehouseID: 1, ProductID: 100, Quantity: 20})
	require.NoError(t, err)
	_, err = m.CommitReserved(ctx, ch.ID, []models.ReservationItem{{ProductID: 100, Quantity: 5}})
	require.NoError(t, err)

	row, err := m.Fulfill(ctx, key, 5)
	require.NoError(t, err)
	assert.Equal(t, 15, row.AllocatedQuantity)
	assert.Equal(t, 0, row.ReservedQuantity)

	entry, _ := m.GetPoolEntry(ctx, 1, 100)
	assert.Equal(t, 95, entry.OnHandQuantity)
	assert.Equal(t, 80, entry.UnallocatedQuantity)

	_, err = m.Fulfill(ctx, key, 1)
	assert.ErrorIs(t, err, models.ErrInvalidQuantity)
}

func TestMemoryDeactivate(t *testing.T) {
	ctx := context.Background()
	m, ch := seededMemoryStore(t)
	key := models.AllocationKey{ChannelID: ch.ID, WarehouseID: 1, ProductID: 100}

	_, err := m.Allocate(ctx, models.AllocateParams{ChannelID: ch.ID, WarehouseID: 1, ProductID: 100, Quantity: 20})
	require.NoError(t, err)
	_, err = m.CommitReserved(ctx, ch.ID, []models.ReservationItem{{ProductID: 100, Quantity: 2}})
	require.NoError(t, err)

	_, err = m.Deactivate(ctx, key)
	assert.ErrorIs(t, err, models.ErrAllocationHasReservations)

	_, err = m.Unreserve(ctx, key, 2)
	require.NoError(t, err)
	row, err := m.Deactivate(ctx, key)
	require.NoError(t, err)
	assert.False(t, row.IsActive)

	products, _ := m.ListChannelProducts(ctx, ch.ID)
	assert.Empty(t, products)
	entry, _ := m.GetPoolEntry(ctx, 1, 100)
	assert.Equal(t, 100, entry.UnallocatedQuantity)
}

func TestMemorySetOnHandBelowAllocated(t *testing.T) {
	ctx := context.Background()
	m, ch := seededMemoryStore(t)

	_, err := m.Allocate(ctx, models.AllocateParams{ChannelID: ch.ID, WarehouseID: 1, ProductID: 100, Quantity: 60})
	require.NoError(t, err)

	_, err = m.SetOnHand(ctx, 1, 100, 50)
	assert.ErrorIs(t, err, models.ErrPoolBelowAllocated)
}

func TestMemoryReplenishTargetsUseStrictestThresholds(t *testing.T) {
	ctx := context.Background()
	m, ch := seededMemoryStore(t)
	_, err := m.SetOnHand(ctx, 2, 100, 10)
	require.NoError(t, err)

	for wh, safety := range map[int64]int{1: 20, 2: 35} {
		_, err := m.Allocate(ctx, models.AllocateParams{ChannelID: ch.ID, WarehouseID: wh, ProductID: 100, Quantity: 5})
		require.NoError(t, err)
		_, err = m.UpdateSettings(ctx, models.AllocationKey{ChannelID: ch.ID, WarehouseID: wh, ProductID: 100},
			models.AllocationSettings{SafetyStock: safety, ReorderPoint: safety / 2, AutoReplenishEnabled: true})
		require.NoError(t, err)
	}

	targets, err := m.ListReplenishTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, 35, targets[0].SafetyStock)
	assert.Equal(t, 17, targets[0].ReorderPoint)
	assert.Equal(t, "D2C", targets[0].ChannelCode)
}
