package service

import (
	"context"
	"testing"

	"channel-inventory/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// channel holds 3 available at warehouse 1; pool has 20 more there and 5 at warehouse 2
func seedScenarioD(t *testing.T, env *testEnv) {
	env.setOnHand(t, warehouse1, productP, 23)
	env.setOnHand(t, warehouse2, productP, 5)
	env.allocate(t, "D2C", warehouse1, productP, 3, nil)
	env.allocate(t, "D2C", warehouse2, productP, 0, nil)
}

func TestReplenishPartiallyFromPool(t *testing.T) {
	env := newTestEnv(t)
	seedScenarioD(t, env)

	result, err := env.replenish.CheckAndReplenish(context.Background(), &ReplenishRequest{
		ChannelCode:  "D2C",
		ProductID:    productP,
		SafetyStock:  intPtr(50),
		ReorderPoint: intPtr(10),
	})
	require.NoError(t, err)

	assert.True(t, result.Replenished)
	assert.False(t, result.FullyMet)
	assert.Equal(t, 3, result.TotalAvailable)
	assert.Equal(t, 47, result.QuantityNeeded)
	assert.Equal(t, 25, result.QuantityReplenished)
	assert.Equal(t, []ReplenishDetail{
		{WarehouseID: warehouse1, Unallocated: 20, Quantity: 20},
		{WarehouseID: warehouse2, Unallocated: 5, Quantity: 5},
	}, result.Details)

	assert.Equal(t, 28, env.available(t, productP))
	assert.Contains(t, env.events.Types(), models.EventTypeStockReplenished)
}

func TestReplenishFullyMet(t *testing.T) {
	env := newTestEnv(t)
	seedScenarioD(t, env)
	env.setOnHand(t, warehouse2, productP, 40)

	result, err := env.replenish.CheckAndReplenish(context.Background(), &ReplenishRequest{
		ChannelCode:  "D2C",
		ProductID:    productP,
		SafetyStock:  intPtr(50),
		ReorderPoint: intPtr(10),
	})
	require.NoError(t, err)

	assert.True(t, result.FullyMet)
	assert.Equal(t, 47, result.QuantityReplenished)
	assert.Equal(t, 27, result.Details[1].Quantity)
	assert.Equal(t, 50, env.available(t, productP))
}

func TestReplenishNoopAboveReorderPoint(t *testing.T) {
	env := newTestEnv(t)
	seedScenarioD(t, env)

	result, err := env.replenish.CheckAndReplenish(context.Background(), &ReplenishRequest{
		ChannelCode:  "D2C",
		ProductID:    productP,
		SafetyStock:  intPtr(50),
		ReorderPoint: intPtr(3),
	})
	require.NoError(t, err)
	assert.False(t, result.Replenished)
	assert.True(t, result.FullyMet)
	assert.Equal(t, 0, result.QuantityReplenished)
	assert.Empty(t, result.Details)
	assert.Equal(t, 3, env.available(t, productP))
}

func TestReplenishUsesRowThresholds(t *testing.T) {
	env := newTestEnv(t)
	seedScenarioD(t, env)
	ctx := context.Background()

	_, err := env.allocations.UpdateSettings(ctx, &SettingsRequest{
		ChannelCode: "D2C", WarehouseID: warehouse1, ProductID: productP, SafetyStock: 10, ReorderPoint: 5,
	})
	require.NoError(t, err)
	_, err = env.allocations.UpdateSettings(ctx, &SettingsRequest{
		ChannelCode: "D2C", WarehouseID: warehouse2, ProductID: productP, SafetyStock: 12, ReorderPoint: 2,
	})
	require.NoError(t, err)

	result, err := env.replenish.CheckAndReplenish(ctx, &ReplenishRequest{ChannelCode: "D2C", ProductID: productP})
	require.NoError(t, err)
	assert.Equal(t, 12, result.SafetyStock)
	assert.Equal(t, 5, result.ReorderPoint)
	assert.Equal(t, 9, result.QuantityReplenished)
	assert.True(t, result.FullyMet)
}

func TestReplenishWithoutAllocation(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.replenish.CheckAndReplenish(context.Background(), &ReplenishRequest{
		ChannelCode: "D2C", ProductID: productQ, SafetyStock: intPtr(5), ReorderPoint: intPtr(5),
	})
	require.NoError(t, err)
	assert.False(t, result.Replenished)
	assert.NotEmpty(t, result.Reason)

	_, err = env.replenish.CheckAndReplenish(context.Background(), &ReplenishRequest{ChannelCode: "NOPE", ProductID: productQ})
	assert.ErrorIs(t, err, models.ErrChannelNotFound)
}

func TestSweepChecksAutoReplenishTargets(t *testing.T) {
	env := newTestEnv(t)
	seedScenarioD(t, env)
	env.setOnHand(t, warehouse1, productQ, 50)
	env.allocate(t, "D2C", warehouse1, productQ, 30, nil)
	ctx := context.Background()

	for _, req := range []*SettingsRequest{
		{ChannelCode: "D2C", WarehouseID: warehouse1, ProductID: productP, SafetyStock: 10, ReorderPoint: 5, AutoReplenishEnabled: true},
		{ChannelCode: "D2C", WarehouseID: warehouse1, ProductID: productQ, SafetyStock: 40, ReorderPoint: 10, AutoReplenishEnabled: true},
	} {
		_, err := env.allocations.UpdateSettings(ctx, req)
		require.NoError(t, err)
	}

	report, err := env.replenish.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Replenished)
	assert.Equal(t, 7, report.Units)
	require.Len(t, report.Results, 1)
	assert.Equal(t, productP, report.Results[0].ProductID)
	assert.Empty(t, report.Failures)
}
