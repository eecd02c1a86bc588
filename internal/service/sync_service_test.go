package service

import (
	"context"
	"errors"
	"testing"

	"channel-inventory/internal/marketplace"
	"channel-inventory/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	refuse map[int64]string
	err    error
	pushed []marketplace.Item
	creds  map[string]string
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) Push(_ context.Context, items []marketplace.Item, creds map[string]string) (*marketplace.Result, error) {
	a.pushed = items
	a.creds = creds
	if a.err != nil {
		return nil, a.err
	}
	result := &marketplace.Result{}
	for _, item := range items {
		if msg, ok := a.refuse[item.ProductID]; ok {
			result.Failed = append(result.Failed, marketplace.ItemError{ProductID: item.ProductID, Error: msg})
			continue
		}
		result.Synced = append(result.Synced, item.ProductID)
	}
	return result, nil
}

func TestAdvertisedQuantity(t *testing.T) {
	tests := []struct {
		name      string
		available int
		pct       decimal.Decimal
		want      int
	}{
		{"ten percent rounds down", 35, decimal.NewFromInt(10), 31},
		{"no buffer", 35, decimal.Zero, 35},
		{"full buffer", 35, decimal.NewFromInt(100), 0},
		{"fractional percent", 200, decimal.RequireFromString("12.5"), 175},
		{"negative percent clamps to zero", 35, decimal.NewFromInt(-5), 35},
		{"over one hundred clamps", 35, decimal.NewFromInt(150), 0},
		{"nothing available", 0, decimal.NewFromInt(10), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AdvertisedQuantity(tt.available, tt.pct))
		})
	}
}

func newSyncEnv(t *testing.T, adapter marketplace.Adapter) (*testEnv, *SyncService, *models.Channel) {
	env := newTestEnv(t)
	amz := env.store.PutChannel(models.Channel{
		Code:        "AMZ",
		Type:        models.ChannelTypeMarketplaceAmazon,
		IsActive:    true,
		Credentials: []byte(`{"api_key":"k","seller_id":"s"}`),
	})
	env.setOnHand(t, warehouse1, productP, 100)
	env.setOnHand(t, warehouse1, productQ, 100)
	env.allocate(t, "AMZ", warehouse1, productP, 35, nil)
	env.allocate(t, "AMZ", warehouse1, productQ, 20, nil)

	registry := marketplace.NewRegistry()
	registry.Register(models.ChannelTypeMarketplaceAmazon, adapter)
	svc := NewSyncService(env.store, env.availability, registry, env.events, decimal.NewFromInt(10))
	return env, svc, amz
}

func TestSyncChannelRecordsAcceptedItems(t *testing.T) {
	adapter := &fakeAdapter{refuse: map[int64]string{productQ: "listing suppressed"}}
	env, svc, amz := newSyncEnv(t, adapter)

	report, err := svc.SyncChannel(context.Background(), "AMZ")
	require.NoError(t, err)
	assert.Equal(t, "fake", report.Adapter)
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, []marketplace.ItemError{{ProductID: productQ, Error: "listing suppressed"}}, report.Failed)

	assert.Equal(t, []marketplace.Item{{ProductID: productP, Quantity: 31}, {ProductID: productQ, Quantity: 18}}, adapter.pushed)
	assert.Equal(t, "k", adapter.creds["api_key"])

	synced, _ := env.store.Allocation(models.AllocationKey{ChannelID: amz.ID, WarehouseID: warehouse1, ProductID: productP})
	assert.Equal(t, 31, synced.MarketplaceQuantity)
	assert.NotNil(t, synced.LastSyncedAt)

	refused, _ := env.store.Allocation(models.AllocationKey{ChannelID: amz.ID, WarehouseID: warehouse1, ProductID: productQ})
	assert.Equal(t, 0, refused.MarketplaceQuantity)
	assert.Nil(t, refused.LastSyncedAt)

	assert.Contains(t, env.events.Types(), models.EventTypeMarketplaceSynced)
}

func TestSyncChannelUsesChannelBuffer(t *testing.T) {
	adapter := &fakeAdapter{}
	env, svc, amz := newSyncEnv(t, adapter)
	amz.SyncBufferPercent = decimal.NewNullDecimal(decimal.NewFromInt(50))
	env.store.PutChannel(*amz)

	_, err := svc.SyncChannel(context.Background(), "AMZ")
	require.NoError(t, err)
	assert.Equal(t, []marketplace.Item{{ProductID: productP, Quantity: 17}, {ProductID: productQ, Quantity: 10}}, adapter.pushed)
}

func TestSyncChannelBatchFailure(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("503 from marketplace")}
	env, svc, amz := newSyncEnv(t, adapter)

	report, err := svc.SyncChannel(context.Background(), "AMZ")
	assert.ErrorIs(t, err, models.ErrAdapterSyncFailure)
	require.NotNil(t, report)
	assert.Equal(t, 0, report.Synced)
	assert.Len(t, report.Failed, 2)

	row, _ := env.store.Allocation(models.AllocationKey{ChannelID: amz.ID, WarehouseID: warehouse1, ProductID: productP})
	assert.Nil(t, row.LastSyncedAt)
}

func TestSyncAllContinuesPastFailingChannel(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("timeout")}
	env, svc, _ := newSyncEnv(t, adapter)
	env.setOnHand(t, warehouse2, productP, 10)
	env.allocate(t, "D2C", warehouse2, productP, 10, nil)

	reports, err := svc.SyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)

	byCode := map[string]SyncReport{}
	for _, r := range reports {
		byCode[r.ChannelCode] = r
	}
	assert.Equal(t, "noop", byCode["D2C"].Adapter)
	assert.Equal(t, 1, byCode["D2C"].Synced)
	assert.Empty(t, byCode["D2C"].Error)
	assert.NotEmpty(t, byCode["AMZ"].Error)
	assert.Len(t, byCode["AMZ"].Failed, 2)
}
