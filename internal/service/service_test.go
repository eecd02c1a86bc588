package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"channel-inventory/internal/models"
	"channel-inventory/internal/redisclient"
	"channel-inventory/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) record(eventType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *recordingPublisher) PublishAllocationChanged(_ context.Context, e *models.AllocationChangedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishReservationCreated(_ context.Context, e *models.ReservationCreatedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishReservationConfirmed(_ context.Context, e *models.ReservationConfirmedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishReservationReleased(_ context.Context, e *models.ReservationReleasedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishStockReplenished(_ context.Context, e *models.StockReplenishedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishMarketplaceSynced(_ context.Context, e *models.MarketplaceSyncedEvent) error {
	return p.record(e.EventType)
}

// testEnv wires the services over an in-memory store and a miniredis-backed hold store
type testEnv struct {
	store        *store.MemoryStore
	holds        *redisclient.Client
	mr           *miniredis.Miniredis
	events       *recordingPublisher
	clock        *fakeClock
	d2c          *models.Channel
	availability *AvailabilityService
	allocations  *AllocationService
	reservations *ReservationService
	replenish    *ReplenishmentService
}

const (
	warehouse1 = int64(1)
	warehouse2 = int64(2)
	productP   = int64(100)
	productQ   = int64(101)
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	env := &testEnv{
		store:  store.NewMemoryStore(),
		holds:  redisclient.NewClientFromRedis(rdb),
		mr:     mr,
		events: &recordingPublisher{},
		clock:  &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
	}
	env.d2c = env.store.PutChannel(models.Channel{
		Code: "D2C", Name: "Storefront", Type: models.ChannelTypeD2C, IsActive: true,
	})

	env.availability = NewAvailabilityService(env.store, env.holds)
	env.availability.SetClock(env.clock.Now)
	env.allocations = NewAllocationService(env.store, env.holds, env.events)
	env.reservations = NewReservationService(env.store, env.holds, env.events, ReservationConfig{
		DefaultTTL:         10 * time.Minute,
		MaxTTL:             time.Hour,
		ConfirmedRetention: time.Hour,
	})
	env.reservations.SetClock(env.clock.Now)
	env.replenish = NewReplenishmentService(env.store, env.events)
	return env
}

func (e *testEnv) setOnHand(t *testing.T, warehouseID, productID int64, onHand int) {
	t.Helper()
	_, err := e.store.SetOnHand(context.Background(), warehouseID, productID, onHand)
	require.NoError(t, err)
}

func (e *testEnv) allocate(t *testing.T, channelCode string, warehouseID, productID int64, qty int, buffer *int) *models.ChannelAllocation {
	t.Helper()
	row, err := e.allocations.Allocate(context.Background(), &AllocateRequest{
		ChannelCode: channelCode,
		WarehouseID: warehouseID,
		ProductID:   productID,
		Quantity:    qty,
		Buffer:      buffer,
	})
	require.NoError(t, err)
	return row
}

func (e *testEnv) available(t *testing.T, productID int64) int {
	t.Helper()
	av, err := e.availability.Get(context.Background(), "D2C", productID, nil)
	require.NoError(t, err)
	return av.AvailableQuantity
}

func intPtr(n int) *int {
	return &n
}
