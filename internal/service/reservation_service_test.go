package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"channel-inventory/internal/models"
	"channel-inventory/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 50 allocated, 5 buffer, 10 reserved: 35 available
func seedScenarioB(t *testing.T, env *testEnv) {
	env.setOnHand(t, warehouse1, productP, 100)
	env.allocate(t, "D2C", warehouse1, productP, 50, intPtr(5))
	_, err := env.store.CommitReserved(context.Background(), env.d2c.ID,
		[]models.ReservationItem{{ProductID: productP, Quantity: 10}})
	require.NoError(t, err)
}

func TestCreateAndReleaseRestoresAvailability(t *testing.T) {
	env := newTestEnv(t)
	seedScenarioB(t, env)
	ctx := context.Background()
	require.Equal(t, 35, env.available(t, productP))

	resp, err := env.reservations.Create(ctx, &CreateReservationRequest{
		ChannelCode: "D2C",
		Items:       []models.ReservationItem{{ProductID: productP, Quantity: 10}},
		TTLSeconds:  600,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ReservationID)
	assert.Empty(t, resp.FailedItems)
	assert.Equal(t, env.clock.Now().Add(600*time.Second), resp.ExpiresAt)
	assert.Equal(t, 25, env.available(t, productP))

	require.NoError(t, env.reservations.Release(ctx, resp.ReservationID))
	assert.Equal(t, 35, env.available(t, productP))

	err = env.reservations.Release(ctx, resp.ReservationID)
	assert.ErrorIs(t, err, models.ErrReservationNotActive)

	assert.Equal(t, []string{
		models.EventTypeAllocationChanged,
		models.EventTypeReservationCreated,
		models.EventTypeReservationReleased,
	}, env.events.Types())
}

func TestCreateReportsEveryShortItem(t *testing.T) {
	env := newTestEnv(t)
	seedScenarioB(t, env)
	env.setOnHand(t, warehouse1, productQ, 10)
	env.allocate(t, "D2C", warehouse1, productQ, 4, nil)
	ctx := context.Background()

	_, err := env.reservations.Create(ctx, &CreateReservationRequest{
		ChannelCode: "D2C",
		Items: []models.ReservationItem{
			{ProductID: productP, Quantity: 30},
			{ProductID: productQ, Quantity: 3},
			{ProductID: productP, Quantity: 10},
			{ProductID: productQ, Quantity: 2},
			{ProductID: 999, Quantity: 1},
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInsufficientChannelStock)

	var shortage *ShortageError
	require.True(t, errors.As(err, &shortage))
	assert.Equal(t, []models.FailedItem{
		{ProductID: productP, Requested: 40, Available: 35},
		{ProductID: productQ, Requested: 5, Available: 4},
		{ProductID: 999, Requested: 1, Available: 0},
	}, shortage.Items)

	assert.Equal(t, 35, env.available(t, productP), "a rejected reservation holds nothing")
	assert.Equal(t, 4, env.available(t, productQ))
}

func TestCreateRejectsUnknownChannelAndBadItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.reservations.Create(ctx, &CreateReservationRequest{
		ChannelCode: "NOPE",
		Items:       []models.ReservationItem{{ProductID: productP, Quantity: 1}},
	})
	assert.ErrorIs(t, err, models.ErrChannelNotFound)

	_, err = env.reservations.Create(ctx, &CreateReservationRequest{
		ChannelCode: "D2C",
		Items:       []models.ReservationItem{{ProductID: productP, Quantity: -1}},
	})
	assert.ErrorIs(t, err, models.ErrInvalidQuantity)
}

func TestCreateClampsTTL(t *testing.T) {
	env := newTestEnv(t)
	seedScenarioB(t, env)
	ctx := context.Background()

	resp, err := env.reservations.Create(ctx, &CreateReservationRequest{
		ChannelCode: "D2C",
		Items:       []models.ReservationItem{{ProductID: productP, Quantity: 1}},
		TTLSeconds:  100000,
	})
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now().Add(time.Hour), resp.ExpiresAt)

	resp, err = env.reservations.Create(ctx, &CreateReservationRequest{
		ChannelCode: "D2C",
		Items:       []models.ReservationItem{{ProductID: productP, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now().Add(10*time.Minute), resp.ExpiresAt)
}

func TestConfirmMovesHoldIntoReserved(t *testing.T) {
	env := newTestEnv(t)
	seedScenarioB(t, env)
	ctx := context.Background()

	resp, err := env.reservations.Create(ctx, &CreateReservationRequest{
		ChannelCode: "D2C",
		Items:       []models.ReservationItem{{ProductID: productP, Quantity: 10}},
	})
	require.NoError(t, err)

	lines, err := env.reservations.Confirm(ctx, resp.ReservationID, "order-1")
	require.NoError(t, err)
	assert.Equal(t, []models.ReservedLine{{WarehouseID: warehouse1, ProductID: productP, Quantity: 10}}, lines)

	av, err := env.availability.Get(ctx, "D2C", productP, nil)
	require.NoError(t, err)
	assert.Equal(t, 25, av.AvailableQuantity)
	assert.Equal(t, 20, av.Reserved)
	assert.Equal(t, 0, av.SoftHeld)

	res, err := env.reservations.Get(ctx, resp.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusConfirmed, res.Status)
	assert.Equal(t, "order-1", res.OrderID)

	// second confirm changes nothing
	_, err = env.reservations.Confirm(ctx, resp.ReservationID, "order-1")
	assert.ErrorIs(t, err, models.ErrReservationNotActive)
	row, _ := env.store.Allocation(models.AllocationKey{ChannelID: env.d2c.ID, WarehouseID: warehouse1, ProductID: productP})
	assert.Equal(t, 20, row.ReservedQuantity)

	err = env.reservations.Release(ctx, resp.ReservationID)
	assert.ErrorIs(t, err, models.ErrReservationNotActive)
}

func TestConfirmSpreadsAcrossWarehouses(t *testing.T) {
	env := newTestEnv(t)
	env.setOnHand(t, warehouse1, productP, 10)
	env.setOnHand(t, warehouse2, productP, 10)
	env.allocate(t, "D2C", warehouse1, productP, 6, nil)
	env.allocate(t, "D2C", warehouse2, productP, 10, nil)
	ctx := context.Background()

	resp, err := env.reservations.Create(ctx, &CreateReservationRequest{
		ChannelCode: "D2C",
		Items:       []models.ReservationItem{{ProductID: productP, Quantity: 9}},
	})
	require.NoError(t, err)

	lines, err := env.reservations.Confirm(ctx, resp.ReservationID, "order-9")
	require.NoError(t, err)
	assert.Equal(t, []models.ReservedLine{
		{WarehouseID: warehouse1, ProductID: productP, Quantity: 6},
		{WarehouseID: warehouse2, ProductID: productP, Quantity: 3},
	}, lines)
}

func TestExpiredReservationStopsCountingAndCannotConfirm(t *testing.T) {
	env := newTestEnv(t)
	seedScenarioB(t, env)
	ctx := context.Background()

	resp, err := env.reservations.Create(ctx, &CreateReservationRequest{
		ChannelCode: "D2C",
		Items:       []models.ReservationItem{{ProductID: productP, Quantity: 10}},
		TTLSeconds:  60,
	})
	require.NoError(t, err)
	require.Equal(t, 25, env.available(t, productP))

	env.clock.Advance(61 * time.Second)
	assert.Equal(t, 35, env.available(t, productP))

	_, err = env.reservations.Confirm(ctx, resp.ReservationID, "late-order")
	assert.ErrorIs(t, err, models.ErrReservationNotActive)

	env.mr.FastForward(61 * time.Second)
	_, err = env.reservations.Get(ctx, resp.ReservationID)
	assert.ErrorIs(t, err, models.ErrReservationNotFound)

	_, err = env.reservations.Confirm(ctx, resp.ReservationID, "late-order")
	assert.ErrorIs(t, err, models.ErrReservationNotActive, "an evicted reservation cannot be confirmed")
}

func TestConfirmRevertsWhenStockWasWithdrawn(t *testing.T) {
	env := newTestEnv(t)
	env.setOnHand(t, warehouse1, productP, 100)
	env.allocate(t, "D2C", warehouse1, productP, 50, intPtr(5))
	ctx := context.Background()

	resp, err := env.reservations.Create(ctx, &CreateReservationRequest{
		ChannelCode: "D2C",
		Items:       []models.ReservationItem{{ProductID: productP, Quantity: 40}},
	})
	require.NoError(t, err)

	// deallocation looks at durable rows only, so it can pull stock out from under a hold
	_, err = env.allocations.Deallocate(ctx, &AllocationChangeRequest{
		ChannelCode: "D2C", WarehouseID: warehouse1, ProductID: productP, Quantity: 45,
	})
	require.NoError(t, err)

	_, err = env.reservations.Confirm(ctx, resp.ReservationID, "order-1")
	assert.ErrorIs(t, err, models.ErrInsufficientChannelStock)

	res, err := env.reservations.Get(ctx, resp.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusActive, res.Status, "failed confirm leaves the reservation active")

	row, _ := env.store.Allocation(models.AllocationKey{ChannelID: env.d2c.ID, WarehouseID: warehouse1, ProductID: productP})
	assert.Equal(t, 0, row.ReservedQuantity)
	assert.NoError(t, row.Validate())

	require.NoError(t, env.reservations.Release(ctx, resp.ReservationID))
}

// interleavingStore runs afterSum once, right after the first SumAllocations it serves
type interleavingStore struct {
	*store.MemoryStore
	once     sync.Once
	afterSum func()
}

func (s *interleavingStore) SumAllocations(ctx context.Context, channelID int64, productIDs []int64, warehouseID *int64) (map[int64]models.AllocationTotals, error) {
	totals, err := s.MemoryStore.SumAllocations(ctx, channelID, productIDs, warehouseID)
	s.once.Do(s.afterSum)
	return totals, err
}

func (e *testEnv) reservationsOver(st Store) *ReservationService {
	svc := NewReservationService(st, e.holds, e.events, ReservationConfig{
		DefaultTTL:         10 * time.Minute,
		MaxTTL:             time.Hour,
		ConfirmedRetention: time.Hour,
	})
	svc.SetClock(e.clock.Now)
	return svc
}

func requireShortage(t *testing.T, err error) *ShortageError {
	t.Helper()
	var shortage *ShortageError
	require.True(t, errors.As(err, &shortage), "expected a shortage, got %v", err)
	return shortage
}

func TestConcurrentCreatesNeverOversell(t *testing.T) {
	env := newTestEnv(t)
	seedScenarioB(t, env)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.reservations.Create(ctx, &CreateReservationRequest{
				ChannelCode: "D2C",
				Items:       []models.ReservationItem{{ProductID: productP, Quantity: 10}},
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, models.ErrInsufficientChannelStock)
	}
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 5, env.available(t, productP))
}

func TestCreateRetriesWhenConfirmCommitsMidCheck(t *testing.T) {
	env := newTestEnv(t)
	seedScenarioB(t, env)
	ctx := context.Background()

	held, err := env.reservations.Create(ctx, &CreateReservationRequest{
		ChannelCode: "D2C",
		Items:       []models.ReservationItem{{ProductID: productP, Quantity: 10}},
	})
	require.NoError(t, err)
	require.Equal(t, 25, env.available(t, productP))

	racy := &interleavingStore{MemoryStore: env.store}
	racy.afterSum = func() {
		_, err := env.reservations.Confirm(ctx, held.ReservationID, "order-1")
		require.NoError(t, err)
	}

	_, err = env.reservationsOver(racy).Create(ctx, &CreateReservationRequest{
		ChannelCode: "D2C",
		Items:       []models.ReservationItem{{ProductID: productP, Quantity: 35}},
	})
	shortage := requireShortage(t, err)
	assert.Equal(t, []models.FailedItem{{ProductID: productP, Requested: 35, Available: 25}}, shortage.Items)

	av, err := env.availability.Get(ctx, "D2C", productP, nil)
	require.NoError(t, err)
	assert.Equal(t, 25, av.AvailableQuantity)
	assert.Equal(t, 20, av.Reserved)
	assert.Equal(t, 0, av.SoftHeld)
}

func TestCreateRetriesWhenDeallocateCommitsMidCheck(t *testing.T) {
	env := newTestEnv(t)
	seedScenarioB(t, env)
	ctx := context.Background()

	racy := &interleavingStore{MemoryStore: env.store}
	racy.afterSum = func() {
		_, err := env.allocations.Deallocate(ctx, &AllocationChangeRequest{
			ChannelCode: "D2C", WarehouseID: warehouse1, ProductID: productP, Quantity: 20,
		})
		require.NoError(t, err)
	}

	_, err := env.reservationsOver(racy).Create(ctx, &CreateReservationRequest{
		ChannelCode: "D2C",
		Items:       []models.ReservationItem{{ProductID: productP, Quantity: 30}},
	})
	shortage := requireShortage(t, err)
	assert.Equal(t, 15, shortage.Items[0].Available)
	assert.Equal(t, 15, env.available(t, productP))
}

func TestCreatesRacingConfirmsKeepRowsCovered(t *testing.T) {
	env := newTestEnv(t)
	seedScenarioB(t, env)
	ctx := context.Background()

	var confirmIDs []string
	for i := 0; i < 3; i++ {
		resp, err := env.reservations.Create(ctx, &CreateReservationRequest{
			ChannelCode: "D2C",
			Items:       []models.ReservationItem{{ProductID: productP, Quantity: 5}},
		})
		require.NoError(t, err)
		confirmIDs = append(confirmIDs, resp.ReservationID)
	}
	require.Equal(t, 20, env.available(t, productP))

	const creators = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.reservations.Create(ctx, &CreateReservationRequest{
				ChannelCode: "D2C",
				Items:       []models.ReservationItem{{ProductID: productP, Quantity: 5}},
			})
			if err != nil {
				assert.ErrorIs(t, err, models.ErrInsufficientChannelStock)
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}()
	}
	for i, id := range confirmIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, err := env.reservations.Confirm(ctx, id, fmt.Sprintf("order-%d", i))
			assert.NoError(t, err)
		}(i, id)
	}
	wg.Wait()

	// a create that overlapped a confirm may under-count, never over-count
	assert.LessOrEqual(t, succeeded, 4)

	av, err := env.availability.Get(ctx, "D2C", productP, nil)
	require.NoError(t, err)
	assert.Equal(t, 25, av.Reserved)
	assert.Equal(t, 5*succeeded, av.SoftHeld)
	assert.Equal(t, 20-5*succeeded, av.AvailableQuantity)

	row, _ := env.store.Allocation(models.AllocationKey{ChannelID: env.d2c.ID, WarehouseID: warehouse1, ProductID: productP})
	assert.NoError(t, row.Validate())
}
