package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"channel-inventory/internal/models"
)

type poolKey struct {
	warehouseID int64
	productID   int64
}

// MemoryStore keeps channels, the pool ledger and allocations in process memory.
// All writes go through one mutex, so it behaves as a single-writer owner of every row.
// It mirrors Store's semantics and is meant for local runs and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	channels    map[int64]*models.Channel
	pool        map[poolKey]*models.PoolEntry
	allocations map[models.AllocationKey]*models.ChannelAllocation
	nextID      int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels:    make(map[int64]*models.Channel),
		pool:        make(map[poolKey]*models.PoolEntry),
		allocations: make(map[models.AllocationKey]*models.ChannelAllocation),
	}
}

// PutChannel inserts or replaces a channel, assigning an ID when missing
func (m *MemoryStore) PutChannel(ch models.Channel) *models.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch.ID == 0 {
		m.nextID++
		ch.ID = m.nextID
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}
	m.channels[ch.ID] = &ch
	out := ch
	return &out
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) GetChannelByCode(ctx context.Context, code string) (*models.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		if ch.Code == code {
			out := *ch
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrChannelNotFound, code)
}

func (m *MemoryStore) GetChannelByID(ctx context.Context, id int64) (*models.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", models.ErrChannelNotFound, id)
	}
	out := *ch
	return &out, nil
}

func (m *MemoryStore) ListActiveChannels(ctx context.Context) ([]models.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Channel
	for _, ch := range m.channels {
		if ch.IsActive {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetPoolEntry(ctx context.Context, warehouseID, productID int64) (*models.PoolEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.poolEntry(warehouseID, productID), nil
}

func (m *MemoryStore) SetOnHand(ctx context.Context, warehouseID, productID int64, onHand int) (*models.PoolEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if onHand < 0 {
		return nil, fmt.Errorf("%w: on hand %d", models.ErrInvalidQuantity, onHand)
	}
	allocated := m.sumAllocated(warehouseID, productID)
	if onHand < allocated {
		return nil, fmt.Errorf("%w: on hand %d, allocated %d", models.ErrPoolBelowAllocated, onHand, allocated)
	}

	m.pool[poolKey{warehouseID, productID}] = &models.PoolEntry{
		WarehouseID:    warehouseID,
		ProductID:      productID,
		OnHandQuantity: onHand,
		UpdatedAt:      time.Now(),
	}
	return m.poolEntry(warehouseID, productID), nil
}

func (m *MemoryStore) Allocate(ctx context.Context, p models.AllocateParams) (*models.ChannelAllocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Quantity < 0 || (p.Buffer != nil && *p.Buffer < 0) {
		return nil, fmt.Errorf("%w: quantity %d", models.ErrInvalidQuantity, p.Quantity)
	}

	entry := m.poolEntry(p.WarehouseID, p.ProductID)
	if p.Quantity > entry.UnallocatedQuantity {
		return nil, fmt.Errorf("%w: requested %d, unallocated %d at warehouse %d",
			models.ErrInsufficientPoolStock, p.Quantity, entry.UnallocatedQuantity, p.WarehouseID)
	}

	key := models.AllocationKey{ChannelID: p.ChannelID, WarehouseID: p.WarehouseID, ProductID: p.ProductID}
	row := models.ChannelAllocation{ChannelID: p.ChannelID, WarehouseID: p.WarehouseID, ProductID: p.ProductID}
	if existing, ok := m.allocations[key]; ok {
		row = *existing
	}

	row.AllocatedQuantity += p.Quantity
	if p.Buffer != nil {
		row.BufferQuantity = *p.Buffer
	}
	row.IsActive = true
	return m.save(row)
}

func (m *MemoryStore) Deallocate(ctx context.Context, key models.AllocationKey, qty int) (*models.ChannelAllocation, error) {
	return m.mutate(key, func(row *models.ChannelAllocation) error {
		if qty <= 0 {
			return fmt.Errorf("%w: quantity %d", models.ErrInvalidQuantity, qty)
		}
		if qty > row.Deallocatable() {
			return fmt.Errorf("%w: requested %d, deallocatable %d",
				models.ErrExceedsDeallocatable, qty, row.Deallocatable())
		}
		row.AllocatedQuantity -= qty
		return nil
	})
}

func (m *MemoryStore) UpdateSettings(ctx context.Context, key models.AllocationKey, settings models.AllocationSettings) (*models.ChannelAllocation, error) {
	return m.mutate(key, func(row *models.ChannelAllocation) error {
		row.SafetyStock = settings.SafetyStock
		row.ReorderPoint = settings.ReorderPoint
		row.AutoReplenishEnabled = settings.AutoReplenishEnabled
		return nil
	})
}

func (m *MemoryStore) Deactivate(ctx context.Context, key models.AllocationKey) (*models.ChannelAllocation, error) {
	return m.mutate(key, func(row *models.ChannelAllocation) error {
		if row.ReservedQuantity > 0 {
			return fmt.Errorf("%w: reserved %d", models.ErrAllocationHasReservations, row.ReservedQuantity)
		}
		row.AllocatedQuantity = 0
		row.BufferQuantity = 0
		row.IsActive = false
		return nil
	})
}

func (m *MemoryStore) Unreserve(ctx context.Context, key models.AllocationKey, qty int) (*models.ChannelAllocation, error) {
	return m.mutate(key, func(row *models.ChannelAllocation) error {
		if qty <= 0 || qty > row.ReservedQuantity {
			return fmt.Errorf("%w: unreserve %d of reserved %d", models.ErrInvalidQuantity, qty, row.ReservedQuantity)
		}
		row.ReservedQuantity -= qty
		return nil
	})
}

func (m *MemoryStore) Fulfill(ctx context.Context, key models.AllocationKey, qty int) (*models.ChannelAllocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.allocations[key]
	if !ok {
		return nil, fmt.Errorf("%w: channel=%d warehouse=%d product=%d",
			models.ErrAllocationNotFound, key.ChannelID, key.WarehouseID, key.ProductID)
	}
	entry := m.pool[poolKey{key.WarehouseID, key.ProductID}]
	if qty <= 0 || qty > existing.ReservedQuantity || entry == nil || qty > entry.OnHandQuantity {
		return nil, fmt.Errorf("%w: fulfill %d of reserved %d", models.ErrInvalidQuantity, qty, existing.ReservedQuantity)
	}

	row := *existing
	row.ReservedQuantity -= qty
	row.AllocatedQuantity -= qty
	saved, err := m.save(row)
	if err != nil {
		return nil, err
	}
	entry.OnHandQuantity -= qty
	entry.UpdatedAt = time.Now()
	return saved, nil
}

func (m *MemoryStore) CommitReserved(ctx context.Context, channelID int64, items []models.ReservationItem) ([]models.ReservedLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// work on copies so a short item leaves every row untouched
	staged := make(map[models.AllocationKey]models.ChannelAllocation)
	var lines []models.ReservedLine
	for _, item := range items {
		rows := m.activeRows(channelID, item.ProductID)
		for i := range rows {
			if s, ok := staged[rows[i].Key()]; ok {
				rows[i] = s
			}
		}
		itemLines, err := spreadReservation(rows, item)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			staged[row.Key()] = row
		}
		lines = append(lines, itemLines...)
	}

	for _, row := range staged {
		if _, err := m.save(row); err != nil {
			return nil, err
		}
	}
	return lines, nil
}

func (m *MemoryStore) ListAllocations(ctx context.Context, channelID, productID int64) ([]models.ChannelAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.activeRows(channelID, productID), nil
}

func (m *MemoryStore) ListChannelProducts(ctx context.Context, channelID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[int64]bool)
	var ids []int64
	for key, row := range m.allocations {
		if key.ChannelID == channelID && row.IsActive && !seen[key.ProductID] {
			seen[key.ProductID] = true
			ids = append(ids, key.ProductID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryStore) SumAllocations(ctx context.Context, channelID int64, productIDs []int64, warehouseID *int64) (map[int64]models.AllocationTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[int64]models.AllocationTotals, len(productIDs))
	for _, pid := range productIDs {
		totals := models.AllocationTotals{ProductID: pid}
		for _, row := range m.activeRows(channelID, pid) {
			if warehouseID != nil && row.WarehouseID != *warehouseID {
				continue
			}
			totals.Allocated += row.AllocatedQuantity
			totals.Buffer += row.BufferQuantity
			totals.Reserved += row.ReservedQuantity
		}
		result[pid] = totals
	}
	return result, nil
}

func (m *MemoryStore) ListReplenishTargets(ctx context.Context) ([]models.ReplenishTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type pair struct{ channelID, productID int64 }
	targets := make(map[pair]*models.ReplenishTarget)
	for key, row := range m.allocations {
		ch, ok := m.channels[key.ChannelID]
		if !ok || !ch.IsActive || !row.IsActive || !row.AutoReplenishEnabled {
			continue
		}
		p := pair{key.ChannelID, key.ProductID}
		t, ok := targets[p]
		if !ok {
			t = &models.ReplenishTarget{ChannelID: key.ChannelID, ChannelCode: ch.Code, ProductID: key.ProductID}
			targets[p] = t
		}
		if row.SafetyStock > t.SafetyStock {
			t.SafetyStock = row.SafetyStock
		}
		if row.ReorderPoint > t.ReorderPoint {
			t.ReorderPoint = row.ReorderPoint
		}
	}

	out := make([]models.ReplenishTarget, 0, len(targets))
	for _, t := range targets {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out, nil
}

func (m *MemoryStore) MarkSynced(ctx context.Context, channelID, productID int64, qty int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, row := range m.allocations {
		if key.ChannelID == channelID && key.ProductID == productID && row.IsActive {
			synced := at
			row.MarketplaceQuantity = qty
			row.LastSyncedAt = &synced
			row.UpdatedAt = time.Now()
		}
	}
	return nil
}

// Allocation returns a copy of one row, for inspection
func (m *MemoryStore) Allocation(key models.AllocationKey) (models.ChannelAllocation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.allocations[key]
	if !ok {
		return models.ChannelAllocation{}, false
	}
	return *row, true
}

func (m *MemoryStore) mutate(key models.AllocationKey, fn func(*models.ChannelAllocation) error) (*models.ChannelAllocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.allocations[key]
	if !ok {
		return nil, fmt.Errorf("%w: channel=%d warehouse=%d product=%d",
			models.ErrAllocationNotFound, key.ChannelID, key.WarehouseID, key.ProductID)
	}
	row := *existing
	if err := fn(&row); err != nil {
		return nil, err
	}
	return m.save(row)
}

// save validates and stores row; callers hold mu
func (m *MemoryStore) save(row models.ChannelAllocation) (*models.ChannelAllocation, error) {
	if err := row.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	if row.ID == 0 {
		m.nextID++
		row.ID = m.nextID
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	m.allocations[row.Key()] = &row

	out := row
	return &out, nil
}

// activeRows returns copies of the channel's active rows for a product; callers hold mu
func (m *MemoryStore) activeRows(channelID, productID int64) []models.ChannelAllocation {
	var rows []models.ChannelAllocation
	for key, row := range m.allocations {
		if key.ChannelID == channelID && key.ProductID == productID && row.IsActive {
			rows = append(rows, *row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].WarehouseID < rows[j].WarehouseID })
	return rows
}

// poolEntry derives allocated and unallocated; callers hold mu
func (m *MemoryStore) poolEntry(warehouseID, productID int64) *models.PoolEntry {
	entry := models.PoolEntry{WarehouseID: warehouseID, ProductID: productID}
	if e, ok := m.pool[poolKey{warehouseID, productID}]; ok {
		entry = *e
	}
	entry.AllocatedQuantity = m.sumAllocated(warehouseID, productID)
	entry.UnallocatedQuantity = entry.OnHandQuantity - entry.AllocatedQuantity
	return &entry
}

func (m *MemoryStore) sumAllocated(warehouseID, productID int64) int {
	total := 0
	for key, row := range m.allocations {
		if key.WarehouseID == warehouseID && key.ProductID == productID {
			total += row.AllocatedQuantity
		}
	}
	return total
}
