package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"channel-inventory/internal/models"

	"github.com/jmoiron/sqlx"
)

const allocationColumns = `id, channel_id, warehouse_id, product_id, allocated_quantity,
	buffer_quantity, reserved_quantity, marketplace_quantity, safety_stock, reorder_point,
	auto_replenish_enabled, is_active, last_synced_at, created_at, updated_at`

// Allocate moves quantity from the warehouse's unallocated pool into the channel's row,
// creating or reactivating the row as needed.
func (s *Store) Allocate(ctx context.Context, p models.AllocateParams) (*models.ChannelAllocation, error) {
	if p.Quantity < 0 || (p.Buffer != nil && *p.Buffer < 0) {
		return nil, fmt.Errorf("%w: quantity %d", models.ErrInvalidQuantity, p.Quantity)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	onHand, err := lockPool(ctx, tx, p.WarehouseID, p.ProductID)
	if err != nil {
		return nil, err
	}
	allocated, err := sumAllocated(ctx, tx, p.WarehouseID, p.ProductID)
	if err != nil {
		return nil, err
	}
	if unallocated := onHand - allocated; p.Quantity > unallocated {
		return nil, fmt.Errorf("%w: requested %d, unallocated %d at warehouse %d",
			models.ErrInsufficientPoolStock, p.Quantity, unallocated, p.WarehouseID)
	}

	key := models.AllocationKey{ChannelID: p.ChannelID, WarehouseID: p.WarehouseID, ProductID: p.ProductID}
	row, err := lockAllocation(ctx, tx, key)
	if errors.Is(err, models.ErrAllocationNotFound) {
		row = &models.ChannelAllocation{ChannelID: p.ChannelID, WarehouseID: p.WarehouseID, ProductID: p.ProductID}
	} else if err != nil {
		return nil, err
	}

	row.AllocatedQuantity += p.Quantity
	if p.Buffer != nil {
		row.BufferQuantity = *p.Buffer
	}
	row.IsActive = true
	if err := row.Validate(); err != nil {
		return nil, err
	}

	err = tx.GetContext(ctx, row, `
		INSERT INTO channel_allocations (channel_id, warehouse_id, product_id, allocated_quantity, buffer_quantity, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (channel_id, warehouse_id, product_id) DO UPDATE
		SET allocated_quantity = EXCLUDED.allocated_quantity,
			buffer_quantity = EXCLUDED.buffer_quantity,
			is_active = TRUE,
			updated_at = NOW()
		RETURNING `+allocationColumns,
		row.ChannelID, row.WarehouseID, row.ProductID, row.AllocatedQuantity, row.BufferQuantity)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert allocation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return row, nil
}

// Deallocate returns unreserved, unbuffered stock from the channel to the pool
func (s *Store) Deallocate(ctx context.Context, key models.AllocationKey, qty int) (*models.ChannelAllocation, error) {
	return s.mutate(ctx, key, func(row *models.ChannelAllocation) error {
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

// UpdateSettings changes the replenishment settings of a row
func (s *Store) UpdateSettings(ctx context.Context, key models.AllocationKey, settings models.AllocationSettings) (*models.ChannelAllocation, error) {
	return s.mutate(ctx, key, func(row *models.ChannelAllocation) error {
		row.SafetyStock = settings.SafetyStock
		row.ReorderPoint = settings.ReorderPoint
		row.AutoReplenishEnabled = settings.AutoReplenishEnabled
		return nil
	})
}

// Deactivate soft-deletes a row and hands its whole allocation back to the pool
func (s *Store) Deactivate(ctx context.Context, key models.AllocationKey) (*models.ChannelAllocation, error) {
	return s.mutate(ctx, key, func(row *models.ChannelAllocation) error {
		if row.ReservedQuantity > 0 {
			return fmt.Errorf("%w: reserved %d", models.ErrAllocationHasReservations, row.ReservedQuantity)
		}
		row.AllocatedQuantity = 0
		row.BufferQuantity = 0
		row.IsActive = false
		return nil
	})
}

// Unreserve gives reserved units back to the channel's sellable stock
func (s *Store) Unreserve(ctx context.Context, key models.AllocationKey, qty int) (*models.ChannelAllocation, error) {
	return s.mutate(ctx, key, func(row *models.ChannelAllocation) error {
		if qty <= 0 || qty > row.ReservedQuantity {
			return fmt.Errorf("%w: unreserve %d of reserved %d", models.ErrInvalidQuantity, qty, row.ReservedQuantity)
		}
		row.ReservedQuantity -= qty
		return nil
	})
}

// Fulfill consumes reserved units: they leave the channel's allocation and the warehouse
func (s *Store) Fulfill(ctx context.Context, key models.AllocationKey, qty int) (*models.ChannelAllocation, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	onHand, err := lockPool(ctx, tx, key.WarehouseID, key.ProductID)
	if err != nil {
		return nil, err
	}
	row, err := lockAllocation(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if qty <= 0 || qty > row.ReservedQuantity || qty > onHand {
		return nil, fmt.Errorf("%w: fulfill %d of reserved %d", models.ErrInvalidQuantity, qty, row.ReservedQuantity)
	}

	row.ReservedQuantity -= qty
	row.AllocatedQuantity -= qty
	if err := saveAllocation(ctx, tx, row); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE pool_ledger SET on_hand_quantity = on_hand_quantity - $1, updated_at = NOW() WHERE warehouse_id = $2 AND product_id = $3",
		qty, key.WarehouseID, key.ProductID); err != nil {
		return nil, fmt.Errorf("failed to consume pool stock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return row, nil
}

// CommitReserved converts held quantities into reserved_quantity. Each item is spread over
// the channel's active rows in warehouse order. Either every item fits or nothing changes.
func (s *Store) CommitReserved(ctx context.Context, channelID int64, items []models.ReservationItem) ([]models.ReservedLine, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var lines []models.ReservedLine
	for _, item := range items {
		var rows []models.ChannelAllocation
		err := tx.SelectContext(ctx, &rows, `
			SELECT `+allocationColumns+` FROM channel_allocations
			WHERE channel_id = $1 AND product_id = $2 AND is_active
			ORDER BY warehouse_id
			FOR UPDATE`, channelID, item.ProductID)
		if err != nil {
			return nil, fmt.Errorf("failed to lock allocations: %w", err)
		}

		itemLines, err := spreadReservation(rows, item)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			if err := saveAllocation(ctx, tx, &rows[i]); err != nil {
				return nil, err
			}
		}
		lines = append(lines, itemLines...)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return lines, nil
}

// spreadReservation adds item.Quantity to reserved_quantity across rows, in order, never
// taking more than a row's available quantity.
func spreadReservation(rows []models.ChannelAllocation, item models.ReservationItem) ([]models.ReservedLine, error) {
	var lines []models.ReservedLine
	remaining := item.Quantity
	for i := range rows {
		if remaining == 0 {
			break
		}
		take := rows[i].AvailableQuantity()
		if take > remaining {
			take = remaining
		}
		if take == 0 {
			continue
		}
		rows[i].ReservedQuantity += take
		if err := rows[i].Validate(); err != nil {
			return nil, err
		}
		remaining -= take
		lines = append(lines, models.ReservedLine{WarehouseID: rows[i].WarehouseID, ProductID: item.ProductID, Quantity: take})
	}
	if remaining > 0 {
		return nil, fmt.Errorf("%w: product %d short by %d",
			models.ErrInsufficientChannelStock, item.ProductID, remaining)
	}
	return lines, nil
}

// ListAllocations returns the channel's active rows for a product in warehouse order
func (s *Store) ListAllocations(ctx context.Context, channelID, productID int64) ([]models.ChannelAllocation, error) {
	var rows []models.ChannelAllocation
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+allocationColumns+` FROM channel_allocations
		WHERE channel_id = $1 AND product_id = $2 AND is_active
		ORDER BY warehouse_id`, channelID, productID)
	return rows, err
}

// ListChannelProducts returns the products the channel holds active allocations for
func (s *Store) ListChannelProducts(ctx context.Context, channelID int64) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT product_id FROM channel_allocations
		WHERE channel_id = $1 AND is_active
		ORDER BY product_id`, channelID)
	return ids, err
}

// SumAllocations aggregates the channel's active rows per product in one query,
// optionally restricted to one warehouse.
func (s *Store) SumAllocations(ctx context.Context, channelID int64, productIDs []int64, warehouseID *int64) (map[int64]models.AllocationTotals, error) {
	result := make(map[int64]models.AllocationTotals, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	query := `
		SELECT product_id,
			COALESCE(SUM(allocated_quantity), 0) AS allocated,
			COALESCE(SUM(buffer_quantity), 0) AS buffer,
			COALESCE(SUM(reserved_quantity), 0) AS reserved
		FROM channel_allocations
		WHERE channel_id = ? AND is_active AND product_id IN (?)`
	args := []interface{}{channelID, productIDs}
	if warehouseID != nil {
		query += " AND warehouse_id = ?"
		args = append(args, *warehouseID)
	}
	query += " GROUP BY product_id"

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var totals []models.AllocationTotals
	if err := s.db.SelectContext(ctx, &totals, query, args...); err != nil {
		return nil, fmt.Errorf("failed to sum allocations: %w", err)
	}

	for _, pid := range productIDs {
		result[pid] = models.AllocationTotals{ProductID: pid}
	}
	for _, t := range totals {
		result[t.ProductID] = t
	}
	return result, nil
}

// ListReplenishTargets returns every active, auto-replenish channel×product with the
// strictest thresholds configured across its rows.
func (s *Store) ListReplenishTargets(ctx context.Context) ([]models.ReplenishTarget, error) {
	var targets []models.ReplenishTarget
	err := s.db.SelectContext(ctx, &targets, `
		SELECT a.channel_id, c.code AS channel_code, a.product_id,
			MAX(a.safety_stock) AS safety_stock, MAX(a.reorder_point) AS reorder_point
		FROM channel_allocations a
		JOIN channels c ON c.id = a.channel_id
		WHERE a.is_active AND a.auto_replenish_enabled AND c.is_active
		GROUP BY a.channel_id, c.code, a.product_id
		ORDER BY a.channel_id, a.product_id`)
	return targets, err
}

// MarkSynced records the quantity last advertised to the marketplace
func (s *Store) MarkSynced(ctx context.Context, channelID, productID int64, qty int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE channel_allocations
		SET marketplace_quantity = $1, last_synced_at = $2, updated_at = NOW()
		WHERE channel_id = $3 AND product_id = $4 AND is_active`,
		qty, at, channelID, productID)
	return err
}

// mutate locks one row, applies fn, validates the invariant and writes it back
func (s *Store) mutate(ctx context.Context, key models.AllocationKey, fn func(*models.ChannelAllocation) error) (*models.ChannelAllocation, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row, err := lockAllocation(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if err := fn(row); err != nil {
		return nil, err
	}
	if err := saveAllocation(ctx, tx, row); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return row, nil
}

func lockAllocation(ctx context.Context, tx *sqlx.Tx, key models.AllocationKey) (*models.ChannelAllocation, error) {
	var row models.ChannelAllocation
	err := tx.GetContext(ctx, &row, `
		SELECT `+allocationColumns+` FROM channel_allocations
		WHERE channel_id = $1 AND warehouse_id = $2 AND product_id = $3
		FOR UPDATE`, key.ChannelID, key.WarehouseID, key.ProductID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: channel=%d warehouse=%d product=%d",
			models.ErrAllocationNotFound, key.ChannelID, key.WarehouseID, key.ProductID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock allocation: %w", err)
	}
	return &row, nil
}

func saveAllocation(ctx context.Context, tx *sqlx.Tx, row *models.ChannelAllocation) error {
	if err := row.Validate(); err != nil {
		return err
	}
	err := tx.GetContext(ctx, row, `
		UPDATE channel_allocations
		SET allocated_quantity = $1, buffer_quantity = $2, reserved_quantity = $3,
			safety_stock = $4, reorder_point = $5, auto_replenish_enabled = $6,
			is_active = $7, updated_at = NOW()
		WHERE id = $8
		RETURNING `+allocationColumns,
		row.AllocatedQuantity, row.BufferQuantity, row.ReservedQuantity,
		row.SafetyStock, row.ReorderPoint, row.AutoReplenishEnabled,
		row.IsActive, row.ID)
	if err != nil {
		return fmt.Errorf("failed to save allocation: %w", err)
	}
	return nil
}
