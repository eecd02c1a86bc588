package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"channel-inventory/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store is the Postgres-backed record store for channels, the shared pool ledger and
// channel allocations. Every mutation locks the rows it touches with SELECT ... FOR UPDATE
// inside a transaction so concurrent writers on the same allocation are serialized.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection
func NewStoreWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, used by the readiness probe
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const channelColumns = `id, code, name, type, is_active, sync_buffer_percent,
	COALESCE(credentials, '{}'::jsonb) AS credentials, created_at`

// GetChannelByCode retrieves a channel by its code
func (s *Store) GetChannelByCode(ctx context.Context, code string) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.GetContext(ctx, &ch, "SELECT "+channelColumns+" FROM channels WHERE code = $1", code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrChannelNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetChannelByID retrieves a channel by ID
func (s *Store) GetChannelByID(ctx context.Context, id int64) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.GetContext(ctx, &ch, "SELECT "+channelColumns+" FROM channels WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", models.ErrChannelNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// ListActiveChannels retrieves all active channels
func (s *Store) ListActiveChannels(ctx context.Context) ([]models.Channel, error) {
	var channels []models.Channel
	err := s.db.SelectContext(ctx, &channels,
		"SELECT "+channelColumns+" FROM channels WHERE is_active ORDER BY id")
	return channels, err
}

// GetPoolEntry returns the ledger line with allocated and unallocated derived from the
// current channel allocations.
func (s *Store) GetPoolEntry(ctx context.Context, warehouseID, productID int64) (*models.PoolEntry, error) {
	var entry models.PoolEntry
	err := s.db.GetContext(ctx, &entry, `
		SELECT p.warehouse_id, p.product_id, p.on_hand_quantity,
			COALESCE(SUM(a.allocated_quantity), 0) AS allocated_quantity,
			p.on_hand_quantity - COALESCE(SUM(a.allocated_quantity), 0) AS unallocated_quantity,
			p.updated_at
		FROM pool_ledger p
		LEFT JOIN channel_allocations a
			ON a.warehouse_id = p.warehouse_id AND a.product_id = p.product_id
		WHERE p.warehouse_id = $1 AND p.product_id = $2
		GROUP BY p.warehouse_id, p.product_id, p.on_hand_quantity, p.updated_at`,
		warehouseID, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.PoolEntry{WarehouseID: warehouseID, ProductID: productID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// SetOnHand records a stock count for the pool. It refuses to drop on-hand below what is
// already allocated to channels.
func (s *Store) SetOnHand(ctx context.Context, warehouseID, productID int64, onHand int) (*models.PoolEntry, error) {
	if onHand < 0 {
		return nil, fmt.Errorf("%w: on hand %d", models.ErrInvalidQuantity, onHand)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pool_ledger (warehouse_id, product_id, on_hand_quantity)
		VALUES ($1, $2, 0)
		ON CONFLICT (warehouse_id, product_id) DO NOTHING`,
		warehouseID, productID); err != nil {
		return nil, fmt.Errorf("failed to create pool entry: %w", err)
	}

	if _, err := lockPool(ctx, tx, warehouseID, productID); err != nil {
		return nil, err
	}

	allocated, err := sumAllocated(ctx, tx, warehouseID, productID)
	if err != nil {
		return nil, err
	}
	if onHand < allocated {
		return nil, fmt.Errorf("%w: on hand %d, allocated %d", models.ErrPoolBelowAllocated, onHand, allocated)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE pool_ledger SET on_hand_quantity = $1, updated_at = NOW() WHERE warehouse_id = $2 AND product_id = $3",
		onHand, warehouseID, productID); err != nil {
		return nil, fmt.Errorf("failed to update pool entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &models.PoolEntry{
		WarehouseID:         warehouseID,
		ProductID:           productID,
		OnHandQuantity:      onHand,
		AllocatedQuantity:   allocated,
		UnallocatedQuantity: onHand - allocated,
		UpdatedAt:           time.Now(),
	}, nil
}

// lockPool locks the ledger line and returns on-hand. A missing line counts as zero stock.
func lockPool(ctx context.Context, tx *sqlx.Tx, warehouseID, productID int64) (int, error) {
	var onHand int
	err := tx.GetContext(ctx, &onHand,
		"SELECT on_hand_quantity FROM pool_ledger WHERE warehouse_id = $1 AND product_id = $2 FOR UPDATE",
		warehouseID, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock pool entry: %w", err)
	}
	return onHand, nil
}

func sumAllocated(ctx context.Context, tx *sqlx.Tx, warehouseID, productID int64) (int, error) {
	var allocated int
	err := tx.GetContext(ctx, &allocated,
		"SELECT COALESCE(SUM(allocated_quantity), 0) FROM channel_allocations WHERE warehouse_id = $1 AND product_id = $2",
		warehouseID, productID)
	if err != nil {
		return 0, fmt.Errorf("failed to sum allocations: %w", err)
	}
	return allocated, nil
}
