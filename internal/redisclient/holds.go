package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"channel-inventory/internal/models"

	"github.com/go-redis/redis/v8"
)

// ErrStockChanged means durable availability moved between reading it and placing the
// holds. The caller re-reads and tries again.
var ErrStockChanged = errors.New("stock changed while placing holds")

// HoldCheck is one item to hold, with the channel's availability before soft holds and
// the stock version that figure was read at
type HoldCheck struct {
	ProductID        int64
	Quantity         int
	DurableAvailable int
	Version          int64
}

func reservationKey(id string) string {
	return fmt.Sprintf("reservation:%s", id)
}

func holdKey(channelID, productID int64) string {
	return fmt.Sprintf("softhold:%d:%d", channelID, productID)
}

func holdMember(reservationID string, qty int) string {
	return fmt.Sprintf("%s|%d", reservationID, qty)
}

func stockVersionKey(channelID, productID int64) string {
	return fmt.Sprintf("stockver:%d:%d", channelID, productID)
}

// StockVersions reads the stock version of each product. Read them before the durable
// figures handed to CreateReservation.
func (c *Client) StockVersions(ctx context.Context, channelID int64, productIDs []int64) (map[int64]int64, error) {
	versions := make(map[int64]int64, len(productIDs))
	if len(productIDs) == 0 {
		return versions, nil
	}

	keys := make([]string, len(productIDs))
	for i, pid := range productIDs {
		keys[i] = stockVersionKey(channelID, pid)
	}
	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stock versions: %w", err)
	}

	for i, pid := range productIDs {
		raw, ok := values[i].(string)
		if !ok {
			versions[pid] = 0
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed stock version %q: %w", raw, err)
		}
		versions[pid] = v
	}
	return versions, nil
}

// BumpStockVersion marks products whose durable availability went down, so a create that
// read the old figures fails with ErrStockChanged instead of holding against them
func (c *Client) BumpStockVersion(ctx context.Context, channelID int64, productIDs ...int64) error {
	if len(productIDs) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, pid := range productIDs {
		pipe.Incr(ctx, stockVersionKey(channelID, pid))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to bump stock version: %w", err)
	}
	return nil
}

func holdKeysAndMembers(res *models.Reservation) ([]string, []interface{}) {
	keys := make([]string, 0, len(res.Items)+1)
	keys = append(keys, reservationKey(res.ID))
	members := make([]interface{}, 0, len(res.Items))
	for _, item := range res.Items {
		keys = append(keys, holdKey(res.ChannelID, item.ProductID))
		members = append(members, holdMember(res.ID, item.Quantity))
	}
	return keys, members
}

// CreateReservation checks every item against durable availability minus live holds and,
// only if all fit, writes the holds and the reservation record in one script run.
// A non-empty result lists the items that did not fit; nothing was written in that case.
// ErrStockChanged is returned when a check's Version is no longer current.
func (c *Client) CreateReservation(ctx context.Context, res *models.Reservation, checks []HoldCheck, now time.Time) ([]models.FailedItem, error) {
	ttl := res.ExpiresAt.Sub(now)
	if ttl < time.Millisecond {
		return nil, fmt.Errorf("%w: reservation ttl %s", models.ErrInvalidQuantity, ttl)
	}

	keys := make([]string, 0, len(checks)*2+1)
	keys = append(keys, reservationKey(res.ID))
	args := []interface{}{
		now.UnixMilli(), ttl.Milliseconds(), res.ExpiresAt.UnixMilli(),
		res.ID, res.ChannelID, models.EncodeItems(res.Items),
	}
	for _, check := range checks {
		keys = append(keys, holdKey(res.ChannelID, check.ProductID), stockVersionKey(res.ChannelID, check.ProductID))
		args = append(args, check.Quantity, check.DurableAvailable, check.Version)
	}

	result, err := c.createScript.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		if strings.HasPrefix(err.Error(), "STALE") {
			return nil, ErrStockChanged
		}
		return nil, fmt.Errorf("create reservation script failed: %w", err)
	}

	pairs, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected script result type")
	}

	var failed []models.FailedItem
	for i := 0; i+1 < len(pairs); i += 2 {
		idx, _ := pairs[i].(int64)
		available, _ := pairs[i+1].(int64)
		if idx < 0 || int(idx) >= len(checks) {
			return nil, fmt.Errorf("unexpected item index %d from create script", idx)
		}
		check := checks[idx]
		failed = append(failed, models.FailedItem{
			ProductID: check.ProductID,
			Requested: check.Quantity,
			Available: int(available),
		})
	}
	return failed, nil
}

// GetReservation loads a reservation record
func (c *Client) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	fields, err := c.rdb.HGetAll(ctx, reservationKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrReservationNotFound, id)
	}
	return parseReservation(id, fields)
}

// MarkConfirmed flips an ACTIVE, unexpired reservation to CONFIRMED and keeps the record
// for the retention period. Its holds stay counted for the same period, until DropHolds.
// Any other state yields ErrReservationNotActive.
func (c *Client) MarkConfirmed(ctx context.Context, res *models.Reservation, orderID string, retention time.Duration, now time.Time) error {
	keys, members := holdKeysAndMembers(res)
	args := append([]interface{}{
		now.UnixMilli(), orderID, retention.Milliseconds(), now.Add(retention).UnixMilli(),
	}, members...)

	result, err := c.confirmScript.Run(ctx, c.rdb, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("confirm reservation script failed: %w", err)
	}

	switch result {
	case 0:
		return fmt.Errorf("%w: %s is gone", models.ErrReservationNotActive, res.ID)
	case 1:
		return fmt.Errorf("%w: %s", models.ErrReservationNotActive, res.ID)
	}
	return nil
}

// RevertConfirm undoes MarkConfirmed when the durable commit could not be applied
func (c *Client) RevertConfirm(ctx context.Context, res *models.Reservation, now time.Time) error {
	keys, members := holdKeysAndMembers(res)
	args := append([]interface{}{now.UnixMilli()}, members...)
	if err := c.revertScript.Run(ctx, c.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("revert confirm script failed: %w", err)
	}
	return nil
}

// DropHolds removes the reservation's members from its hold sets once their quantities are
// durable. The stock versions move in the same transaction, so a create that read the
// durable figures before the commit cannot see the holds gone and place its own.
func (c *Client) DropHolds(ctx context.Context, res *models.Reservation) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, item := range res.Items {
			pipe.ZRem(ctx, holdKey(res.ChannelID, item.ProductID), holdMember(res.ID, item.Quantity))
			pipe.Incr(ctx, stockVersionKey(res.ChannelID, item.ProductID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to drop holds: %w", err)
	}
	return nil
}

// ReleaseReservation drops the holds and deletes the record if the reservation is still
// ACTIVE and unexpired. It reports whether anything was released.
func (c *Client) ReleaseReservation(ctx context.Context, res *models.Reservation, now time.Time) (bool, error) {
	keys, members := holdKeysAndMembers(res)
	args := append([]interface{}{now.UnixMilli()}, members...)

	result, err := c.releaseScript.Run(ctx, c.rdb, keys, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("release reservation script failed: %w", err)
	}
	return result == 1, nil
}

// SoftHeld sums the live holds of a channel for each product in one pipelined round trip
func (c *Client) SoftHeld(ctx context.Context, channelID int64, productIDs []int64, now time.Time) (map[int64]int, error) {
	held := make(map[int64]int, len(productIDs))
	if len(productIDs) == 0 {
		return held, nil
	}

	minScore := "(" + strconv.FormatInt(now.UnixMilli(), 10)
	pipe := c.rdb.Pipeline()
	cmds := make(map[int64]*redis.StringSliceCmd, len(productIDs))
	for _, pid := range productIDs {
		cmds[pid] = pipe.ZRangeByScore(ctx, holdKey(channelID, pid), &redis.ZRangeBy{Min: minScore, Max: "+inf"})
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read soft holds: %w", err)
	}

	for pid, cmd := range cmds {
		members, err := cmd.Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		total := 0
		for _, member := range members {
			_, qty, ok := strings.Cut(member, "|")
			if !ok {
				continue
			}
			n, err := strconv.Atoi(qty)
			if err != nil {
				continue
			}
			total += n
		}
		held[pid] = total
	}
	return held, nil
}

func parseReservation(id string, fields map[string]string) (*models.Reservation, error) {
	channelID, err := strconv.ParseInt(fields["channel_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed reservation %s: %w", id, err)
	}
	items, err := models.DecodeItems(fields["items"])
	if err != nil {
		return nil, fmt.Errorf("malformed reservation %s: %w", id, err)
	}
	createdAt, err := parseMillis(fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("malformed reservation %s: %w", id, err)
	}
	expiresAt, err := parseMillis(fields["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("malformed reservation %s: %w", id, err)
	}

	res := &models.Reservation{
		ID:        id,
		ChannelID: channelID,
		Items:     items,
		Status:    fields["status"],
		OrderID:   fields["order_id"],
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
	if v, ok := fields["confirmed_at"]; ok {
		confirmedAt, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("malformed reservation %s: %w", id, err)
		}
		res.ConfirmedAt = &confirmedAt
	}
	return res, nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
