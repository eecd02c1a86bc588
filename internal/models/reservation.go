package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Reservation statuses
const (
	ReservationStatusActive    = "ACTIVE"
	ReservationStatusConfirmed = "CONFIRMED"
)

// ReservationItem is one product line held by a reservation
type ReservationItem struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// Reservation is a checkout-time soft hold over one or more products
type Reservation struct {
	ID          string            `json:"reservation_id"`
	ChannelID   int64             `json:"channel_id"`
	Items       []ReservationItem `json:"items"`
	Status      string            `json:"status"`
	OrderID     string            `json:"order_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	ConfirmedAt *time.Time        `json:"confirmed_at,omitempty"`
}

// IsActive reports whether the reservation can still be confirmed or released at now
func (r *Reservation) IsActive(now time.Time) bool {
	return r.Status == ReservationStatusActive && now.Before(r.ExpiresAt)
}

// FailedItem reports a product the channel could not cover
type FailedItem struct {
	ProductID int64 `json:"product_id"`
	Requested int   `json:"requested"`
	Available int   `json:"available"`
}

// MergeItems folds duplicate product lines together and orders them by product id,
// rejecting non-positive quantities.
func MergeItems(items []ReservationItem) ([]ReservationItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidQuantity)
	}

	totals := make(map[int64]int, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %d quantity %d", ErrInvalidQuantity, item.ProductID, item.Quantity)
		}
		totals[item.ProductID] += item.Quantity
	}

	merged := make([]ReservationItem, 0, len(totals))
	for productID, qty := range totals {
		merged = append(merged, ReservationItem{ProductID: productID, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged, nil
}

// EncodeItems renders items as "product:qty,product:qty" for cache storage
func EncodeItems(items []ReservationItem) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = fmt.Sprintf("%d:%d", item.ProductID, item.Quantity)
	}
	return strings.Join(parts, ",")
}

// DecodeItems parses the EncodeItems format
func DecodeItems(s string) ([]ReservationItem, error) {
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	items := make([]ReservationItem, 0, len(parts))
	for _, part := range parts {
		pid, qty, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("malformed reservation item %q", part)
		}
		productID, err := strconv.ParseInt(pid, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed product id %q: %w", pid, err)
		}
		quantity, err := strconv.Atoi(qty)
		if err != nil {
			return nil, fmt.Errorf("malformed quantity %q: %w", qty, err)
		}
		items = append(items, ReservationItem{ProductID: productID, Quantity: quantity})
	}
	return items, nil
}
