package marketplace

import (
	"context"

	"channel-inventory/internal/models"
)

// Item is one product quantity to advertise
type Item struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// ItemError is a product the marketplace refused
type ItemError struct {
	ProductID int64  `json:"product_id"`
	Error     string `json:"error"`
}

// Result splits a push into accepted and refused products
type Result struct {
	Synced []int64
	Failed []ItemError
}

// Adapter publishes quantities to one external marketplace. An error return means the
// whole batch failed; per-item refusals go in Result.Failed.
type Adapter interface {
	Name() string
	Push(ctx context.Context, items []Item, credentials map[string]string) (*Result, error)
}

// NoopAdapter accepts everything; used for channels with no external listing
type NoopAdapter struct{}

func (NoopAdapter) Name() string { return "noop" }

func (NoopAdapter) Push(ctx context.Context, items []Item, credentials map[string]string) (*Result, error) {
	result := &Result{Synced: make([]int64, 0, len(items))}
	for _, item := range items {
		result.Synced = append(result.Synced, item.ProductID)
	}
	return result, nil
}

// Registry picks the adapter for a channel type
type Registry struct {
	adapters map[models.ChannelType]Adapter
	fallback Adapter
}

// NewRegistry creates a registry whose unknown types map to NoopAdapter
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[models.ChannelType]Adapter),
		fallback: NoopAdapter{},
	}
}

// Register binds an adapter to a channel type
func (r *Registry) Register(t models.ChannelType, adapter Adapter) {
	r.adapters[t] = adapter
}

// For returns the adapter registered for t, or the no-op adapter
func (r *Registry) For(t models.ChannelType) Adapter {
	if a, ok := r.adapters[t]; ok {
		return a
	}
	return r.fallback
}
