// Package memory defines the vector memory contract and the ScopedMemory
// handle agents receive. A scoped handle is bound to one customer at
// construction and composes that customer filter into every operation; it
// cannot be rebound.
package memory

import (
	"context"
	"fmt"

	"github.com/veplatform/controlplane/tenancy"
)

type (
	// Item is one stored memory.
	Item struct {
		ID         string         `json:"id" bson:"_id,omitempty"`
		CustomerID string         `json:"customer_id" bson:"customer_id"`
		Content    string         `json:"content" bson:"content"`
		Metadata   map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
		Score      float64        `json:"score,omitempty" bson:"-"`
	}

	// Store is the raw vector store. It applies whatever filter it is
	// given; tenant scoping is the ScopedMemory's job, never the caller's.
	Store interface {
		Search(ctx context.Context, query string, filter map[string]any, limit int) ([]Item, error)
		Add(ctx context.Context, item Item) (string, error)
		Query(ctx context.Context, filter map[string]any, limit int) ([]Item, error)
		Delete(ctx context.Context, filter map[string]any) (int64, error)
	}

	// ScopedMemory binds a Store to a fixed customer id.
	ScopedMemory struct {
		store      Store
		customerID string
	}
)

// NewScoped returns a handle bound to the customer. The id must be a UUID v4.
func NewScoped(store Store, customerID string) (*ScopedMemory, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if !tenancy.IsUUIDv4(customerID) {
		return nil, fmt.Errorf("%w: %q", tenancy.ErrInvalidCustomerID, customerID)
	}
	return &ScopedMemory{store: store, customerID: customerID}, nil
}

// CustomerID returns the bound tenant id.
func (m *ScopedMemory) CustomerID() string { return m.customerID }

// Search runs a similarity search restricted to the bound customer.
func (m *ScopedMemory) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	return m.store.Search(ctx, query, m.filter(nil), limit)
}

// Add stores a memory for the bound customer. Any customer id already on the
// item is overwritten.
func (m *ScopedMemory) Add(ctx context.Context, content string, metadata map[string]any) (string, error) {
	return m.store.Add(ctx, Item{
		CustomerID: m.customerID,
		Content:    content,
		Metadata:   metadata,
	})
}

// Query lists memories matching extra filter criteria, always restricted to
// the bound customer even when the extra filter names another one.
func (m *ScopedMemory) Query(ctx context.Context, extra map[string]any, limit int) ([]Item, error) {
	return m.store.Query(ctx, m.filter(extra), limit)
}

// Delete removes memories matching the filter within the bound customer and
// returns the number removed.
func (m *ScopedMemory) Delete(ctx context.Context, extra map[string]any) (int64, error) {
	return m.store.Delete(ctx, m.filter(extra))
}

// filter composes the tenant predicate last so it wins over any caller
// supplied customer_id.
func (m *ScopedMemory) filter(extra map[string]any) map[string]any {
	f := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		f[k] = v
	}
	f["customer_id"] = m.customerID
	return f
}
