package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// InMem is a substring-matching Store for tests and dev mode. Scoring is the
// naive fraction of query terms present in the content.
type InMem struct {
	mu    sync.RWMutex
	items []Item
}

// NewInMem returns an empty in-memory store.
func NewInMem() *InMem { return &InMem{} }

// Search matches items containing any query term, filtered first.
func (s *InMem) Search(_ context.Context, query string, filter map[string]any, limit int) ([]Item, error) {
	terms := strings.Fields(strings.ToLower(query))
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Item
	for _, it := range s.items {
		if !matches(it, filter) {
			continue
		}
		content := strings.ToLower(it.Content)
		hits := 0
		for _, t := range terms {
			if strings.Contains(content, t) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		it.Score = float64(hits) / float64(len(terms))
		out = append(out, it)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Add stores the item and returns its id.
func (s *InMem) Add(_ context.Context, item Item) (string, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return item.ID, nil
}

// Query lists items matching the filter.
func (s *InMem) Query(_ context.Context, filter map[string]any, limit int) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Item
	for _, it := range s.items {
		if matches(it, filter) {
			out = append(out, it)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Delete removes items matching the filter.
func (s *InMem) Delete(_ context.Context, filter map[string]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []Item
	var removed int64
	for _, it := range s.items {
		if matches(it, filter) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	s.items = kept
	return removed, nil
}

func matches(it Item, filter map[string]any) bool {
	for k, v := range filter {
		switch k {
		case "customer_id":
			if it.CustomerID != v {
				return false
			}
		case "_id", "id":
			if it.ID != v {
				return false
			}
		default:
			if it.Metadata == nil || it.Metadata[k] != v {
				return false
			}
		}
	}
	return true
}
