package shared

import (
	"strings"
	"sync"
	"time"

	"github.com/coachpo/meltica-bybit/internal/domain/schema"
)

// SubscriptionRequest records one market data subscription.
// Category stays empty until the symbol's market is known.
type SubscriptionRequest struct {
	Symbol      string
	Category    schema.Category
	RequestedAt time.Time
}

// Pending reports whether the request still waits for a category.
func (r SubscriptionRequest) Pending() bool {
	return r.Category == ""
}

// SubscriptionRegistry is the append-only symbol to request map replayed after reconnects.
type SubscriptionRegistry struct {
	mu      sync.Mutex
	entries map[string]SubscriptionRequest
	order   []string
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{entries: make(map[string]SubscriptionRequest)}
}

// Add registers a request. It returns false when the symbol is already registered.
func (r *SubscriptionRegistry) Add(req SubscriptionRequest) bool {
	symbol := strings.TrimSpace(req.Symbol)
	if symbol == "" {
		return false
	}
	req.Symbol = symbol
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[symbol]; ok {
		return false
	}
	r.entries[symbol] = req
	r.order = append(r.order, symbol)
	return true
}

// Resolve binds a category to a pending request. It returns the updated request and
// whether the binding changed anything.
func (r *SubscriptionRegistry) Resolve(symbol string, category schema.Category) (SubscriptionRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.entries[symbol]
	if !ok || req.Category == category {
		return req, false
	}
	req.Category = category
	r.entries[symbol] = req
	return req, true
}

// Get returns the request for symbol.
func (r *SubscriptionRegistry) Get(symbol string) (SubscriptionRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.entries[symbol]
	return req, ok
}

// ForCategory returns the requests bound to category in registration order.
func (r *SubscriptionRegistry) ForCategory(category schema.Category) []SubscriptionRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SubscriptionRequest, 0, len(r.order))
	for _, symbol := range r.order {
		if req := r.entries[symbol]; req.Category == category {
			out = append(out, req)
		}
	}
	return out
}

// Pending returns requests that still lack a category.
func (r *SubscriptionRegistry) Pending() []SubscriptionRequest {
	return r.ForCategory("")
}

// Len returns the number of registered symbols.
func (r *SubscriptionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Reset forgets every request; used when the adapter closes.
func (r *SubscriptionRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
	r.order = nil
}
