// Package shared provides venue-neutral building blocks for adapter implementations.
package shared

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-bybit/internal/domain/schema"
)

// SideDelta is an incremental update for one side of a book.
// Deletes are matched by exact price; Upserts cover both updates and inserts.
type SideDelta struct {
	Deletes []string
	Upserts []schema.PriceLevel
}

// Book maintains one symbol's order book from snapshots and incremental deltas.
// It is Uninitialized until the first snapshot and returns there on Reset.
type Book struct {
	mu         sync.Mutex
	live       bool
	bids       map[string]decimal.Decimal
	asks       map[string]decimal.Decimal
	lastUpdate time.Time
}

// NewBook constructs an empty, uninitialized book.
func NewBook() *Book {
	return &Book{
		bids: make(map[string]decimal.Decimal),
		asks: make(map[string]decimal.Decimal),
	}
}

// Live reports whether a snapshot has been applied since the last reset.
func (b *Book) Live() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

// LastUpdate returns the frame timestamp of the most recent apply.
func (b *Book) LastUpdate() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}

// Reset clears both sides and returns the book to Uninitialized.
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.bids)
	clear(b.asks)
	b.live = false
	b.lastUpdate = time.Time{}
}

// ApplySnapshot replaces both sides wholesale. Levels with size <= 0 are dropped.
// Nothing is mutated when any level fails to parse.
func (b *Book) ApplySnapshot(bids, asks []schema.PriceLevel, ts time.Time) error {
	parsedBids, err := parseLevels(bids)
	if err != nil {
		return fmt.Errorf("snapshot bids: %w", err)
	}
	parsedAsks, err := parseLevels(asks)
	if err != nil {
		return fmt.Errorf("snapshot asks: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.bids)
	clear(b.asks)
	for _, lvl := range parsedBids {
		if lvl.qty.Sign() > 0 {
			b.bids[lvl.key] = lvl.qty
		}
	}
	for _, lvl := range parsedAsks {
		if lvl.qty.Sign() > 0 {
			b.asks[lvl.key] = lvl.qty
		}
	}
	b.live = true
	b.lastUpdate = ts
	return nil
}

// ApplyDelta applies deletes then upserts to each side. Deleting an absent price is a no-op.
// It returns false without mutating when the book has not received a snapshot.
func (b *Book) ApplyDelta(bids, asks SideDelta, ts time.Time) (bool, error) {
	bidUps, err := parseLevels(bids.Upserts)
	if err != nil {
		return false, fmt.Errorf("delta bids: %w", err)
	}
	askUps, err := parseLevels(asks.Upserts)
	if err != nil {
		return false, fmt.Errorf("delta asks: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.live {
		return false, nil
	}
	applySide(b.bids, bids.Deletes, bidUps)
	applySide(b.asks, asks.Deletes, askUps)
	b.lastUpdate = ts
	return true, nil
}

// TopN returns up to n levels per side, bids descending and asks ascending.
// n <= 0 returns every level.
func (b *Book) TopN(n int) ([]schema.PriceLevel, []schema.PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return topLevels(b.bids, n, true), topLevels(b.asks, n, false)
}

type parsedLevel struct {
	key string
	qty decimal.Decimal
}

func parseLevels(levels []schema.PriceLevel) ([]parsedLevel, error) {
	if len(levels) == 0 {
		return nil, nil
	}
	out := make([]parsedLevel, 0, len(levels))
	for _, lvl := range levels {
		key, err := priceKey(lvl.Price)
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(strings.TrimSpace(lvl.Quantity))
		if err != nil {
			return nil, fmt.Errorf("quantity %q: %w", lvl.Quantity, err)
		}
		out = append(out, parsedLevel{key: key, qty: qty})
	}
	return out, nil
}

func priceKey(raw string) (string, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("price %q: %w", raw, err)
	}
	return price.String(), nil
}

func applySide(target map[string]decimal.Decimal, deletes []string, upserts []parsedLevel) {
	for _, raw := range deletes {
		key, err := priceKey(raw)
		if err != nil {
			continue
		}
		delete(target, key)
	}
	for _, lvl := range upserts {
		if lvl.qty.Sign() <= 0 {
			delete(target, lvl.key)
			continue
		}
		target[lvl.key] = lvl.qty
	}
}

func topLevels(source map[string]decimal.Decimal, n int, descending bool) []schema.PriceLevel {
	if len(source) == 0 {
		return nil
	}
	type level struct {
		price decimal.Decimal
		qty   decimal.Decimal
	}
	levels := make([]level, 0, len(source))
	for key, qty := range source {
		price, err := decimal.NewFromString(key)
		if err != nil || qty.Sign() <= 0 {
			continue
		}
		levels = append(levels, level{price: price, qty: qty})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].price.GreaterThan(levels[j].price)
		}
		return levels[i].price.LessThan(levels[j].price)
	})
	limit := len(levels)
	if n > 0 && limit > n {
		limit = n
	}
	out := make([]schema.PriceLevel, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, schema.PriceLevel{
			Price:    levels[i].price.String(),
			Quantity: levels[i].qty.String(),
		})
	}
	return out
}
