package bybit

import (
	"sync"
	"time"

	"github.com/coachpo/meltica-bybit/internal/domain/schema"
	"github.com/coachpo/meltica-bybit/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-bybit/internal/numeric"
)

// BookAggregator keeps one order book per symbol.
// A book is Uninitialized until its first snapshot and returns there on Reset.
type BookAggregator struct {
	mu    sync.Mutex
	books map[string]*shared.Book
}

// NewBookAggregator constructs an empty aggregator.
func NewBookAggregator() *BookAggregator {
	return &BookAggregator{books: make(map[string]*shared.Book)}
}

func (a *BookAggregator) book(symbol string) *shared.Book {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.books[symbol]
	if !ok {
		b = shared.NewBook()
		a.books[symbol] = b
	}
	return b
}

// ApplySnapshot replaces both sides of symbol's book and marks it live.
func (a *BookAggregator) ApplySnapshot(symbol string, bids, asks []schema.PriceLevel, ts time.Time) error {
	return a.book(symbol).ApplySnapshot(bids, asks, ts)
}

// ApplyDelta applies an incremental update. It reports false when the book is not live.
func (a *BookAggregator) ApplyDelta(symbol string, bids, asks shared.SideDelta, ts time.Time) (bool, error) {
	return a.book(symbol).ApplyDelta(bids, asks, ts)
}

// TopN returns the best n levels per side; fewer are returned when a side is short.
func (a *BookAggregator) TopN(symbol string, n int) ([]schema.PriceLevel, []schema.PriceLevel) {
	a.mu.Lock()
	b, ok := a.books[symbol]
	a.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return b.TopN(n)
}

// Live reports whether symbol's book has received a snapshot since its last reset.
func (a *BookAggregator) Live(symbol string) bool {
	a.mu.Lock()
	b, ok := a.books[symbol]
	a.mu.Unlock()
	return ok && b.Live()
}

// Reset returns the listed books to Uninitialized ahead of a resubscription.
func (a *BookAggregator) Reset(symbols ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, symbol := range symbols {
		if b, ok := a.books[symbol]; ok {
			b.Reset()
		}
	}
}

// splitLevels separates a delta side into deletes (size zero) and upserts.
func splitLevels(levels [][]string) shared.SideDelta {
	var delta shared.SideDelta
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		if isZeroSize(lvl[1]) {
			delta.Deletes = append(delta.Deletes, lvl[0])
			continue
		}
		delta.Upserts = append(delta.Upserts, schema.PriceLevel{Price: lvl[0], Quantity: lvl[1]})
	}
	return delta
}

func toPriceLevels(levels [][]string) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		out = append(out, schema.PriceLevel{Price: lvl[0], Quantity: lvl[1]})
	}
	return out
}

func isZeroSize(raw string) bool {
	d, ok := numeric.Parse(raw)
	return ok && d.Sign() == 0
}
