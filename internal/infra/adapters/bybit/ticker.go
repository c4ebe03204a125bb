package bybit

import (
	"strings"
	"sync"
	"time"

	"github.com/coachpo/meltica-bybit/internal/domain/schema"
)

// TickerAggregator owns one TickSnapshot per symbol and folds sparse push updates into it.
// Callers receive clones; the tracked instance is only mutated under the lock.
type TickerAggregator struct {
	mu    sync.Mutex
	ticks map[string]*schema.TickSnapshot
}

// NewTickerAggregator constructs an empty aggregator.
func NewTickerAggregator() *TickerAggregator {
	return &TickerAggregator{ticks: make(map[string]*schema.TickSnapshot)}
}

// Track creates the tick for symbol if it does not exist yet.
func (a *TickerAggregator) Track(symbol string, category schema.Category) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tickLocked(symbol, category)
}

// ApplyPartial overwrites only the fields present in fields. Unknown names and empty
// values are ignored. The second result is false until the tick has a last price.
func (a *TickerAggregator) ApplyPartial(symbol string, fields map[string]string, ts time.Time) (schema.TickSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tick := a.tickLocked(symbol, "")
	for name, value := range fields {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		applyTickerField(tick, name, value)
	}
	if !ts.IsZero() {
		tick.Timestamp = ts
	}
	return tick.Clone(), tick.LastPrice != ""
}

// ApplyDepth replaces the book levels carried by the tick.
func (a *TickerAggregator) ApplyDepth(symbol string, bids, asks []schema.PriceLevel, ts time.Time) schema.TickSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	tick := a.tickLocked(symbol, "")
	tick.Bids = bids
	tick.Asks = asks
	if !ts.IsZero() {
		tick.Timestamp = ts
	}
	return tick.Clone()
}

// Snapshot returns a copy of the current tick for symbol.
func (a *TickerAggregator) Snapshot(symbol string) (schema.TickSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tick, ok := a.ticks[symbol]
	if !ok {
		return schema.TickSnapshot{}, false
	}
	return tick.Clone(), true
}

// Reset drops every tick.
func (a *TickerAggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ticks)
}

func (a *TickerAggregator) tickLocked(symbol string, category schema.Category) *schema.TickSnapshot {
	tick, ok := a.ticks[symbol]
	if !ok {
		tick = &schema.TickSnapshot{Symbol: symbol, Category: category}
		a.ticks[symbol] = tick
	}
	if tick.Category == "" && category != "" {
		tick.Category = category
	}
	return tick
}

// applyTickerField is the closed set of ticker fields the adapter understands.
func applyTickerField(tick *schema.TickSnapshot, name, value string) {
	switch name {
	case "lastPrice":
		tick.LastPrice = value
	case "highPrice24h":
		tick.HighPrice = value
	case "lowPrice24h":
		tick.LowPrice = value
	case "prevPrice24h":
		tick.PrevPrice = value
	case "volume24h":
		tick.Volume = value
	case "turnover24h":
		tick.Turnover = value
	case "openInterest":
		tick.OpenInterest = value
	case "bid1Price":
		setTopLevel(&tick.Bids, value, true)
	case "bid1Size":
		setTopLevel(&tick.Bids, value, false)
	case "ask1Price":
		setTopLevel(&tick.Asks, value, true)
	case "ask1Size":
		setTopLevel(&tick.Asks, value, false)
	}
}

// setTopLevel writes the best level from the ticker stream. Deeper levels are dropped since
// they came from a book that is no longer live and need not order against the new best.
func setTopLevel(levels *[]schema.PriceLevel, value string, price bool) {
	if len(*levels) == 0 {
		*levels = []schema.PriceLevel{{}}
	}
	*levels = (*levels)[:1]
	if price {
		(*levels)[0].Price = value
	} else {
		(*levels)[0].Quantity = value
	}
}
