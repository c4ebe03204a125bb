package schema

import "time"

// PriceLevel describes an order book price level using decimal strings.
type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// TickSnapshot is the per-symbol market summary. The adapter mutates one instance in place
// and emits a Clone after every update.
type TickSnapshot struct {
	Symbol       string       `json:"symbol"`
	Category     Category     `json:"category"`
	LastPrice    string       `json:"last_price"`
	HighPrice    string       `json:"high_price_24h"`
	LowPrice     string       `json:"low_price_24h"`
	PrevPrice    string       `json:"prev_price_24h"`
	Volume       string       `json:"volume_24h"`
	Turnover     string       `json:"turnover_24h"`
	OpenInterest string       `json:"open_interest"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Clone returns a deep copy that shares no slices with the receiver.
func (t TickSnapshot) Clone() TickSnapshot {
	out := t
	out.Bids = clonePriceLevels(t.Bids)
	out.Asks = clonePriceLevels(t.Asks)
	return out
}

// BestBid returns the top bid level, if any.
func (t TickSnapshot) BestBid() (PriceLevel, bool) {
	if len(t.Bids) == 0 {
		return PriceLevel{}, false
	}
	return t.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (t TickSnapshot) BestAsk() (PriceLevel, bool) {
	if len(t.Asks) == 0 {
		return PriceLevel{}, false
	}
	return t.Asks[0], true
}

func clonePriceLevels(levels []PriceLevel) []PriceLevel {
	if levels == nil {
		return nil
	}
	out := make([]PriceLevel, len(levels))
	copy(out, levels)
	return out
}
