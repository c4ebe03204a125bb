package schema

import "time"

// Position is the exposure on one symbol and side.
type Position struct {
	Symbol        string    `json:"symbol"`
	Category      Category  `json:"category"`
	Side          Side      `json:"side"`
	Size          string    `json:"size"`
	EntryPrice    string    `json:"entry_price"`
	UnrealisedPnL string    `json:"unrealised_pnl"`
	PositionIdx   int       `json:"position_idx"`
	Timestamp     time.Time `json:"timestamp"`
}

// Balance is the holding of one coin. Frozen is Balance less Available.
type Balance struct {
	AccountType string    `json:"account_type"`
	Coin        string    `json:"coin"`
	Balance     string    `json:"balance"`
	Available   string    `json:"available"`
	Frozen      string    `json:"frozen"`
	Timestamp   time.Time `json:"timestamp"`
}
