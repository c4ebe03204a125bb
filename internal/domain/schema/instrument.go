package schema

import (
	"strings"
	"time"
)

// Category identifies a venue market category. Each category has its own public stream.
type Category string

const (
	// CategorySpot identifies spot markets.
	CategorySpot Category = "spot"
	// CategoryLinear identifies USDT/USDC margined derivatives.
	CategoryLinear Category = "linear"
	// CategoryInverse identifies coin margined derivatives.
	CategoryInverse Category = "inverse"
	// CategoryOption identifies options.
	CategoryOption Category = "option"
)

// Categories lists every market category in discovery order.
func Categories() []Category {
	return []Category{CategorySpot, CategoryLinear, CategoryInverse, CategoryOption}
}

// ParseCategory resolves a category name case-insensitively.
func ParseCategory(raw string) (Category, bool) {
	switch Category(strings.ToLower(strings.TrimSpace(raw))) {
	case CategorySpot:
		return CategorySpot, true
	case CategoryLinear:
		return CategoryLinear, true
	case CategoryInverse:
		return CategoryInverse, true
	case CategoryOption:
		return CategoryOption, true
	default:
		return "", false
	}
}

// Product classifies an instrument by contract shape.
type Product string

const (
	// ProductSpot represents spot pairs.
	ProductSpot Product = "spot"
	// ProductSwap represents perpetual contracts.
	ProductSwap Product = "swap"
	// ProductFutures represents dated futures.
	ProductFutures Product = "futures"
	// ProductOption represents option contracts.
	ProductOption Product = "option"
)

// OptionType distinguishes calls and puts.
type OptionType string

const (
	// OptionTypeCall represents call options.
	OptionTypeCall OptionType = "Call"
	// OptionTypePut represents put options.
	OptionTypePut OptionType = "Put"
)

// Instrument describes a tradable contract. It is immutable once registered.
type Instrument struct {
	Symbol      string   `json:"symbol"`
	Category    Category `json:"category"`
	Product     Product  `json:"product"`
	BaseCoin    string   `json:"base_coin"`
	QuoteCoin   string   `json:"quote_coin"`
	SettleCoin  string   `json:"settle_coin,omitempty"`
	PriceTick   string   `json:"price_tick"`
	MinQuantity string   `json:"min_quantity"`
	QtyStep     string   `json:"qty_step,omitempty"`

	// Option fields; zero for other categories.
	Strike     string     `json:"strike,omitempty"`
	Underlying string     `json:"underlying,omitempty"`
	Portfolio  string     `json:"portfolio,omitempty"`
	OptionType OptionType `json:"option_type,omitempty"`
	Listed     time.Time  `json:"listed,omitempty"`
	Expiry     time.Time  `json:"expiry,omitempty"`
}

// IsOption reports whether the instrument is an option contract.
func (i Instrument) IsOption() bool {
	return i.Category == CategoryOption
}
