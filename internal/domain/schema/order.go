package schema

import (
	"strings"
	"time"
)

// Side captures the direction of an order or trade.
type Side string

const (
	// SideBuy indicates buy orders.
	SideBuy Side = "Buy"
	// SideSell indicates sell orders.
	SideSell Side = "Sell"
)

// OrderType enumerates order types accepted by the adapter.
type OrderType string

const (
	// OrderTypeLimit represents limit orders.
	OrderTypeLimit OrderType = "Limit"
	// OrderTypeMarket represents market orders.
	OrderTypeMarket OrderType = "Market"
)

// Offset states whether an order opens or reduces exposure.
type Offset string

const (
	// OffsetNone leaves the venue default.
	OffsetNone Offset = ""
	// OffsetOpen opens or increases a position.
	OffsetOpen Offset = "open"
	// OffsetClose only reduces a position.
	OffsetClose Offset = "close"
)

// OrderStatus is the normalised order lifecycle state.
type OrderStatus string

const (
	// StatusPendingSubmit is assigned locally before any network round trip.
	StatusPendingSubmit OrderStatus = "PendingSubmit"
	// StatusNotTraded means the venue accepted the order and nothing has filled.
	StatusNotTraded OrderStatus = "NotTraded"
	// StatusPartiallyTraded means some quantity has filled.
	StatusPartiallyTraded OrderStatus = "PartiallyTraded"
	// StatusAllTraded means the order is fully filled.
	StatusAllTraded OrderStatus = "AllTraded"
	// StatusCancelled is terminal.
	StatusCancelled OrderStatus = "Cancelled"
	// StatusRejected is terminal.
	StatusRejected OrderStatus = "Rejected"
)

// Terminal reports whether the order was cancelled or rejected.
func (s OrderStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusRejected
}

// Final reports whether no further transition is permitted, including full fills.
func (s OrderStatus) Final() bool {
	return s.Terminal() || s == StatusAllTraded
}

// Active reports whether the order may still trade.
func (s OrderStatus) Active() bool {
	switch s {
	case StatusPendingSubmit, StatusNotTraded, StatusPartiallyTraded:
		return true
	default:
		return false
	}
}

// Rank orders the lifecycle; terminal states rank above every other state.
func (s OrderStatus) Rank() int {
	switch s {
	case StatusPendingSubmit:
		return 0
	case StatusNotTraded:
		return 1
	case StatusPartiallyTraded:
		return 2
	case StatusAllTraded:
		return 3
	case StatusCancelled, StatusRejected:
		return 4
	default:
		return -1
	}
}

// OrderRequest represents an order submission from the trading application.
type OrderRequest struct {
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Type      OrderType `json:"type"`
	Offset    Offset    `json:"offset,omitempty"`
	Price     string    `json:"price,omitempty"`
	Quantity  string    `json:"quantity"`
	Reference string    `json:"reference,omitempty"`
}

// CancelRequest identifies an order by local or exchange identifier.
type CancelRequest struct {
	Symbol  string `json:"symbol,omitempty"`
	OrderID string `json:"order_id"`
}

// Order is the tracked state of one order, correlated across REST and push channels.
type Order struct {
	LocalID      string      `json:"local_id"`
	ExchangeID   string      `json:"exchange_id,omitempty"`
	Symbol       string      `json:"symbol"`
	Category     Category    `json:"category"`
	Side         Side        `json:"side"`
	Type         OrderType   `json:"type"`
	Offset       Offset      `json:"offset,omitempty"`
	Price        string      `json:"price"`
	Quantity     string      `json:"quantity"`
	Traded       string      `json:"traded"`
	Status       OrderStatus `json:"status"`
	RejectReason string      `json:"reject_reason,omitempty"`
	Reference    string      `json:"reference,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Key returns the identifier consumers should use for the order.
func (o Order) Key() string {
	if strings.TrimSpace(o.LocalID) != "" {
		return o.LocalID
	}
	return o.ExchangeID
}

// Trade is a single execution against an order.
type Trade struct {
	TradeID    string    `json:"trade_id"`
	LocalID    string    `json:"local_id,omitempty"`
	ExchangeID string    `json:"exchange_id"`
	Symbol     string    `json:"symbol"`
	Category   Category  `json:"category"`
	Side       Side      `json:"side"`
	Price      string    `json:"price"`
	Quantity   string    `json:"quantity"`
	Fee        string    `json:"fee,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
