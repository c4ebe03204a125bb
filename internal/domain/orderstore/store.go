// Package orderstore defines the journal contract for order lifecycle state.
package orderstore

import (
	"context"

	"github.com/coachpo/meltica-bybit/internal/domain/schema"
)

// Store appends order transitions, fills and balance snapshots to durable storage.
// The journal is write-only from the adapter's point of view; nothing is read back.
type Store interface {
	RecordOrder(ctx context.Context, provider string, order schema.Order) error
	RecordTrade(ctx context.Context, provider string, trade schema.Trade) error
	RecordBalance(ctx context.Context, provider string, balance schema.Balance) error
}
