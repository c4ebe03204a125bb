package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/meltica-bybit/internal/domain/orderstore"
	"github.com/coachpo/meltica-bybit/internal/domain/schema"
)

var _ orderstore.Store = (*OrderStore)(nil)

// OrderStore journals order transitions, fills and balance snapshots.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderUpsertSQL = `
INSERT INTO bybit_orders (
    provider,
    order_key,
    local_id,
    exchange_id,
    symbol,
    category,
    side,
    order_type,
    order_offset,
    price,
    quantity,
    traded,
    status,
    reject_reason,
    reference,
    created_at,
    updated_at
)
VALUES (
    @provider,
    @order_key,
    @local_id,
    @exchange_id,
    @symbol,
    @category,
    @side,
    @order_type,
    @order_offset,
    @price,
    @quantity,
    @traded,
    @status,
    @reject_reason,
    @reference,
    @created_at,
    @updated_at
)
ON CONFLICT (provider, order_key) DO UPDATE SET
    exchange_id = COALESCE(EXCLUDED.exchange_id, bybit_orders.exchange_id),
    traded = EXCLUDED.traded,
    status = EXCLUDED.status,
    reject_reason = COALESCE(EXCLUDED.reject_reason, bybit_orders.reject_reason),
    updated_at = EXCLUDED.updated_at
WHERE bybit_orders.updated_at <= EXCLUDED.updated_at;
`

	orderEventInsertSQL = `
INSERT INTO bybit_order_events (
    provider,
    order_key,
    status,
    traded,
    reject_reason,
    observed_at
)
VALUES (
    @provider,
    @order_key,
    @status,
    @traded,
    @reject_reason,
    @observed_at
);
`

	tradeUpsertSQL = `
INSERT INTO bybit_trades (
    provider,
    trade_id,
    local_id,
    exchange_id,
    symbol,
    category,
    side,
    price,
    quantity,
    fee,
    traded_at
)
VALUES (
    @provider,
    @trade_id,
    @local_id,
    @exchange_id,
    @symbol,
    @category,
    @side,
    @price,
    @quantity,
    @fee,
    @traded_at
)
ON CONFLICT (provider, trade_id) DO NOTHING;
`

	balanceUpsertSQL = `
INSERT INTO bybit_balances (
    provider,
    account_type,
    coin,
    balance,
    available,
    frozen,
    snapshot_at
)
VALUES (
    @provider,
    @account_type,
    @coin,
    @balance,
    @available,
    @frozen,
    @snapshot_at
)
ON CONFLICT (provider, account_type, coin, snapshot_at) DO UPDATE SET
    balance = EXCLUDED.balance,
    available = EXCLUDED.available,
    frozen = EXCLUDED.frozen;
`
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

// RecordOrder upserts the latest order snapshot and appends the transition to the order event log.
// Snapshots older than the stored row leave it untouched.
func (s *OrderStore) RecordOrder(ctx context.Context, provider string, order schema.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args, err := orderArgs(provider, order)
	if err != nil {
		return err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("order store: begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := recordOrderWith(ctx, tx, args); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("order store: commit transaction: %w", err)
	}
	return nil
}

func recordOrderWith(ctx context.Context, exec execer, args pgx.NamedArgs) error {
	if _, err := exec.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("order store: upsert order: %w", err)
	}
	event := pgx.NamedArgs{
		"provider":      args["provider"],
		"order_key":     args["order_key"],
		"status":        args["status"],
		"traded":        args["traded"],
		"reject_reason": args["reject_reason"],
		"observed_at":   args["updated_at"],
	}
	if _, err := exec.Exec(ctx, orderEventInsertSQL, event); err != nil {
		return fmt.Errorf("order store: insert order event: %w", err)
	}
	return nil
}

func orderArgs(provider string, order schema.Order) (pgx.NamedArgs, error) {
	key := strings.TrimSpace(order.Key())
	if key == "" {
		return nil, fmt.Errorf("order store: order identifier required")
	}
	quantity, err := numericFromString(order.Quantity)
	if err != nil {
		return nil, fmt.Errorf("order store: quantity: %w", err)
	}
	price, err := numericFromOptional(&order.Price)
	if err != nil {
		return nil, fmt.Errorf("order store: price: %w", err)
	}
	traded, err := numericFromOptional(&order.Traded)
	if err != nil {
		return nil, fmt.Errorf("order store: traded: %w", err)
	}
	updated := timestampOrNow(order.UpdatedAt)
	return pgx.NamedArgs{
		"provider":      strings.TrimSpace(provider),
		"order_key":     key,
		"local_id":      nullableString(order.LocalID),
		"exchange_id":   nullableString(order.ExchangeID),
		"symbol":        strings.TrimSpace(order.Symbol),
		"category":      string(order.Category),
		"side":          string(order.Side),
		"order_type":    string(order.Type),
		"order_offset":  nullableString(string(order.Offset)),
		"price":         price,
		"quantity":      quantity,
		"traded":        traded,
		"status":        string(order.Status),
		"reject_reason": nullableString(order.RejectReason),
		"reference":     nullableString(order.Reference),
		"created_at":    timestampOr(order.CreatedAt, updated),
		"updated_at":    updated,
	}, nil
}

// RecordTrade inserts a fill. Replayed fills with a known trade id are ignored.
func (s *OrderStore) RecordTrade(ctx context.Context, provider string, trade schema.Trade) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return recordTradeWith(ctx, pool, provider, trade)
}

func recordTradeWith(ctx context.Context, exec execer, provider string, trade schema.Trade) error {
	if strings.TrimSpace(trade.TradeID) == "" {
		return fmt.Errorf("order store: trade id required")
	}
	price, err := numericFromString(trade.Price)
	if err != nil {
		return fmt.Errorf("order store: trade price: %w", err)
	}
	quantity, err := numericFromString(trade.Quantity)
	if err != nil {
		return fmt.Errorf("order store: trade quantity: %w", err)
	}
	fee, err := numericFromOptional(&trade.Fee)
	if err != nil {
		return fmt.Errorf("order store: trade fee: %w", err)
	}
	args := pgx.NamedArgs{
		"provider":    strings.TrimSpace(provider),
		"trade_id":    strings.TrimSpace(trade.TradeID),
		"local_id":    nullableString(trade.LocalID),
		"exchange_id": strings.TrimSpace(trade.ExchangeID),
		"symbol":      strings.TrimSpace(trade.Symbol),
		"category":    string(trade.Category),
		"side":        string(trade.Side),
		"price":       price,
		"quantity":    quantity,
		"fee":         fee,
		"traded_at":   timestampOrNow(trade.Timestamp),
	}
	if _, err := exec.Exec(ctx, tradeUpsertSQL, args); err != nil {
		return fmt.Errorf("order store: insert trade: %w", err)
	}
	return nil
}

// RecordBalance stores one coin balance snapshot.
func (s *OrderStore) RecordBalance(ctx context.Context, provider string, balance schema.Balance) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return recordBalanceWith(ctx, pool, provider, balance)
}

func recordBalanceWith(ctx context.Context, exec execer, provider string, balance schema.Balance) error {
	coin := strings.TrimSpace(balance.Coin)
	if coin == "" {
		return fmt.Errorf("order store: balance coin required")
	}
	total, err := numericFromString(balance.Balance)
	if err != nil {
		return fmt.Errorf("order store: balance: %w", err)
	}
	available, err := numericFromString(balance.Available)
	if err != nil {
		return fmt.Errorf("order store: available: %w", err)
	}
	frozen, err := numericFromOptional(&balance.Frozen)
	if err != nil {
		return fmt.Errorf("order store: frozen: %w", err)
	}
	args := pgx.NamedArgs{
		"provider":     strings.TrimSpace(provider),
		"account_type": strings.TrimSpace(balance.AccountType),
		"coin":         coin,
		"balance":      total,
		"available":    available,
		"frozen":       frozen,
		"snapshot_at":  timestampOrNow(balance.Timestamp),
	}
	if _, err := exec.Exec(ctx, balanceUpsertSQL, args); err != nil {
		return fmt.Errorf("order store: upsert balance: %w", err)
	}
	return nil
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func timestampOrNow(ts time.Time) time.Time {
	return timestampOr(ts, time.Now().UTC())
}

func timestampOr(ts, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts.UTC()
}
