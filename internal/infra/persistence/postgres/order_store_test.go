package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/meltica-bybit/internal/domain/schema"
)

func sampleOrder() schema.Order {
	ts := time.UnixMilli(1700000000000).UTC()
	return schema.Order{
		LocalID:   "local-1",
		Symbol:    "BTCUSDT",
		Category:  schema.CategoryLinear,
		Side:      schema.SideBuy,
		Type:      schema.OrderTypeLimit,
		Price:     "30000.50",
		Quantity:  "0.010",
		Status:    schema.StatusPendingSubmit,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

func TestOrderStoreNilPool(t *testing.T) {
	store := NewOrderStore(nil)
	ctx := context.Background()
	if err := store.RecordOrder(ctx, "bybit", sampleOrder()); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	trade := schema.Trade{TradeID: "t-1", ExchangeID: "ex-1", Symbol: "BTCUSDT", Price: "1", Quantity: "1"}
	if err := store.RecordTrade(ctx, "bybit", trade); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.RecordBalance(ctx, "bybit", schema.Balance{Coin: "USDT", Balance: "1", Available: "1"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	var missing *OrderStore
	if err := missing.RecordOrder(ctx, "bybit", sampleOrder()); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestOrderArgs(t *testing.T) {
	order := sampleOrder()
	args, err := orderArgs(" bybit ", order)
	if err != nil {
		t.Fatalf("orderArgs: %v", err)
	}
	if args["order_key"] != "local-1" || args["provider"] != "bybit" {
		t.Fatalf("unexpected identity args %v", args)
	}
	if args["exchange_id"] != nil || args["reject_reason"] != nil {
		t.Fatalf("blank optional fields must be NULL: %v", args)
	}
	if got := args["updated_at"].(time.Time); !got.Equal(order.UpdatedAt) {
		t.Fatalf("updated_at = %s", got)
	}

	external := sampleOrder()
	external.LocalID = ""
	external.ExchangeID = "ex-9"
	external.CreatedAt = time.Time{}
	args, err = orderArgs("bybit", external)
	if err != nil || args["order_key"] != "ex-9" {
		t.Fatalf("external order keyed by exchange id, got %v err=%v", args, err)
	}
	if !args["created_at"].(time.Time).Equal(external.UpdatedAt) {
		t.Fatalf("created_at should fall back to updated_at")
	}

	anonymous := sampleOrder()
	anonymous.LocalID = ""
	if _, err := orderArgs("bybit", anonymous); err == nil {
		t.Fatalf("expected identifier error")
	}
	bad := sampleOrder()
	bad.Quantity = "abc"
	if _, err := orderArgs("bybit", bad); err == nil {
		t.Fatalf("expected quantity error")
	}
}

func TestNumericConversions(t *testing.T) {
	value, err := numericFromString(" 1.2300 ")
	if err != nil || !value.Valid {
		t.Fatalf("numericFromString: %+v err=%v", value, err)
	}
	if _, err := numericFromString(""); err == nil {
		t.Fatalf("expected error for blank required value")
	}
	blank := "  "
	value, err = numericFromOptional(&blank)
	if err != nil || value.Valid {
		t.Fatalf("blank optional should be NULL: %+v err=%v", value, err)
	}
	if value, err = numericFromOptional(nil); err != nil || value.Valid {
		t.Fatalf("nil optional should be NULL")
	}
	junk := "1e"
	if _, err := numericFromOptional(&junk); err == nil {
		t.Fatalf("expected parse error")
	}
}
