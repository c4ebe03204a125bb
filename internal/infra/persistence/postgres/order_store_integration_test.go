package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	dbmigrations "github.com/coachpo/meltica-bybit/db/migrations"
	"github.com/coachpo/meltica-bybit/internal/domain/schema"
	"github.com/coachpo/meltica-bybit/internal/infra/persistence/migrations"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "bybit"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/bybit?sslmode=disable", host, port.Port())
	if err := migrations.Apply(ctx, dsn, migrations.Source{FS: dbmigrations.Files}, nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgx pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestOrderStoreJournal(t *testing.T) {
	pool := startPostgres(t)
	store := NewOrderStore(pool)
	ctx := context.Background()

	order := sampleOrder()
	if err := store.RecordOrder(ctx, "bybit", order); err != nil {
		t.Fatalf("record pending: %v", err)
	}
	acked := order
	acked.ExchangeID = "ex-1"
	acked.Status = schema.StatusNotTraded
	acked.UpdatedAt = order.UpdatedAt.Add(time.Second)
	if err := store.RecordOrder(ctx, "bybit", acked); err != nil {
		t.Fatalf("record ack: %v", err)
	}
	// An older snapshot must not roll the row back.
	if err := store.RecordOrder(ctx, "bybit", order); err != nil {
		t.Fatalf("record stale: %v", err)
	}

	var status, exchangeID string
	if err := pool.QueryRow(ctx, `SELECT status, exchange_id FROM bybit_orders WHERE provider = 'bybit' AND order_key = 'local-1'`).Scan(&status, &exchangeID); err != nil {
		t.Fatalf("select order: %v", err)
	}
	if status != string(schema.StatusNotTraded) || exchangeID != "ex-1" {
		t.Fatalf("unexpected row status=%s exchange_id=%s", status, exchangeID)
	}
	var events int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM bybit_order_events WHERE order_key = 'local-1'`).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 3 {
		t.Fatalf("expected 3 order events, got %d", events)
	}

	trade := schema.Trade{
		TradeID:    "t-1",
		LocalID:    "local-1",
		ExchangeID: "ex-1",
		Symbol:     "BTCUSDT",
		Category:   schema.CategoryLinear,
		Side:       schema.SideBuy,
		Price:      "30000.5",
		Quantity:   "0.01",
		Timestamp:  acked.UpdatedAt,
	}
	for i := 0; i < 2; i++ {
		if err := store.RecordTrade(ctx, "bybit", trade); err != nil {
			t.Fatalf("record trade: %v", err)
		}
	}
	var trades int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM bybit_trades`).Scan(&trades); err != nil {
		t.Fatalf("count trades: %v", err)
	}
	if trades != 1 {
		t.Fatalf("replayed trade duplicated: %d rows", trades)
	}

	balance := schema.Balance{AccountType: "UNIFIED", Coin: "USDT", Balance: "100", Available: "80", Frozen: "20", Timestamp: acked.UpdatedAt}
	if err := store.RecordBalance(ctx, "bybit", balance); err != nil {
		t.Fatalf("record balance: %v", err)
	}
	balance.Available = "90"
	balance.Frozen = "10"
	if err := store.RecordBalance(ctx, "bybit", balance); err != nil {
		t.Fatalf("update balance: %v", err)
	}
	var available string
	if err := pool.QueryRow(ctx, `SELECT available::text FROM bybit_balances WHERE coin = 'USDT'`).Scan(&available); err != nil {
		t.Fatalf("select balance: %v", err)
	}
	if available != "90.000000000000000000" {
		t.Fatalf("unexpected available %s", available)
	}
}
