package bybit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-bybit/internal/domain/schema"
)

type memoryJournal struct {
	// delay slows every write down to simulate a lagging database.
	delay time.Duration

	mu       sync.Mutex
	orders   []schema.Order
	trades   []schema.Trade
	balances []schema.Balance
}

func (j *memoryJournal) RecordOrder(_ context.Context, _ string, order schema.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.orders = append(j.orders, order)
	return nil
}

func (j *memoryJournal) RecordTrade(_ context.Context, _ string, trade schema.Trade) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.trades = append(j.trades, trade)
	return nil
}

func (j *memoryJournal) RecordBalance(_ context.Context, _ string, balance schema.Balance) error {
	if j.delay > 0 {
		time.Sleep(j.delay)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.balances = append(j.balances, balance)
	return nil
}

func (j *memoryJournal) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j.mu.Lock()
		ok := cond()
		j.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("journal condition not met")
}

func TestJournalRecordsOrdersAndBalances(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/account/wallet-balance":
			writeEnvelope(t, w, 0, "OK", map[string]any{"list": []any{map[string]any{
				"accountType": "UNIFIED",
				"coin": []any{map[string]string{
					"coin":                "USDT",
					"walletBalance":       "100",
					"availableToWithdraw": "80",
				}},
			}}})
		case "/v5/order/create":
			writeEnvelope(t, w, 0, "OK", orderAck{OrderID: "ex-1"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	journal := &memoryJournal{}
	p, err := NewProvider(Options{
		Config:  Config{RESTURL: srv.URL, Credentials: testCreds, RequestsPerSecond: 1000, Burst: 100},
		Journal: journal,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.ctx, p.cancel = ctx, cancel
	p.started.Store(true)
	p.directory.Register(schema.Instrument{Symbol: "BTCUSDT", Category: schema.CategoryLinear, PriceTick: "0.1"})
	t.Cleanup(func() { _ = p.Close() })

	balances, err := p.QueryAccount(t.Context())
	if err != nil || len(balances) != 1 {
		t.Fatalf("query account: %v balances=%v", err, balances)
	}
	if balances[0].Frozen != "20" {
		t.Fatalf("unexpected frozen %s", balances[0].Frozen)
	}
	journal.waitFor(t, func() bool { return len(journal.balances) == 1 })

	if _, err := p.SendOrder(t.Context(), limitOrder()); err != nil {
		t.Fatalf("send order: %v", err)
	}
	journal.waitFor(t, func() bool { return len(journal.orders) == 2 })
	journal.mu.Lock()
	defer journal.mu.Unlock()
	statuses := map[schema.OrderStatus]bool{}
	for _, order := range journal.orders {
		statuses[order.Status] = true
	}
	if !statuses[schema.StatusPendingSubmit] || !statuses[schema.StatusNotTraded] {
		t.Fatalf("unexpected journalled statuses %v", statuses)
	}
}

func TestSlowJournalKeepsEveryBalance(t *testing.T) {
	journal := &memoryJournal{delay: time.Millisecond}
	p, err := NewProvider(Options{
		Config: Config{
			RESTURL:          "http://127.0.0.1:1",
			QueueSize:        4,
			JournalQueueSize: 4,
			EventBuffer:      1024,
		},
		Journal: journal,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.ctx, p.cancel = ctx, cancel
	p.started.Store(true)
	t.Cleanup(func() { _ = p.Close() })

	coins := make([]coinRecord, 0, 300)
	for i := 0; i < 300; i++ {
		coins = append(coins, coinRecord{Coin: fmt.Sprintf("C%03d", i), WalletBalance: "1", AvailableToWithdraw: "1"})
	}
	data, err := json.Marshal([]walletRecord{{AccountType: "UNIFIED", Coin: coins}})
	if err != nil {
		t.Fatalf("marshal wallet: %v", err)
	}
	if err := p.onWallet(t.Context(), wsFrame{Topic: "wallet", TS: 1700000000000, Data: data}); err != nil {
		t.Fatalf("wallet push: %v", err)
	}
	journal.waitFor(t, func() bool { return len(journal.balances) == 300 })

	select {
	case err := <-p.Errors():
		t.Fatalf("unexpected journal error: %v", err)
	default:
	}
}
