package bybit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coachpo/meltica-bybit/errs"
	"github.com/coachpo/meltica-bybit/internal/domain/schema"
)

func TestBuildInstrument(t *testing.T) {
	record := instrumentRecord{Symbol: "BTCUSDT", Status: "Trading", BaseCoin: "BTC", QuoteCoin: "USDT", SettleCoin: "USDT"}
	record.PriceFilter.TickSize = "0.10"
	record.LotSizeFilter.MinOrderQty = "0.001"
	record.LotSizeFilter.QtyStep = "0.001"
	inst, err := buildInstrument(schema.CategoryLinear, record)
	if err != nil {
		t.Fatalf("buildInstrument returned error: %v", err)
	}
	if inst.Product != schema.ProductSwap {
		t.Fatalf("unexpected product: %s", inst.Product)
	}
	if inst.PriceTick != "0.10" || inst.MinQuantity != "0.001" || inst.QtyStep != "0.001" {
		t.Fatalf("unexpected filters: %+v", inst)
	}

	record.Symbol = "BTCUSDT-27DEC24"
	inst, err = buildInstrument(schema.CategoryLinear, record)
	if err != nil || inst.Product != schema.ProductFutures {
		t.Fatalf("expected dated future, got %+v err=%v", inst, err)
	}

	spot := instrumentRecord{Symbol: "ETHUSDT", Status: "Trading"}
	spot.PriceFilter.TickSize = "0.01"
	spot.LotSizeFilter.BasePrecision = "0.0001"
	inst, err = buildInstrument(schema.CategorySpot, spot)
	if err != nil || inst.Product != schema.ProductSpot || inst.QtyStep != "0.0001" {
		t.Fatalf("unexpected spot instrument %+v err=%v", inst, err)
	}
}

func TestBuildOptionInstrument(t *testing.T) {
	record := instrumentRecord{
		Symbol:       "BTC-29MAR24-60000-C",
		Status:       "Trading",
		OptionsType:  "Call",
		LaunchTime:   "1700000000000",
		DeliveryTime: "1711699200000",
	}
	record.PriceFilter.TickSize = "5"
	inst, err := buildInstrument(schema.CategoryOption, record)
	if err != nil {
		t.Fatalf("buildInstrument returned error: %v", err)
	}
	if inst.Strike != "60000" || inst.Underlying != "BTC-29MAR24" || inst.Portfolio != "BTC" {
		t.Fatalf("unexpected option fields %+v", inst)
	}
	if inst.OptionType != schema.OptionTypeCall || inst.Product != schema.ProductOption {
		t.Fatalf("unexpected option type %+v", inst)
	}
	if !inst.Expiry.Equal(time.UnixMilli(1711699200000).UTC()) || inst.Listed.IsZero() {
		t.Fatalf("unexpected option dates %+v", inst)
	}
}

func TestBuildInstrumentRejects(t *testing.T) {
	closed := instrumentRecord{Symbol: "OLDUSDT", Status: "Closed"}
	closed.PriceFilter.TickSize = "0.1"
	if _, err := buildInstrument(schema.CategorySpot, closed); err == nil {
		t.Fatalf("expected non-trading instrument to be skipped")
	}
	if _, err := buildInstrument(schema.CategorySpot, instrumentRecord{Symbol: "X", Status: "Trading"}); err == nil {
		t.Fatalf("expected missing tick size to fail")
	}
	option := instrumentRecord{Symbol: "BTC-29MAR24", Status: "Trading", OptionsType: "Put"}
	option.PriceFilter.TickSize = "5"
	if _, err := buildInstrument(schema.CategoryOption, option); err == nil {
		t.Fatalf("expected malformed option symbol to fail")
	}
}

func TestFetchInstrumentsFollowsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record := func(symbol string) map[string]any {
			return map[string]any{
				"symbol":        symbol,
				"status":        "Trading",
				"priceFilter":   map[string]string{"tickSize": "0.01"},
				"lotSizeFilter": map[string]string{"minOrderQty": "0.1", "basePrecision": "0.1"},
			}
		}
		if r.URL.Query().Get("cursor") == "" {
			writeEnvelope(t, w, 0, "OK", map[string]any{"list": []any{record("AAAUSDT")}, "nextPageCursor": "page2"})
			return
		}
		writeEnvelope(t, w, 0, "OK", map[string]any{"list": []any{record("BBBUSDT")}, "nextPageCursor": ""})
	}))
	defer srv.Close()
	p := newHistoryProvider(t, srv.URL)

	instruments, err := p.rest.fetchInstruments(t.Context(), schema.CategorySpot)
	if err != nil {
		t.Fatalf("fetch instruments: %v", err)
	}
	if len(instruments) != 2 || instruments[1].Symbol != "BBBUSDT" {
		t.Fatalf("unexpected instruments %+v", instruments)
	}
}

func TestSyncServerTimeStoresOffset(t *testing.T) {
	local := time.UnixMilli(1700000000000).UTC()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, 0, "OK", serverTimeResult{TimeSecond: "1700000005", TimeNano: "1700000005000000000"})
	}))
	defer srv.Close()
	p, err := NewProvider(Options{
		Config: Config{RESTURL: srv.URL},
		Clock:  func() time.Time { return local },
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	defer p.Close()

	if err := p.rest.syncServerTime(t.Context()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := p.rest.now(); !got.Equal(local.Add(5 * time.Second)) {
		t.Fatalf("offset clock = %s, want %s", got, local.Add(5*time.Second))
	}
}

func TestCallClassifiesFailures(t *testing.T) {
	status := http.StatusForbidden
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "denied", status)
			return
		}
		writeEnvelope(t, w, 10006, "Too many visits", nil)
	}))
	defer srv.Close()
	p := newHistoryProvider(t, srv.URL)

	_, err := p.rest.call(t.Context(), http.MethodGet, "/v5/market/time", nil, false, nil)
	if !errs.HasCode(err, errs.CodeAuth) {
		t.Fatalf("expected auth error for 403, got %v", err)
	}
	status = http.StatusOK
	_, err = p.rest.call(t.Context(), http.MethodGet, "/v5/market/time", nil, false, nil)
	if !errs.HasCode(err, errs.CodeRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if _, err := p.rest.call(t.Context(), http.MethodGet, "/v5/order/realtime", nil, true, nil); !errs.HasCode(err, errs.CodeAuth) {
		t.Fatalf("expected signing without credentials to fail, got %v", err)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := map[string]schema.OrderStatus{
		"Created":                 schema.StatusNotTraded,
		"New":                     schema.StatusNotTraded,
		"Untriggered":             schema.StatusNotTraded,
		"PartiallyFilled":         schema.StatusPartiallyTraded,
		"Filled":                  schema.StatusAllTraded,
		"Cancelled":               schema.StatusCancelled,
		"PartiallyFilledCanceled": schema.StatusCancelled,
		"Deactivated":             schema.StatusCancelled,
		"Rejected":                schema.StatusRejected,
	}
	for input, want := range cases {
		got, ok := statusFromBybit(input)
		if !ok || got != want {
			t.Fatalf("statusFromBybit(%q) = %s, %v", input, got, ok)
		}
	}
	if _, ok := statusFromBybit("Triggered?"); ok {
		t.Fatalf("unknown status must not map")
	}
	if got, _ := bybitInterval(schema.IntervalDaily); got != "D" {
		t.Fatalf("daily interval = %s", got)
	}
	if offsetFromReduceOnly(true) != schema.OffsetClose || offsetFromReduceOnly(false) != schema.OffsetOpen {
		t.Fatalf("unexpected offset mapping")
	}
	if coins := settleCoins(schema.CategoryLinear); len(coins) != 2 {
		t.Fatalf("linear settle coins = %v", coins)
	}
}
