package bybit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/meltica-bybit/config"
	"github.com/coachpo/meltica-bybit/errs"
	"github.com/coachpo/meltica-bybit/internal/domain/schema"
)

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type serverTimeResult struct {
	TimeSecond string `json:"timeSecond"`
	TimeNano   string `json:"timeNano"`
}

type pagedResult[T any] struct {
	Category       string `json:"category"`
	List           []T    `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

type instrumentRecord struct {
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	BaseCoin      string `json:"baseCoin"`
	QuoteCoin     string `json:"quoteCoin"`
	SettleCoin    string `json:"settleCoin"`
	OptionsType   string `json:"optionsType"`
	LaunchTime    string `json:"launchTime"`
	DeliveryTime  string `json:"deliveryTime"`
	PriceFilter   struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		MinOrderQty   string `json:"minOrderQty"`
		QtyStep       string `json:"qtyStep"`
		BasePrecision string `json:"basePrecision"`
	} `json:"lotSizeFilter"`
}

// orderRecord is shared by the open-order query and the private order topic.
type orderRecord struct {
	Category     string `json:"category"`
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	OrderStatus  string `json:"orderStatus"`
	ReduceOnly   bool   `json:"reduceOnly"`
	RejectReason string `json:"rejectReason"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

type walletRecord struct {
	AccountType string       `json:"accountType"`
	Coin        []coinRecord `json:"coin"`
}

type coinRecord struct {
	Coin                string `json:"coin"`
	WalletBalance       string `json:"walletBalance"`
	AvailableToWithdraw string `json:"availableToWithdraw"`
	Locked              string `json:"locked"`
}

// positionRecord is shared by the position query and the private position topic.
type positionRecord struct {
	Category      string `json:"category"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	EntryPrice    string `json:"entryPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	PositionIdx   int    `json:"positionIdx"`
	UpdatedTime   string `json:"updatedTime"`
}

type orderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type klineResult struct {
	Category string     `json:"category"`
	Symbol   string     `json:"symbol"`
	List     [][]string `json:"list"`
}

// restClient performs rate limited, optionally signed calls against the v5 REST surface.
type restClient struct {
	opts    Options
	limiter *rate.Limiter
	metrics *providerMetrics

	clientOnce sync.Once
	client     *http.Client

	credsMu sync.RWMutex
	creds   config.Credentials

	// offset is server time minus local time in milliseconds, measured once per start.
	offset atomic.Int64
}

func newRESTClient(opts Options, metrics *providerMetrics) *restClient {
	c := &restClient{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.Config.RequestsPerSecond), opts.Config.Burst),
		metrics: metrics,
		creds:   opts.Config.Credentials,
	}
	if opts.HTTPClient != nil {
		c.client = opts.HTTPClient
	}
	return c
}

func (c *restClient) httpClient() *http.Client {
	c.clientOnce.Do(func() {
		if c.client == nil {
			c.client = &http.Client{Timeout: c.opts.Config.HTTPTimeout}
		}
	})
	return c.client
}

func (c *restClient) credentials() config.Credentials {
	c.credsMu.RLock()
	defer c.credsMu.RUnlock()
	return c.creds
}

func (c *restClient) setCredentials(creds config.Credentials) {
	c.credsMu.Lock()
	c.creds = creds
	c.credsMu.Unlock()
}

// now returns the offset adjusted clock used for signing.
func (c *restClient) now() time.Time {
	return c.opts.Clock().Add(time.Duration(c.offset.Load()) * time.Millisecond)
}

// syncServerTime measures the offset against the venue clock using the request midpoint.
func (c *restClient) syncServerTime(ctx context.Context) error {
	sent := c.opts.Clock()
	var result serverTimeResult
	env, err := c.call(ctx, http.MethodGet, c.opts.privateMeta.serverTimePath, nil, false, &result)
	if err != nil {
		return err
	}
	received := c.opts.Clock()
	serverMs := env.Time
	if nanos, perr := strconv.ParseInt(strings.TrimSpace(result.TimeNano), 10, 64); perr == nil && nanos > 0 {
		serverMs = nanos / int64(time.Millisecond)
	}
	if serverMs <= 0 {
		return errs.New(exchangeName, errs.CodeExchange, errs.WithMessage("server time missing"))
	}
	local := sent.Add(received.Sub(sent) / 2).UnixMilli()
	c.offset.Store(serverMs - local)
	return nil
}

func (c *restClient) fetchInstruments(ctx context.Context, category schema.Category) ([]schema.Instrument, error) {
	var out []schema.Instrument
	cursor := ""
	for {
		params := map[string]any{
			"category": string(category),
			"limit":    c.opts.privateMeta.instrumentsLimit,
		}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var page pagedResult[instrumentRecord]
		if _, err := c.call(ctx, http.MethodGet, c.opts.privateMeta.instrumentsPath, params, false, &page); err != nil {
			return out, err
		}
		for _, record := range page.List {
			inst, err := buildInstrument(category, record)
			if err != nil {
				continue
			}
			out = append(out, inst)
		}
		cursor = strings.TrimSpace(page.NextPageCursor)
		if cursor == "" || len(page.List) == 0 {
			return out, nil
		}
	}
}

func buildInstrument(category schema.Category, record instrumentRecord) (schema.Instrument, error) {
	symbol := strings.TrimSpace(record.Symbol)
	if symbol == "" {
		return schema.Instrument{}, errors.New("bybit: instrument symbol empty")
	}
	if status := strings.TrimSpace(record.Status); status != "" && status != "Trading" {
		return schema.Instrument{}, fmt.Errorf("bybit: instrument %s not trading (%s)", symbol, status)
	}
	tick := strings.TrimSpace(record.PriceFilter.TickSize)
	if _, ok := parseDecimal(tick); !ok {
		return schema.Instrument{}, fmt.Errorf("bybit: instrument %s tick size %q invalid", symbol, tick)
	}
	step := defaultIfEmpty(record.LotSizeFilter.QtyStep, record.LotSizeFilter.BasePrecision)
	inst := schema.Instrument{
		Symbol:      symbol,
		Category:    category,
		Product:     productFor(category, symbol),
		BaseCoin:    strings.TrimSpace(record.BaseCoin),
		QuoteCoin:   strings.TrimSpace(record.QuoteCoin),
		SettleCoin:  strings.TrimSpace(record.SettleCoin),
		PriceTick:   tick,
		MinQuantity: strings.TrimSpace(record.LotSizeFilter.MinOrderQty),
		QtyStep:     strings.TrimSpace(step),
	}
	if category != schema.CategoryOption {
		return inst, nil
	}
	parts := strings.Split(symbol, "-")
	if len(parts) < 3 {
		return schema.Instrument{}, fmt.Errorf("bybit: option symbol %s malformed", symbol)
	}
	optType, err := optionTypeFromBybit(record.OptionsType)
	if err != nil {
		return schema.Instrument{}, err
	}
	inst.Strike = parts[2]
	inst.Underlying = strings.Join(parts[:2], "-")
	inst.Portfolio = parts[0]
	inst.OptionType = optType
	inst.Listed = parseMillis(record.LaunchTime)
	inst.Expiry = parseMillis(record.DeliveryTime)
	return inst, nil
}

func (c *restClient) fetchOpenOrders(ctx context.Context, category schema.Category, settleCoin string) ([]orderRecord, error) {
	var out []orderRecord
	cursor := ""
	for {
		params := map[string]any{
			"category": string(category),
			"openOnly": 0,
			"limit":    c.opts.privateMeta.openOrdersLimit,
		}
		if settleCoin != "" {
			params["settleCoin"] = settleCoin
		}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var page pagedResult[orderRecord]
		if _, err := c.call(ctx, http.MethodGet, c.opts.privateMeta.openOrdersPath, params, true, &page); err != nil {
			return out, err
		}
		for i := range page.List {
			if page.List[i].Category == "" {
				page.List[i].Category = string(category)
			}
		}
		out = append(out, page.List...)
		cursor = strings.TrimSpace(page.NextPageCursor)
		if cursor == "" || len(page.List) == 0 {
			return out, nil
		}
	}
}

func (c *restClient) fetchWallet(ctx context.Context) ([]walletRecord, error) {
	params := map[string]any{"accountType": c.opts.privateMeta.accountType}
	var page pagedResult[walletRecord]
	if _, err := c.call(ctx, http.MethodGet, c.opts.privateMeta.walletPath, params, true, &page); err != nil {
		return nil, err
	}
	return page.List, nil
}

func (c *restClient) fetchPositions(ctx context.Context, category schema.Category, settleCoin string) ([]positionRecord, error) {
	params := map[string]any{"category": string(category)}
	if settleCoin != "" {
		params["settleCoin"] = settleCoin
	}
	var page pagedResult[positionRecord]
	if _, err := c.call(ctx, http.MethodGet, c.opts.privateMeta.positionsPath, params, true, &page); err != nil {
		return nil, err
	}
	for i := range page.List {
		if page.List[i].Category == "" {
			page.List[i].Category = string(category)
		}
	}
	return page.List, nil
}

func (c *restClient) createOrder(ctx context.Context, params map[string]any) (orderAck, error) {
	var ack orderAck
	_, err := c.call(ctx, http.MethodPost, c.opts.privateMeta.orderCreatePath, params, true, &ack)
	return ack, err
}

func (c *restClient) cancelOrder(ctx context.Context, params map[string]any) (orderAck, error) {
	var ack orderAck
	_, err := c.call(ctx, http.MethodPost, c.opts.privateMeta.orderCancelPath, params, true, &ack)
	return ack, err
}

func (c *restClient) fetchKlines(ctx context.Context, params map[string]any) ([][]string, error) {
	var result klineResult
	if _, err := c.call(ctx, http.MethodGet, c.opts.privateMeta.klinePath, params, false, &result); err != nil {
		return nil, err
	}
	return result.List, nil
}

// call executes one request and decodes the result field into out.
// Transport failures carry errs.CodeNetwork; non-zero retCodes go through errs.FromRetCode.
func (c *restClient) call(ctx context.Context, method, path string, params map[string]any, signed bool, out any) (envelope, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.opts.restEndpoint(path)
	if endpoint == "" {
		return envelope{}, errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("rest endpoint not configured"))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return envelope{}, errs.New(exchangeName, errs.CodeNetwork, errs.WithMessage("rate limiter wait"), errs.WithCause(err))
	}

	var (
		query   string
		body    []byte
		headers http.Header
	)
	if signed {
		req, err := Sign(method, params, c.credentials(), c.opts.Config.RecvWindow, c.now())
		if err != nil {
			return envelope{}, errs.New(exchangeName, errs.CodeAuth, errs.WithMessage("sign request"), errs.WithCause(err))
		}
		query, body, headers = req.Query, req.Body, req.Headers
	} else if method == http.MethodGet {
		query = encodeQuery(params)
	} else {
		encoded, err := encodeBody(params)
		if err != nil {
			return envelope{}, errs.New(exchangeName, errs.CodeInvalid, errs.WithCause(err))
		}
		body = encoded
	}
	if query != "" {
		endpoint += "?" + query
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return envelope{}, errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("create request"), errs.WithCause(err))
	}
	for key, values := range headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		c.metrics.recordREST(ctx, path, time.Since(started), false)
		return envelope{}, errs.New(exchangeName, errs.CodeNetwork, errs.WithMessage(method+" "+path), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		c.metrics.recordREST(ctx, path, time.Since(started), false)
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		code := errs.CodeExchange
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			code = errs.CodeAuth
		case http.StatusTooManyRequests:
			code = errs.CodeRateLimited
		}
		return envelope{}, errs.New(exchangeName, code,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(method+" "+path),
			errs.WithRawMessage(strings.TrimSpace(string(snippet))))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		c.metrics.recordREST(ctx, path, time.Since(started), false)
		return envelope{}, errs.New(exchangeName, errs.CodeExchange, errs.WithMessage("decode "+path), errs.WithCause(err))
	}
	if env.RetCode != 0 {
		c.metrics.recordREST(ctx, path, time.Since(started), false)
		return env, errs.FromRetCode(exchangeName, env.RetCode, env.RetMsg, errs.WithMessage(method+" "+path))
	}
	c.metrics.recordREST(ctx, path, time.Since(started), true)
	if out != nil && len(env.Result) > 0 && !bytes.Equal(env.Result, []byte("null")) {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return env, errs.New(exchangeName, errs.CodeExchange, errs.WithMessage("decode result "+path), errs.WithCause(err))
		}
	}
	return env, nil
}
