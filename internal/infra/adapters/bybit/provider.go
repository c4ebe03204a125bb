package bybit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/meltica-bybit/config"
	"github.com/coachpo/meltica-bybit/errs"
	"github.com/coachpo/meltica-bybit/internal/domain/orderstore"
	"github.com/coachpo/meltica-bybit/internal/domain/schema"
	"github.com/coachpo/meltica-bybit/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-bybit/internal/numeric"
	"github.com/coachpo/meltica-bybit/internal/observability"
	"github.com/coachpo/meltica-bybit/lib/async"
)

const exchangeName = "bybit"

// Provider implements the Bybit v5 adapter: discovery, market data, order entry and
// account state over one REST client and a set of websocket sessions.
type Provider struct {
	name  string
	opts  Options
	clock func() time.Time

	events chan *schema.Event
	errs   chan error

	// emitMu guards publishing against Close; closed is only written under the write lock.
	emitMu sync.RWMutex
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	started   atomic.Bool
	closeOnce sync.Once

	publisher *shared.Publisher
	metrics   *providerMetrics
	rest      *restClient
	directory *Directory
	books     *BookAggregator
	tickers   *TickerAggregator
	tracker   *Tracker
	sessions  *sessionManager
	pool      *async.Pool
	journal   orderstore.Store

	// journalPool has one worker so writes reach the store in emission order.
	journalPool *async.Pool
}

// NewProvider constructs a Bybit provider. Nothing touches the network until Start.
func NewProvider(opts Options) (*Provider, error) {
	opts = withDefaults(opts)
	p := &Provider{
		name:      opts.Config.Name,
		opts:      opts,
		clock:     opts.Clock,
		events:    make(chan *schema.Event, opts.Config.EventBuffer),
		errs:      make(chan error, defaultErrorBuffer),
		directory: NewDirectory(),
		books:     NewBookAggregator(),
		tickers:   NewTickerAggregator(),
		tracker:   NewTracker(opts.Clock),
		journal:   opts.Journal,
	}
	p.metrics = newProviderMetrics(p.name)
	p.publisher = shared.NewPublisher(p.name, p.events, p.clock)
	p.rest = newRESTClient(opts, p.metrics)

	pool, err := async.NewPool(opts.Config.Workers, opts.Config.QueueSize, async.WithErrorHandler(p.reportError))
	if err != nil {
		return nil, err
	}
	p.pool = pool
	if p.journal != nil {
		journalPool, err := async.NewPool(1, opts.Config.JournalQueueSize, async.WithErrorHandler(p.reportError))
		if err != nil {
			pool.Close()
			return nil, err
		}
		p.journalPool = journalPool
	}

	p.sessions = newSessionManager(opts, sessionDeps{
		directory: p.directory,
		books:     p.books,
		tickers:   p.tickers,
		handlers:  p.handlers(),
		metrics:   p.metrics,
		report:    p.reportError,
		clock:     p.rest.now,
	})
	return p, nil
}

// Name returns the configured provider name.
func (p *Provider) Name() string { return p.name }

// Events exposes the normalised event stream. It is closed by Close.
func (p *Provider) Events() <-chan *schema.Event { return p.events }

// Errors exposes asynchronous failures. Sends never block; errors are dropped when full.
func (p *Provider) Errors() <-chan error { return p.errs }

// Instrument returns the discovered metadata for symbol.
func (p *Provider) Instrument(symbol string) (schema.Instrument, bool) {
	return p.directory.Instrument(symbol)
}

// Start syncs the server clock, discovers every category and opens the sessions.
// With credentials configured it also loads the wallet, positions and open orders.
func (p *Provider) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("bybit provider requires context")
	}
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("bybit provider already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.ctx = runCtx
	p.cancel = cancel
	p.sessions.start(runCtx)

	if err := p.rest.syncServerTime(runCtx); err != nil {
		observability.Log().Error("bybit server time sync failed; signing with local clock", observability.Err(err))
		p.reportError(err)
	}

	if err := p.discover(runCtx); err != nil {
		p.sessions.stop()
		cancel()
		p.started.Store(false)
		return err
	}
	p.sessions.activate()

	if p.rest.credentials().Configured() {
		p.loadAccountState(runCtx)
	}
	observability.Log().Info("bybit provider started",
		observability.F("provider", p.name), observability.F("instruments", p.directory.Len()))
	return nil
}

// discover registers every trading instrument. Categories are walked in a fixed order and a
// symbol listed in several categories keeps the last one.
func (p *Provider) discover(ctx context.Context) error {
	var failures []error
	for _, category := range schema.Categories() {
		instruments, err := p.rest.fetchInstruments(ctx, category)
		if err != nil {
			failures = append(failures, err)
			p.reportError(err)
		}
		for _, inst := range instruments {
			p.directory.Register(inst)
			p.emit(func(ctx context.Context) bool { return p.publisher.PublishInstrument(ctx, inst) })
		}
		observability.Log().Info("bybit instruments loaded",
			observability.F("category", string(category)), observability.F("count", len(instruments)))
	}
	if p.directory.Len() == 0 {
		if err := observability.AggregateErrors("bybit discovery", failures); err != nil {
			return err
		}
		return errs.New(exchangeName, errs.CodeExchange, errs.WithMessage("no instruments discovered"))
	}
	return nil
}

func (p *Provider) loadAccountState(ctx context.Context) {
	if _, err := p.QueryAccount(ctx); err != nil {
		p.reportError(err)
	}
	if _, err := p.QueryPosition(ctx); err != nil {
		p.reportError(err)
	}
	if _, err := p.QueryOpenOrders(ctx); err != nil {
		p.reportError(err)
	}
}

// Subscribe requests ticker and order book streams for symbol. Unknown symbols are queued
// until discovery learns their category.
func (p *Provider) Subscribe(symbol string) error {
	queued, err := p.sessions.subscribe(symbol)
	if err != nil {
		return err
	}
	if queued {
		observability.Log().Debug("bybit subscription pending", observability.F("symbol", symbol))
	}
	return nil
}

// SendOrder validates req, records it as PendingSubmit and dispatches the submission on the
// worker pool. The returned local id is also the venue orderLinkId.
func (p *Provider) SendOrder(ctx context.Context, req schema.OrderRequest) (string, error) {
	if err := p.ensureRunning(); err != nil {
		return "", err
	}
	req.Symbol = strings.TrimSpace(req.Symbol)
	inst, ok := p.directory.Instrument(req.Symbol)
	if !ok {
		return "", errs.New(exchangeName, errs.CodeInvalid,
			errs.WithMessage("unknown symbol "+req.Symbol),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	params, err := orderParams(inst, req)
	if err != nil {
		return "", err
	}
	if !p.rest.credentials().Configured() {
		return "", errs.New(exchangeName, errs.CodeAuth,
			errs.WithMessage("trading disabled: api credentials missing"),
			errs.WithCanonicalCode(errs.CanonicalAuthFailed))
	}

	req.Quantity = numeric.Canonical(req.Quantity)
	req.Price = numeric.Canonical(req.Price)
	localID := uuid.NewString()
	order, err := p.tracker.Create(localID, req, inst.Category)
	if err != nil {
		return "", err
	}
	params["orderLinkId"] = localID
	p.emitOrder(order)

	submitted := p.clock()
	task := func(taskCtx context.Context) error {
		p.submitOrder(taskCtx, order, params, submitted)
		return nil
	}
	if err := p.pool.Submit(context.WithoutCancel(p.ctx), task); err != nil {
		if rejected, changed := p.tracker.Reject(localID, "dispatch failed: "+err.Error(), time.Time{}); changed {
			p.emitOrder(rejected)
		}
		return localID, err
	}
	return localID, nil
}

// orderParams validates req against the instrument and builds the create-order body.
func orderParams(inst schema.Instrument, req schema.OrderRequest) (map[string]any, error) {
	invalid := func(msg string) error {
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage(msg), errs.WithVenueField("symbol", inst.Symbol))
	}
	side, err := bybitSide(req.Side)
	if err != nil {
		return nil, invalid(err.Error())
	}
	orderType, err := bybitOrderType(req.Type)
	if err != nil {
		return nil, invalid(err.Error())
	}
	qty, ok := parseDecimal(req.Quantity)
	if !ok || qty.Sign() <= 0 {
		return nil, invalid("quantity must be positive")
	}
	params := map[string]any{
		"category":  string(inst.Category),
		"symbol":    inst.Symbol,
		"side":      side,
		"orderType": orderType,
		"qty":       req.Quantity,
	}
	if req.Type == schema.OrderTypeLimit {
		price, ok := parseDecimal(req.Price)
		if !ok || price.Sign() <= 0 {
			return nil, invalid("limit order requires a positive price")
		}
		params["price"] = req.Price
	}
	// Spot has no reduce-only flag.
	if inst.Category != schema.CategorySpot {
		switch req.Offset {
		case schema.OffsetClose:
			params["reduceOnly"] = true
		case schema.OffsetOpen:
			params["reduceOnly"] = false
		}
	}
	return params, nil
}

func (p *Provider) submitOrder(ctx context.Context, order schema.Order, params map[string]any, submitted time.Time) {
	ack, err := p.rest.createOrder(ctx, params)
	if err != nil {
		if rejected, changed := p.tracker.Reject(order.LocalID, rejectReason(err), p.clock().UTC()); changed {
			p.emitOrder(rejected)
		}
		p.reportError(err)
		return
	}
	p.metrics.recordOrderAck(ctx, order.Symbol, p.clock().Sub(submitted))
	acked, changed, err := p.tracker.Acknowledge(order.LocalID, ack.OrderID, p.clock().UTC())
	if err != nil {
		p.reportError(err)
		return
	}
	if changed {
		p.emitOrder(acked)
	}
}

func rejectReason(err error) string {
	var e *errs.E
	if errors.As(err, &e) {
		switch {
		case e.RawMsg != "":
			return e.RawMsg
		case e.Message != "":
			return e.Message
		}
	}
	return err.Error()
}

// CancelOrder asks the venue to cancel by local or exchange id. The resulting state arrives
// on the order stream.
func (p *Provider) CancelOrder(ctx context.Context, req schema.CancelRequest) error {
	if err := p.ensureRunning(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = p.ctx
	}
	id := strings.TrimSpace(req.OrderID)
	if id == "" {
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	if !p.rest.credentials().Configured() {
		return errs.New(exchangeName, errs.CodeAuth, errs.WithMessage("trading disabled: api credentials missing"))
	}
	params := make(map[string]any, 3)
	if order, ok := p.tracker.Lookup(id); ok {
		if order.Status.Final() {
			return errs.New(exchangeName, errs.CodeInvalid,
				errs.WithMessage("order already "+string(order.Status)),
				errs.WithVenueField("order", id))
		}
		params["category"] = string(order.Category)
		params["symbol"] = order.Symbol
		if order.LocalID != "" {
			params["orderLinkId"] = order.LocalID
		} else {
			params["orderId"] = order.ExchangeID
		}
	} else {
		symbol := strings.TrimSpace(req.Symbol)
		category, known := p.directory.CategoryOf(symbol)
		if !known {
			return errs.New(exchangeName, errs.CodeNotFound,
				errs.WithMessage("order not tracked and symbol unknown"),
				errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
				errs.WithVenueField("order", id))
		}
		params["category"] = string(category)
		params["symbol"] = symbol
		params["orderId"] = id
	}
	_, err := p.rest.cancelOrder(ctx, params)
	return err
}

// QueryAccount loads the unified wallet and emits one balance per coin.
func (p *Provider) QueryAccount(ctx context.Context) ([]schema.Balance, error) {
	records, err := p.rest.fetchWallet(ctx)
	if err != nil {
		return nil, err
	}
	ts := p.clock().UTC()
	var out []schema.Balance
	for _, record := range records {
		for _, bal := range balancesFromWallet(record, ts) {
			p.emitBalance(bal)
			out = append(out, bal)
		}
	}
	return out, nil
}

// QueryPosition loads open derivative positions; flat positions are skipped.
func (p *Provider) QueryPosition(ctx context.Context) ([]schema.Position, error) {
	var (
		out      []schema.Position
		failures []error
	)
	now := p.clock().UTC()
	for _, category := range schema.Categories() {
		if category == schema.CategorySpot {
			continue
		}
		for _, coin := range settleCoins(category) {
			records, err := p.rest.fetchPositions(ctx, category, coin)
			if err != nil {
				failures = append(failures, err)
				continue
			}
			for _, record := range records {
				if size, ok := parseDecimal(record.Size); !ok || size.IsZero() {
					continue
				}
				pos := p.positionFromRecord(record, now)
				p.publishPosition(pos)
				out = append(out, pos)
			}
		}
	}
	return out, observability.AggregateErrors("bybit query positions", failures)
}

// QueryOpenOrders indexes every open order, including ones placed outside this session.
func (p *Provider) QueryOpenOrders(ctx context.Context) ([]schema.Order, error) {
	var (
		out      []schema.Order
		failures []error
	)
	for _, category := range schema.Categories() {
		for _, coin := range settleCoins(category) {
			records, err := p.rest.fetchOpenOrders(ctx, category, coin)
			if err != nil {
				failures = append(failures, err)
				continue
			}
			for _, record := range records {
				p.applyOrderRecord(record)
				if order, ok := p.tracker.Resolve(record.OrderLinkID, record.OrderID); ok {
					out = append(out, order)
				}
			}
		}
	}
	return out, observability.AggregateErrors("bybit query open orders", failures)
}

// Reconnect installs new credentials and restarts the private session, lifting an auth halt.
func (p *Provider) Reconnect(creds config.Credentials) error {
	if err := p.ensureRunning(); err != nil {
		return err
	}
	if !creds.Configured() {
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("credentials required"))
	}
	p.rest.setCredentials(creds)
	p.sessions.reconnectPrivate(creds)
	return nil
}

// Close stops the sessions, drains the worker pool and closes both channels.
func (p *Provider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.sessions.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), p.opts.Config.HTTPTimeout)
		defer cancel()
		var failures []error
		failures = append(failures, p.pool.Shutdown(shutdownCtx))
		if p.journalPool != nil {
			// Order dispatch above may still have queued journal writes.
			failures = append(failures, p.journalPool.Shutdown(shutdownCtx))
		}
		err = errors.Join(failures...)

		p.emitMu.Lock()
		p.closed = true
		close(p.events)
		close(p.errs)
		p.emitMu.Unlock()

		p.tracker.Reset()
		p.tickers.Reset()
		p.directory.Reset()
		observability.Log().Info("bybit provider closed", observability.F("provider", p.name))
	})
	return err
}

func (p *Provider) ensureRunning() error {
	if !p.started.Load() || p.ctx == nil {
		return errs.New(exchangeName, errs.CodeUnavailable, errs.WithMessage("provider not started"))
	}
	if p.ctx.Err() != nil {
		return errs.New(exchangeName, errs.CodeUnavailable, errs.WithMessage("provider stopped"))
	}
	return nil
}

// emit runs fn unless the provider has closed its channels.
func (p *Provider) emit(fn func(ctx context.Context) bool) bool {
	p.emitMu.RLock()
	defer p.emitMu.RUnlock()
	if p.closed {
		return false
	}
	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx)
}

func (p *Provider) publishTick(tick schema.TickSnapshot) {
	if p.emit(func(ctx context.Context) bool { return p.publisher.PublishTick(ctx, tick) }) {
		p.metrics.recordEvent(p.ctx, schema.EventTypeTick, tick.Symbol)
	}
}

func (p *Provider) publishPosition(pos schema.Position) {
	if p.emit(func(ctx context.Context) bool { return p.publisher.PublishPosition(ctx, pos) }) {
		p.metrics.recordEvent(p.ctx, schema.EventTypePosition, pos.Symbol)
	}
}

func (p *Provider) emitOrder(order schema.Order) {
	p.metrics.recordOrder(p.ctx, order)
	if p.emit(func(ctx context.Context) bool { return p.publisher.PublishOrder(ctx, order) }) {
		p.metrics.recordEvent(p.ctx, schema.EventTypeOrder, order.Symbol)
	}
	p.record(func(ctx context.Context, store orderstore.Store) error {
		return store.RecordOrder(ctx, p.name, order)
	})
}

func (p *Provider) emitTrade(trade schema.Trade) {
	if p.emit(func(ctx context.Context) bool { return p.publisher.PublishTrade(ctx, trade) }) {
		p.metrics.recordEvent(p.ctx, schema.EventTypeTrade, trade.Symbol)
	}
	p.record(func(ctx context.Context, store orderstore.Store) error {
		return store.RecordTrade(ctx, p.name, trade)
	})
}

func (p *Provider) emitBalance(bal schema.Balance) {
	if p.emit(func(ctx context.Context) bool { return p.publisher.PublishBalance(ctx, bal) }) {
		p.metrics.recordEvent(p.ctx, schema.EventTypeBalance, bal.Coin)
	}
	p.record(func(ctx context.Context, store orderstore.Store) error {
		return store.RecordBalance(ctx, p.name, bal)
	})
}

// record appends to the journal on its own worker, detached from session shutdown. A full
// queue makes the caller wait up to the write timeout instead of dropping the write.
func (p *Provider) record(write func(ctx context.Context, store orderstore.Store) error) {
	if p.journal == nil || p.journalPool == nil {
		return
	}
	base := p.ctx
	if base == nil {
		base = context.Background()
	}
	store := p.journal
	timeout := p.opts.Config.HTTPTimeout
	waitCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := p.journalPool.SubmitWait(waitCtx, context.WithoutCancel(base), func(ctx context.Context) error {
		writeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return write(writeCtx, store)
	})
	if err != nil {
		p.reportError(err)
	}
}

// reportError logs err and offers it to the error channel without blocking.
func (p *Provider) reportError(err error) {
	if err == nil {
		return
	}
	observability.Log().Error("bybit adapter error", observability.F("provider", p.name), observability.Err(err))
	p.metrics.recordVenueError(p.ctx, err)
	p.emitMu.RLock()
	defer p.emitMu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.errs <- err:
	default:
	}
}
