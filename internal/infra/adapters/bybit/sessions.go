package bybit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/meltica-bybit/config"
	"github.com/coachpo/meltica-bybit/errs"
	"github.com/coachpo/meltica-bybit/internal/domain/schema"
	"github.com/coachpo/meltica-bybit/internal/infra/adapters/shared"
	"github.com/coachpo/meltica-bybit/internal/observability"
)

const authTTL = 30 * time.Second

var privateTopics = []string{"order", "execution", "position", "wallet"}

type marketHandler func(ctx context.Context, category schema.Category, symbol string, frame wsFrame) error

type accountHandler func(ctx context.Context, frame wsFrame) error

// streamHandlers are the per-topic consumers the manager routes frames to.
type streamHandlers struct {
	ticker    marketHandler
	book      marketHandler
	order     accountHandler
	execution accountHandler
	position  accountHandler
	wallet    accountHandler
}

type routeFunc func(ctx context.Context, frame wsFrame) error

// sessionManager owns one public session per category and the private session.
// It keeps the subscription registry, replays it on every connect and routes frames by topic.
type sessionManager struct {
	opts      Options
	directory *Directory
	registry  *shared.SubscriptionRegistry
	books     *BookAggregator
	tickers   *TickerAggregator
	handlers  streamHandlers
	metrics   *providerMetrics
	report    func(error)
	clock     func() time.Time

	credsMu sync.RWMutex
	creds   config.Credentials

	routesMu sync.RWMutex
	routes   map[string]routeFunc

	mu      sync.Mutex
	ctx     context.Context
	public  map[schema.Category]*wsSession
	private *wsSession
	wg      conc.WaitGroup

	// discovered is set once discovery closes; queued requests materialise from then on.
	discovered    atomic.Bool
	authenticated atomic.Bool
	authHalted    atomic.Bool
}

type sessionDeps struct {
	directory *Directory
	books     *BookAggregator
	tickers   *TickerAggregator
	handlers  streamHandlers
	metrics   *providerMetrics
	report    func(error)
	clock     func() time.Time
}

func newSessionManager(opts Options, deps sessionDeps) *sessionManager {
	if deps.report == nil {
		deps.report = func(error) {}
	}
	if deps.clock == nil {
		deps.clock = time.Now
	}
	m := &sessionManager{
		opts:      opts,
		directory: deps.directory,
		registry:  shared.NewSubscriptionRegistry(),
		books:     deps.books,
		tickers:   deps.tickers,
		handlers:  deps.handlers,
		metrics:   deps.metrics,
		report:    deps.report,
		clock:     deps.clock,
		creds:     opts.Config.Credentials,
		routes:    make(map[string]routeFunc),
		public:    make(map[schema.Category]*wsSession),
	}
	m.registerPrivateRoutes()
	deps.directory.OnRegister(m.onInstrument)
	return m
}

// start binds the manager to ctx. Sessions open lazily once discovery has closed.
func (m *sessionManager) start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
}

// activate marks discovery closed, opens the public sessions that have requests and
// the private session when credentials are configured.
func (m *sessionManager) activate() {
	m.discovered.Store(true)
	for _, category := range schema.Categories() {
		if reqs := m.registry.ForCategory(category); len(reqs) > 0 {
			for _, req := range reqs {
				m.prepareMarket(req.Symbol, req.Category)
			}
			m.ensurePublic(category)
		}
	}
	for _, req := range m.registry.Pending() {
		observability.Log().Info("bybit subscription waiting for category", observability.F("symbol", req.Symbol))
	}
	m.startPrivate()
}

// stop closes every session and waits for their loops to exit.
func (m *sessionManager) stop() {
	m.mu.Lock()
	sessions := make([]*wsSession, 0, len(m.public)+1)
	for _, s := range m.public {
		sessions = append(sessions, s)
	}
	if m.private != nil {
		sessions = append(sessions, m.private)
	}
	m.public = make(map[schema.Category]*wsSession)
	m.private = nil
	m.ctx = nil
	m.mu.Unlock()
	for _, s := range sessions {
		s.stop()
	}
	m.wg.Wait()
	m.authenticated.Store(false)
}

// subscribe records symbol in the registry. It reports whether the request had to be
// queued because the symbol's category is not known yet.
func (m *sessionManager) subscribe(symbol string) (bool, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return false, errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	category, known := m.directory.CategoryOf(symbol)
	req := shared.SubscriptionRequest{Symbol: symbol, Category: category, RequestedAt: m.clock().UTC()}
	if !m.registry.Add(req) {
		existing, _ := m.registry.Get(symbol)
		return existing.Pending(), nil
	}
	if !known {
		observability.Log().Info("bybit subscription queued", observability.F("symbol", symbol))
		return true, nil
	}
	m.materialise(req)
	return false, nil
}

// onInstrument binds queued requests as the directory learns categories.
func (m *sessionManager) onInstrument(inst schema.Instrument) {
	req, changed := m.registry.Resolve(inst.Symbol, inst.Category)
	if !changed || !m.discovered.Load() {
		return
	}
	m.materialise(req)
}

func (m *sessionManager) materialise(req shared.SubscriptionRequest) {
	if req.Pending() || !m.discovered.Load() {
		return
	}
	m.prepareMarket(req.Symbol, req.Category)
	s := m.ensurePublic(req.Category)
	if s == nil {
		return
	}
	if err := s.subscribe(s.ctx, m.marketTopics(req.Symbol, req.Category)); err != nil {
		m.report(err)
	}
}

func (m *sessionManager) prepareMarket(symbol string, category schema.Category) {
	m.registerMarketRoutes(symbol, category)
	if m.tickers != nil {
		m.tickers.Track(symbol, category)
	}
}

func (m *sessionManager) ensurePublic(category schema.Category) *wsSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return nil
	}
	if s, ok := m.public[category]; ok {
		return s
	}
	url := m.opts.publicWebsocketURL(category)
	if url == "" {
		m.report(errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("public websocket url not configured")))
		return nil
	}
	name := "public." + string(category)
	s := newWSSession(m.ctx, name, url, m.opts.Config.HandshakeTimeout, sessionHooks{
		onConnect: func(ctx context.Context, s *wsSession) error {
			return m.replayPublic(ctx, s, category)
		},
		onFrame: m.route,
		onOp:    m.handleOp,
		onError: m.report,
	}, newStreamMetrics(m.opts.Config.Name, name))
	m.public[category] = s
	m.wg.Go(s.run)
	return s
}

// replayPublic resets the books of the category and resubscribes every bound request.
func (m *sessionManager) replayPublic(ctx context.Context, s *wsSession, category schema.Category) error {
	reqs := m.registry.ForCategory(category)
	if len(reqs) == 0 {
		return nil
	}
	symbols := make([]string, 0, len(reqs))
	topics := make([]string, 0, 2*len(reqs))
	for _, req := range reqs {
		m.prepareMarket(req.Symbol, category)
		symbols = append(symbols, req.Symbol)
		topics = append(topics, m.marketTopics(req.Symbol, category)...)
	}
	if m.books != nil {
		m.books.Reset(symbols...)
	}
	observability.Log().Info("bybit replaying subscriptions",
		observability.F("session", s.name), observability.F("symbols", len(symbols)))
	return s.subscribe(ctx, topics)
}

func (m *sessionManager) startPrivate() {
	if !m.credentials().Configured() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.private != nil {
		return
	}
	url := m.opts.privateWebsocketURL()
	if url == "" {
		m.report(errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("private websocket url not configured")))
		return
	}
	s := newWSSession(m.ctx, "private", url, m.opts.Config.HandshakeTimeout, sessionHooks{
		onConnect: m.authenticate,
		onFrame:   m.route,
		onOp:      m.handleOp,
		onError:   m.report,
	}, newStreamMetrics(m.opts.Config.Name, "private"))
	m.private = s
	m.wg.Go(s.run)
}

// authenticate sends the auth op. Topics are subscribed once the venue confirms it.
func (m *sessionManager) authenticate(ctx context.Context, s *wsSession) error {
	m.authenticated.Store(false)
	if m.authHalted.Load() {
		observability.Log().Error("bybit private session halted after auth failure; reconnect with new credentials")
		return nil
	}
	args := SignAuth(m.credentials(), m.clock().Add(authTTL))
	_, err := s.sendOp(ctx, "auth", args)
	return err
}

// reconnectPrivate replaces the credentials, lifts an auth halt and restarts the private session.
func (m *sessionManager) reconnectPrivate(creds config.Credentials) {
	m.credsMu.Lock()
	m.creds = creds
	m.credsMu.Unlock()
	m.authHalted.Store(false)

	m.mu.Lock()
	old := m.private
	m.private = nil
	m.mu.Unlock()
	if old != nil {
		old.stop()
	}
	m.startPrivate()
}

func (m *sessionManager) credentials() config.Credentials {
	m.credsMu.RLock()
	defer m.credsMu.RUnlock()
	return m.creds
}

func (m *sessionManager) handleOp(ctx context.Context, s *wsSession, frame wsFrame) {
	switch frame.Op {
	case "auth":
		if !frame.succeeded() {
			m.authHalted.Store(true)
			m.report(errs.New(exchangeName, errs.CodeAuth,
				errs.WithMessage("private websocket authentication failed"),
				errs.WithCanonicalCode(errs.CanonicalAuthFailed),
				errs.WithRawMessage(frame.RetMsg)))
			return
		}
		m.authenticated.Store(true)
		observability.Log().Info("bybit private session authenticated", observability.F("conn_id", frame.ConnID))
		if err := s.subscribe(ctx, privateTopics); err != nil {
			m.report(err)
		}
	case "subscribe":
		rejected := s.settleSubscription(frame.ReqID, frame.succeeded())
		if !frame.succeeded() {
			m.report(errs.New(exchangeName, errs.CodeExchange,
				errs.WithMessage("subscription rejected"),
				errs.WithRawMessage(frame.RetMsg),
				errs.WithVenueField("session", s.name),
				errs.WithVenueField("req_id", frame.ReqID),
				errs.WithVenueField("topics", strings.Join(rejected, ","))))
		}
	case "ping", "pong":
	default:
		observability.Log().Debug("bybit unhandled op response", observability.F("session", s.name), observability.F("op", frame.Op))
	}
}

// route hands a topic frame to its single registered handler. Unknown topics are
// reported as contract violations and the frame is dropped.
func (m *sessionManager) route(ctx context.Context, s *wsSession, frame wsFrame) {
	m.routesMu.RLock()
	handler, ok := m.routes[frame.Topic]
	m.routesMu.RUnlock()
	if !ok {
		err := errs.New(exchangeName, errs.CodeContract,
			errs.WithMessage("frame for unregistered topic"),
			errs.WithVenueField("topic", frame.Topic),
			errs.WithVenueField("session", s.name))
		observability.Log().Error("bybit unregistered topic", observability.F("topic", frame.Topic), observability.F("session", s.name))
		m.report(err)
		return
	}
	m.metrics.recordFrame(ctx, s.name, topicFamily(frame.Topic))
	if err := handler(ctx, frame); err != nil {
		m.report(err)
	}
}

func (m *sessionManager) registerMarketRoutes(symbol string, category schema.Category) {
	tickerTopic, bookTopic := m.tickerTopic(symbol), m.bookTopic(symbol, category)
	m.routesMu.Lock()
	defer m.routesMu.Unlock()
	if m.handlers.ticker != nil {
		m.routes[tickerTopic] = func(ctx context.Context, frame wsFrame) error {
			return m.handlers.ticker(ctx, category, symbol, frame)
		}
	}
	if m.handlers.book != nil {
		m.routes[bookTopic] = func(ctx context.Context, frame wsFrame) error {
			return m.handlers.book(ctx, category, symbol, frame)
		}
	}
}

func (m *sessionManager) registerPrivateRoutes() {
	handlers := map[string]accountHandler{
		"order":     m.handlers.order,
		"execution": m.handlers.execution,
		"position":  m.handlers.position,
		"wallet":    m.handlers.wallet,
	}
	m.routesMu.Lock()
	defer m.routesMu.Unlock()
	for topic, handler := range handlers {
		if handler != nil {
			m.routes[topic] = routeFunc(handler)
		}
	}
}

func (m *sessionManager) marketTopics(symbol string, category schema.Category) []string {
	return []string{m.tickerTopic(symbol), m.bookTopic(symbol, category)}
}

func (m *sessionManager) tickerTopic(symbol string) string {
	return "tickers." + symbol
}

func (m *sessionManager) bookTopic(symbol string, category schema.Category) string {
	return "orderbook." + strconv.Itoa(m.opts.depthFor(category)) + "." + symbol
}

func topicFamily(topic string) string {
	if idx := strings.IndexByte(topic, '.'); idx > 0 {
		return topic[:idx]
	}
	return topic
}
