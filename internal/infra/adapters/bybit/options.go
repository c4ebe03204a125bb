package bybit

import (
	"net/http"
	"strings"
	"time"

	"github.com/coachpo/meltica-bybit/config"
	"github.com/coachpo/meltica-bybit/internal/domain/orderstore"
	"github.com/coachpo/meltica-bybit/internal/domain/schema"
)

type publicMetadata struct {
	identifier  string
	displayName string
	venue       string
	description string
}

type privateMetadata struct {
	serverTimePath   string
	instrumentsPath  string
	openOrdersPath   string
	walletPath       string
	positionsPath    string
	orderCreatePath  string
	orderCancelPath  string
	klinePath        string
	accountType      string
	instrumentsLimit int
	openOrdersLimit  int
	klineLimit       int
}

var bybitPublicMetadata = publicMetadata{
	identifier:  "bybit",
	displayName: "Bybit",
	venue:       "BYBIT",
	description: "Bybit v5 unified market data and trading adapter",
}

var bybitPrivateMetadata = privateMetadata{
	serverTimePath:   "/v5/market/time",
	instrumentsPath:  "/v5/market/instruments-info",
	openOrdersPath:   "/v5/order/realtime",
	walletPath:       "/v5/account/wallet-balance",
	positionsPath:    "/v5/position/list",
	orderCreatePath:  "/v5/order/create",
	orderCancelPath:  "/v5/order/cancel",
	klinePath:        "/v5/market/kline",
	accountType:      "UNIFIED",
	instrumentsLimit: 1000,
	openOrdersLimit:  50,
	klineLimit:       200,
}

const (
	defaultHTTPTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultRecvWindow       = 5 * time.Second
	defaultRequestsPerSec   = 10
	defaultBurst            = 10
	defaultWorkers          = 4
	defaultQueueSize        = 256
	defaultJournalQueueSize = 1024
	defaultEventBuffer      = 2048
	defaultErrorBuffer      = 32
	defaultTickDepth        = 5
)

// Config captures user-overridable Bybit settings.
type Config struct {
	Name              string
	Environment       string
	RESTURL           string
	PublicWSURL       string
	PrivateWSURL      string
	Credentials       config.Credentials
	RecvWindow        time.Duration
	HTTPTimeout       time.Duration
	HandshakeTimeout  time.Duration
	RequestsPerSecond float64
	Burst             int
	Depth             map[schema.Category]int
	TickDepth         int
	Workers           int
	QueueSize         int
	EventBuffer       int

	// JournalQueueSize bounds journal writes waiting for the single journal worker.
	JournalQueueSize int
}

// ConfigFromSettings derives the adapter config from the resolved connection settings.
func ConfigFromSettings(env config.Environment, es config.ExchangeSettings) Config {
	return Config{
		Environment:      string(env),
		RESTURL:          es.REST[config.BybitRESTSurfaceAPI],
		PublicWSURL:      es.Websocket.PublicURL,
		PrivateWSURL:     es.Websocket.PrivateURL,
		Credentials:      es.Credentials,
		RecvWindow:       es.RecvWindow,
		HTTPTimeout:      es.HTTPTimeout,
		HandshakeTimeout: es.HandshakeTimeout,
	}
}

// Options configure the Bybit adapter.
type Options struct {
	Config Config
	// Journal receives order transitions and fills when set.
	Journal orderstore.Store
	// HTTPClient overrides the lazily built client; used by tests.
	HTTPClient *http.Client
	// Clock overrides time.Now.
	Clock func() time.Time

	publicMeta  publicMetadata
	privateMeta privateMetadata
}

func withDefaults(in Options) Options {
	in.publicMeta = bybitPublicMetadata
	in.privateMeta = bybitPrivateMetadata
	cfg := &in.Config
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = in.publicMeta.identifier
	}
	if def, ok := config.DefaultExchangeSettings(config.ExchangeBybit); ok {
		if strings.TrimSpace(cfg.RESTURL) == "" {
			cfg.RESTURL = def.REST[config.BybitRESTSurfaceAPI]
		}
		if strings.TrimSpace(cfg.PublicWSURL) == "" {
			cfg.PublicWSURL = def.Websocket.PublicURL
		}
		if strings.TrimSpace(cfg.PrivateWSURL) == "" {
			cfg.PrivateWSURL = def.Websocket.PrivateURL
		}
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = defaultRecvWindow
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	depth := make(map[schema.Category]int, 4)
	for name, n := range config.DefaultDepths() {
		depth[schema.Category(name)] = n
	}
	for category, n := range cfg.Depth {
		if n > 0 {
			depth[category] = n
		}
	}
	cfg.Depth = depth
	if cfg.TickDepth <= 0 {
		cfg.TickDepth = defaultTickDepth
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.JournalQueueSize <= 0 {
		cfg.JournalQueueSize = defaultJournalQueueSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if in.Clock == nil {
		in.Clock = time.Now
	}
	return in
}

func (o Options) restEndpoint(path string) string {
	base := strings.TrimSuffix(strings.TrimSpace(o.Config.RESTURL), "/")
	if base == "" {
		return ""
	}
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return base
	}
	if strings.HasPrefix(trimmed, "/") {
		return base + trimmed
	}
	return base + "/" + trimmed
}

// publicWebsocketURL appends the category segment to the public base URL.
func (o Options) publicWebsocketURL(category schema.Category) string {
	base := strings.TrimSuffix(strings.TrimSpace(o.Config.PublicWSURL), "/")
	if base == "" {
		return ""
	}
	return base + "/" + string(category)
}

func (o Options) privateWebsocketURL() string {
	return strings.TrimSpace(o.Config.PrivateWSURL)
}

// depthFor returns the single order book depth used for both first subscription and replay.
func (o Options) depthFor(category schema.Category) int {
	if n, ok := o.Config.Depth[category]; ok && n > 0 {
		return n
	}
	return 50
}
