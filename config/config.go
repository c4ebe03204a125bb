// Package config centralises runtime configuration helpers for the Bybit gateway.
package config

import (
	"os"
	"strings"
	"time"
)

// Environment identifies the runtime environment where the gateway operates.
type Environment string

// Exchange names a supported exchange integration.
type Exchange string

// Server selects the venue deployment (production or sandbox).
type Server string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const (
	// ServerMainnet targets the production venue.
	ServerMainnet Server = "mainnet"
	// ServerTestnet targets the venue sandbox.
	ServerTestnet Server = "testnet"
)

const (
	// ExchangeBybit represents the Bybit integration key.
	ExchangeBybit Exchange = "bybit"
	// BybitRESTSurfaceAPI identifies the unified v5 REST surface.
	BybitRESTSurfaceAPI string = "api"
)

const (
	bybitMainnetREST      = "https://api.bybit.com"
	bybitTestnetREST      = "https://api-testnet.bybit.com"
	bybitMainnetPublicWS  = "wss://stream.bybit.com/v5/public"
	bybitMainnetPrivateWS = "wss://stream.bybit.com/v5/private"
	bybitTestnetPublicWS  = "wss://stream-testnet.bybit.com/v5/public"
	bybitTestnetPrivateWS = "wss://stream-testnet.bybit.com/v5/private"
)

// Credentials captures API credentials used for authenticated requests.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Configured reports whether both halves of the key pair are present.
func (c Credentials) Configured() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.APISecret) != ""
}

// WebsocketSettings configures websocket endpoints per exchange.
// PublicURL is a base; the market category is appended as the final path segment.
type WebsocketSettings struct {
	PublicURL  string
	PrivateURL string
}

// ExchangeSettings aggregates transport and credential configuration.
type ExchangeSettings struct {
	Server           Server
	REST             map[string]string
	Websocket        WebsocketSettings
	Credentials      Credentials
	RecvWindow       time.Duration
	HTTPTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// Settings contains the configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment
	Exchanges   map[Exchange]ExchangeSettings
}

// Default returns the default configuration, targeting Bybit mainnet.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Exchanges: map[Exchange]ExchangeSettings{
			ExchangeBybit: bybitDefaults(ServerMainnet),
		},
	}
}

func bybitDefaults(server Server) ExchangeSettings {
	es := ExchangeSettings{
		Server: ServerMainnet,
		REST: map[string]string{
			BybitRESTSurfaceAPI: bybitMainnetREST,
		},
		Websocket: WebsocketSettings{
			PublicURL:  bybitMainnetPublicWS,
			PrivateURL: bybitMainnetPrivateWS,
		},
		RecvWindow:       5 * time.Second,
		HTTPTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
	if server == ServerTestnet {
		es.Server = ServerTestnet
		es.REST[BybitRESTSurfaceAPI] = bybitTestnetREST
		es.Websocket = WebsocketSettings{
			PublicURL:  bybitTestnetPublicWS,
			PrivateURL: bybitTestnetPrivateWS,
		}
	}
	return es
}

// ParseServer normalises a server name; anything other than testnet resolves to mainnet.
func ParseServer(raw string) Server {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ServerTestnet), "test", "sandbox":
		return ServerTestnet
	default:
		return ServerMainnet
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("MELTICA_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}

	bybit := cfg.Exchanges[ExchangeBybit]
	if v := strings.TrimSpace(os.Getenv("BYBIT_SERVER")); v != "" {
		bybit = bybitDefaults(ParseServer(v))
	}
	if v := strings.TrimSpace(os.Getenv("BYBIT_REST_URL")); v != "" {
		bybit.REST[BybitRESTSurfaceAPI] = v
	}
	if v := strings.TrimSpace(os.Getenv("BYBIT_WS_PUBLIC_URL")); v != "" {
		bybit.Websocket.PublicURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BYBIT_WS_PRIVATE_URL")); v != "" {
		bybit.Websocket.PrivateURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BYBIT_RECV_WINDOW")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			bybit.RecvWindow = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("BYBIT_HTTP_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			bybit.HTTPTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("BYBIT_WS_HANDSHAKE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			bybit.HandshakeTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("BYBIT_API_KEY")); v != "" {
		bybit.Credentials.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("BYBIT_API_SECRET")); v != "" {
		bybit.Credentials.APISecret = v
	}

	cfg.Exchanges[ExchangeBybit] = bybit
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// Exchange returns the exchange-specific configuration if present.
func (s Settings) Exchange(name Exchange) (ExchangeSettings, bool) {
	if len(s.Exchanges) == 0 {
		return emptyExchangeSettings(), false
	}
	cfg, ok := s.Exchanges[Exchange(normalizeExchangeName(string(name)))]
	if !ok {
		return emptyExchangeSettings(), false
	}
	return cloneExchangeSettings(cfg), true
}

// DefaultExchangeSettings exposes the default configuration snapshot for an exchange.
func DefaultExchangeSettings(name Exchange) (ExchangeSettings, bool) {
	return Default().Exchange(name)
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithBybitServer resets Bybit endpoints to the selected deployment, keeping credentials and timeouts.
func WithBybitServer(server Server) Option {
	return mutateExchangeOption(string(ExchangeBybit), func(es *ExchangeSettings) {
		def := bybitDefaults(server)
		es.Server = def.Server
		es.REST[BybitRESTSurfaceAPI] = def.REST[BybitRESTSurfaceAPI]
		es.Websocket = def.Websocket
	})
}

// WithExchangeRESTEndpoint overrides the REST endpoint for the given exchange surface.
func WithExchangeRESTEndpoint(exchange, surface, baseURL string) Option {
	surface = strings.TrimSpace(surface)
	baseURL = strings.TrimSpace(baseURL)
	return mutateExchangeOption(exchange, func(es *ExchangeSettings) {
		if surface == "" || baseURL == "" {
			return
		}
		es.REST[surface] = baseURL
	})
}

// WithExchangeWebsocketEndpoints overrides websocket endpoints and handshake timeout.
func WithExchangeWebsocketEndpoints(exchange, public, private string, handshake time.Duration) Option {
	public = strings.TrimSpace(public)
	private = strings.TrimSpace(private)
	return mutateExchangeOption(exchange, func(es *ExchangeSettings) {
		if public != "" {
			es.Websocket.PublicURL = public
		}
		if private != "" {
			es.Websocket.PrivateURL = private
		}
		if handshake > 0 {
			es.HandshakeTimeout = handshake
		}
	})
}

// WithExchangeHTTPTimeout overrides the HTTP timeout for the given exchange.
func WithExchangeHTTPTimeout(exchange string, timeout time.Duration) Option {
	return mutateExchangeOption(exchange, func(es *ExchangeSettings) {
		if timeout > 0 {
			es.HTTPTimeout = timeout
		}
	})
}

// WithExchangeRecvWindow overrides the signed request receive window.
func WithExchangeRecvWindow(exchange string, window time.Duration) Option {
	return mutateExchangeOption(exchange, func(es *ExchangeSettings) {
		if window > 0 {
			es.RecvWindow = window
		}
	})
}

// WithExchangeCredentials overrides the API credentials for the given exchange.
func WithExchangeCredentials(exchange, key, secret string) Option {
	key = strings.TrimSpace(key)
	secret = strings.TrimSpace(secret)
	return mutateExchangeOption(exchange, func(es *ExchangeSettings) {
		if key != "" {
			es.Credentials.APIKey = key
		}
		if secret != "" {
			es.Credentials.APISecret = secret
		}
	})
}

// WithBybitAPI configures Bybit API credentials.
func WithBybitAPI(key, secret string) Option {
	return WithExchangeCredentials(string(ExchangeBybit), key, secret)
}

func mutateExchangeOption(exchange string, fn func(*ExchangeSettings)) Option {
	key := Exchange(normalizeExchangeName(exchange))
	if string(key) == "" || fn == nil {
		return func(*Settings) {}
	}
	return func(s *Settings) {
		if s.Exchanges == nil {
			s.Exchanges = make(map[Exchange]ExchangeSettings)
		}
		cfg, ok := s.Exchanges[key]
		if !ok {
			cfg = emptyExchangeSettings()
		}
		cfg = cloneExchangeSettings(cfg)
		fn(&cfg)
		s.Exchanges[key] = cfg
	}
}

func (s Settings) clone() Settings {
	return Settings{
		Environment: s.Environment,
		Exchanges:   cloneExchangeSettingsMap(s.Exchanges),
	}
}

func cloneExchangeSettingsMap(src map[Exchange]ExchangeSettings) map[Exchange]ExchangeSettings {
	out := make(map[Exchange]ExchangeSettings, len(src))
	for k, v := range src {
		out[k] = cloneExchangeSettings(v)
	}
	return out
}

func cloneExchangeSettings(cfg ExchangeSettings) ExchangeSettings {
	out := cfg
	out.REST = make(map[string]string, len(cfg.REST))
	for k, v := range cfg.REST {
		out.REST[k] = v
	}
	return out
}

func emptyExchangeSettings() ExchangeSettings {
	return ExchangeSettings{
		REST: make(map[string]string),
	}
}

func normalizeExchangeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
