package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultAppConfigPath = "config/app.yaml"

// AppConfig captures the gateway application configuration tree.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Bybit       BybitConfig     `yaml:"bybit"`
	Dispatch    DispatchConfig  `yaml:"dispatch"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Journal     JournalConfig   `yaml:"journal"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// BybitConfig declares venue connectivity settings.
type BybitConfig struct {
	Server           string         `yaml:"server"`
	RESTURL          string         `yaml:"restUrl"`
	PublicWSURL      string         `yaml:"publicWsUrl"`
	PrivateWSURL     string         `yaml:"privateWsUrl"`
	RecvWindow       time.Duration  `yaml:"recvWindow"`
	HTTPTimeout      time.Duration  `yaml:"httpTimeout"`
	HandshakeTimeout time.Duration  `yaml:"handshakeTimeout"`
	RateLimit        RateLimit      `yaml:"rateLimit"`
	Depth            map[string]int `yaml:"depth"`
	Subscriptions    []string       `yaml:"subscriptions"`
}

// RateLimit configures the outbound REST token bucket.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// DispatchConfig sizes the outbound REST worker pool.
type DispatchConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queueSize"`
	EventBuf  int `yaml:"eventBuffer"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// JournalConfig enables the Postgres order journal when DSN is set.
type JournalConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
	// QueueSize bounds pending journal writes; zero keeps the adapter default.
	QueueSize int `yaml:"queueSize"`
}

// LoggingConfig selects the log level of the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultAppConfig returns the configuration used when no file is present.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Environment: EnvProd,
		Bybit: BybitConfig{
			RecvWindow:       5 * time.Second,
			HTTPTimeout:      10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			RateLimit:        RateLimit{RequestsPerSecond: 10, Burst: 10},
			Depth:            DefaultDepths(),
		},
		Dispatch: DispatchConfig{Workers: 4, QueueSize: 256, EventBuf: 1024},
		Telemetry: TelemetryConfig{
			ServiceName:    "meltica-bybit",
			MetricInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// DefaultDepths returns the order book depth per market category.
// The same depth is used for the first subscription and every replay.
func DefaultDepths() map[string]int {
	return map[string]int{
		"spot":    50,
		"linear":  50,
		"inverse": 50,
		"option":  25,
	}
}

// LoadOrDefault loads the YAML document at path, MELTICA_CONFIG or config/app.yaml.
// A missing file yields the defaults; a malformed one is an error.
func LoadOrDefault(ctx context.Context, path string) (AppConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("MELTICA_CONFIG"))
	}
	if path == "" {
		path = defaultAppConfigPath
	}

	reader, closer, err := openAppFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultAppConfig()
			return cfg, cfg.Validate(ctx)
		}
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read app config: %w", err)
	}
	cfg := DefaultAppConfig()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal app config: %w", err)
	}
	cfg.Normalise()
	if err := cfg.Validate(ctx); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Normalise fills zero values with defaults and canonicalises free-form strings.
func (c *AppConfig) Normalise() {
	def := DefaultAppConfig()
	if c.Environment == "" {
		c.Environment = def.Environment
	}
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if strings.TrimSpace(c.Bybit.Server) != "" {
		c.Bybit.Server = string(ParseServer(c.Bybit.Server))
	}
	if c.Bybit.RecvWindow <= 0 {
		c.Bybit.RecvWindow = def.Bybit.RecvWindow
	}
	if c.Bybit.HTTPTimeout <= 0 {
		c.Bybit.HTTPTimeout = def.Bybit.HTTPTimeout
	}
	if c.Bybit.HandshakeTimeout <= 0 {
		c.Bybit.HandshakeTimeout = def.Bybit.HandshakeTimeout
	}
	if c.Bybit.RateLimit.RequestsPerSecond <= 0 {
		c.Bybit.RateLimit = def.Bybit.RateLimit
	}
	if c.Bybit.RateLimit.Burst <= 0 {
		c.Bybit.RateLimit.Burst = 1
	}
	depth := DefaultDepths()
	for category, n := range c.Bybit.Depth {
		key := strings.ToLower(strings.TrimSpace(category))
		if n > 0 {
			depth[key] = n
		}
	}
	c.Bybit.Depth = depth
	subs := make([]string, 0, len(c.Bybit.Subscriptions))
	seen := make(map[string]struct{}, len(c.Bybit.Subscriptions))
	for _, sym := range c.Bybit.Subscriptions {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		subs = append(subs, sym)
	}
	c.Bybit.Subscriptions = subs
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = def.Dispatch.Workers
	}
	if c.Dispatch.QueueSize <= 0 {
		c.Dispatch.QueueSize = def.Dispatch.QueueSize
	}
	if c.Dispatch.EventBuf <= 0 {
		c.Dispatch.EventBuf = def.Dispatch.EventBuf
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = def.Telemetry.MetricInterval
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// Validate performs semantic validation on the loaded configuration.
func (c AppConfig) Validate(ctx context.Context) error {
	_ = ctx
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be dev|staging|prod, got %q", c.Environment)
	}
	for category, n := range c.Bybit.Depth {
		switch category {
		case "spot", "linear", "inverse", "option":
		default:
			return fmt.Errorf("bybit.depth: unknown category %q", category)
		}
		if n <= 0 {
			return fmt.Errorf("bybit.depth.%s must be >0", category)
		}
	}
	if c.Bybit.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("bybit.rateLimit.requestsPerSecond must be >0")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be >0")
	}
	if c.Dispatch.QueueSize <= 0 {
		return fmt.Errorf("dispatch.queueSize must be >0")
	}
	if c.Journal.Migrate && strings.TrimSpace(c.Journal.DSN) == "" {
		return fmt.Errorf("journal.migrate requires journal.dsn")
	}
	if c.Journal.QueueSize < 0 {
		return fmt.Errorf("journal.queueSize must be >=0")
	}
	return nil
}

// Settings projects the application config onto the connection Settings tree.
// An empty server keeps the base deployment; explicit URLs override it.
func (c AppConfig) Settings(base Settings) Settings {
	opts := []Option{WithEnvironment(c.Environment)}
	if c.Bybit.Server != "" {
		opts = append(opts, WithBybitServer(ParseServer(c.Bybit.Server)))
	}
	opts = append(opts,
		WithExchangeRESTEndpoint(string(ExchangeBybit), BybitRESTSurfaceAPI, c.Bybit.RESTURL),
		WithExchangeWebsocketEndpoints(string(ExchangeBybit), c.Bybit.PublicWSURL, c.Bybit.PrivateWSURL, c.Bybit.HandshakeTimeout),
		WithExchangeHTTPTimeout(string(ExchangeBybit), c.Bybit.HTTPTimeout),
		WithExchangeRecvWindow(string(ExchangeBybit), c.Bybit.RecvWindow),
	)
	return Apply(base, opts...)
}

func openAppFile(path string) (io.Reader, func(), error) {
	file, err := os.Open(filepath.Clean(path)) // #nosec G304 -- configuration paths are controlled by operators.
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
