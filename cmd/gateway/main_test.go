package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coachpo/meltica-bybit/config"
	"github.com/coachpo/meltica-bybit/internal/domain/schema"
	"github.com/coachpo/meltica-bybit/internal/observability"
)

func discardLogger() observability.Logger {
	return observability.NewLogrusLogger(observability.NewJSONLogrus(io.Discard, "debug"), "test")
}

func TestAdapterConfigMergesSettings(t *testing.T) {
	appCfg := config.DefaultAppConfig()
	appCfg.Bybit.RateLimit = config.RateLimit{RequestsPerSecond: 5, Burst: 3}
	appCfg.Bybit.Depth = map[string]int{"spot": 200, "option": 100}
	appCfg.Dispatch = config.DispatchConfig{Workers: 2, QueueSize: 16, EventBuf: 64}
	appCfg.Journal.QueueSize = 512
	settings := config.Apply(config.Default(),
		config.WithBybitServer(config.ServerTestnet),
		config.WithBybitAPI("key", "secret"))

	cfg, err := adapterConfig(appCfg, settings)
	if err != nil {
		t.Fatalf("adapterConfig: %v", err)
	}
	if cfg.RESTURL != "https://api-testnet.bybit.com" {
		t.Fatalf("unexpected rest url %s", cfg.RESTURL)
	}
	if !cfg.Credentials.Configured() {
		t.Fatalf("credentials not carried")
	}
	if cfg.RequestsPerSecond != 5 || cfg.Burst != 3 || cfg.Workers != 2 || cfg.QueueSize != 16 || cfg.EventBuffer != 64 {
		t.Fatalf("tuning not applied: %+v", cfg)
	}
	if cfg.JournalQueueSize != 512 {
		t.Fatalf("journal queue size not applied: %d", cfg.JournalQueueSize)
	}
	if cfg.Depth[schema.CategorySpot] != 200 || cfg.Depth[schema.CategoryOption] != 100 {
		t.Fatalf("depth not applied: %v", cfg.Depth)
	}

	if _, err := adapterConfig(appCfg, config.Settings{}); err == nil {
		t.Fatalf("expected error without bybit settings")
	}
}

func TestTelemetryConfigPrefersFile(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "")
	cfg := telemetryConfig(config.EnvStaging, config.TelemetryConfig{
		Enabled:        true,
		OTLPEndpoint:   "collector:4318",
		ServiceName:    "bybit-gw",
		MetricInterval: 5 * time.Second,
	})
	if !cfg.Enabled || cfg.OTLPEndpoint != "collector:4318" || cfg.ServiceName != "bybit-gw" {
		t.Fatalf("unexpected telemetry config %+v", cfg)
	}
	if cfg.MetricInterval != 5*time.Second || cfg.Environment != "staging" {
		t.Fatalf("unexpected interval or environment %+v", cfg)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("MELTICA_CONFIG", "")
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Fatalf("flag ignored: %s", got)
	}
	if got := resolveConfigPath(""); got != filepath.Clean(defaultConfigPath) {
		t.Fatalf("default ignored: %s", got)
	}
	t.Setenv("MELTICA_CONFIG", "/etc/bybit.yaml")
	if got := resolveConfigPath(""); got != "/etc/bybit.yaml" {
		t.Fatalf("env ignored: %s", got)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := loadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("BYBIT_TEST_ONLY_KEY=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("BYBIT_TEST_ONLY_KEY") })
	if err := loadEnvFile(path); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if got := os.Getenv("BYBIT_TEST_ONLY_KEY"); got != "from-file" {
		t.Fatalf("env not loaded: %q", got)
	}
}

func TestJournalDSNFallsBackToEnv(t *testing.T) {
	t.Setenv("BYBIT_JOURNAL_DSN", "postgres://env/bybit")
	if got := journalDSN(config.JournalConfig{DSN: " postgres://file/bybit "}); got != "postgres://file/bybit" {
		t.Fatalf("file dsn ignored: %s", got)
	}
	if got := journalDSN(config.JournalConfig{}); got != "postgres://env/bybit" {
		t.Fatalf("env dsn ignored: %s", got)
	}
}

type stubSubscriber struct {
	symbols []string
}

func (s *stubSubscriber) Subscribe(symbol string) error {
	if symbol == "" {
		return errors.New("blank symbol")
	}
	s.symbols = append(s.symbols, symbol)
	return nil
}

func TestSubscribeAllContinuesPastFailures(t *testing.T) {
	stub := &stubSubscriber{}
	if n := subscribeAll(discardLogger(), stub, []string{"BTCUSDT", "", "ETHUSDT"}); n != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", n)
	}
	if len(stub.symbols) != 2 || stub.symbols[1] != "ETHUSDT" {
		t.Fatalf("unexpected symbols %v", stub.symbols)
	}
}

func TestDrainsReturnWhenChannelsClose(t *testing.T) {
	events := make(chan *schema.Event, 2)
	errs := make(chan error, 1)
	events <- &schema.Event{Type: schema.EventTypeTick, Symbol: "BTCUSDT"}
	events <- nil
	errs <- errors.New("boom")
	close(events)
	close(errs)

	done := make(chan struct{})
	go func() {
		drainEvents(discardLogger(), events)
		drainErrors(discardLogger(), errs)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain goroutines did not return")
	}
}
