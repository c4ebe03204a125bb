// Command gateway runs the Bybit adapter and logs its normalised event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/meltica-bybit/config"
	dbmigrations "github.com/coachpo/meltica-bybit/db/migrations"
	"github.com/coachpo/meltica-bybit/internal/domain/orderstore"
	"github.com/coachpo/meltica-bybit/internal/domain/schema"
	"github.com/coachpo/meltica-bybit/internal/infra/adapters/bybit"
	"github.com/coachpo/meltica-bybit/internal/infra/persistence"
	"github.com/coachpo/meltica-bybit/internal/infra/persistence/migrations"
	"github.com/coachpo/meltica-bybit/internal/infra/persistence/postgres"
	"github.com/coachpo/meltica-bybit/internal/infra/telemetry"
	"github.com/coachpo/meltica-bybit/internal/observability"
)

const (
	defaultConfigPath        = "config/app.yaml"
	defaultEnvFile           = ".env"
	shutdownTimeout          = 30 * time.Second
	providerShutdownTimeout  = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	journalConnectTimeout    = 5 * time.Second
	journalMaxConns          = 4
)

func main() {
	cfgPathFlag, envFileFlag := parseFlags()
	if err := loadEnvFile(envFileFlag); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(1)
	}
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	base := observability.NewJSONLogrus(os.Stdout, appCfg.Logging.Level)
	logger := observability.NewLogrusLogger(base, "gateway")
	observability.SetLogger(observability.NewLogrusLogger(base, "bybit"))

	settings := appCfg.Settings(config.FromEnv())
	logger.Info("configuration initialised",
		observability.F("environment", settings.Environment),
		observability.F("subscriptions", len(appCfg.Bybit.Subscriptions)))

	telemetryProvider, err := initTelemetry(ctx, logger, settings.Environment, appCfg.Telemetry)
	if err != nil {
		fatal(logger, "initialise telemetry", err)
	}

	journal, journalPool, err := initJournal(ctx, logger, appCfg.Journal)
	if err != nil {
		fatal(logger, "initialise journal", err)
	}

	adapterCfg, err := adapterConfig(appCfg, settings)
	if err != nil {
		fatal(logger, "build adapter config", err)
	}
	provider, err := bybit.NewProvider(bybit.Options{Config: adapterCfg, Journal: journal})
	if err != nil {
		fatal(logger, "create provider", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { drainEvents(logger, provider.Events()) })
	lifecycle.Go(func() { drainErrors(logger, provider.Errors()) })

	if err := provider.Start(ctx); err != nil {
		logger.Error("provider start failed", observability.Err(err))
		cancel()
	} else {
		subscribeAll(logger, provider, appCfg.Bybit.Subscriptions)
		logger.Info("gateway started; awaiting shutdown signal")
	}
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		provider:    provider,
		lifecycle:   &lifecycle,
		journalPool: journalPool,
		telemetry:   telemetryProvider,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
}

func parseFlags() (string, string) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	envFile := flag.String("env-file", defaultEnvFile, "Optional dotenv file holding BYBIT_API_KEY and BYBIT_API_SECRET")
	flag.Parse()
	return *cfgPath, *envFile
}

// loadEnvFile populates the process environment from path. A missing file is not an error.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv("MELTICA_CONFIG")); env != "" {
		return env
	}
	return filepath.Clean(defaultConfigPath)
}

func fatal(logger observability.Logger, msg string, err error) {
	logger.Error(msg, observability.Err(err))
	os.Exit(1)
}

func initTelemetry(ctx context.Context, logger observability.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetryConfig(env, cfg)
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Info("telemetry initialised",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func telemetryConfig(env config.Environment, cfg config.TelemetryConfig) telemetry.Config {
	out := telemetry.DefaultConfig()
	out.Enabled = out.Enabled || cfg.Enabled
	if strings.TrimSpace(cfg.OTLPEndpoint) != "" {
		out.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if strings.TrimSpace(cfg.ServiceName) != "" {
		out.ServiceName = cfg.ServiceName
	}
	if cfg.MetricInterval > 0 {
		out.MetricInterval = cfg.MetricInterval
	}
	if env != "" {
		out.Environment = string(env)
	}
	return out
}

// initJournal connects the optional order journal. No DSN means no journal.
func initJournal(ctx context.Context, logger observability.Logger, cfg config.JournalConfig) (orderstore.Store, *pgxpool.Pool, error) {
	dsn := journalDSN(cfg)
	if dsn == "" {
		logger.Info("order journal disabled")
		return nil, nil, nil
	}
	if cfg.Migrate {
		if err := migrations.Apply(ctx, dsn, migrations.Source{FS: dbmigrations.Files}, logger); err != nil {
			return nil, nil, err
		}
	}
	pool, err := persistence.Connect(ctx, dsn, journalMaxConns, journalConnectTimeout)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.ObservePoolMetrics(pool, "journal"); err != nil {
		logger.Error("journal pool metrics", observability.Err(err))
	}
	logger.Info("order journal enabled")
	return postgres.NewOrderStore(pool), pool, nil
}

func journalDSN(cfg config.JournalConfig) string {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return dsn
	}
	return strings.TrimSpace(os.Getenv("BYBIT_JOURNAL_DSN"))
}

// adapterConfig merges the resolved connection settings with the YAML tuning knobs.
func adapterConfig(appCfg config.AppConfig, settings config.Settings) (bybit.Config, error) {
	es, ok := settings.Exchange(config.ExchangeBybit)
	if !ok {
		return bybit.Config{}, errors.New("bybit exchange settings missing")
	}
	cfg := bybit.ConfigFromSettings(settings.Environment, es)
	cfg.RequestsPerSecond = appCfg.Bybit.RateLimit.RequestsPerSecond
	cfg.Burst = appCfg.Bybit.RateLimit.Burst
	cfg.Workers = appCfg.Dispatch.Workers
	cfg.QueueSize = appCfg.Dispatch.QueueSize
	cfg.EventBuffer = appCfg.Dispatch.EventBuf
	cfg.JournalQueueSize = appCfg.Journal.QueueSize
	if len(appCfg.Bybit.Depth) > 0 {
		cfg.Depth = make(map[schema.Category]int, len(appCfg.Bybit.Depth))
		for category, depth := range appCfg.Bybit.Depth {
			cfg.Depth[schema.Category(category)] = depth
		}
	}
	return cfg, nil
}

type subscriber interface {
	Subscribe(symbol string) error
}

func subscribeAll(logger observability.Logger, provider subscriber, symbols []string) int {
	subscribed := 0
	for _, symbol := range symbols {
		if err := provider.Subscribe(symbol); err != nil {
			logger.Error("subscribe failed", observability.F("symbol", symbol), observability.Err(err))
			continue
		}
		subscribed++
	}
	logger.Info("subscriptions requested", observability.F("count", subscribed))
	return subscribed
}

func drainEvents(logger observability.Logger, events <-chan *schema.Event) {
	for evt := range events {
		if evt == nil {
			continue
		}
		logger.Debug("event",
			observability.F("type", string(evt.Type)),
			observability.F("symbol", evt.Symbol),
			observability.F("seq", evt.SeqProvider),
			observability.F("payload", evt.Payload))
	}
}

func drainErrors(logger observability.Logger, errs <-chan error) {
	for err := range errs {
		logger.Error("provider error", observability.Err(err))
	}
}

type gracefulShutdownConfig struct {
	provider    *bybit.Provider
	lifecycle   *conc.WaitGroup
	journalPool *pgxpool.Pool
	telemetry   *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			logger.Error("shutdown step failed", observability.F("step", name), observability.Err(err))
			return
		}
		logger.Info("shutdown step completed", observability.F("step", name))
	}

	if cfg.provider != nil {
		shutdownStep("closing provider", providerShutdownTimeout, func(context.Context) error {
			return cfg.provider.Close()
		})
	}

	// Close drains the event and error channels, which ends the drain goroutines.
	if cfg.lifecycle != nil {
		shutdownStep("waiting for drain goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.journalPool != nil {
		shutdownStep("closing journal pool", lifecycleShutdownTimeout, func(context.Context) error {
			cfg.journalPool.Close()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
