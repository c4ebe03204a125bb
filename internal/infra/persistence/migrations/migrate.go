// Package migrations wires golang-migrate execution for the order journal schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltica-bybit/internal/infra/telemetry"
	"github.com/coachpo/meltica-bybit/internal/observability"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errInvalidSteps = errors.New("rollback steps must be positive")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Source names where migrations are read from: a directory on disk or an embedded filesystem.
type Source struct {
	Dir string
	FS  fs.FS
}

func (s Source) label() string {
	if s.FS != nil {
		return "embedded"
	}
	return s.Dir
}

// Apply ensures every migration from src is applied to the Postgres instance reachable via dsn.
// A nil logger falls back to the global observability logger.
func Apply(ctx context.Context, dsn string, src Source, logger observability.Logger) error {
	return run(ctx, dsn, src, logger, "up", func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// Rollback reverts the given number of migrations.
func Rollback(ctx context.Context, dsn string, src Source, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return errInvalidSteps
	}
	return run(ctx, dsn, src, logger, "down", func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

func run(ctx context.Context, dsn string, src Source, logger observability.Logger, direction string, step func(*migrate.Migrate) error) error {
	if logger == nil {
		logger = observability.Log()
	}
	sourceName, sourceURL, sourceDriver, err := openSource(src)
	if err != nil {
		return err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Error("database migrations close", observability.Err(cerr))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	if sourceDriver != nil {
		m, err = migrate.NewWithInstance(sourceName, sourceDriver, "pgx5", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(sourceURL, "pgx5", driver)
	}
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Error("database migrations source close", observability.Err(sourceErr))
		}
		if dbErr != nil {
			logger.Error("database migrations db close", observability.Err(dbErr))
		}
	}()

	label := src.label()
	logger.Info("running database migrations", observability.F("source", label), observability.F("direction", direction))
	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", direction, label)
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "failed", direction, label)
		return fmt.Errorf("%s migrations: %w", direction, err)
	}
	logger.Info("database migrations applied successfully", observability.F("direction", direction))
	recordMigrationMetric(ctx, "applied", direction, label)
	return nil
}

func openSource(src Source) (string, string, source.Driver, error) {
	if src.FS != nil {
		driver, err := iofs.New(src.FS, ".")
		if err != nil {
			return "", "", nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		return "iofs", "", driver, nil
	}
	resolvedDir, err := resolveDir(src.Dir)
	if err != nil {
		return "", "", nil, err
	}
	return "file", fileURL(resolvedDir), nil, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, direction, label string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("bybit_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result),
		attribute.String("direction", direction),
	}
	if label != "" {
		attrs = append(attrs, attribute.String("migrations_source", label))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
