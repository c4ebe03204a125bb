// Command migrate applies or reverts the order journal schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	dbmigrations "github.com/coachpo/meltica-bybit/db/migrations"
	"github.com/coachpo/meltica-bybit/internal/infra/persistence/migrations"
	"github.com/coachpo/meltica-bybit/internal/observability"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = flags.String("database", "", "PostgreSQL DSN (defaults to BYBIT_JOURNAL_DSN)")
		dir     = flags.String("path", "", "Directory containing SQL migrations (defaults to the embedded set)")
		timeout = flags.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flags.Bool("quiet", false, "Suppress informational logs")
	)
	if err := flags.Parse(argv); err != nil {
		return err
	}
	_ = godotenv.Load()

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = strings.TrimSpace(os.Getenv("BYBIT_JOURNAL_DSN"))
	}
	if target == "" {
		return errors.New("-database flag or BYBIT_JOURNAL_DSN is required")
	}
	args := flags.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	src := migrations.Source{FS: dbmigrations.Files}
	if strings.TrimSpace(*dir) != "" {
		src = migrations.Source{Dir: *dir}
	}
	out := io.Writer(os.Stdout)
	if *quiet {
		out = io.Discard
	}
	logger := observability.NewLogrusLogger(observability.NewJSONLogrus(out, "info"), "migrate")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		return migrations.Apply(ctx, target, src, logger)
	case "down":
		steps, err := parseSteps(args[1:])
		if err != nil {
			return err
		}
		return migrations.Rollback(ctx, target, src, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}

func parseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid down steps %q", args[0])
	}
	return n, nil
}
