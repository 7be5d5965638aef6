// Command migrate applies the embedded schema migrations with goose.
//
// Usage:
//
//	migrate up                 apply all pending migrations
//	migrate down               roll back the last migration
//	migrate status             list applied and pending migrations
//	migrate version            print the current schema version
//	migrate redo               roll back and re-apply the last migration
//	migrate up-to <version>    migrate up to a specific version
//	migrate down-to <version>  roll back to a specific version
//
// DATABASE_URL is read from the environment or a local .env file.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/shareandsave/marketplace/internal/logging"
	"github.com/shareandsave/marketplace/migrations"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "abort if migrations take longer than this")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [-timeout 5m] <up|down|status|version|redo|up-to N|down-to N>")
	}
	flag.Parse()

	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, dsn, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("migration failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", flag.Arg(0))
}

func run(ctx context.Context, dsn, command string, args []string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return migrations.Run(ctx, db, command, args...)
}
