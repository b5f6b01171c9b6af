package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"BetChannel/internal/config"
	"BetChannel/internal/observability"
	"BetChannel/internal/persistence"

	_ "github.com/lib/pq"
)

func main() {
	configPath := flag.String("config", os.Getenv("BETCH_CONFIG"), "path to TOML config file")
	flag.Usage = func() {
		fmt.Println("Usage: migrate [-config path] <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list migrations and whether they are applied")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  BETCH_POSTGRES_DSN     - Postgres connection string")
		fmt.Println("  BETCH_MIGRATIONS_DIR   - path to migrations directory (default: migrations)")
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.Postgres.DSN == "" {
		logger.Fatal().Msg("postgres dsn is required")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		var pending int
		for _, s := range statuses {
			state := "pending"
			switch {
			case s.Missing:
				state = "applied (file missing)"
			case s.Applied:
				state = "applied " + s.AppliedAt.UTC().Format(time.RFC3339)
			default:
				pending++
			}
			fmt.Printf("%s\t%s\t%s\n", s.Version, s.Name, state)
		}
		logger.Info().Int("migrations", len(statuses)).Int("pending", pending).Msg("migration status")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", flag.Arg(0))
		os.Exit(1)
	}
}
