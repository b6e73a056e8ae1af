// Schema setup CLI: creates the scanner's postgres tables.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/perpflow/scanner/internal/config"
	"github.com/perpflow/scanner/internal/store"
)

func main() {
	dbURL := flag.String("db", os.Getenv("PERPFLOW_STORE_DATABASE_URL"), "Postgres connection URL")
	check := flag.Bool("check", false, "Only check connectivity, do not touch the schema")
	flag.Parse()

	config.InitLogger("info", "console")
	log := config.NewLogger("migrate")

	if *dbURL == "" {
		log.Fatal().Msg("No database URL: pass -db or set PERPFLOW_STORE_DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := store.NewPostgres(ctx, *dbURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to postgres")
	}
	defer pg.Close()

	if *check {
		if err := pg.Health(ctx); err != nil {
			log.Fatal().Err(err).Msg("Health check failed")
		}
		log.Info().Msg("Database reachable")
		return
	}

	if err := pg.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Schema setup failed")
	}
	log.Info().Msg("Schema is up to date")
}
