package main

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/Sh00ty/indexer-agent/internal/storage/postgres"
)

type migrationConfig struct {
	DatabaseHost     string        `envconfig:"DATABASE_HOST,default=127.0.0.1"`
	DatabaseUser     string        `envconfig:"DATABASE_USER,default=postgres"`
	DatabasePassword string        `envconfig:"DATABASE_PASSWORD,default=postgres"`
	DatabasePort     uint16        `envconfig:"DATABASE_PORT,default=5432"`
	DatabaseName     string        `envconfig:"DATABASE_NAME,default=indexer_agent"`
	Timeout          time.Duration `envconfig:"MIGRATION_TIMEOUT,default=1m"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal().Err(err).Msg("failed to read .env")
	}
	cfg := migrationConfig{}
	if err := envconfig.Init(&cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to read migration config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	repo, err := postgres.NewRepo(ctx, cfg.DatabaseUser, cfg.DatabasePassword, cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer repo.Close()

	applied, err := repo.Migrate(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msgf("applied %d migrations to %s", applied, cfg.DatabaseName)
}
