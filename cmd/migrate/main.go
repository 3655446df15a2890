package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/stakeplay/backend/internal/config"
	"github.com/stakeplay/backend/internal/database"
	"github.com/stakeplay/backend/internal/logger"
	"github.com/stakeplay/backend/internal/migrations"
	"github.com/stakeplay/backend/internal/wallet"
)

// migrate applies the schema and creates the treasury wallet.
func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(!cfg.Server.IsProduction())
	ctx := context.Background()

	if err := migrations.RunMigrations(cfg.Database.URL); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	log.Info().Msg("migrations applied")

	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	w, err := wallet.NewEngine(db, cfg.Wallet, log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid wallet config")
	}
	treasury, err := w.EnsureTreasury(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to ensure treasury wallet")
	}
	log.Info().Str("wallet_id", treasury.ID.String()).Str("currency", treasury.Currency).Msg("treasury ready")
}
