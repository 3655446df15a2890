package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stakeplay/backend/internal/api"
	"github.com/stakeplay/backend/internal/api/handlers"
	"github.com/stakeplay/backend/internal/config"
	"github.com/stakeplay/backend/internal/database"
	"github.com/stakeplay/backend/internal/game"
	"github.com/stakeplay/backend/internal/logger"
	"github.com/stakeplay/backend/internal/matchmaking"
	"github.com/stakeplay/backend/internal/migrations"
	"github.com/stakeplay/backend/internal/payment"
	"github.com/stakeplay/backend/internal/redis"
	"github.com/stakeplay/backend/internal/session"
	"github.com/stakeplay/backend/internal/sweeper"
	"github.com/stakeplay/backend/internal/wallet"
	"github.com/stakeplay/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(!cfg.Server.IsProduction())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited with error")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		log.Info().Msg("running migrations on startup")
		if err := migrations.RunMigrations(cfg.Database.URL); err != nil {
			return err
		}
	}

	rdb, err := redis.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	walletEngine, err := wallet.NewEngine(db, cfg.Wallet, logger.Component(log, "wallet"))
	if err != nil {
		return err
	}
	if _, err := walletEngine.EnsureTreasury(ctx); err != nil {
		return err
	}

	runner := database.NewRunner(db)
	modes := game.DefaultRegistry()
	cache := session.NewRedisCache(rdb, cfg.Session.StateTTL)
	sessionRepo := session.NewPostgresRepository(db)
	sessions := session.NewEngine(runner, sessionRepo, walletEngine, cache, cache, modes, cfg.Session, logger.Component(log, "session"))

	sw := sweeper.New(rdb, sessions, sessionRepo, cache, modes, cfg.Sweeper, logger.Component(log, "sweeper"))
	// anything still ACTIVE belonged to a process that died
	if _, err := sw.RecoverOrphans(ctx); err != nil {
		return err
	}
	if err := sw.Start(ctx); err != nil {
		return err
	}
	defer sw.Stop()

	intake := payment.NewIntake(runner, payment.NewPostgresStore(db), walletEngine, logger.Component(log, "payment"))
	queue := matchmaking.NewQueue(rdb, logger.Component(log, "matchmaking"))

	hub := ws.NewHub(logger.Component(log, "ws"))
	go hub.Run(ctx)
	if err := hub.Subscribe(ctx, rdb); err != nil {
		return err
	}

	h := handlers.NewHandler(handlers.Deps{
		Wallet:        walletEngine,
		Sessions:      sessions,
		Queue:         queue,
		Intake:        intake,
		WebhookSecret: cfg.Server.WebhookSecret,
		Checks: []handlers.Check{
			{Name: "postgres", Ping: db.PingContext},
			{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		},
		Logger: logger.Component(log, "api"),
	})
	wsHandler := ws.NewHandler(hub, sessions, cfg.Server, logger.Component(log, "ws"))
	router := api.NewRouter(cfg, h, wsHandler.Serve, logger.Component(log, "http"))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Server.Port).Str("env", cfg.Server.Environment).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
