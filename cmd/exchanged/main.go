package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/exstack/exchange/params"
	"github.com/exstack/exchange/pkg/api"
	"github.com/exstack/exchange/pkg/exchange"
	"github.com/exstack/exchange/pkg/exchange/store"
	"github.com/exstack/exchange/pkg/server"
	"github.com/exstack/exchange/pkg/util"
)

func main() {
	// Load config from .env file and environment variables.
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Store: process-wide pgx pool ----
	pool, err := store.Connect(ctx, cfg.Database.URL, cfg.Database.MinConns, cfg.Database.MaxConns)
	if err != nil {
		sugar.Fatalw("database_connect", "err", err)
	}
	db := store.New(pool, sugar)
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		sugar.Fatalw("database_migrate", "err", err)
	}
	sugar.Infow("database_ready", "max_conns", cfg.Database.MaxConns)

	// ---- Market-data API (optional) ----
	var feed exchange.TradePublisher
	if cfg.API.Listen != "" {
		apiSrv := api.NewServer(db, sugar)
		feed = apiSrv.Feed()
		go func() {
			if err := apiSrv.Start(cfg.API.Listen); err != nil {
				sugar.Errorw("api_server", "err", err)
			}
		}()
	}

	// ---- Wire protocol server ----
	ex := exchange.New(db, sugar, feed)
	srv := server.New(cfg.Server.Listen, cfg.Server.MaxFrameBytes, ex, sugar)

	if err := srv.Run(ctx); err != nil {
		sugar.Fatalw("server", "err", err)
	}
	sugar.Infow("shutdown_complete")
}
