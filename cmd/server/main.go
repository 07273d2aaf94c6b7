package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Belfering/QuantNexus-sub004/internal/config"
	"github.com/Belfering/QuantNexus-sub004/internal/database"
	"github.com/Belfering/QuantNexus-sub004/internal/priceprovider"
	"github.com/Belfering/QuantNexus-sub004/internal/pricestore"
	"github.com/Belfering/QuantNexus-sub004/internal/scheduler"
	"github.com/Belfering/QuantNexus-sub004/internal/server"
	"github.com/Belfering/QuantNexus-sub004/internal/shard"
	"github.com/Belfering/QuantNexus-sub004/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{
		Level:  "info",
		Pretty: true,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting strategy evaluation core")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// shards.db - append-only sweep artefacts (headers + branch records).
	shardsDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/shards.db",
		Profile: database.ProfileLedger,
		Name:    "shards",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize shards database")
	}
	defer shardsDB.Close()

	if err := shardsDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate shards database")
	}

	shardStore := shard.NewStore(shardsDB)

	yahooClient := priceprovider.NewYahooClient(log)
	priceStore := pricestore.New(yahooClient, log)

	srv := server.New(server.Config{
		Log:        log,
		Cfg:        cfg,
		PriceStore: priceStore,
		Shards:     shardStore,
		Port:       cfg.Port,
		DevMode:    cfg.DevMode,
	})

	sched := scheduler.New(log)
	janitor := scheduler.NewShardJanitorJob(shardStore, time.Duration(cfg.ShardRetentionDays)*24*time.Hour, log)
	if err := sched.AddJob("0 0 3 * * *", janitor); err != nil {
		log.Fatal().Err(err).Msg("Failed to register shard janitor job")
	}
	sched.Start()

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	sched.Stop()

	log.Info().Msg("Server stopped")
}
