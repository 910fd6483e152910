package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"threatgate/internal/app"
	"threatgate/internal/config"
	"threatgate/internal/tasks"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Load()

	a, err := app.Bootstrap(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to bootstrap app")
	}
	defer a.Close()

	zlog.Info().Msg("Starting ThreatGate worker")

	a.Scheduler.Start()

	srv := asynq.NewServer(
		a.RedisOpts,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"default": 5,
				"low":     2,
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeLedgerSyncBlocks, tasks.NewLedgerSyncHandler(a.Ledger, a.PgRepo))
	mux.Handle(tasks.TypeLedgerSyncSignatures, tasks.NewLedgerSyncHandler(a.Ledger, a.PgRepo))
	mux.Handle(tasks.TypeLedgerCleanup, tasks.NewLedgerCleanupHandler(a.Ledger, a.PgRepo))

	go func() {
		if err := srv.Run(mux); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to run asynq server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info().Msg("Shutting down worker...")
	srv.Shutdown()
	zlog.Info().Msg("Worker exiting")
}
