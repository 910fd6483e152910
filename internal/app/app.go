package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"

	"threatgate/internal/config"
	"threatgate/internal/ledger"
	"threatgate/internal/repository"
	"threatgate/internal/security"
	"threatgate/internal/service"
)

// App holds the shared state both the server and the worker build on.
type App struct {
	Cfg        *config.Config
	RedisRepo  *repository.RedisRepository
	PgRepo     *repository.PostgresRepository
	Ledger     *ledger.Client
	Scores     *security.ScoreCalculator
	Detector   *security.AttackDetector
	Captcha    *security.CaptchaManager
	Pipeline   *security.Pipeline
	Geo        *service.GeoService
	BlockIndex *service.BlockIndexService
	Scheduler  *service.SchedulerService

	RedisOpts   asynq.RedisClientOpt
	asynqClient *asynq.Client
}

// Bootstrap wires every component. Redis is mandatory; postgres and the
// ledger degrade gracefully at runtime but must be reachable at startup
// so misconfiguration fails fast.
func Bootstrap(cfg *config.Config) (*App, error) {
	redisRepo := repository.NewRedisRepository(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisRepo.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}

	pgRepo, err := repository.NewPostgresRepository(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}

	ledgerClient := ledger.NewClient(cfg, redisRepo)
	if status := ledgerClient.HealthCheck(ctx); status != ledger.StatusHealthy {
		zlog.Warn().Str("status", status).Msg("Starting with degraded ledger connectivity")
	}

	scores := security.NewScoreCalculator(cfg, redisRepo, ledgerClient)
	detector := security.NewAttackDetector(cfg, redisRepo, ledgerClient, pgRepo)
	captcha := security.NewCaptchaManager(cfg, redisRepo, pgRepo)
	pipeline := security.NewPipeline(cfg, scores, detector, captcha, ledgerClient, redisRepo, pgRepo)

	blockIndex := service.NewBlockIndexService(pgRepo)
	blockIndex.Start()
	pipeline.SetBlockIndex(blockIndex)

	redisOpts := asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisOpts)
	scheduler := service.NewSchedulerService(redisRepo, asynqClient)

	return &App{
		Cfg:         cfg,
		RedisRepo:   redisRepo,
		PgRepo:      pgRepo,
		Ledger:      ledgerClient,
		Scores:      scores,
		Detector:    detector,
		Captcha:     captcha,
		Pipeline:    pipeline,
		Geo:         service.NewGeoService(),
		BlockIndex:  blockIndex,
		Scheduler:   scheduler,
		RedisOpts:   redisOpts,
		asynqClient: asynqClient,
	}, nil
}

func (a *App) Close() {
	a.Scheduler.Stop()
	a.BlockIndex.Stop()
	a.Geo.Close()
	if err := a.asynqClient.Close(); err != nil {
		zlog.Warn().Err(err).Msg("Failed to close asynq client")
	}
	if err := a.PgRepo.Close(); err != nil {
		zlog.Warn().Err(err).Msg("Failed to close postgres")
	}
}
