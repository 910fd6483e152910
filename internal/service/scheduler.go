package service

import (
	"context"
	"time"

	"threatgate/internal/repository"
	"threatgate/internal/tasks"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"
)

const (
	syncInterval    = 10 * time.Minute
	cleanupInterval = 24 * time.Hour

	sweepLockKey = "lock_ledger_sweep"
	sweepLockTTL = 5 * time.Minute

	// Held for just under a day so the cleanup runs once per day across
	// the fleet regardless of ticker skew between nodes.
	cleanupLockKey = "lock_ledger_cleanup"
	cleanupLockTTL = 23 * time.Hour
)

// taskEnqueuer is satisfied by *asynq.Client.
type taskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// SchedulerService periodically enqueues the reconciliation tasks: ledger
// resync every ten minutes, expired-block cleanup once a day. Redis locks
// keep multiple nodes from enqueuing the same round.
type SchedulerService struct {
	redisRepo *repository.RedisRepository
	client    taskEnqueuer
	stop      chan struct{}
}

func NewSchedulerService(r *repository.RedisRepository, client taskEnqueuer) *SchedulerService {
	return &SchedulerService{redisRepo: r, client: client, stop: make(chan struct{})}
}

func (s *SchedulerService) Start() {
	syncTicker := time.NewTicker(syncInterval)
	cleanupTicker := time.NewTicker(cleanupInterval)
	go func() {
		defer syncTicker.Stop()
		defer cleanupTicker.Stop()
		for {
			select {
			case <-syncTicker.C:
				s.RunSweep(context.Background())
			case <-cleanupTicker.C:
				s.RunCleanup(context.Background())
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *SchedulerService) Stop() {
	close(s.stop)
}

// RunSweep enqueues one round of ledger resync work if this node wins the
// lock.
func (s *SchedulerService) RunSweep(ctx context.Context) {
	acquired, err := s.redisRepo.AcquireLock(ctx, sweepLockKey, sweepLockTTL)
	if err != nil || !acquired {
		return
	}
	defer func() {
		_ = s.redisRepo.ReleaseLock(ctx, sweepLockKey)
	}()

	for _, task := range []*asynq.Task{
		tasks.NewLedgerSyncBlocksTask(),
		tasks.NewLedgerSyncSignaturesTask(),
	} {
		if _, err := s.client.Enqueue(task); err != nil {
			zlog.Error().Err(err).Str("task", task.Type()).Msg("failed to enqueue reconciliation task")
		}
	}
	zlog.Debug().Msg("reconciliation sweep enqueued")
}

// RunCleanup enqueues the daily expired-block cleanup if this node wins
// the lock. The lock is deliberately not released so the cleanup fires at
// most once per day fleet-wide.
func (s *SchedulerService) RunCleanup(ctx context.Context) {
	acquired, err := s.redisRepo.AcquireLock(ctx, cleanupLockKey, cleanupLockTTL)
	if err != nil || !acquired {
		return
	}

	if _, err := s.client.Enqueue(tasks.NewLedgerCleanupTask()); err != nil {
		zlog.Error().Err(err).Str("task", tasks.TypeLedgerCleanup).Msg("failed to enqueue cleanup task")
	}
}
