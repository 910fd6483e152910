package service

import (
	"context"
	"strconv"
	"testing"

	"threatgate/internal/repository"
	"threatgate/internal/tasks"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	types []string
}

func (r *recordingEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	r.types = append(r.types, task.Type())
	return &asynq.TaskInfo{}, nil
}

func newSchedulerRedis(t *testing.T) *repository.RedisRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	return repository.NewRedisRepository(mr.Host(), port, "", 0)
}

func TestRunSweepEnqueuesSyncTasks(t *testing.T) {
	redisRepo := newSchedulerRedis(t)
	enq := &recordingEnqueuer{}
	s := NewSchedulerService(redisRepo, enq)

	s.RunSweep(context.Background())

	assert.Equal(t, []string{
		tasks.TypeLedgerSyncBlocks,
		tasks.TypeLedgerSyncSignatures,
	}, enq.types)
}

func TestRunCleanupEnqueuesCleanupTask(t *testing.T) {
	redisRepo := newSchedulerRedis(t)
	enq := &recordingEnqueuer{}
	s := NewSchedulerService(redisRepo, enq)

	s.RunCleanup(context.Background())
	assert.Equal(t, []string{tasks.TypeLedgerCleanup}, enq.types)

	// A second round inside the lock window stays suppressed.
	s.RunCleanup(context.Background())
	assert.Len(t, enq.types, 1)
}

func TestRunSweepRespectsLock(t *testing.T) {
	redisRepo := newSchedulerRedis(t)
	ctx := context.Background()

	acquired, err := redisRepo.AcquireLock(ctx, sweepLockKey, sweepLockTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	enq := &recordingEnqueuer{}
	s := NewSchedulerService(redisRepo, enq)
	s.RunSweep(ctx)

	assert.Empty(t, enq.types, "a held lock must suppress the sweep")
}
