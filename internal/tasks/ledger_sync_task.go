package tasks

import (
	"context"
	"fmt"
	"time"

	"threatgate/internal/models"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"
)

const (
	TypeLedgerSyncBlocks     = "ledger:sync_blocks"
	TypeLedgerSyncSignatures = "ledger:sync_signatures"
	TypeLedgerCleanup        = "ledger:cleanup"

	syncBatchSize = 100
)

// ledgerWriter is the slice of the ledger client the sync tasks need.
type ledgerWriter interface {
	Block(ctx context.Context, idHash string, durationSeconds int, reason string, isManual bool) (string, error)
	AddAttackSignature(ctx context.Context, patternJSON string, severity int) (string, error)
	CleanupExpiredBlocks(ctx context.Context) (string, error)
	Reconnect(ctx context.Context) bool
}

// syncStore is the slice of the postgres repository the sync tasks need.
type syncStore interface {
	ListUnsyncedBlocks(limit int) ([]models.BlockEntry, error)
	MarkBlockSynced(clientIDHash, txRef string) error
	ListUnsyncedAttackPatterns(limit int) ([]models.CoordinatedAttackRecord, error)
	MarkAttackPatternSynced(signatureHash, txRef string) error
	DeleteExpiredBlocks() (int64, error)
}

func NewLedgerSyncBlocksTask() *asynq.Task {
	return asynq.NewTask(TypeLedgerSyncBlocks, nil, asynq.MaxRetry(3), asynq.Timeout(2*time.Minute))
}

func NewLedgerSyncSignaturesTask() *asynq.Task {
	return asynq.NewTask(TypeLedgerSyncSignatures, nil, asynq.MaxRetry(3), asynq.Timeout(2*time.Minute))
}

func NewLedgerCleanupTask() *asynq.Task {
	return asynq.NewTask(TypeLedgerCleanup, nil, asynq.MaxRetry(2), asynq.Timeout(5*time.Minute))
}

// LedgerSyncHandler replays local state the ledger missed: unsynced blocks
// and attack patterns written while the ledger was unreachable.
type LedgerSyncHandler struct {
	ledger ledgerWriter
	store  syncStore
}

func NewLedgerSyncHandler(ledger ledgerWriter, store syncStore) *LedgerSyncHandler {
	return &LedgerSyncHandler{ledger: ledger, store: store}
}

func (h *LedgerSyncHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	switch t.Type() {
	case TypeLedgerSyncBlocks:
		return h.syncBlocks(ctx)
	case TypeLedgerSyncSignatures:
		return h.syncSignatures(ctx)
	default:
		return fmt.Errorf("unexpected task type %q: %w", t.Type(), asynq.SkipRetry)
	}
}

func (h *LedgerSyncHandler) syncBlocks(ctx context.Context) error {
	blocks, err := h.store.ListUnsyncedBlocks(syncBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list unsynced blocks: %v", err)
	}
	if len(blocks) == 0 {
		return nil
	}

	if !h.ledger.Reconnect(ctx) {
		return fmt.Errorf("ledger unreachable, %d blocks still pending", len(blocks))
	}

	synced := 0
	for _, block := range blocks {
		duration := 0
		if block.ExpiresAt != nil {
			remaining := time.Until(*block.ExpiresAt)
			if remaining <= 0 {
				// Expired before it ever reached the ledger; nothing to replay.
				continue
			}
			duration = int(remaining.Seconds())
		}

		txRef, err := h.ledger.Block(ctx, block.ClientIDHash, duration, block.Reason, block.IsManual)
		if err != nil {
			zlog.Warn().Err(err).Str("hash", block.ClientIDHash).Msg("block resync failed")
			continue
		}
		if err := h.store.MarkBlockSynced(block.ClientIDHash, txRef); err != nil {
			zlog.Error().Err(err).Str("hash", block.ClientIDHash).Msg("failed to mark block synced")
			continue
		}
		synced++
	}

	zlog.Info().Int("synced", synced).Int("pending", len(blocks)-synced).Msg("block resync pass complete")
	if synced < len(blocks) {
		return fmt.Errorf("resynced %d of %d blocks", synced, len(blocks))
	}
	return nil
}

func (h *LedgerSyncHandler) syncSignatures(ctx context.Context) error {
	patterns, err := h.store.ListUnsyncedAttackPatterns(syncBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list unsynced attack patterns: %v", err)
	}
	if len(patterns) == 0 {
		return nil
	}

	synced := 0
	for _, pattern := range patterns {
		txRef, err := h.ledger.AddAttackSignature(ctx, pattern.PatternJSON, pattern.Severity)
		if err != nil {
			zlog.Warn().Err(err).Str("signature", pattern.SignatureHash).Msg("signature resync failed")
			continue
		}
		if err := h.store.MarkAttackPatternSynced(pattern.SignatureHash, txRef); err != nil {
			zlog.Error().Err(err).Str("signature", pattern.SignatureHash).Msg("failed to mark signature synced")
			continue
		}
		synced++
	}

	zlog.Info().Int("synced", synced).Msg("signature resync pass complete")
	if synced < len(patterns) {
		return fmt.Errorf("resynced %d of %d signatures", synced, len(patterns))
	}
	return nil
}

// LedgerCleanupHandler prunes expired blocks locally and on the ledger.
type LedgerCleanupHandler struct {
	ledger ledgerWriter
	store  syncStore
}

func NewLedgerCleanupHandler(ledger ledgerWriter, store syncStore) *LedgerCleanupHandler {
	return &LedgerCleanupHandler{ledger: ledger, store: store}
}

func (h *LedgerCleanupHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	removed, err := h.store.DeleteExpiredBlocks()
	if err != nil {
		return fmt.Errorf("local expiry sweep failed: %v", err)
	}
	if removed > 0 {
		zlog.Info().Int64("removed", removed).Msg("expired local blocks removed")
	}

	// Best effort: the ledger prunes on its own schedule too.
	if _, err := h.ledger.CleanupExpiredBlocks(ctx); err != nil {
		zlog.Warn().Err(err).Msg("ledger cleanup request failed")
	}
	return nil
}
