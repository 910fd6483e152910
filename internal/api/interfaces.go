package api

import (
	"context"

	"threatgate/internal/models"
)

// BlockRepository is the persistence surface the handlers need. Satisfied
// by repository.PostgresRepository.
type BlockRepository interface {
	UpsertBlock(entry models.BlockEntry) error
	DeleteBlock(clientIDHash string) error
	ListActiveBlocks() ([]models.BlockEntry, error)
	GetStatistics(windowHours int) (*models.SecurityStats, error)
	AppendSecurityLog(entry models.SecurityLogEntry) error
	Ping() error
}

// LedgerProvider is the ledger surface the handlers need. Satisfied by
// ledger.Client.
type LedgerProvider interface {
	Block(ctx context.Context, idHash string, durationSeconds int, reason string, isManual bool) (string, error)
	Unblock(ctx context.Context, idHash string) (string, error)
	Register(ctx context.Context, idHash string) (string, error)
	IsRegistered(ctx context.Context, idHash string) bool
	HealthCheck(ctx context.Context) string
}
