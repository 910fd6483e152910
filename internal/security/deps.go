package security

import (
	"context"

	"threatgate/internal/models"
)

// LedgerGateway is the slice of the ledger client the threat engine uses.
type LedgerGateway interface {
	IsBlocked(ctx context.Context, idHash string) bool
	Block(ctx context.Context, idHash string, durationSeconds int, reason string, isManual bool) (string, error)
	AddAttackSignature(ctx context.Context, patternJSON string, severity int) (string, error)
	GetAttackSignatures(ctx context.Context) []models.AttackSignature
}

// AuditSink records immutable security log entries.
type AuditSink interface {
	AppendSecurityLog(entry models.SecurityLogEntry) error
}

// PatternStore persists detected attack patterns for later resync.
type PatternStore interface {
	InsertAttackPattern(rec models.CoordinatedAttackRecord) error
	MarkAttackPatternSynced(signatureHash, txRef string) error
}

// BlockIndex answers "might this identity hash be blocked locally"
// without touching the database. False means definitely not blocked.
type BlockIndex interface {
	MightBeBlocked(idHash string) bool
	Add(idHash string)
}

// BlockStore persists block entries alongside the audit trail.
type BlockStore interface {
	AuditSink
	UpsertBlock(entry models.BlockEntry) error
	IsBlockedLocally(clientIDHash string) (bool, error)
}
