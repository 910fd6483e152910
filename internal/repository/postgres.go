package repository

import (
	"time"

	"threatgate/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(url string) (*PostgresRepository, error) {
	db, err := sqlx.Connect("pgx", url)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRepository{db: db}, nil
}

// Block entries

// UpsertBlock persists a block locally. A repeated block of the same client
// refreshes expiry and sync state instead of failing, since concurrent
// blocks of one client are harmless duplicates.
func (p *PostgresRepository) UpsertBlock(entry models.BlockEntry) error {
	_, err := p.db.NamedExec(`
		INSERT INTO blocked_clients (client_id_hash, reason, created_at, expires_at, is_manual, ledger_tx_ref, ledger_synced)
		VALUES (:client_id_hash, :reason, :created_at, :expires_at, :is_manual, :ledger_tx_ref, :ledger_synced)
		ON CONFLICT (client_id_hash) DO UPDATE SET
			reason = EXCLUDED.reason,
			expires_at = EXCLUDED.expires_at,
			is_manual = EXCLUDED.is_manual,
			ledger_tx_ref = COALESCE(EXCLUDED.ledger_tx_ref, blocked_clients.ledger_tx_ref),
			ledger_synced = EXCLUDED.ledger_synced`, entry)
	return err
}

func (p *PostgresRepository) GetBlock(clientIDHash string) (*models.BlockEntry, error) {
	var e models.BlockEntry
	err := p.db.Get(&e, `SELECT id, client_id_hash, reason, created_at, expires_at, is_manual, ledger_tx_ref, ledger_synced
		FROM blocked_clients WHERE client_id_hash = $1`, clientIDHash)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// IsBlockedLocally reports whether an unexpired local block exists.
func (p *PostgresRepository) IsBlockedLocally(clientIDHash string) (bool, error) {
	var count int
	err := p.db.Get(&count, `SELECT COUNT(*) FROM blocked_clients
		WHERE client_id_hash = $1 AND (expires_at IS NULL OR expires_at > now())`, clientIDHash)
	return count > 0, err
}

func (p *PostgresRepository) ListActiveBlocks() ([]models.BlockEntry, error) {
	var entries []models.BlockEntry
	err := p.db.Select(&entries, `SELECT id, client_id_hash, reason, created_at, expires_at, is_manual, ledger_tx_ref, ledger_synced
		FROM blocked_clients WHERE expires_at IS NULL OR expires_at > now() ORDER BY created_at DESC`)
	return entries, err
}

func (p *PostgresRepository) ListUnsyncedBlocks(limit int) ([]models.BlockEntry, error) {
	var entries []models.BlockEntry
	err := p.db.Select(&entries, `SELECT id, client_id_hash, reason, created_at, expires_at, is_manual, ledger_tx_ref, ledger_synced
		FROM blocked_clients WHERE NOT ledger_synced AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at ASC LIMIT $1`, limit)
	return entries, err
}

// MarkBlockSynced flips ledger_synced after a confirmed transaction. The tx
// reference is required so an unconfirmed block can never read as synced.
func (p *PostgresRepository) MarkBlockSynced(clientIDHash, txRef string) error {
	_, err := p.db.Exec(`UPDATE blocked_clients SET ledger_synced = TRUE, ledger_tx_ref = $1
		WHERE client_id_hash = $2`, txRef, clientIDHash)
	return err
}

func (p *PostgresRepository) DeleteBlock(clientIDHash string) error {
	_, err := p.db.Exec(`DELETE FROM blocked_clients WHERE client_id_hash = $1`, clientIDHash)
	return err
}

func (p *PostgresRepository) DeleteExpiredBlocks() (int64, error) {
	res, err := p.db.Exec(`DELETE FROM blocked_clients WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Security log (append-only audit sink)

func (p *PostgresRepository) AppendSecurityLog(entry models.SecurityLogEntry) error {
	_, err := p.db.NamedExec(`
		INSERT INTO security_logs (timestamp, client_id, endpoint, method, user_agent,
			threat_score, threat_level, rate_score, pattern_score, session_score,
			entropy_score, auth_failure_score, action_taken, ledger_blocked, ledger_tx_ref)
		VALUES (:timestamp, :client_id, :endpoint, :method, :user_agent,
			:threat_score, :threat_level, :rate_score, :pattern_score, :session_score,
			:entropy_score, :auth_failure_score, :action_taken, :ledger_blocked, :ledger_tx_ref)`, entry)
	return err
}

func (p *PostgresRepository) GetStatistics(windowHours int) (*models.SecurityStats, error) {
	since := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)

	stats := &models.SecurityStats{
		WindowHours: windowHours,
		ByAction:    map[string]int{},
		ByLevel:     map[string]int{},
	}

	if err := p.db.Get(&stats.TotalRequests,
		`SELECT COUNT(*) FROM security_logs WHERE timestamp >= $1`, since); err != nil {
		return nil, err
	}
	if err := p.db.Get(&stats.AverageScore,
		`SELECT COALESCE(AVG(threat_score), 0) FROM security_logs WHERE timestamp >= $1`, since); err != nil {
		return nil, err
	}

	rows, err := p.db.Queryx(`SELECT action_taken, COUNT(*) FROM security_logs
		WHERE timestamp >= $1 GROUP BY action_taken`, since)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err == nil {
			stats.ByAction[action] = count
		}
	}
	rows.Close()

	rows, err = p.db.Queryx(`SELECT threat_level, COUNT(*) FROM security_logs
		WHERE timestamp >= $1 GROUP BY threat_level`, since)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err == nil {
			stats.ByLevel[level] = count
		}
	}
	rows.Close()

	err = p.db.Select(&stats.TopClients, `SELECT client_id, COUNT(*) AS count, AVG(threat_score) AS avg_score
		FROM security_logs WHERE timestamp >= $1
		GROUP BY client_id ORDER BY count DESC LIMIT 10`, since)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// Attack patterns

// InsertAttackPattern is idempotent on signature hash: a re-detected pattern
// only gains a tx reference if it was unsynced before.
func (p *PostgresRepository) InsertAttackPattern(rec models.CoordinatedAttackRecord) error {
	_, err := p.db.NamedExec(`
		INSERT INTO attack_patterns (signature_hash, pattern_json, client_count, request_count, severity, detected_at, ledger_synced, ledger_tx_ref)
		VALUES (:signature_hash, :pattern_json, :client_count, :request_count, :severity, :detected_at, :ledger_synced, :ledger_tx_ref)
		ON CONFLICT (signature_hash) DO UPDATE SET
			ledger_synced = attack_patterns.ledger_synced OR EXCLUDED.ledger_synced,
			ledger_tx_ref = CASE WHEN attack_patterns.ledger_tx_ref = '' THEN EXCLUDED.ledger_tx_ref ELSE attack_patterns.ledger_tx_ref END`, rec)
	return err
}

func (p *PostgresRepository) GetAttackPattern(signatureHash string) (*models.CoordinatedAttackRecord, error) {
	var rec models.CoordinatedAttackRecord
	err := p.db.Get(&rec, `SELECT signature_hash, pattern_json, client_count, request_count, severity, detected_at, ledger_synced, ledger_tx_ref
		FROM attack_patterns WHERE signature_hash = $1`, signatureHash)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresRepository) ListUnsyncedAttackPatterns(limit int) ([]models.CoordinatedAttackRecord, error) {
	var recs []models.CoordinatedAttackRecord
	err := p.db.Select(&recs, `SELECT signature_hash, pattern_json, client_count, request_count, severity, detected_at, ledger_synced, ledger_tx_ref
		FROM attack_patterns WHERE NOT ledger_synced ORDER BY detected_at ASC LIMIT $1`, limit)
	return recs, err
}

func (p *PostgresRepository) MarkAttackPatternSynced(signatureHash, txRef string) error {
	_, err := p.db.Exec(`UPDATE attack_patterns SET ledger_synced = TRUE, ledger_tx_ref = $1
		WHERE signature_hash = $2`, txRef, signatureHash)
	return err
}

func (p *PostgresRepository) Ping() error {
	return p.db.Ping()
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}
