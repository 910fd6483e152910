package security

import (
	"context"
	"encoding/json"
	"time"

	"threatgate/internal/config"
	"threatgate/internal/metrics"
	"threatgate/internal/models"
	"threatgate/internal/repository"

	zlog "github.com/rs/zerolog/log"
)

const (
	patternKeyPrefix   = "anomaly:pattern:"
	ipPatternKeyPrefix = "anomaly:ip_pattern:"
	attackKeyPrefix    = "anomaly:attack:"
	recentPatternDepth = 20
)

// trackedPattern is the per-client recent-request record kept in Redis.
type trackedPattern struct {
	Endpoint  string `json:"endpoint"`
	Method    string `json:"method"`
	UserAgent string `json:"user_agent"`
	Timestamp int64  `json:"timestamp"`
}

// signaturePayload is what gets published to the ledger for a detected
// attack. Keys are sorted by construction so the JSON is deterministic.
type signaturePayload struct {
	DetectedAt   string                 `json:"detected_at"`
	ClientCount  int                    `json:"client_count"`
	PatternData  map[string]interface{} `json:"pattern_data"`
	RequestCount int                    `json:"request_count"`
	Severity     int                    `json:"severity"`
}

// AttackDetector finds coordinated attacks: the same request shape arriving
// from enough distinct clients inside the detection window.
type AttackDetector struct {
	cfg      *config.Config
	redis    *repository.RedisRepository
	ledger   LedgerGateway
	patterns PatternStore
}

func NewAttackDetector(cfg *config.Config, redisRepo *repository.RedisRepository, ledgerClient LedgerGateway, patterns PatternStore) *AttackDetector {
	return &AttackDetector{cfg: cfg, redis: redisRepo, ledger: ledgerClient, patterns: patterns}
}

// Analyze tracks the request's pattern and returns a record when this
// request tips a pattern over the coordinated-attack threshold. At most one
// record per signature per window; later requests for an already-detected
// signature return nil.
func (d *AttackDetector) Analyze(ctx context.Context, view *RequestView) *models.CoordinatedAttackRecord {
	window := time.Duration(d.cfg.AttackWindowSecs) * time.Second
	sig := view.PatternSignature()

	d.trackPattern(ctx, view, sig, window)

	count, err := d.redis.SetSize(ctx, patternKeyPrefix+sig)
	if err != nil {
		zlog.Warn().Err(err).Msg("pattern set unavailable, skipping attack detection")
		return nil
	}
	if count < int64(d.cfg.AttackMinClients) {
		return nil
	}

	// First detector to set the marker owns the detection.
	acquired, err := d.redis.AcquireLock(ctx, attackKeyPrefix+sig, window)
	if err != nil || !acquired {
		return nil
	}

	clients, err := d.redis.SetMembers(ctx, patternKeyPrefix+sig)
	if err != nil {
		zlog.Error().Err(err).Msg("failed to enumerate attack participants")
		return nil
	}

	clientCount := len(clients)
	requestCount := d.countRequests(ctx, clients, sig)
	severity := attackSeverity(clientCount, requestCount)

	record := &models.CoordinatedAttackRecord{
		SignatureHash: sig,
		PatternJSON:   d.buildPatternJSON(view, clientCount, requestCount, severity),
		ClientCount:   clientCount,
		RequestCount:  requestCount,
		Severity:      severity,
		DetectedAt:    time.Now().UTC(),
	}

	zlog.Warn().
		Str("signature", sig).
		Int("clients", clientCount).
		Int("requests", requestCount).
		Int("severity", severity).
		Msg("coordinated attack detected")
	metrics.MetricAttacksDetected.Inc()

	d.publish(ctx, record)
	return record
}

func (d *AttackDetector) trackPattern(ctx context.Context, view *RequestView, sig string, window time.Duration) {
	entry, _ := json.Marshal(trackedPattern{
		Endpoint:  view.Endpoint(),
		Method:    view.Method,
		UserAgent: view.UserAgent,
		Timestamp: time.Now().Unix(),
	})
	if _, err := d.redis.PushList(ctx, ipPatternKeyPrefix+view.ClientID, string(entry), recentPatternDepth, window); err != nil {
		zlog.Warn().Err(err).Str("client", view.ClientID).Msg("failed to track client pattern")
	}
	if err := d.redis.AddToSet(ctx, patternKeyPrefix+sig, view.ClientID, window); err != nil {
		zlog.Warn().Err(err).Str("signature", sig).Msg("failed to track pattern membership")
	}
}

// countRequests reconstructs how many tracked requests across all
// participants match the signature.
func (d *AttackDetector) countRequests(ctx context.Context, clients []string, sig string) int {
	total := 0
	for _, client := range clients {
		entries, err := d.redis.ListRange(ctx, ipPatternKeyPrefix+client, 0, -1)
		if err != nil {
			continue
		}
		for _, raw := range entries {
			var tp trackedPattern
			if err := json.Unmarshal([]byte(raw), &tp); err != nil {
				continue
			}
			v := RequestView{Path: "/" + tp.Endpoint, Method: tp.Method, UserAgent: tp.UserAgent}
			if v.PatternSignature() == sig {
				total++
			}
		}
	}
	return total
}

func (d *AttackDetector) buildPatternJSON(view *RequestView, clientCount, requestCount, severity int) string {
	payload := signaturePayload{
		DetectedAt:  time.Now().UTC().Format(time.RFC3339),
		ClientCount: clientCount,
		PatternData: map[string]interface{}{
			"endpoint":            view.Endpoint(),
			"method":              view.Method,
			"user_agent_hash":     view.UserAgentHash(),
			"detection_threshold": d.cfg.AttackMinClients,
			"time_window_seconds": d.cfg.AttackWindowSecs,
		},
		RequestCount: requestCount,
		Severity:     severity,
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

// publish stores the record locally first, then attempts the ledger write.
// A ledger failure leaves the record unsynced for the background resync.
func (d *AttackDetector) publish(ctx context.Context, record *models.CoordinatedAttackRecord) {
	if err := d.patterns.InsertAttackPattern(*record); err != nil {
		zlog.Error().Err(err).Str("signature", record.SignatureHash).Msg("failed to persist attack pattern")
	}

	txRef, err := d.ledger.AddAttackSignature(ctx, record.PatternJSON, record.Severity)
	if err != nil {
		zlog.Warn().Err(err).Str("signature", record.SignatureHash).Msg("ledger signature publish failed, queued for resync")
		return
	}

	record.LedgerSynced = true
	record.LedgerTxRef = txRef
	if err := d.patterns.MarkAttackPatternSynced(record.SignatureHash, txRef); err != nil {
		zlog.Error().Err(err).Str("signature", record.SignatureHash).Msg("failed to mark attack pattern synced")
	}
}

// attackSeverity grades an attack from participant count and per-client
// request volume. Always within [6,10] for a detected attack.
func attackSeverity(clientCount, requestCount int) int {
	var base int
	switch {
	case clientCount >= 200:
		base = 10
	case clientCount >= 150:
		base = 9
	case clientCount >= 100:
		base = 8
	case clientCount >= 75:
		base = 7
	default:
		base = 6
	}

	if clientCount > 0 {
		perClient := float64(requestCount) / float64(clientCount)
		if perClient >= 20 {
			base += 2
		} else if perClient >= 10 {
			base++
		}
	}
	if base > 10 {
		base = 10
	}
	return base
}
