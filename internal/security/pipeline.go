package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"threatgate/internal/config"
	"threatgate/internal/metrics"
	"threatgate/internal/models"
	"threatgate/internal/repository"

	zlog "github.com/rs/zerolog/log"
)

// CaptchaTokenHeader carries a verification token obtained from the
// captcha endpoints.
const CaptchaTokenHeader = "X-Captcha-Token"

const attackScoreBoost = 30

// establishedSessionSecs is the minimum session age before an authenticated
// client skips the challenge gate.
const establishedSessionSecs = 300

// Verdict is the pipeline's decision for one request.
type Verdict struct {
	Action     string
	StatusCode int
	Score      int
	Level      string
	Factors    map[string]int
	Reason     string
}

// Allow reports whether the request may proceed to the application.
func (v Verdict) Allow() bool {
	return v.Action == models.ActionAllowed
}

// HashClientID derives the stable identity hash used for ledger and local
// block records. Raw client identifiers never leave the node.
func HashClientID(clientID string) string {
	sum := sha256.Sum256([]byte(clientID))
	return hex.EncodeToString(sum[:])
}

// Pipeline runs the full decision sequence for a request: block checks,
// scoring, attack detection, then the action ladder. Infrastructure
// failures always degrade toward allowing the request.
type Pipeline struct {
	cfg      *config.Config
	scores   *ScoreCalculator
	detector *AttackDetector
	captcha  *CaptchaManager
	ledger   LedgerGateway
	redis    *repository.RedisRepository
	blocks   BlockStore
	index    BlockIndex
}

func NewPipeline(cfg *config.Config, scores *ScoreCalculator, detector *AttackDetector, captcha *CaptchaManager, ledgerClient LedgerGateway, redisRepo *repository.RedisRepository, blocks BlockStore) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		scores:   scores,
		detector: detector,
		captcha:  captcha,
		ledger:   ledgerClient,
		redis:    redisRepo,
		blocks:   blocks,
	}
}

// SetBlockIndex installs a probabilistic front-check for the local block
// lookup. Optional.
func (p *Pipeline) SetBlockIndex(index BlockIndex) {
	p.index = index
}

// Handle decides the fate of one request.
func (p *Pipeline) Handle(ctx context.Context, view *RequestView) Verdict {
	clientHash := HashClientID(view.ClientID)

	if p.isBlocked(ctx, view.ClientID, clientHash) {
		zlog.Warn().Str("client", view.ClientID).Str("path", view.Path).Msg("request from blocked client rejected")
		p.auditDetached(ctx, view, 100, map[string]int{}, models.ActionLedgerBlocked)
		return p.verdict(models.ActionLedgerBlocked, http.StatusForbidden, 100, nil, "client blocked by security policy")
	}

	assessment := p.scores.Assess(ctx, view)
	score := assessment.TotalScore
	factors := assessment.Factors

	if record := p.detector.Analyze(ctx, view); record != nil {
		score += attackScoreBoost
		if score > 100 {
			score = 100
		}
		factors["coordinated_attack"] = attackScoreBoost
	}

	switch {
	case score >= p.cfg.ThresholdAutoBlock:
		zlog.Warn().Str("client", view.ClientID).Int("score", score).Msg("auto-blocking client")
		txRef := p.autoBlock(ctx, view.ClientID, clientHash, score)
		p.auditDetachedRef(ctx, view, score, factors, models.ActionAutoBlocked, txRef)
		return p.verdict(models.ActionAutoBlocked, http.StatusForbidden, score, factors, "suspicious activity detected, client blocked")

	case p.scores.ShouldBlock(score):
		zlog.Warn().Str("client", view.ClientID).Int("score", score).Msg("high threat request blocked")
		p.auditDetached(ctx, view, score, factors, models.ActionBlocked)
		return p.verdict(models.ActionBlocked, http.StatusForbidden, score, factors, "multiple security violations detected")

	case p.scores.ShouldChallenge(score):
		// Authenticated clients with an established session and API
		// credential holders skip the challenge gate.
		if (view.IsAuthenticated && view.SessionAge > establishedSessionSecs) || view.HasAuthHeader() {
			p.auditDetached(ctx, view, score, factors, models.ActionAllowed)
			return p.verdict(models.ActionAllowed, http.StatusOK, score, factors, "")
		}
		if token := view.Header(CaptchaTokenHeader); token != "" && p.captcha.Redeem(ctx, token, view.ClientID) {
			zlog.Info().Str("client", view.ClientID).Int("score", score).Msg("captcha verified, request allowed")
			p.auditDetached(ctx, view, score, factors, models.ActionAllowed)
			return p.verdict(models.ActionAllowed, http.StatusOK, score, factors, "")
		}
		p.auditDetached(ctx, view, score, factors, models.ActionCaptcha)
		return p.verdict(models.ActionCaptcha, http.StatusTooManyRequests, score, factors, "captcha verification required")
	}

	p.auditDetached(ctx, view, score, factors, models.ActionAllowed)
	return p.verdict(models.ActionAllowed, http.StatusOK, score, factors, "")
}

func (p *Pipeline) verdict(action string, status, score int, factors map[string]int, reason string) Verdict {
	metrics.MetricDecisionsTotal.WithLabelValues(action).Inc()
	return Verdict{
		Action:     action,
		StatusCode: status,
		Score:      score,
		Level:      p.scores.Level(score),
		Factors:    factors,
		Reason:     reason,
	}
}

// isBlocked checks, in order, the shared ledger, the local synced
// blocklist and the temporary local block list. Any positive answer
// rejects the request; total failure of all three allows it.
func (p *Pipeline) isBlocked(ctx context.Context, clientID, clientHash string) bool {
	if p.ledger.IsBlocked(ctx, clientHash) {
		return true
	}
	if p.index == nil || p.index.MightBeBlocked(clientHash) {
		if blocked, err := p.blocks.IsBlockedLocally(clientHash); err == nil && blocked {
			return true
		}
	}
	if blocked, err := p.redis.IsTempBlocked(ctx, clientID); err == nil && blocked {
		return true
	}
	return false
}

// autoBlock writes the block to the ledger and the local blocklist, and
// returns the ledger reference when the write confirmed. The local record
// is kept regardless of ledger outcome so the background resync can repair
// a missed ledger write.
func (p *Pipeline) autoBlock(ctx context.Context, clientID, clientHash string, score int) string {
	detached := context.WithoutCancel(ctx)
	reason := fmt.Sprintf("Auto-blocked: threat score %d (threshold: %d)", score, p.cfg.ThresholdAutoBlock)
	expiresAt := time.Now().UTC().Add(time.Duration(p.cfg.AutoBlockDuration) * time.Second)

	txRef, err := p.ledger.Block(detached, clientHash, p.cfg.AutoBlockDuration, reason, false)
	synced := err == nil
	if err != nil {
		zlog.Error().Err(err).Str("client", clientID).Msg("ledger block failed, keeping local block for resync")
	}

	entry := models.BlockEntry{
		ClientIDHash: clientHash,
		Reason:       reason,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    &expiresAt,
		IsManual:     false,
		LedgerSynced: synced,
	}
	if txRef != "" {
		entry.LedgerTxRef = &txRef
	}
	if err := p.blocks.UpsertBlock(entry); err != nil {
		zlog.Error().Err(err).Str("client", clientID).Msg("failed to persist local block")
	}
	if p.index != nil {
		p.index.Add(clientHash)
	}

	if err := p.redis.ClearClientState(detached, clientID); err != nil {
		zlog.Warn().Err(err).Str("client", clientID).Msg("failed to clear tracked state after block")
	}
	return txRef
}

// auditDetached appends the audit record without holding up the request.
func (p *Pipeline) auditDetached(ctx context.Context, view *RequestView, score int, factors map[string]int, action string) {
	p.auditDetachedRef(ctx, view, score, factors, action, "")
}

// auditDetachedRef is auditDetached with the ledger reference already
// resolved, so the record lands complete.
func (p *Pipeline) auditDetachedRef(_ context.Context, view *RequestView, score int, factors map[string]int, action, txRef string) {
	go func() {
		entry := models.SecurityLogEntry{
			Timestamp:     time.Now().UTC(),
			ClientID:      view.ClientID,
			Endpoint:      view.Path,
			Method:        view.Method,
			UserAgent:     view.UserAgent,
			ThreatScore:   score,
			ThreatLevel:   p.scores.Level(score),
			RateScore:     factors["rate"],
			PatternScore:  factors["pattern"],
			SessionScore:  factors["session"],
			EntropyScore:  factors["entropy"],
			AuthFailScore: factors["auth_failures"],
			ActionTaken:   action,
			LedgerBlocked: action == models.ActionAutoBlocked || action == models.ActionLedgerBlocked,
			LedgerTxRef:   txRef,
		}
		if err := p.blocks.AppendSecurityLog(entry); err != nil {
			zlog.Error().Err(err).Str("client", view.ClientID).Msg("failed to append security log")
		}
	}()
}

// Analyze runs scoring without side-effecting the decision ladder, for the
// admin threat inspection endpoint.
func (p *Pipeline) Analyze(ctx context.Context, view *RequestView) map[string]interface{} {
	assessment := p.scores.Assess(ctx, view)

	var action string
	switch {
	case assessment.TotalScore >= p.cfg.ThresholdAutoBlock:
		action = "auto_block"
	case p.scores.ShouldBlock(assessment.TotalScore):
		action = "block"
	case p.scores.ShouldChallenge(assessment.TotalScore):
		action = "captcha"
	default:
		action = "allow"
	}

	return map[string]interface{}{
		"client_id":    view.ClientID,
		"threat_score": assessment.TotalScore,
		"threat_level": assessment.Level,
		"action":       action,
		"factors":      assessment.Factors,
		"thresholds": map[string]int{
			"medium":     p.cfg.ThresholdMedium,
			"high":       p.cfg.ThresholdHigh,
			"auto_block": p.cfg.ThresholdAutoBlock,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}
