package security

import (
	"context"
	"strconv"
	"strings"
	"time"

	"threatgate/internal/config"
	"threatgate/internal/metrics"
	"threatgate/internal/models"
	"threatgate/internal/repository"

	zlog "github.com/rs/zerolog/log"
)

const (
	rateWindow       = 60 * time.Second
	patternWindow    = 300 * time.Second
	patternDepth     = 20
	patternMinSample = 10
	uaWindow         = time.Hour
	authFailWindow   = 600 * time.Second
)

// ThreatBoostKeyPrefix keys the 0-15 rate-violation boost written by the
// rate limit middleware and folded into the rate factor.
const ThreatBoostKeyPrefix = "threat_boost:"

// ScoreCalculator produces the multi-factor threat score for a request.
// Every factor degrades to 0 on infrastructure failure so scoring never
// rejects a request by accident.
type ScoreCalculator struct {
	cfg    *config.Config
	redis  *repository.RedisRepository
	ledger LedgerGateway
}

func NewScoreCalculator(cfg *config.Config, redisRepo *repository.RedisRepository, ledgerClient LedgerGateway) *ScoreCalculator {
	return &ScoreCalculator{cfg: cfg, redis: redisRepo, ledger: ledgerClient}
}

// Assess scores the request and classifies the result. Factors are recorded
// individually so the audit log can explain every decision.
func (s *ScoreCalculator) Assess(ctx context.Context, view *RequestView) *models.ThreatAssessment {
	factors := map[string]int{
		"rate":            s.rateScore(ctx, view.ClientID),
		"pattern":         s.patternScore(ctx, view),
		"session":         s.sessionScore(view),
		"entropy":         s.entropyScore(ctx, view),
		"auth_failures":   s.authFailureScore(ctx, view.ClientID),
		"signature_match": s.signatureScore(ctx, view),
	}

	total := 0
	for _, v := range factors {
		total += v
	}
	if total > 100 {
		total = 100
	}

	metrics.MetricThreatScore.Observe(float64(total))

	return &models.ThreatAssessment{
		ClientID:   view.ClientID,
		Timestamp:  time.Now().UTC(),
		Factors:    factors,
		TotalScore: total,
		Level:      s.Level(total),
	}
}

// Level maps a score to its classification band.
func (s *ScoreCalculator) Level(score int) string {
	switch {
	case score >= s.cfg.ThresholdHigh:
		return models.ThreatLevelHigh
	case score >= s.cfg.ThresholdMedium:
		return models.ThreatLevelMedium
	default:
		return models.ThreatLevelLow
	}
}

func (s *ScoreCalculator) ShouldBlock(score int) bool {
	return score >= s.cfg.ThresholdHigh
}

func (s *ScoreCalculator) ShouldChallenge(score int) bool {
	return score >= s.cfg.ThresholdMedium && score < s.cfg.ThresholdHigh
}

// rateScore counts requests in a rolling one-minute window. External rate
// limit violations feed in through the threat_boost key.
func (s *ScoreCalculator) rateScore(ctx context.Context, clientID string) int {
	count, err := s.redis.IncrWithTTL(ctx, "rate:"+clientID, rateWindow)
	if err != nil {
		zlog.Warn().Err(err).Str("client", clientID).Msg("rate tracking unavailable")
		return 0
	}

	var base int
	switch {
	case count > 100:
		base = 20
	case count > 80:
		base = 18
	case count > 60:
		base = 15
	case count > 40:
		base = 12
	case count > 30:
		base = 8
	case count > 20:
		base = 5
	case count > 15:
		base = 3
	}

	boost := 0
	if raw, err := s.redis.Get(ctx, ThreatBoostKeyPrefix+clientID); err == nil && raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			boost = n
		}
	}

	score := base + boost
	if score > 20 {
		score = 20
	}
	return score
}

// patternScore tracks the last 20 endpoints and scores by repetition ratio.
// The current request is pushed before the ratio is computed.
func (s *ScoreCalculator) patternScore(ctx context.Context, view *RequestView) int {
	key := "pattern:" + view.ClientID
	if _, err := s.redis.PushList(ctx, key, view.Endpoint(), patternDepth, patternWindow); err != nil {
		zlog.Warn().Err(err).Str("client", view.ClientID).Msg("pattern tracking unavailable")
		return 0
	}

	endpoints, err := s.redis.ListRange(ctx, key, 0, -1)
	if err != nil || len(endpoints) < patternMinSample {
		return 0
	}

	unique := make(map[string]struct{}, len(endpoints))
	for _, e := range endpoints {
		unique[e] = struct{}{}
	}
	repetition := 1 - float64(len(unique))/float64(len(endpoints))

	switch {
	case repetition > 0.8:
		return 25
	case repetition > 0.7:
		return 20
	case repetition > 0.6:
		return 15
	case repetition > 0.5:
		return 10
	case repetition > 0.4:
		return 5
	}
	return 0
}

// sessionScore penalizes clients with no identity signals. Authenticated
// users and API callers are never penalized.
func (s *ScoreCalculator) sessionScore(view *RequestView) int {
	switch {
	case view.IsAuthenticated:
		return 0
	case view.HasAuthHeader():
		return 0
	case !view.HasSession && view.CookieCount == 0:
		return 20
	case !view.HasSession:
		return 15
	case view.CookieCount < 2:
		return 10
	}
	return 0
}

// entropyScore uses per-client user agent variety as an entropy proxy.
func (s *ScoreCalculator) entropyScore(ctx context.Context, view *RequestView) int {
	if view.UserAgent == "" {
		return 15
	}

	key := "ua:" + view.ClientID
	if err := s.redis.AddToSet(ctx, key, view.UserAgent, uaWindow); err != nil {
		zlog.Warn().Err(err).Str("client", view.ClientID).Msg("user agent tracking unavailable")
		return 0
	}

	count, err := s.redis.SetSize(ctx, key)
	if err != nil {
		return 0
	}

	switch {
	case count <= 1:
		return 15
	case count > 10:
		return 12
	case count > 5:
		return 8
	}
	return 0
}

func (s *ScoreCalculator) authFailureScore(ctx context.Context, clientID string) int {
	raw, err := s.redis.Get(ctx, "auth_fail:"+clientID)
	if err != nil || raw == "" {
		return 0
	}
	failures, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}

	switch {
	case failures > 5:
		return 10
	case failures > 3:
		return 7
	case failures > 1:
		return 3
	}
	return 0
}

// RecordAuthFailure bumps the failure counter; the window starts at the
// first failure.
func (s *ScoreCalculator) RecordAuthFailure(ctx context.Context, clientID string) {
	count, err := s.redis.IncrWithTTL(ctx, "auth_fail:"+clientID, authFailWindow)
	if err != nil {
		zlog.Warn().Err(err).Str("client", clientID).Msg("failed to record auth failure")
		return
	}
	zlog.Info().Str("client", clientID).Int64("failures", count).Msg("auth failure recorded")
}

// ClearAuthFailures resets the counter, typically after a successful login.
func (s *ScoreCalculator) ClearAuthFailures(ctx context.Context, clientID string) {
	if err := s.redis.Delete(ctx, "auth_fail:"+clientID); err != nil {
		zlog.Warn().Err(err).Str("client", clientID).Msg("failed to clear auth failures")
	}
}

// signatureScore matches the request against the shared signature registry.
// First match wins; score scales with signature severity up to 30.
func (s *ScoreCalculator) signatureScore(ctx context.Context, view *RequestView) int {
	signatures := s.ledger.GetAttackSignatures(ctx)
	for _, sig := range signatures {
		if s.matchesSignature(ctx, view, sig) {
			score := sig.Severity * 3
			if score > 30 {
				score = 30
			}
			zlog.Warn().
				Str("client", view.ClientID).
				Str("signature", sig.Hash).
				Int("severity", sig.Severity).
				Msg("attack signature match")
			return score
		}
	}
	return 0
}

// matchesSignature checks every present predicate; absent predicates match.
func (s *ScoreCalculator) matchesSignature(ctx context.Context, view *RequestView, sig models.AttackSignature) bool {
	p := sig.Pattern

	if p.EndpointPattern != "" && !strings.Contains(view.Path, p.EndpointPattern) {
		return false
	}
	if p.Method != "" && p.Method != view.Method {
		return false
	}
	if p.UserAgentPattern != "" && !strings.Contains(view.UserAgent, p.UserAgentPattern) {
		return false
	}

	if p.MinRate > 0 {
		raw, err := s.redis.Get(ctx, "rate:"+view.ClientID)
		if err != nil || raw == "" {
			return false
		}
		rate, err := strconv.Atoi(raw)
		if err != nil || rate < p.MinRate {
			return false
		}
	}

	if p.MinRepetitionRatio > 0 {
		endpoints, err := s.redis.ListRange(ctx, "pattern:"+view.ClientID, 0, -1)
		if err == nil && len(endpoints) >= patternMinSample {
			unique := make(map[string]struct{}, len(endpoints))
			for _, e := range endpoints {
				unique[e] = struct{}{}
			}
			repetition := 1 - float64(len(unique))/float64(len(endpoints))
			if repetition < p.MinRepetitionRatio {
				return false
			}
		}
	}

	for param, expected := range p.QueryParams {
		if view.Query[param] != expected {
			return false
		}
	}
	for header, expected := range p.Headers {
		if view.Header(header) != expected {
			return false
		}
	}
	return true
}
