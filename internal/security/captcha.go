package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"threatgate/internal/config"
	"threatgate/internal/metrics"
	"threatgate/internal/models"
	"threatgate/internal/repository"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
)

const (
	challengeTTL    = 300 * time.Second
	verificationTTL = 120 * time.Second
	captchaKey      = "captcha:"
	failureKey      = "captcha_failures:"
)

var ErrChallengeNotFound = errors.New("captcha challenge not found or expired")

// verificationRecord is the short-lived token state proving a solved
// challenge. Stored under the same captcha: prefix as challenges.
type verificationRecord struct {
	ClientID  string `json:"client_id"`
	Verified  bool   `json:"verified"`
	CreatedAt int64  `json:"created_at"`
}

// CaptchaManager issues arithmetic challenges and verifies answers.
// Challenges and verification tokens are bound to the issuing client and
// are single use.
type CaptchaManager struct {
	cfg   *config.Config
	redis *repository.RedisRepository
	audit AuditSink
}

func NewCaptchaManager(cfg *config.Config, redisRepo *repository.RedisRepository, audit AuditSink) *CaptchaManager {
	return &CaptchaManager{cfg: cfg, redis: redisRepo, audit: audit}
}

// Issue creates a fresh challenge for the client. Tokens are unguessable
// and expire after five minutes.
func (m *CaptchaManager) Issue(ctx context.Context, clientID string) (*models.ChallengeDTO, error) {
	a := rand.Intn(10) + 1
	b := rand.Intn(10) + 1

	var answer int
	var op string
	switch rand.Intn(3) {
	case 0:
		op, answer = "+", a+b
	case 1:
		op, answer = "-", a-b
	default:
		op, answer = "*", a*b
	}

	token := uuid.NewString()
	challenge := models.CaptchaChallenge{
		ClientID:       clientID,
		ChallengeText:  fmt.Sprintf("%d %s %d = ?", a, op, b),
		ExpectedAnswer: answer,
		CreatedAt:      time.Now().UTC(),
	}

	data, err := json.Marshal(challenge)
	if err != nil {
		return nil, err
	}
	if err := m.redis.SetWithTTL(ctx, captchaKey+token, string(data), challengeTTL); err != nil {
		return nil, fmt.Errorf("failed to store captcha challenge: %w", err)
	}

	metrics.MetricCaptcha.WithLabelValues("issued").Inc()
	zlog.Debug().Str("client", clientID).Str("token", token).Msg("captcha challenge issued")

	return &models.ChallengeDTO{
		Token:     token,
		Challenge: challenge.ChallengeText,
		ExpiresIn: int(challengeTTL.Seconds()),
	}, nil
}

// VerifyAnswer checks a submitted answer. On success the challenge is
// consumed and a short-lived verification token is returned; a wrong answer
// counts toward the failure escalation.
func (m *CaptchaManager) VerifyAnswer(ctx context.Context, token, answer, clientID string) (string, error) {
	raw, err := m.redis.Get(ctx, captchaKey+token)
	if err != nil || raw == "" {
		m.recordFailure(ctx, clientID)
		return "", ErrChallengeNotFound
	}

	var challenge models.CaptchaChallenge
	if err := json.Unmarshal([]byte(raw), &challenge); err != nil {
		m.recordFailure(ctx, clientID)
		return "", ErrChallengeNotFound
	}
	if challenge.ClientID != clientID {
		zlog.Warn().Str("client", clientID).Str("token", token).Msg("captcha client mismatch")
		m.recordFailure(ctx, clientID)
		return "", ErrChallengeNotFound
	}

	got, err := strconv.Atoi(answer)
	if err != nil || got != challenge.ExpectedAnswer {
		metrics.MetricCaptcha.WithLabelValues("failed").Inc()
		m.recordFailure(ctx, clientID)
		return "", errors.New("incorrect captcha answer")
	}

	// Consume the challenge before minting the verification token.
	if err := m.redis.Delete(ctx, captchaKey+token); err != nil {
		zlog.Warn().Err(err).Str("token", token).Msg("failed to consume captcha challenge")
	}

	verificationToken := uuid.NewString()
	record, _ := json.Marshal(verificationRecord{
		ClientID:  clientID,
		Verified:  true,
		CreatedAt: time.Now().Unix(),
	})
	if err := m.redis.SetWithTTL(ctx, captchaKey+verificationToken, string(record), verificationTTL); err != nil {
		return "", fmt.Errorf("failed to store verification token: %w", err)
	}

	metrics.MetricCaptcha.WithLabelValues("solved").Inc()
	zlog.Info().Str("client", clientID).Msg("captcha solved")
	return verificationToken, nil
}

// Redeem consumes a verification token presented with a request. Valid
// tokens clear the failure counter and soften the client's tracked threat
// factors; invalid ones count as a failure.
func (m *CaptchaManager) Redeem(ctx context.Context, token, clientID string) bool {
	raw, err := m.redis.Get(ctx, captchaKey+token)
	if err != nil || raw == "" {
		m.recordFailure(ctx, clientID)
		return false
	}

	var record verificationRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil || !record.Verified || record.ClientID != clientID {
		m.recordFailure(ctx, clientID)
		return false
	}

	// Single use.
	if err := m.redis.Delete(ctx, captchaKey+token, failureKey+clientID); err != nil {
		zlog.Warn().Err(err).Str("client", clientID).Msg("failed to consume verification token")
	}

	m.softenThreatFactors(ctx, clientID)
	metrics.MetricCaptcha.WithLabelValues("redeemed").Inc()
	return true
}

// softenThreatFactors lowers the rate counter and trims pattern history so
// a verified human is not immediately re-challenged.
func (m *CaptchaManager) softenThreatFactors(ctx context.Context, clientID string) {
	rateKey := "rate:" + clientID
	if raw, err := m.redis.Get(ctx, rateKey); err == nil && raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			if n -= 20; n > 0 {
				_ = m.redis.SetWithTTL(ctx, rateKey, strconv.Itoa(n), rateWindow)
			} else {
				_ = m.redis.Delete(ctx, rateKey)
			}
		}
	}
	if err := m.redis.TrimList(ctx, "pattern:"+clientID, 0, 10); err != nil {
		zlog.Debug().Err(err).Str("client", clientID).Msg("failed to trim pattern history")
	}
}

// recordFailure bumps the failure counter and escalates to a temporary
// local block once the limit is reached.
func (m *CaptchaManager) recordFailure(ctx context.Context, clientID string) {
	failures, err := m.redis.IncrWithTTL(ctx, failureKey+clientID, time.Duration(m.cfg.CaptchaBlockSecs)*time.Second)
	if err != nil {
		zlog.Warn().Err(err).Str("client", clientID).Msg("failed to record captcha failure")
		return
	}

	zlog.Warn().Str("client", clientID).Int64("failures", failures).Msg("captcha failure")

	if failures < int64(m.cfg.CaptchaMaxFailures) {
		return
	}

	blockFor := time.Duration(m.cfg.CaptchaBlockSecs) * time.Second
	if err := m.redis.SetTempBlock(ctx, clientID, blockFor); err != nil {
		zlog.Error().Err(err).Str("client", clientID).Msg("failed to apply captcha temp block")
		return
	}

	metrics.MetricCaptcha.WithLabelValues("escalated").Inc()
	zlog.Error().Str("client", clientID).Int64("failures", failures).Msg("client temporarily blocked after repeated captcha failures")

	if err := m.audit.AppendSecurityLog(models.SecurityLogEntry{
		Timestamp:   time.Now().UTC(),
		ClientID:    clientID,
		Endpoint:    "/captcha_failure",
		Method:      "CAPTCHA",
		UserAgent:   "CAPTCHA_FAILURE",
		ThreatScore: 70,
		ThreatLevel: models.ThreatLevelHigh,
		ActionTaken: models.ActionCaptchaBlock,
	}); err != nil {
		zlog.Error().Err(err).Msg("failed to log captcha escalation")
	}
}

// FailureCount reports the current failure count for a client.
func (m *CaptchaManager) FailureCount(ctx context.Context, clientID string) int {
	raw, err := m.redis.Get(ctx, failureKey+clientID)
	if err != nil || raw == "" {
		return 0
	}
	n, _ := strconv.Atoi(raw)
	return n
}
