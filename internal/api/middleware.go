package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"

	"threatgate/internal/config"
	"threatgate/internal/models"
	"threatgate/internal/repository"
	"threatgate/internal/security"
)

// CaptchaEndpoint is advertised to challenged clients.
const CaptchaEndpoint = "/api/security/captcha"

const (
	rateViolationBoost    = 15
	rateViolationBoostTTL = 5 * time.Minute
)

// SessionTracker stamps new sessions with their creation time so the
// pipeline can age-gate the challenge exemption.
func SessionTracker() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		if sess.Get(security.SessionStartKey) == nil {
			sess.Set(security.SessionStartKey, time.Now().Unix())
			if err := sess.Save(); err != nil {
				zlog.Debug().Err(err).Msg("Failed to stamp session start")
			}
		}
		c.Next()
	}
}

// LimitReachedHandler rejects a rate-limited request and feeds the
// violation back into the client's rate factor.
func LimitReachedHandler(redisRepo *repository.RedisRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.ClientIP()
		key := security.ThreatBoostKeyPrefix + clientID
		if err := redisRepo.SetWithTTL(c.Request.Context(), key, strconv.Itoa(rateViolationBoost), rateViolationBoostTTL); err != nil {
			zlog.Warn().Err(err).Str("client", clientID).Msg("Failed to record rate violation boost")
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "Rate limit exceeded",
		})
	}
}

// SecurityGate wraps the decision pipeline as a gin middleware. Every
// non-exempt request is scored and either passed through, challenged or
// rejected before it reaches the application handlers.
func SecurityGate(cfg *config.Config, pipeline *security.Pipeline, hub *Hub) gin.HandlerFunc {
	exempt := []string{}
	for _, p := range strings.Split(cfg.ExemptPaths, ",") {
		if p = strings.TrimSpace(p); p != "" {
			exempt = append(exempt, p)
		}
	}

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		for _, prefix := range exempt {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}

		view := security.FromGin(c, c.ClientIP())
		verdict := pipeline.Handle(c.Request.Context(), view)

		c.Set("threat_score", verdict.Score)
		c.Set("threat_level", verdict.Level)

		// The coordinated-attack factor is only present on the request
		// that tipped the detection, so this fires once per attack.
		if hub != nil {
			if boost, ok := verdict.Factors["coordinated_attack"]; ok && boost > 0 {
				hub.BroadcastEvent(SecurityEvent{
					Type:     EventAttackDetected,
					ClientID: view.ClientID,
					Score:    verdict.Score,
					Action:   verdict.Action,
				})
			}
		}

		switch verdict.Action {
		case models.ActionAllowed:
			c.Next()

		case models.ActionCaptcha:
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":            "Additional verification required",
				"reason":           verdict.Reason,
				"threat_score":     verdict.Score,
				"status":           "captcha_required",
				"captcha_endpoint": CaptchaEndpoint,
			})

		default:
			if hub != nil {
				hub.BroadcastEvent(SecurityEvent{
					Type:     EventBlocked,
					ClientID: view.ClientID,
					Score:    verdict.Score,
					Action:   verdict.Action,
				})
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":  "Access denied",
				"reason": verdict.Reason,
				"status": "blocked",
			})
		}
	}
}
