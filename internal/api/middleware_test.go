package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatgate/internal/security"
)

// testClientIP is where httptest requests appear to come from.
const testClientIP = "192.0.2.1"

func newGatedRouter(env *testEnv) *gin.Engine {
	r := gin.New()
	r.Use(SecurityGate(env.cfg, env.handler.pipeline, env.hub))
	r.GET("/app/data", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "score": c.GetInt("threat_score")})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	return r
}

func gatedGet(r *gin.Engine, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("User-Agent", "test-agent/1.0")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSecurityGateAllowsBenignRequest(t *testing.T) {
	env := newTestEnv(t)
	env.relaxed()
	r := newGatedRouter(env)

	w := gatedGet(r, "/app/data", map[string]string{"Authorization": "Bearer token"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeJSON(t, w.Body.String())["ok"])
}

func TestSecurityGateSkipsExemptPaths(t *testing.T) {
	env := newTestEnv(t)
	r := newGatedRouter(env)

	// Exempt paths bypass scoring entirely, so no mock expectations are
	// needed for the ledger or store.
	w := gatedGet(r, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSecurityGateSkipsOptions(t *testing.T) {
	env := newTestEnv(t)
	r := newGatedRouter(env)
	r.OPTIONS("/app/data", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodOptions, "/app/data", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestSecurityGateRejectsTempBlockedClient(t *testing.T) {
	env := newTestEnv(t)
	env.relaxed()
	r := newGatedRouter(env)

	require.NoError(t, env.redis.SetTempBlock(context.Background(), testClientIP, time.Hour))

	w := gatedGet(r, "/app/data", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	body := decodeJSON(t, w.Body.String())
	assert.Equal(t, "blocked", body["status"])
	assert.Equal(t, "Access denied", body["error"])
}

func TestSecurityGateChallengesMediumThreat(t *testing.T) {
	env := newTestEnv(t)
	env.relaxed()
	r := newGatedRouter(env)

	// No session, no cookies and a boosted rate push a first-seen client
	// into the captcha band without crossing the block threshold.
	require.NoError(t, env.redis.SetWithTTL(context.Background(), security.ThreatBoostKeyPrefix+testClientIP, "10", time.Minute))

	w := gatedGet(r, "/app/data", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	body := decodeJSON(t, w.Body.String())
	assert.Equal(t, "captcha_required", body["status"])
	assert.Equal(t, CaptchaEndpoint, body["captcha_endpoint"])
	assert.Greater(t, body["threat_score"], float64(39))
}

func TestSecurityGateBlocksHighThreat(t *testing.T) {
	env := newTestEnv(t)
	env.relaxed()
	r := newGatedRouter(env)

	ctx := context.Background()
	require.NoError(t, env.redis.SetWithTTL(ctx, security.ThreatBoostKeyPrefix+testClientIP, "20", time.Minute))
	require.NoError(t, env.redis.SetWithTTL(ctx, "auth_fail:"+testClientIP, "5", time.Minute))

	w := gatedGet(r, "/app/data", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "blocked", decodeJSON(t, w.Body.String())["status"])
}

func TestSecurityGateAcceptsVerificationToken(t *testing.T) {
	env := newTestEnv(t)
	env.relaxed()
	r := newGatedRouter(env)

	ctx := context.Background()
	require.NoError(t, env.redis.SetWithTTL(ctx, security.ThreatBoostKeyPrefix+testClientIP, "10", time.Minute))

	// Plant a solved verification token bound to the test client.
	require.NoError(t, env.redis.SetWithTTL(ctx, "captcha:solved-token",
		`{"client_id":"`+testClientIP+`","verified":true,"created_at":1}`, time.Minute))

	w := gatedGet(r, "/app/data", map[string]string{"X-Captcha-Token": "solved-token"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSecurityGateChallengesFreshAuthenticatedSession(t *testing.T) {
	env := newTestEnv(t)
	env.relaxed()

	r := gin.New()
	// An authenticated client whose session just started still faces the
	// challenge gate at medium threat.
	r.Use(func(c *gin.Context) {
		c.Set("authenticated_user", "alice")
		c.Next()
	})
	r.Use(SecurityGate(env.cfg, env.handler.pipeline, env.hub))
	r.GET("/app/data", func(c *gin.Context) { c.Status(http.StatusOK) })

	// The session factor drops to 0 for authenticated clients, so pile the
	// boost and auth failures up to the medium band.
	ctx := context.Background()
	require.NoError(t, env.redis.SetWithTTL(ctx, security.ThreatBoostKeyPrefix+testClientIP, "20", time.Minute))
	require.NoError(t, env.redis.SetWithTTL(ctx, "auth_fail:"+testClientIP, "5", time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/app/data", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "captcha_required", decodeJSON(t, w.Body.String())["status"])
}

func TestLimitReachedHandlerRecordsViolationBoost(t *testing.T) {
	env := newTestEnv(t)

	r := gin.New()
	r.GET("/app/data", LimitReachedHandler(env.redis))

	w := gatedGet(r, "/app/data", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	key := security.ThreatBoostKeyPrefix + testClientIP
	boost, err := env.mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "15", boost)
	assert.Positive(t, env.mr.TTL(key))
}

func TestSecurityGateBroadcastsAttackDetection(t *testing.T) {
	env := newTestEnv(t)
	env.relaxed()
	env.cfg.AttackMinClients = 2
	env.store.On("InsertAttackPattern", anyArg).Return(nil).Maybe()
	env.store.On("MarkAttackPatternSynced", anyArg, anyArg).Return(nil).Maybe()
	env.ledger.On("AddAttackSignature", anyArg, anyArg, anyArg).Return("0xsig", nil).Maybe()

	conn := dialWebSocket(t, env)
	time.Sleep(50 * time.Millisecond)

	// The same request shape from two distinct clients tips the detector.
	r := newGatedRouter(env)
	for _, addr := range []string{"192.0.2.21:1000", "192.0.2.22:1000"} {
		req := httptest.NewRequest(http.MethodGet, "/app/data", nil)
		req.Header.Set("User-Agent", "scripted-agent/1.0")
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)

		var event SecurityEvent
		require.NoError(t, json.Unmarshal(payload, &event))
		if event.Type == EventAttackDetected {
			assert.Equal(t, "192.0.2.22", event.ClientID)
			return
		}
	}
}
