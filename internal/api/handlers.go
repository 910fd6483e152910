package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"threatgate/internal/config"
	"threatgate/internal/ledger"
	"threatgate/internal/metrics"
	"threatgate/internal/models"
	"threatgate/internal/repository"
	"threatgate/internal/security"
	"threatgate/internal/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type APIHandler struct {
	cfg       *config.Config
	redisRepo *repository.RedisRepository
	pgRepo    BlockRepository
	pipeline  *security.Pipeline
	captcha   *security.CaptchaManager
	ledger    LedgerProvider
	geo       *service.GeoService
	hub       *Hub

	adminPassHash []byte

	mainLimiter    gin.HandlerFunc
	captchaLimiter gin.HandlerFunc
}

func NewAPIHandler(cfg *config.Config, redisRepo *repository.RedisRepository, pgRepo BlockRepository, pipeline *security.Pipeline, captcha *security.CaptchaManager, ledgerClient LedgerProvider, geo *service.GeoService, hub *Hub) *APIHandler {
	passHash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to hash admin password")
	}
	return &APIHandler{
		cfg:           cfg,
		redisRepo:     redisRepo,
		pgRepo:        pgRepo,
		pipeline:      pipeline,
		captcha:       captcha,
		ledger:        ledgerClient,
		geo:           geo,
		hub:           hub,
		adminPassHash: passHash,
	}
}

func (h *APIHandler) SetLimiters(main, captcha gin.HandlerFunc) {
	h.mainLimiter = main
	h.captchaLimiter = captcha
}

// PrometheusMiddleware observes request latency per route template.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.MetricHttpDuration.WithLabelValues(path, c.Request.Method, status).Observe(time.Since(start).Seconds())
	}
}

// MetricsAuthMiddleware restricts /metrics to an IP allowlist.
func (h *APIHandler) MetricsAuthMiddleware() gin.HandlerFunc {
	allowed := map[string]bool{}
	for _, ip := range strings.Split(h.cfg.MetricsAllowedIPs, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			allowed[ip] = true
		}
	}
	return func(c *gin.Context) {
		if !allowed[c.ClientIP()] {
			zlog.Warn().Str("ip", c.ClientIP()).Msg("Metrics access denied")
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}

// AdminAuthMiddleware enforces basic auth against the configured admin
// credentials. The password comparison goes through bcrypt.
func (h *APIHandler) AdminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="threatgate admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.cfg.AdminUser)) == 1
		passOK := bcrypt.CompareHashAndPassword(h.adminPassHash, []byte(pass)) == nil
		if !userOK || !passOK {
			zlog.Warn().Str("ip", c.ClientIP()).Str("user", user).Msg("Admin authentication failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		c.Next()
	}
}

func (h *APIHandler) RegisterRoutes(r *gin.Engine) {
	r.Use(PrometheusMiddleware())

	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", h.MetricsAuthMiddleware(), gin.WrapH(promhttp.Handler()))

	captchaGroup := r.Group("/api/security")
	if h.captchaLimiter != nil {
		captchaGroup.Use(h.captchaLimiter)
	}
	{
		captchaGroup.GET("/captcha", h.IssueCaptcha)
		captchaGroup.POST("/captcha", h.IssueCaptcha)
		captchaGroup.POST("/captcha/verify", h.VerifyCaptcha)
	}

	r.GET("/ws", h.AdminAuthMiddleware(), h.WebSocketHandler)

	admin := r.Group("/api/admin")
	if h.mainLimiter != nil {
		admin.Use(h.mainLimiter)
	}
	admin.Use(h.AdminAuthMiddleware())
	{
		admin.POST("/block", h.AdminBlock)
		admin.POST("/unblock", h.AdminUnblock)
		admin.GET("/blocks", h.ListBlocks)
		admin.GET("/stats", h.Stats)
		admin.GET("/threat/:client", h.InspectThreat)
		admin.POST("/register", h.RegisterIdentity)
		admin.GET("/registered/:hash", h.CheckRegistered)
		admin.GET("/ws", h.WebSocketHandler)
	}
}

// Health reports the node's dependency state. Redis down means the node
// cannot score requests at all; a ledger outage only degrades it.
func (h *APIHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()

	redisOK := h.redisRepo.Ping(ctx) == nil
	postgresOK := h.pgRepo.Ping() == nil
	ledgerStatus := h.ledger.HealthCheck(ctx)

	if ledgerStatus != ledger.StatusHealthy && h.hub != nil {
		h.hub.BroadcastEvent(SecurityEvent{Type: EventLedgerDegraded, Detail: ledgerStatus})
	}

	status := ledgerStatus
	if !redisOK {
		status = ledger.StatusUnhealthy
	} else if !postgresOK && status == ledger.StatusHealthy {
		status = ledger.StatusDegraded
	}

	code := http.StatusOK
	if status == ledger.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status": status,
		"components": gin.H{
			"redis":    redisOK,
			"postgres": postgresOK,
			"ledger":   ledgerStatus,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *APIHandler) Ready(c *gin.Context) {
	if err := h.redisRepo.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// IssueCaptcha hands the caller a fresh arithmetic challenge.
func (h *APIHandler) IssueCaptcha(c *gin.Context) {
	clientID := c.ClientIP()
	dto, err := h.captcha.Issue(c.Request.Context(), clientID)
	if err != nil {
		zlog.Error().Err(err).Str("client", clientID).Msg("Failed to issue captcha")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue challenge"})
		return
	}

	if h.hub != nil {
		h.hub.BroadcastEvent(SecurityEvent{Type: EventCaptchaIssued, ClientID: clientID})
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      dto.Token,
		"challenge":  dto.Challenge,
		"expires_in": dto.ExpiresIn,
	})
}

type verifyCaptchaRequest struct {
	Token  string `json:"token" binding:"required"`
	Answer string `json:"answer" binding:"required"`
}

// VerifyCaptcha checks a submitted answer and returns a verification
// token the client presents on its next request.
func (h *APIHandler) VerifyCaptcha(c *gin.Context) {
	var req verifyCaptchaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token and answer are required"})
		return
	}

	clientID := c.ClientIP()
	verificationToken, err := h.captcha.VerifyAnswer(c.Request.Context(), req.Token, req.Answer, clientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    "Verification failed",
			"failures": h.captcha.FailureCount(c.Request.Context(), clientID),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"verification_token": verificationToken,
		"expires_in":         120,
		"header":             security.CaptchaTokenHeader,
	})
}

type blockRequest struct {
	ClientID        string `json:"client_id" binding:"required"`
	Reason          string `json:"reason"`
	DurationSeconds int    `json:"duration_seconds"`
}

// AdminBlock records a manual block locally and on the ledger.
func (h *APIHandler) AdminBlock(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required"})
		return
	}
	if req.Reason == "" {
		req.Reason = "Manually blocked by administrator"
	}
	duration := req.DurationSeconds
	if duration <= 0 {
		duration = h.cfg.AutoBlockDuration
	}

	ctx := c.Request.Context()
	clientHash := security.HashClientID(req.ClientID)

	txRef, err := h.ledger.Block(ctx, clientHash, duration, req.Reason, true)
	synced := err == nil
	if err != nil {
		zlog.Error().Err(err).Str("client", req.ClientID).Msg("Ledger block failed, keeping local block for resync")
	}

	expiresAt := time.Now().UTC().Add(time.Duration(duration) * time.Second)
	entry := models.BlockEntry{
		ClientIDHash: clientHash,
		Reason:       req.Reason,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    &expiresAt,
		IsManual:     true,
		LedgerSynced: synced,
		Geolocation:  h.geo.Lookup(req.ClientID),
	}
	if txRef != "" {
		entry.LedgerTxRef = &txRef
	}
	if err := h.pgRepo.UpsertBlock(entry); err != nil {
		zlog.Error().Err(err).Str("client", req.ClientID).Msg("Failed to persist manual block")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to persist block"})
		return
	}

	if err := h.redisRepo.ClearClientState(ctx, req.ClientID); err != nil {
		zlog.Warn().Err(err).Msg("Failed to clear tracked state after manual block")
	}

	go func() {
		logEntry := models.SecurityLogEntry{
			Timestamp:     time.Now().UTC(),
			ClientID:      req.ClientID,
			Endpoint:      "/api/admin/block",
			Method:        http.MethodPost,
			UserAgent:     "ADMIN",
			ThreatScore:   100,
			ThreatLevel:   models.ThreatLevelHigh,
			ActionTaken:   models.ActionBlocked,
			LedgerBlocked: synced,
		}
		if err := h.pgRepo.AppendSecurityLog(logEntry); err != nil {
			zlog.Error().Err(err).Msg("Failed to log manual block")
		}
	}()

	h.hub.BroadcastEvent(SecurityEvent{Type: EventBlocked, ClientID: req.ClientID, Action: models.ActionBlocked})
	resp := gin.H{
		"status":         "blocked",
		"client_id_hash": clientHash,
		"expires_at":     expiresAt.Format(time.RFC3339),
		"ledger_synced":  synced,
		"ledger_tx_ref":  txRef,
	}
	if entry.Geolocation != nil {
		resp["geolocation"] = entry.Geolocation
	}
	c.JSON(http.StatusOK, resp)
}

type unblockRequest struct {
	ClientID string `json:"client_id" binding:"required"`
}

// AdminUnblock removes a block locally and on the ledger.
func (h *APIHandler) AdminUnblock(c *gin.Context) {
	var req unblockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required"})
		return
	}

	ctx := c.Request.Context()
	clientHash := security.HashClientID(req.ClientID)

	txRef, err := h.ledger.Unblock(ctx, clientHash)
	if err != nil {
		zlog.Error().Err(err).Str("client", req.ClientID).Msg("Ledger unblock failed")
	}
	if err := h.pgRepo.DeleteBlock(clientHash); err != nil {
		zlog.Error().Err(err).Msg("Failed to delete local block")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove block"})
		return
	}
	if err := h.redisRepo.ClearClientState(ctx, req.ClientID); err != nil {
		zlog.Warn().Err(err).Msg("Failed to clear tracked state on unblock")
	}

	go func() {
		logEntry := models.SecurityLogEntry{
			Timestamp:   time.Now().UTC(),
			ClientID:    req.ClientID,
			Endpoint:    "/api/admin/unblock",
			Method:      http.MethodPost,
			UserAgent:   "ADMIN",
			ThreatLevel: models.ThreatLevelLow,
			ActionTaken: models.ActionUnblocked,
		}
		if err := h.pgRepo.AppendSecurityLog(logEntry); err != nil {
			zlog.Error().Err(err).Msg("Failed to log unblock")
		}
	}()

	h.hub.BroadcastEvent(SecurityEvent{Type: EventUnblocked, ClientID: req.ClientID, Action: models.ActionUnblocked})
	c.JSON(http.StatusOK, gin.H{
		"status":         "unblocked",
		"client_id_hash": clientHash,
		"ledger_tx_ref":  txRef,
	})
}

// ListBlocks returns all currently active local blocks.
func (h *APIHandler) ListBlocks(c *gin.Context) {
	blocks, err := h.pgRepo.ListActiveBlocks()
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to list blocks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list blocks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks, "count": len(blocks)})
}

// Stats aggregates decision counts over a sliding window.
func (h *APIHandler) Stats(c *gin.Context) {
	hours := 24
	if v := c.Query("hours"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 720 {
			hours = parsed
		}
	}

	stats, err := h.pgRepo.GetStatistics(hours)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to compute statistics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute statistics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"window_hours": hours,
		"stats":        stats,
		"ledger":       h.ledger.HealthCheck(c.Request.Context()),
	})
}

// InspectThreat scores a hypothetical request from the given client
// without recording a decision.
func (h *APIHandler) InspectThreat(c *gin.Context) {
	clientID := c.Param("client")
	view := &security.RequestView{
		ClientID:  clientID,
		Path:      c.DefaultQuery("endpoint", "/"),
		Method:    c.DefaultQuery("method", http.MethodGet),
		UserAgent: c.Query("user_agent"),
	}

	result := h.pipeline.Analyze(c.Request.Context(), view)
	if geo := h.geo.Lookup(clientID); geo != nil {
		result["geolocation"] = geo
	}
	c.JSON(http.StatusOK, result)
}

type registerRequest struct {
	Identity string `json:"identity" binding:"required"`
}

// RegisterIdentity records an identity hash on the shared ledger so other
// nodes treat it as known.
func (h *APIHandler) RegisterIdentity(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identity is required"})
		return
	}

	idHash := security.HashClientID(req.Identity)
	txRef, err := h.ledger.Register(c.Request.Context(), idHash)
	if err != nil {
		zlog.Error().Err(err).Msg("Ledger registration failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Registration could not be confirmed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "registered",
		"identity_hash": idHash,
		"ledger_tx_ref": txRef,
	})
}

// CheckRegistered answers whether an identity hash is known to the ledger.
func (h *APIHandler) CheckRegistered(c *gin.Context) {
	idHash := c.Param("hash")
	registered := h.ledger.IsRegistered(c.Request.Context(), idHash)
	c.JSON(http.StatusOK, gin.H{
		"identity_hash": idHash,
		"registered":    registered,
	})
}

// WebSocketHandler upgrades the connection and streams security events.
func (h *APIHandler) WebSocketHandler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to upgrade websocket")
		return
	}

	h.hub.register <- conn

	done := make(chan struct{})

	// Ping loop keeps intermediaries from closing idle connections.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(70 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(70 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(70 * time.Second))
	}

	close(done)
	h.hub.unregister <- conn
}
