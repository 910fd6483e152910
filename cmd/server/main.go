package main

import (
	"context"
	"crypto/sha256"
	"embed"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"threatgate/internal/api"
	"threatgate/internal/app"
	"threatgate/internal/config"
	"threatgate/internal/security"
	"threatgate/internal/tasks"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/redis"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	rdb "github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

//go:embed migrations/*
var migrationsFS embed.FS

type CensorWriter struct {
	io.Writer
	re *regexp.Regexp
}

func (w *CensorWriter) Write(p []byte) (n int, err error) {
	// Mask common sensitive keys in JSON/text logs
	censored := w.re.ReplaceAll(p, []byte(`${1}${2}[CENSORED]`))
	return w.Writer.Write(censored)
}

func main() {
	// 0. Setup Structured Logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	censorRE := regexp.MustCompile(`(?i)(password|secret|token|api_key)(["':\s]+)([^"'\s,{}]+)`)
	cw := &CensorWriter{
		Writer: zerolog.ConsoleWriter{Out: os.Stderr},
		re:     censorRE,
	}
	zlog.Logger = zerolog.New(cw).With().Timestamp().Logger()

	cfg := config.Load()

	if !cfg.LogWeb {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if cfg.SecretKey == "change-me" {
		zlog.Warn().Msg("SECRET_KEY is using default. Please set a 32-byte string via environment variable.")
	}

	// Derive two distinct 32-byte keys from the configured secret, one
	// for cookie signing and one for cookie encryption.
	hash := sha256.New()
	hash.Write([]byte(cfg.SecretKey))
	authKey := hash.Sum(nil)

	hash.Reset()
	hash.Write([]byte(cfg.SecretKey + "_encryption"))
	blockKey := hash.Sum(nil)

	// Run Migrations
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to create iofs source")
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, cfg.PostgresURL)
	if err == nil {
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			zlog.Error().Err(err).Msg("Migration error")
		} else if err == migrate.ErrNoChange {
			zlog.Info().Msg("Database is up to date (no migrations needed)")
		} else {
			zlog.Info().Msg("Database migrations applied successfully")
		}
	} else {
		zlog.Error().Err(err).Msg("Failed to initialize migrations")
	}

	// 1. Bootstrap shared state
	a, err := app.Bootstrap(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to bootstrap app")
	}
	defer a.Close()

	// 2. Start the background worker in-process when configured
	var asynqServer *asynq.Server
	if cfg.RunWorkerInProcess {
		zlog.Info().Msg("Starting background worker in-process")

		a.Scheduler.Start()

		asynqServer = asynq.NewServer(
			a.RedisOpts,
			asynq.Config{
				Concurrency: 10,
				Queues: map[string]int{
					"default": 5,
					"low":     2,
				},
			},
		)

		asynqMux := asynq.NewServeMux()
		asynqMux.Handle(tasks.TypeLedgerSyncBlocks, tasks.NewLedgerSyncHandler(a.Ledger, a.PgRepo))
		asynqMux.Handle(tasks.TypeLedgerSyncSignatures, tasks.NewLedgerSyncHandler(a.Ledger, a.PgRepo))
		asynqMux.Handle(tasks.TypeLedgerCleanup, tasks.NewLedgerCleanupHandler(a.Ledger, a.PgRepo))

		go func() {
			if err := asynqServer.Run(asynqMux); err != nil {
				zlog.Fatal().Err(err).Msg("Failed to run asynq server")
			}
		}()
	} else {
		zlog.Info().Msg("Background worker disabled (external worker expected)")
	}

	// 3. Initialize WebSocket Hub
	hub := api.NewHub()
	go hub.Run()

	// 4. Setup Gin
	if !cfg.LogWeb {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	// Trusted proxies are required for correct client IP attribution,
	// which everything downstream keys on.
	trustedProxies := []string{"127.0.0.1", "172.16.0.0/12", "10.0.0.0/8", "192.168.0.0/16"}
	if cfg.TrustedProxies != "" {
		p := strings.Split(cfg.TrustedProxies, ",")
		for i := range p {
			trustedProxies = append(trustedProxies, strings.TrimSpace(p[i]))
		}
	}
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		zlog.Error().Err(err).Msg("Failed to set trusted proxies")
	}

	if cfg.UseCloudflare {
		r.ForwardedByClientIP = true
		r.Use(func(c *gin.Context) {
			if cfIP := c.GetHeader("CF-Connecting-IP"); cfIP != "" {
				c.Request.Header.Set("X-Forwarded-For", cfIP)
			}
			c.Next()
		})
	}

	// Sessions
	store, err := redis.NewStore(10, "tcp", fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort), "", cfg.RedisPassword, authKey, blockKey)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to create session store")
	}
	store.Options(sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.UseCloudflare,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   86400,
	})
	r.Use(sessions.Sessions(security.SessionCookieName, store))
	r.Use(api.SessionTracker())

	// Security headers
	r.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "same-origin")
		if cfg.UseCloudflare || c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	})

	// Rate Limiting Helpers
	createLimiter := func(limit int, period int, prefix string) gin.HandlerFunc {
		rate := limiter.Rate{
			Period: time.Duration(period) * time.Second,
			Limit:  int64(limit),
		}
		limiterClient := rdb.NewClient(&rdb.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisLimDB,
		})
		limitStore, err := sredis.NewStoreWithOptions(limiterClient, limiter.StoreOptions{
			Prefix: prefix,
		})
		if err != nil {
			zlog.Fatal().Err(err).Msgf("Failed to create limiter store: %s", prefix)
		}
		// Exhausting the limit feeds the client's rate factor.
		return mgin.NewMiddleware(limiter.New(limitStore, rate),
			mgin.WithLimitReachedHandler(mgin.LimitReachedHandler(api.LimitReachedHandler(a.RedisRepo))))
	}

	mainLimiter := createLimiter(cfg.RateLimit, cfg.RatePeriod, "limiter_main")
	captchaLimiter := createLimiter(cfg.RateLimitCaptcha, cfg.RatePeriod, "limiter_captcha")

	// 5. Threat decision gate ahead of everything non-exempt
	r.Use(api.SecurityGate(cfg, a.Pipeline, hub))

	// 6. Initialize API Handler
	handler := api.NewAPIHandler(cfg, a.RedisRepo, a.PgRepo, a.Pipeline, a.Captcha, a.Ledger, a.Geo, hub)
	handler.SetLimiters(mainLimiter, captchaLimiter)
	handler.RegisterRoutes(r)

	// 7. Run Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Msg("Starting ThreatGate Server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	if asynqServer != nil {
		asynqServer.Shutdown()
	}
	hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}
