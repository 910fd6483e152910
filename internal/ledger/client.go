package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"threatgate/internal/config"
	"threatgate/internal/metrics"
	"threatgate/internal/models"
	"threatgate/internal/repository"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	zlog "github.com/rs/zerolog/log"
)

// Health states reported by HealthCheck. Degraded means the ledger is down
// but reads are still served from cache.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const (
	blockCacheTTL   = 60 * time.Second
	defaultCacheTTL = 300 * time.Second
	confirmPollStep = 500 * time.Millisecond
)

var (
	ErrUnavailable  = errors.New("ledger unavailable")
	ErrNotConfirmed = errors.New("ledger transaction not confirmed")
	ErrValidation   = errors.New("invalid ledger payload")
)

// Client is the fault-tolerant gateway to the shared ledger. Reads are
// cache-first and degrade to cached or safe default values; writes submit a
// transaction, wait for confirmation and only then report success.
type Client struct {
	cfg     *config.Config
	http    *http.Client
	redis   *repository.RedisRepository
	breaker *gobreaker.CircuitBreaker
	baseURL string
}

type txSubmitResponse struct {
	TxRef string `json:"tx_ref"`
}

type txStatusResponse struct {
	Status string `json:"status"` // pending | confirmed | failed
}

func NewClient(cfg *config.Config, redisRepo *repository.RedisRepository) *Client {
	settings := gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: 5,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: time.Duration(cfg.LedgerTimeout) * time.Second},
		redis:   redisRepo,
		breaker: gobreaker.NewCircuitBreaker(settings),
		baseURL: cfg.LedgerURL,
	}
}

func (c *Client) track(op string, result string, start time.Time) {
	metrics.MetricLedgerDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

// doJSON performs one HTTP exchange through the circuit breaker.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrValidation, err)
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.LedgerAPIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.LedgerAPIKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		// 409 carries the existing tx_ref: a duplicate block or registration
		// is already durable on the ledger and counts as success.
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusConflict {
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}
		return data, nil
	})
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(res.([]byte), out); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// submitTx submits a write operation with bounded exponential-backoff retry,
// then waits for confirmation. Returns the confirmed transaction reference.
func (c *Client) submitTx(ctx context.Context, op string, params map[string]interface{}) (string, error) {
	var submit txSubmitResponse

	bo := backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(time.Duration(c.cfg.LedgerRetryBaseDelay)*time.Second),
		),
		uint64(c.cfg.LedgerMaxRetries-1),
	)

	err := backoff.Retry(func() error {
		return c.doJSON(ctx, http.MethodPost, "/v1/tx", map[string]interface{}{
			"op":     op,
			"params": params,
		}, &submit)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return "", err
	}
	if submit.TxRef == "" {
		return "", fmt.Errorf("%w: empty tx reference", ErrUnavailable)
	}

	if err := c.waitForConfirmation(ctx, submit.TxRef); err != nil {
		return "", err
	}
	return submit.TxRef, nil
}

// waitForConfirmation polls tx status until confirmed, failed or timeout.
func (c *Client) waitForConfirmation(ctx context.Context, txRef string) error {
	deadline := time.Now().Add(time.Duration(c.cfg.LedgerConfirmTimeout) * time.Second)
	for {
		var status txStatusResponse
		if err := c.doJSON(ctx, http.MethodGet, "/v1/tx/"+txRef, nil, &status); err == nil {
			switch status.Status {
			case "confirmed":
				return nil
			case "failed":
				return fmt.Errorf("%w: tx %s failed", ErrNotConfirmed, txRef)
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: tx %s timed out", ErrNotConfirmed, txRef)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotConfirmed, ctx.Err())
		case <-time.After(confirmPollStep):
		}
	}
}

// cachedBool implements the cache-first read pattern: serve fresh cache,
// else ask the ledger and refresh the cache, else fall back to stale-free
// cache again, else the safe default (false, never "blocked").
func (c *Client) cachedBool(ctx context.Context, op, cacheKey, path, field string, ttl time.Duration) bool {
	start := time.Now()

	var cached bool
	if err := c.redis.GetCache(ctx, cacheKey, &cached); err == nil {
		c.track(op, "cache", start)
		return cached
	}

	var out map[string]bool
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		zlog.Warn().Err(err).Str("op", op).Msg("ledger read failed, using safe default")
		c.track(op, "error", start)
		return false
	}
	val := out[field]
	if err := c.redis.SetCache(ctx, cacheKey, val, ttl); err != nil {
		zlog.Debug().Err(err).Str("key", cacheKey).Msg("ledger cache write failed")
	}
	c.track(op, "ok", start)
	return val
}

// IsBlocked reports whether the client hash is blocked on the ledger.
// Never errors: on total failure the safe default is "not blocked".
func (c *Client) IsBlocked(ctx context.Context, idHash string) bool {
	return c.cachedBool(ctx, "is_blocked", "ledger:blocked:"+idHash, "/v1/blocks/"+idHash, "blocked", blockCacheTTL)
}

// IsRegistered reports whether the identity hash is registered on the ledger.
func (c *Client) IsRegistered(ctx context.Context, idHash string) bool {
	return c.cachedBool(ctx, "is_registered", "ledger:registered:"+idHash, "/v1/registrations/"+idHash, "registered", defaultCacheTTL)
}

// Block writes a block entry to the ledger. durationSeconds of 0 means a
// manual block with no expiry.
func (c *Client) Block(ctx context.Context, idHash string, durationSeconds int, reason string, isManual bool) (string, error) {
	start := time.Now()
	txRef, err := c.submitTx(ctx, "block_client", map[string]interface{}{
		"id_hash":  idHash,
		"duration": durationSeconds,
		"reason":   reason,
		"manual":   isManual,
	})
	if err != nil {
		c.track("block", "error", start)
		return "", err
	}
	// Invalidate so the next read sees the new state immediately.
	_ = c.redis.Delete(ctx, "ledger:blocked:"+idHash)
	c.track("block", "ok", start)
	return txRef, nil
}

func (c *Client) Unblock(ctx context.Context, idHash string) (string, error) {
	start := time.Now()
	txRef, err := c.submitTx(ctx, "unblock_client", map[string]interface{}{
		"id_hash": idHash,
	})
	if err != nil {
		c.track("unblock", "error", start)
		return "", err
	}
	_ = c.redis.Delete(ctx, "ledger:blocked:"+idHash)
	c.track("unblock", "ok", start)
	return txRef, nil
}

func (c *Client) Register(ctx context.Context, idHash string) (string, error) {
	start := time.Now()
	txRef, err := c.submitTx(ctx, "register_identity", map[string]interface{}{
		"id_hash": idHash,
	})
	if err != nil {
		c.track("register", "error", start)
		return "", err
	}
	_ = c.redis.Delete(ctx, "ledger:registered:"+idHash)
	c.track("register", "ok", start)
	return txRef, nil
}

// AddAttackSignature publishes a detected attack pattern. The pattern must
// be valid JSON and severity must be in [1,10]; both are rejected locally
// without a ledger round trip.
func (c *Client) AddAttackSignature(ctx context.Context, patternJSON string, severity int) (string, error) {
	if severity < 1 || severity > 10 {
		return "", fmt.Errorf("%w: severity %d out of range", ErrValidation, severity)
	}
	if !json.Valid([]byte(patternJSON)) {
		return "", fmt.Errorf("%w: pattern is not valid JSON", ErrValidation)
	}

	start := time.Now()
	txRef, err := c.submitTx(ctx, "add_attack_signature", map[string]interface{}{
		"pattern":  patternJSON,
		"severity": severity,
	})
	if err != nil {
		c.track("add_signature", "error", start)
		return "", err
	}
	_ = c.redis.Delete(ctx, "ledger:signatures:all")
	c.track("add_signature", "ok", start)
	return txRef, nil
}

// GetAttackSignatures returns the shared signature registry, cache-first.
// On total failure it returns an empty list, never an error.
func (c *Client) GetAttackSignatures(ctx context.Context) []models.AttackSignature {
	start := time.Now()

	var cached []models.AttackSignature
	if err := c.redis.GetCache(ctx, "ledger:signatures:all", &cached); err == nil {
		c.track("get_signatures", "cache", start)
		return cached
	}

	var out struct {
		Signatures []models.AttackSignature `json:"signatures"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/signatures", nil, &out); err != nil {
		zlog.Warn().Err(err).Msg("ledger signature fetch failed, returning empty list")
		c.track("get_signatures", "error", start)
		return nil
	}
	if out.Signatures == nil {
		out.Signatures = []models.AttackSignature{}
	}
	if err := c.redis.SetCache(ctx, "ledger:signatures:all", out.Signatures, defaultCacheTTL); err != nil {
		zlog.Debug().Err(err).Msg("signature cache write failed")
	}
	c.track("get_signatures", "ok", start)
	return out.Signatures
}

// CleanupExpiredBlocks asks the ledger to prune expired entries.
func (c *Client) CleanupExpiredBlocks(ctx context.Context) (string, error) {
	start := time.Now()
	txRef, err := c.submitTx(ctx, "cleanup_expired_blocks", map[string]interface{}{})
	if err != nil {
		c.track("cleanup", "error", start)
		return "", err
	}
	c.track("cleanup", "ok", start)
	return txRef, nil
}

// Reconnect probes ledger connectivity, letting the breaker close again
// after an outage.
func (c *Client) Reconnect(ctx context.Context) bool {
	var out map[string]interface{}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &out); err != nil {
		zlog.Warn().Err(err).Msg("ledger reconnect failed")
		return false
	}
	zlog.Info().Msg("ledger connection re-established")
	return true
}

// HealthCheck reports the combined ledger+cache health. Used by probes and
// the scheduler only; request processing never gates on it.
func (c *Client) HealthCheck(ctx context.Context) string {
	redisUp := c.redis.Ping(ctx) == nil
	if !redisUp {
		return StatusUnhealthy
	}

	var out map[string]interface{}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &out); err != nil {
		return StatusDegraded
	}
	return StatusHealthy
}
