package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"threatgate/internal/metrics"

	"github.com/redis/go-redis/v9"
)

// RedisRepository is the counter store backing threat scoring, coordinated
// attack tracking, captcha state and the ledger read-through cache. All
// per-client state lives here with TTLs so it expires on its own.
type RedisRepository struct {
	client *redis.Client
}

func NewRedisRepository(host string, port int, password string, db int) *RedisRepository {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})
	return &RedisRepository{client: rdb}
}

func (r *RedisRepository) GetClient() *redis.Client {
	return r.client
}

func (r *RedisRepository) trackDuration(op string, start time.Time) {
	metrics.MetricRedisDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// IncrWithTTL increments a counter and arms the TTL on the first increment,
// giving a fixed window that starts with the first event.
func (r *RedisRepository) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	defer r.trackDuration("IncrWithTTL", time.Now())
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (r *RedisRepository) Get(ctx context.Context, key string) (string, error) {
	defer r.trackDuration("Get", time.Now())
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (r *RedisRepository) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	defer r.trackDuration("SetWithTTL", time.Now())
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisRepository) SetTTL(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *RedisRepository) Delete(ctx context.Context, keys ...string) error {
	defer r.trackDuration("Delete", time.Now())
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisRepository) Exists(ctx context.Context, key string) (bool, error) {
	defer r.trackDuration("Exists", time.Now())
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

// AddToSet adds a member and refreshes the set TTL so the window slides with
// activity.
func (r *RedisRepository) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	defer r.trackDuration("AddToSet", time.Now())
	if err := r.client.SAdd(ctx, key, member).Err(); err != nil {
		return err
	}
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *RedisRepository) SetMembers(ctx context.Context, key string) ([]string, error) {
	defer r.trackDuration("SetMembers", time.Now())
	return r.client.SMembers(ctx, key).Result()
}

func (r *RedisRepository) SetSize(ctx context.Context, key string) (int64, error) {
	defer r.trackDuration("SetSize", time.Now())
	return r.client.SCard(ctx, key).Result()
}

// PushList prepends a value, trims the list to maxLen and refreshes the TTL.
// Done in one Lua script so concurrent requests cannot interleave the steps.
var pushTrimScript = redis.NewScript(`
redis.call('LPUSH', KEYS[1], ARGV[1])
redis.call('LTRIM', KEYS[1], 0, tonumber(ARGV[2]) - 1)
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
return redis.call('LLEN', KEYS[1])
`)

func (r *RedisRepository) PushList(ctx context.Context, key, value string, maxLen int, ttl time.Duration) (int64, error) {
	defer r.trackDuration("PushList", time.Now())
	res, err := pushTrimScript.Run(ctx, r.client, []string{key}, value, maxLen, int(ttl.Seconds())).Int64()
	return res, err
}

func (r *RedisRepository) TrimList(ctx context.Context, key string, start, stop int64) error {
	defer r.trackDuration("TrimList", time.Now())
	return r.client.LTrim(ctx, key, start, stop).Err()
}

func (r *RedisRepository) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	defer r.trackDuration("ListRange", time.Now())
	return r.client.LRange(ctx, key, start, stop).Result()
}

// SetCache stores a JSON value with expiry; used as the ledger read-through
// cache.
func (r *RedisRepository) SetCache(ctx context.Context, key string, val interface{}, expiration time.Duration) error {
	defer r.trackDuration("SetCache", time.Now())
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, expiration).Err()
}

// GetCache unmarshals a cached JSON value into target. Returns redis.Nil via
// the wrapped error when the key is absent.
func (r *RedisRepository) GetCache(ctx context.Context, key string, target interface{}) error {
	defer r.trackDuration("GetCache", time.Now())
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), target)
}

func (r *RedisRepository) AcquireLock(ctx context.Context, key string, expiration time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, "lock", expiration).Result()
}

func (r *RedisRepository) ReleaseLock(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Temporary local blocks (captcha abuse). These never touch the ledger.

func (r *RedisRepository) SetTempBlock(ctx context.Context, clientID string, duration time.Duration) error {
	defer r.trackDuration("SetTempBlock", time.Now())
	until := time.Now().Add(duration).Unix()
	return r.client.Set(ctx, "temp_blocked:"+clientID, until, duration).Err()
}

func (r *RedisRepository) IsTempBlocked(ctx context.Context, clientID string) (bool, error) {
	defer r.trackDuration("IsTempBlocked", time.Now())
	n, err := r.client.Exists(ctx, "temp_blocked:"+clientID).Result()
	return n > 0, err
}

// ClearClientState deletes the per-client scoring keys after a block, so a
// later unblock starts from a clean slate.
func (r *RedisRepository) ClearClientState(ctx context.Context, clientID string) error {
	defer r.trackDuration("ClearClientState", time.Now())
	keys := []string{
		"rate:" + clientID,
		"pattern:" + clientID,
		"ua:" + clientID,
		"auth_fail:" + clientID,
		"threat_boost:" + clientID,
		"captcha_failures:" + clientID,
		"temp_blocked:" + clientID,
		"anomaly:ip_pattern:" + clientID,
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
