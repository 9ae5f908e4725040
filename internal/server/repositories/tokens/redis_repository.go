package tokens

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/common"
	"github.com/immuni-app/immuni-backend-exposure-ingestion/internal/server/models"
)

const redisKeyPrefix = "auth_token:"

// RedisClient is the part of *redis.Client the ledger needs.
type RedisClient interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd
	ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd
	ScriptLoad(ctx context.Context, script string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
}

// redeemScript is the compare-and-set: fields are checked and redeemed_at
// written inside one script execution, which Redis runs atomically.
// Times are unix milliseconds.
var redeemScript = redis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'valid_from', 'valid_until', 'max_keys', 'created_at', 'redeemed_at')
if not h[1] then return {'unknown'} end
local now = tonumber(ARGV[1])
local out = {'', h[1], h[2], h[3] or '0', h[4] or '0', h[5] or ''}
if h[5] then out[1] = 'already_redeemed'; return out end
if now < tonumber(h[1]) or now >= tonumber(h[2]) then out[1] = 'expired'; return out end
redis.call('HSET', KEYS[1], 'redeemed_at', ARGV[1])
out[1] = 'granted'
out[6] = ARGV[1]
return out
`)

var provisionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'valid_from', ARGV[1], 'valid_until', ARGV[2], 'max_keys', ARGV[3], 'created_at', ARGV[4])
redis.call('PEXPIREAT', KEYS[1], ARGV[5])
return 1
`)

// RedisRepository stores every token as a hash. Audit records expire by
// themselves auditTTL after the end of their validity window.
type RedisRepository struct {
	client   RedisClient
	auditTTL time.Duration
}

func NewRedisRepository(client RedisClient, auditTTL time.Duration) *RedisRepository {
	return &RedisRepository{client: client, auditTTL: auditTTL}
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMs(s string) (time.Time, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(v).UTC(), nil
}

func (r *RedisRepository) Redeem(ctx context.Context, tokenID string, now time.Time) (models.RedeemOutcome, *models.AuthorizationToken, error) {
	res, err := redeemScript.Run(ctx, r.client, []string{redisKeyPrefix + tokenID}, ms(now)).StringSlice()
	if err != nil {
		return "", nil, fmt.Errorf("%w: redeem: %v", common.ErrStorageUnavailable, err)
	}
	outcome := models.RedeemOutcome(res[0])
	if outcome == models.RedeemUnknown {
		return outcome, nil, nil
	}
	if len(res) != 6 {
		return "", nil, fmt.Errorf("unexpected redeem reply %q", res)
	}
	t, err := parseFields(tokenID, res[1], res[2], res[3], res[4], res[5])
	if err != nil {
		return "", nil, err
	}
	return outcome, t, nil
}

func parseFields(id, validFrom, validUntil, maxKeys, createdAt, redeemedAt string) (*models.AuthorizationToken, error) {
	t := &models.AuthorizationToken{ID: id}
	var err error
	if t.ValidFrom, err = fromMs(validFrom); err != nil {
		return nil, fmt.Errorf("valid_from: %w", err)
	}
	if t.ValidUntil, err = fromMs(validUntil); err != nil {
		return nil, fmt.Errorf("valid_until: %w", err)
	}
	if t.MaxKeys, err = strconv.Atoi(maxKeys); err != nil {
		return nil, fmt.Errorf("max_keys: %w", err)
	}
	if t.CreatedAt, err = fromMs(createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if redeemedAt != "" {
		ra, err := fromMs(redeemedAt)
		if err != nil {
			return nil, fmt.Errorf("redeemed_at: %w", err)
		}
		t.RedeemedAt = &ra
	}
	return t, nil
}

func (r *RedisRepository) Peek(ctx context.Context, tokenID string) (*models.AuthorizationToken, error) {
	h, err := r.client.HGetAll(ctx, redisKeyPrefix+tokenID).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: peek: %v", common.ErrStorageUnavailable, err)
	}
	if len(h) == 0 {
		return nil, common.ErrorNotFound
	}
	maxKeys := h["max_keys"]
	if maxKeys == "" {
		maxKeys = "0"
	}
	return parseFields(tokenID, h["valid_from"], h["valid_until"], maxKeys, h["created_at"], h["redeemed_at"])
}

// Provision never stores a record Redis would drop at once: a token whose
// window already ended is kept for auditTTL after provisioning.
func (r *RedisRepository) Provision(ctx context.Context, tokens []models.AuthorizationToken) (int64, error) {
	now := time.Now()
	var n int64
	for _, t := range tokens {
		expireAt := r.expireAt(t.ValidUntil, now)
		if !expireAt.After(now) {
			continue
		}
		created, err := provisionScript.Run(ctx, r.client, []string{redisKeyPrefix + t.ID},
			ms(t.ValidFrom), ms(t.ValidUntil), t.MaxKeys, ms(now), ms(expireAt)).Int64()
		if err != nil {
			return n, fmt.Errorf("%w: provision: %v", common.ErrStorageUnavailable, err)
		}
		n += created
	}
	return n, nil
}

func (r *RedisRepository) expireAt(validUntil, now time.Time) time.Time {
	if validUntil.Before(now) {
		validUntil = now
	}
	return validUntil.Add(r.auditTTL)
}

// DeleteExpiredBefore is a no-op: keys carry their own expiry.
func (r *RedisRepository) DeleteExpiredBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}
