package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"marketplace-auth/backend/internal/session/domain"
)

const (
	redisSessionPrefix = "session:"
	redisUserPrefix    = "user_sessions:"
	redisExpiryIndex   = "sessions:by_expiry"
)

// createScript inserts the session hash only if the key does not exist, then indexes it.
// KEYS: session key, user set, expiry zset. ARGV: id, expires_at (unix ms), field/value pairs...
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call('PEXPIREAT', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// revokeScript sets revoked_at once.
// KEYS: session key. ARGV: revoked_at.
var revokeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
local cur = redis.call('HGET', KEYS[1], 'revoked_at')
if cur and cur ~= '' then return 0 end
redis.call('HSET', KEYS[1], 'revoked_at', ARGV[1])
return 1
`)

// rotateScript is the refresh compare-and-swap. Expired keys are gone, so existence implies unexpired.
// KEYS: session key, expiry zset. ARGV: expected jti, new jti, new hash, now, session id,
// new expires_at (unix ms, 0 keeps the current one), new expires_at (formatted).
var rotateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
local revoked = redis.call('HGET', KEYS[1], 'revoked_at')
if revoked and revoked ~= '' then return 0 end
local cur = redis.call('HGET', KEYS[1], 'refresh_jti')
if cur ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'previous_refresh_jti', cur, 'refresh_jti', ARGV[2],
  'refresh_token_hash', ARGV[3], 'rotated_at', ARGV[4], 'last_seen_at', ARGV[4])
redis.call('HINCRBY', KEYS[1], 'generation', 1)
if ARGV[6] ~= '0' then
  redis.call('HSET', KEYS[1], 'expires_at', ARGV[7])
  redis.call('PEXPIREAT', KEYS[1], ARGV[6])
  redis.call('ZADD', KEYS[2], ARGV[6], ARGV[5])
end
return 1
`)

// consumePreviousScript clears previous_refresh_jti once.
// KEYS: session key. ARGV: jti.
var consumePreviousScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
local revoked = redis.call('HGET', KEYS[1], 'revoked_at')
if revoked and revoked ~= '' then return 0 end
if redis.call('HGET', KEYS[1], 'previous_refresh_jti') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'previous_refresh_jti', '')
return 1
`)

// touchScript updates last_seen_at of an existing, unrevoked session.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
local revoked = redis.call('HGET', KEYS[1], 'revoked_at')
if revoked and revoked ~= '' then return 0 end
redis.call('HSET', KEYS[1], 'last_seen_at', ARGV[1])
return 1
`)

// RedisRepository stores each session as a hash that expires with the session. A per-user set
// and an expiry sorted set index the hashes. Every mutation of a single session is one Lua script.
type RedisRepository struct {
	rdb redis.UniversalClient
}

// NewRedisRepository returns a session repository backed by rdb.
func NewRedisRepository(rdb redis.UniversalClient) *RedisRepository {
	return &RedisRepository{rdb: rdb}
}

func sessionKey(id string) string   { return redisSessionPrefix + id }
func userKey(userID string) string  { return redisUserPrefix + userID }
func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// Create stores s. Returns ErrDuplicateID if the key already exists.
func (r *RedisRepository) Create(ctx context.Context, s *domain.Session) error {
	args := []interface{}{s.ID, s.ExpiresAt.UnixMilli()}
	for k, v := range sessionFields(s) {
		args = append(args, k, v)
	}
	created, err := createScript.Run(ctx, r.rdb,
		[]string{sessionKey(s.ID), userKey(s.UserID), redisExpiryIndex}, args...).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return ErrDuplicateID
	}
	return nil
}

// GetByID returns the session, or nil if the key does not exist.
func (r *RedisRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	fields, err := r.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseSession(fields)
}

// Revoke sets revoked_at once.
func (r *RedisRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	return revokeScript.Run(ctx, r.rdb, []string{sessionKey(id)}, formatTime(at)).Err()
}

// RevokeAllByUser revokes every session in the user's index. Each revoke is atomic on its own.
func (r *RedisRepository) RevokeAllByUser(ctx context.Context, userID string, at time.Time) error {
	ids, err := r.rdb.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.Revoke(ctx, id, at); err != nil {
			return err
		}
	}
	return nil
}

// RotateRefresh runs the compare-and-swap script.
func (r *RedisRepository) RotateRefresh(ctx context.Context, p RotateParams) (bool, error) {
	expiryMs, expiry := int64(0), ""
	if !p.NewExpiresAt.IsZero() {
		expiryMs, expiry = p.NewExpiresAt.UnixMilli(), formatTime(p.NewExpiresAt)
	}
	n, err := rotateScript.Run(ctx, r.rdb, []string{sessionKey(p.SessionID), redisExpiryIndex},
		p.ExpectedJti, p.NewJti, p.NewHash, formatTime(p.Now), p.SessionID, expiryMs, expiry).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ConsumePrevious runs the clear-once script. Expired hashes no longer exist, so now is not consulted.
func (r *RedisRepository) ConsumePrevious(ctx context.Context, id, jti string, now time.Time) (bool, error) {
	if jti == "" {
		return false, nil
	}
	n, err := consumePreviousScript.Run(ctx, r.rdb, []string{sessionKey(id)}, jti).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Touch updates last_seen_at.
func (r *RedisRepository) Touch(ctx context.Context, id string, at time.Time) error {
	return touchScript.Run(ctx, r.rdb, []string{sessionKey(id)}, formatTime(at)).Err()
}

// ListByUser loads every indexed session of the user and drops ids whose hash has expired.
func (r *RedisRepository) ListByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	ids, err := r.rdb.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
	}
	out := make([]*domain.Session, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		s, err := parseSession(fields)
		if err != nil {
			return nil, err
		}
		if s.IsActive(now) {
			out = append(out, s)
		}
	}
	if len(stale) > 0 {
		_ = r.rdb.SRem(ctx, userKey(userID), stale...).Err()
	}
	sortNewestFirst(out)
	return out, nil
}

// DeleteExpired removes index entries (and any remaining hashes) for sessions that expired before the cutoff.
func (r *RedisRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, redisExpiryIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	keys := make([]string, len(ids))
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
		members[i] = id
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	removed := pipe.ZRem(ctx, redisExpiryIndex, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return removed.Val(), nil
}

// Ping checks the Redis connection.
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func sessionFields(s *domain.Session) map[string]string {
	f := map[string]string{
		"id":                   s.ID,
		"user_id":              s.UserID,
		"created_at":           formatTime(s.CreatedAt),
		"expires_at":           formatTime(s.ExpiresAt),
		"refresh_jti":          s.RefreshJti,
		"refresh_token_hash":   s.RefreshTokenHash,
		"previous_refresh_jti": s.PreviousRefreshJti,
		"generation":           strconv.FormatInt(s.Generation, 10),
		"user_agent":           s.UserAgent,
		"ip_address":           s.IPAddress,
	}
	if s.RevokedAt != nil {
		f["revoked_at"] = formatTime(*s.RevokedAt)
	}
	if s.LastSeenAt != nil {
		f["last_seen_at"] = formatTime(*s.LastSeenAt)
	}
	if s.RotatedAt != nil {
		f["rotated_at"] = formatTime(*s.RotatedAt)
	}
	return f
}

func parseSession(f map[string]string) (*domain.Session, error) {
	s := &domain.Session{
		ID:                 f["id"],
		UserID:             f["user_id"],
		RefreshJti:         f["refresh_jti"],
		RefreshTokenHash:   f["refresh_token_hash"],
		PreviousRefreshJti: f["previous_refresh_jti"],
		UserAgent:          f["user_agent"],
		IPAddress:          f["ip_address"],
	}
	var err error
	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, f["created_at"]); err != nil {
		return nil, err
	}
	if s.ExpiresAt, err = time.Parse(time.RFC3339Nano, f["expires_at"]); err != nil {
		return nil, err
	}
	if g := f["generation"]; g != "" {
		if s.Generation, err = strconv.ParseInt(g, 10, 64); err != nil {
			return nil, err
		}
	}
	if s.RevokedAt, err = parseOptionalTime(f["revoked_at"]); err != nil {
		return nil, err
	}
	if s.LastSeenAt, err = parseOptionalTime(f["last_seen_at"]); err != nil {
		return nil, err
	}
	if s.RotatedAt, err = parseOptionalTime(f["rotated_at"]); err != nil {
		return nil, err
	}
	return s, nil
}

func parseOptionalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
