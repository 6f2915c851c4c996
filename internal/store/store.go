// Package store wraps the shared Redis backend used by every pairing
// component. It exists so that C2–C5 and C7 never issue read-then-write
// sequences against Redis directly: every primitive that must be atomic
// across concurrently running Broker instances is expressed here as a
// single round trip, either a native atomic command or a Lua script
// evaluated server-side.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds the shared-store connection parameters read from the
// Broker's environment configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store is a thin, typed wrapper around a redis.Client. Callers never see
// the underlying client; every cross-instance-atomic operation the core
// needs is exposed as a named method here.
type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New dials the shared store and verifies connectivity with a PING.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: ping shared store: %w", err)
	}

	return &Store{rdb: rdb, logger: logger.Named("store")}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping is exposed for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// setIfAbsentScript performs an atomic "set iff absent" over a Redis hash
// plus an accompanying reverse-index key and TTL, all in one round trip.
// KEYS[1] = code entry hash key, KEYS[2] = reverse index key
// ARGV[1] = runnerId, ARGV[2] = createdAt, ARGV[3] = expiresAt,
// ARGV[4] = ttlSeconds
//
// Returns 1 on success, 0 if the entry already existed.
var setIfAbsentScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "runnerId", ARGV[1], "createdAt", ARGV[2], "expiresAt", ARGV[3], "usedCount", "0", "isActive", "1")
redis.call("EXPIRE", KEYS[1], ARGV[4])
redis.call("SET", KEYS[2], ARGV[1])
return 1
`)

// SetCodeEntryIfAbsent implements C2's atomic conditional-set registration
// step. It never performs a separate EXISTS-then-HSET from the caller's
// side; the whole check-and-write happens inside one Lua evaluation so
// two Brokers racing to register the same code value can never both win.
func (s *Store) SetCodeEntryIfAbsent(ctx context.Context, codeKey, reverseIndexKey, runnerID string, createdAt, expiresAt time.Time, ttl time.Duration) (bool, error) {
	res, err := setIfAbsentScript.Run(ctx, s.rdb, []string{codeKey, reverseIndexKey},
		runnerID, createdAt.UnixMilli(), expiresAt.UnixMilli(), int64(ttl.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("store: set code entry if absent: %w", err)
	}
	return res == 1, nil
}

// CodeEntry mirrors the shared store's authoritative pairing-code record.
type CodeEntry struct {
	RunnerID  string
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedCount int64
	IsActive  bool
}

// GetCodeEntry reads the code entry hash. Returns (nil, nil) when absent.
func (s *Store) GetCodeEntry(ctx context.Context, codeKey string) (*CodeEntry, error) {
	res, err := s.rdb.HGetAll(ctx, codeKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store: get code entry: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	createdMs, _ := parseInt64(res["createdAt"])
	expiresMs, _ := parseInt64(res["expiresAt"])
	usedCount, _ := parseInt64(res["usedCount"])

	return &CodeEntry{
		RunnerID:  res["runnerId"],
		CreatedAt: time.UnixMilli(createdMs),
		ExpiresAt: time.UnixMilli(expiresMs),
		UsedCount: usedCount,
		IsActive:  res["isActive"] == "1",
	}, nil
}

// markUsedScript increments usedCount and, on the 0->1 transition, clears
// the hash's TTL so the entry's lifetime is thereafter bound only to
// explicit invalidation (the runner's presence), per the 0->1 contract.
var markUsedScript = redis.NewScript(`
local n = redis.call("HINCRBY", KEYS[1], "usedCount", 1)
if n == 1 then
	redis.call("PERSIST", KEYS[1])
end
return n
`)

// MarkCodeUsed increments usedCount, clearing the entry's TTL on the
// 0->1 transition.
func (s *Store) MarkCodeUsed(ctx context.Context, codeKey string) error {
	if err := markUsedScript.Run(ctx, s.rdb, []string{codeKey}).Err(); err != nil {
		return fmt.Errorf("store: mark code used: %w", err)
	}
	return nil
}

// DeleteCodeEntry removes the code entry and its reverse-index entry in
// one round trip. Idempotent: deleting an absent key is a no-op.
func (s *Store) DeleteCodeEntry(ctx context.Context, codeKey, reverseIndexKey string) error {
	if err := s.rdb.Del(ctx, codeKey, reverseIndexKey).Err(); err != nil {
		return fmt.Errorf("store: delete code entry: %w", err)
	}
	return nil
}

// GetReverseIndex reads the code currently owned by a runner, if any.
func (s *Store) GetReverseIndex(ctx context.Context, reverseIndexKey string) (string, error) {
	code, err := s.rdb.Get(ctx, reverseIndexKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get reverse index: %w", err)
	}
	return code, nil
}

// HSet writes arbitrary fields into a hash, used by higher-level stores
// (pairing bindings) that do not require conditional-set semantics.
func (s *Store) HSet(ctx context.Context, key string, values map[string]any) error {
	if err := s.rdb.HSet(ctx, key, values).Err(); err != nil {
		return fmt.Errorf("store: hset %s: %w", key, err)
	}
	return nil
}

// HGetAll reads every field of a hash. Returns an empty, non-nil map if
// the key does not exist.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: hgetall %s: %w", key, err)
	}
	return res, nil
}

// Del removes one or more keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store: del: %w", err)
	}
	return nil
}

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...any) error {
	if err := s.rdb.SAdd(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("store: sadd %s: %w", key, err)
	}
	return nil
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...any) error {
	if err := s.rdb.SRem(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("store: srem %s: %w", key, err)
	}
	return nil
}

// SMembersDel atomically reads and deletes a set, returning the members
// that were present. Used by RunnerFanout teardown so the caller gets the
// exact set of Apps to notify without a separate read-then-delete.
var smembersDelScript = redis.NewScript(`
local members = redis.call("SMEMBERS", KEYS[1])
redis.call("DEL", KEYS[1])
return members
`)

func (s *Store) SMembersDel(ctx context.Context, key string) ([]string, error) {
	res, err := smembersDelScript.Run(ctx, s.rdb, []string{key}).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("store: smembers+del %s: %w", key, err)
	}
	return res, nil
}

// SMembers reads a set without deleting it.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: smembers %s: %w", key, err)
	}
	return res, nil
}

// Set writes a string value with an optional expiry (0 disables it).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

// Get reads a string value. Returns ("", nil) when absent.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get %s: %w", key, err)
	}
	return val, nil
}

// ZAddUnique adds a compound (timestamp, random-suffix) member to a
// sorted set scored by the timestamp, trims entries older than `since`,
// sets the set's TTL, and returns the resulting cardinality, all in one
// round trip. This is the sliding-window rate-limit primitive.
var zaddUniqueScript = redis.NewScript(`
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[3])
redis.call("EXPIRE", KEYS[1], ARGV[4])
return redis.call("ZCARD", KEYS[1])
`)

func (s *Store) ZAddUnique(ctx context.Context, key string, score float64, member string, trimBelow float64, ttl time.Duration) (int64, error) {
	res, err := zaddUniqueScript.Run(ctx, s.rdb, []string{key}, score, member, trimBelow, int64(ttl.Seconds())).Int64()
	if err != nil {
		return 0, fmt.Errorf("store: zadd unique %s: %w", key, err)
	}
	return res, nil
}

// Del is reused for RateState.reset; exposed above.

// LPushTrim pushes a JSON-encoded entry onto the head of a list and trims
// it to at most `cap` entries, atomically, so the bounded history list
// never needs a separate trim round trip.
var lpushTrimScript = redis.NewScript(`
redis.call("LPUSH", KEYS[1], ARGV[1])
redis.call("LTRIM", KEYS[1], 0, ARGV[2] - 1)
return 1
`)

func (s *Store) LPushTrim(ctx context.Context, key, value string, cap int64) error {
	if err := lpushTrimScript.Run(ctx, s.rdb, []string{key}, value, cap).Err(); err != nil {
		return fmt.Errorf("store: lpush+trim %s: %w", key, err)
	}
	return nil
}

// LRange reads a list range, newest-first given the LPushTrim convention.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	res, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("store: lrange %s: %w", key, err)
	}
	return res, nil
}

// ScanKeys enumerates every key matching pattern using a cursor-based
// SCAN loop rather than KEYS, so the reconciliation sweep never blocks
// the store while walking a namespace.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	return keys, nil
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("store: expire %s: %w", key, err)
	}
	return nil
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
