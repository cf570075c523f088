package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"billingsync/internal/types"
)

const (
	redisValueProcessing = "processing"
	redisValueProcessed  = "processed"
)

// releaseScript deletes the key only while it still holds the in-flight
// marker, so a late failure never removes a record another delivery has
// already marked processed.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClient is the subset of *redis.Client used by RedisStore.
type RedisClient interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStore shares the processed-event set between instances. Expiry is
// delegated to Redis key TTLs.
type RedisStore struct {
	client RedisClient
	prefix string
}

var _ Claimer = (*RedisStore)(nil)

func NewRedisStore(client RedisClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (s *RedisStore) key(eventID string) string {
	return s.prefix + eventID
}

func (s *RedisStore) Has(ctx context.Context, eventID string) (bool, error) {
	val, err := s.client.Get(ctx, s.key(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, cacheError("failed to read event record", err)
	}
	return val == redisValueProcessed, nil
}

func (s *RedisStore) Add(ctx context.Context, eventID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(eventID), redisValueProcessed, EffectiveTTL(ttl)).Err(); err != nil {
		return cacheError("failed to record processed event", err)
	}
	return nil
}

func (s *RedisStore) Claim(ctx context.Context, eventID string, inFlightTTL time.Duration) (ClaimState, error) {
	key := s.key(eventID)
	ttl := effectiveInFlightTTL(inFlightTTL)

	// Two attempts: the existing key may expire between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, key, redisValueProcessing, ttl).Result()
		if err != nil {
			return ClaimInFlight, cacheError("failed to claim event", err)
		}
		if ok {
			return ClaimAcquired, nil
		}

		val, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return ClaimInFlight, cacheError("failed to read event claim", err)
		}
		if val == redisValueProcessed {
			return ClaimProcessed, nil
		}
		return ClaimInFlight, nil
	}
	return ClaimInFlight, nil
}

// Release drops an unfinished claim. A processed record is left in place.
func (s *RedisStore) Release(ctx context.Context, eventID string) error {
	keys := []string{s.key(eventID)}
	if err := releaseScript.Run(ctx, s.client, keys, redisValueProcessing).Err(); err != nil {
		return cacheError("failed to release event claim", err)
	}
	return nil
}

// Ping satisfies the health probe contract.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func cacheError(msg string, err error) error {
	return types.NewAppError(types.ErrCodeInternalCache, msg, fmt.Errorf("redis: %w", err))
}
