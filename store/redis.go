package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/yourusername/fencekit/core"
)

// tokenBucketScript is the atomic read-refill-consume-write cycle.
// KEYS[1] = bucket key
// ARGV[1] = capacity, ARGV[2] = refill per second, ARGV[3] = tokens requested,
// ARGV[4] = now (unix ms), ARGV[5] = ttl seconds
// Returns {allowed (0/1), tokens after decision as a string}.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local requested = tonumber(ARGV[3])
	local now = tonumber(ARGV[4])
	local ttl = tonumber(ARGV[5])

	local data = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(data[1])
	local last = tonumber(data[2])

	if tokens == nil or last == nil then
		tokens = capacity
		last = now
	end

	local elapsed = (now - last) / 1000.0
	if elapsed < 0 then
		elapsed = 0
	end
	tokens = math.min(capacity, tokens + (elapsed * rate))

	local allowed = 0
	if tokens >= requested then
		tokens = tokens - requested
		allowed = 1
	end

	redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill_ms', tostring(math.max(now, last)))
	redis.call('EXPIRE', key, ttl)

	return {allowed, tostring(tokens)}
`)

// claimDueScript leases the earliest due member of a schedule.
// KEYS[1] = schedule key
// ARGV[1] = now (unix ms), ARGV[2] = lease deadline (unix ms)
var claimDueScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', '1')
	if #due == 0 then
		return false
	end
	redis.call('ZADD', KEYS[1], ARGV[2], due[1])
	return due[1]
`)

// RedisStore provides Redis-backed storage shared by all service instances
type RedisStore struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// Ensure RedisStore implements Store interface
var _ Store = (*RedisStore)(nil)

// RedisConfig for creating a Redis store
type RedisConfig struct {
	Addr     string // Redis address (e.g., "localhost:6379")
	Password string // Redis password (empty for no auth)
	DB       int    // Redis database number

	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// BreakerFailures is the number of consecutive failures that open the
	// circuit. While open, calls fail fast with ErrUnavailable.
	BreakerFailures uint32
	// BreakerTimeout is how long the circuit stays open before probing.
	BreakerTimeout time.Duration

	Logger *zap.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:            "localhost:6379",
		PoolSize:        10,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  10 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed store. It does not connect;
// call Ping to verify the server is reachable.
func NewRedisStore(config RedisConfig) *RedisStore {
	// Fill in defaults for zero values
	defaults := DefaultRedisConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = defaults.BreakerFailures
	}
	if config.BreakerTimeout == 0 {
		config.BreakerTimeout = defaults.BreakerTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Create Redis client
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	// Only transport failures count toward tripping
	failures := config.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis-store",
		Timeout: config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, redis.Nil) ||
				errors.Is(err, context.Canceled) ||
				isWrongType(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &RedisStore{
		client:  client,
		breaker: breaker,
		logger:  logger,
	}
}

// Client exposes the underlying client for health checks.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// do runs fn through the circuit breaker and maps its error onto the store
// error taxonomy.
func (s *RedisStore) do(op string, fn func() error) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	// Key doesn't exist
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if isWrongType(err) {
		return fmt.Errorf("%s: %w", op, ErrWrongType)
	}
	s.logger.Debug("store operation failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func isWrongType(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE")
}

// Get retrieves the value stored at key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.do("get", func() error {
		var err error
		val, err = s.client.Get(ctx, key).Bytes()
		return err
	})
	return val, err
}

// SetWithExpiry stores value at key.
func (s *RedisStore) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.do("set", func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

// Delete removes key and reports whether it existed.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.do("del", func() error {
		var err error
		n, err = s.client.Del(ctx, key).Result()
		return err
	})
	return n > 0, err
}

// SetIfAbsent is SET NX with the expiry applied in the same command.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.do("setnx", func() error {
		var err error
		ok, err = s.client.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

// Expire resets the expiry of key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.do("expire", func() error {
		var err error
		ok, err = s.client.Expire(ctx, key, ttl).Result()
		return err
	})
	return ok, err
}

// HashGetAll returns the hash at key, empty when absent.
func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	var fields map[string]string
	err := s.do("hgetall", func() error {
		var err error
		fields, err = s.client.HGetAll(ctx, key).Result()
		return err
	})
	return fields, err
}

// HashSetFields writes fields and the expiry in one MULTI/EXEC.
func (s *RedisStore) HashSetFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}

	// go-redis takes interface{} values
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	return s.do("hset", func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, values)
			if ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
			return nil
		})
		return err
	})
}

// KeysMatching walks the keyspace with SCAN.
func (s *RedisStore) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := s.do("scan", func() error {
		keys = keys[:0]
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	})
	return keys, err
}

// ListPush is LPUSH.
func (s *RedisStore) ListPush(ctx context.Context, key string, value string) (int64, error) {
	var n int64
	err := s.do("lpush", func() error {
		var err error
		n, err = s.client.LPush(ctx, key, value).Result()
		return err
	})
	return n, err
}

// ListRange is LRANGE.
func (s *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var vals []string
	err := s.do("lrange", func() error {
		var err error
		vals, err = s.client.LRange(ctx, key, start, stop).Result()
		return err
	})
	return vals, err
}

// ListLen is LLEN.
func (s *RedisStore) ListLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do("llen", func() error {
		var err error
		n, err = s.client.LLen(ctx, key).Result()
		return err
	})
	return n, err
}

// TakeTokens runs the token bucket script.
func (s *RedisStore) TakeTokens(ctx context.Context, key string, policy core.Config, n float64, now time.Time, ttl time.Duration) (core.CheckResult, error) {
	var raw interface{}
	err := s.do("take_tokens", func() error {
		var err error
		raw, err = tokenBucketScript.Run(ctx, s.client, []string{key},
			policy.Capacity,
			policy.RefillPerSec,
			n,
			now.UnixMilli(),
			int64(ttl.Seconds()),
		).Result()
		return err
	})
	if err != nil {
		return core.CheckResult{}, err
	}

	// Decode {allowed, tokens} and derive remaining/retry-after
	allowed, tokens, err := parseTakeResult(raw)
	if err != nil {
		return core.CheckResult{}, err
	}
	return core.NewTokenBucket(policy).Result(allowed, tokens, n), nil
}

// parseTakeResult decodes {allowed, tokens} from the token bucket script.
func parseTakeResult(raw interface{}) (bool, float64, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected token bucket script result: %v", raw)
	}

	allowed, _ := values[0].(int64)

	// Lua numbers are truncated to integers on the way out, so the script
	// returns tokens as a string
	var tokens float64
	switch v := values[1].(type) {
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return false, 0, fmt.Errorf("unexpected token count %q: %w", v, err)
		}
		tokens = f
	case int64:
		tokens = float64(v)
	default:
		return false, 0, fmt.Errorf("unexpected token count type %T", v)
	}

	return allowed == 1, tokens, nil
}

// Schedule is ZADD with the visibility time as score.
func (s *RedisStore) Schedule(ctx context.Context, key, member string, at time.Time) error {
	return s.do("zadd", func() error {
		return s.client.ZAdd(ctx, key, redis.Z{
			Score:  float64(at.UnixMilli()),
			Member: member,
		}).Err()
	})
}

// Unschedule is ZREM.
func (s *RedisStore) Unschedule(ctx context.Context, key, member string) (bool, error) {
	var n int64
	err := s.do("zrem", func() error {
		var err error
		n, err = s.client.ZRem(ctx, key, member).Result()
		return err
	})
	return n > 0, err
}

// ClaimDue runs the claim script.
func (s *RedisStore) ClaimDue(ctx context.Context, key string, now, leaseUntil time.Time) (string, error) {
	var member string
	err := s.do("claim", func() error {
		var err error
		member, err = claimDueScript.Run(ctx, s.client, []string{key},
			now.UnixMilli(),
			leaseUntil.UnixMilli(),
		).Text()
		return err
	})
	return member, err
}

// Ping checks if Redis connection is alive
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.do("ping", func() error {
		return s.client.Ping(ctx).Err()
	})
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
