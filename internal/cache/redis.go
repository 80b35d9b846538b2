// Package cache stores predictions in Redis keyed by the SHA-256 digest of
// the uploaded bytes, so repeated uploads of one image skip inference.
// Callers prefix the digest with a Fingerprint of whatever produced the
// prediction, so entries from another model or label map never match.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/garyburd/redigo/redis"

	"github.com/Brownie44l1/kidney-api/internal/model"
)

const defaultPrefix = "kidney:predict:"

// Digest returns the hex SHA-256 of data, used as the cache key.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint condenses parts into a short stable identifier.
func Fingerprint(parts ...string) string {
	return Digest([]byte(strings.Join(parts, "\x00")))[:16]
}

// Redis is a prediction cache backed by a redigo connection pool.
type Redis struct {
	pool   *redis.Pool
	ttl    time.Duration
	prefix string
}

// NewRedis dials address lazily through a pool of at most maxConnections.
func NewRedis(address string, maxConnections int, ttl time.Duration) *Redis {
	pool := &redis.Pool{
		MaxIdle:     maxConnections,
		MaxActive:   maxConnections,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", address,
				redis.DialConnectTimeout(2*time.Second),
				redis.DialReadTimeout(time.Second),
				redis.DialWriteTimeout(time.Second))
		},
	}
	return NewRedisWithPool(pool, ttl)
}

// NewRedisWithPool wraps an existing pool.
func NewRedisWithPool(pool *redis.Pool, ttl time.Duration) *Redis {
	return &Redis{pool: pool, ttl: ttl, prefix: defaultPrefix}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// Get returns the cached prediction for key. A miss is (nil, false, nil).
func (r *Redis) Get(key string) (*model.Prediction, bool, error) {
	conn := r.pool.Get()
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", r.key(key)))
	if err == redis.ErrNil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get: %w", err)
	}

	var pred model.Prediction
	if err := json.Unmarshal(data, &pred); err != nil {
		return nil, false, fmt.Errorf("cache: decode: %w", err)
	}
	return &pred, true, nil
}

// Set stores pred under key with the configured expiry.
func (r *Redis) Set(key string, pred *model.Prediction) error {
	data, err := json.Marshal(pred)
	if err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}

	conn := r.pool.Get()
	defer conn.Close()

	ttl := int(r.ttl.Seconds())
	if ttl < 1 {
		ttl = 1
	}
	if _, err := conn.Do("SETEX", r.key(key), ttl, data); err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (r *Redis) Ping() error {
	conn := r.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		return fmt.Errorf("cache: ping: %w", err)
	}
	return nil
}

// Close releases pooled connections.
func (r *Redis) Close() error {
	return r.pool.Close()
}
