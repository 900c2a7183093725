// Package infra provides the Redis adapter behind the keystore's mirror.
//
// The mirror is a read-model for external consumers (dashboards, edge
// caches): the keystore remains the source of truth and mirror writes are
// fire-and-forget. If Redis is unreachable at startup the caller runs
// without a mirror.
package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mcpgate/backend/internal/keystore"
)

const (
	keyPrefix     = "mcpgate:key:"
	balancePrefix = "mcpgate:balance:"
	revokedSet    = "mcpgate:revoked"
)

// RedisKeyMirror mirrors key records and balances into Redis.
type RedisKeyMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisKeyMirror connects and pings; a failed ping returns an error so
// the caller can decide to run mirrorless.
func NewRedisKeyMirror(addr, password string, db int, ttl time.Duration) (*RedisKeyMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis key mirror connected", "addr", addr, "db", db)
	return &RedisKeyMirror{rdb: rdb, ttl: ttl}, nil
}

// Close shuts down the underlying client.
func (m *RedisKeyMirror) Close() error {
	return m.rdb.Close()
}

// SaveKey writes the full record as JSON and the balance as a plain
// integer for cheap reads.
func (m *RedisKeyMirror) SaveKey(ctx context.Context, rec *keystore.KeyRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal key %s: %w", rec.Key, err)
	}

	pipe := m.rdb.Pipeline()
	pipe.Set(ctx, keyPrefix+rec.Key, payload, m.ttl)
	pipe.Set(ctx, balancePrefix+rec.Key, rec.Credits, m.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// RevokeKey drops the mirrored record and marks the id revoked so stale
// readers can tell "revoked" from "never seen".
func (m *RedisKeyMirror) RevokeKey(ctx context.Context, keyID string) error {
	pipe := m.rdb.Pipeline()
	pipe.Del(ctx, keyPrefix+keyID, balancePrefix+keyID)
	pipe.SAdd(ctx, revokedSet, keyID)
	_, err := pipe.Exec(ctx)
	return err
}

// AtomicTopup bumps the mirrored balance without rewriting the record.
func (m *RedisKeyMirror) AtomicTopup(ctx context.Context, keyID string, amount int64) error {
	return m.rdb.IncrBy(ctx, balancePrefix+keyID, amount).Err()
}

// GetBalance reads a mirrored balance; redis.Nil maps to ErrNotFound.
func (m *RedisKeyMirror) GetBalance(ctx context.Context, keyID string) (int64, error) {
	val, err := m.rdb.Get(ctx, balancePrefix+keyID).Int64()
	if err == redis.Nil {
		return 0, keystore.ErrNotFound
	}
	return val, err
}

// HealthCheck pings Redis.
func (m *RedisKeyMirror) HealthCheck(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

var _ keystore.KeyMirror = (*RedisKeyMirror)(nil)
