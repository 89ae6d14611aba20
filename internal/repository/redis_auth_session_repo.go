package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisAuthSessionPrefix = "medhive:auth:"

// RedisAuthSessionRepo はIdPセッションをRedisに保存する。
// 期限はキーのTTLとして設定するため、DeleteExpiredは常に0件を返す。
type RedisAuthSessionRepo struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisAuthSessionRepo はRedisAuthSessionRepoを生成する。
func NewRedisAuthSessionRepo(client redis.UniversalClient) *RedisAuthSessionRepo {
	return &RedisAuthSessionRepo{client: client, now: time.Now}
}

// NewRedisClient はRedisクライアントを生成する。
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// GetItem は指定キーの値を取得する。存在しない場合はnilを返す。
func (r *RedisAuthSessionRepo) GetItem(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, redisAuthSessionPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// SetItem は指定キーに値を保存する。expiresAtが過去の場合はキーを削除する。
func (r *RedisAuthSessionRepo) SetItem(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return r.RemoveItem(ctx, key)
	}
	if err := r.client.Set(ctx, redisAuthSessionPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// RemoveItem は指定キーの値を削除する。
func (r *RedisAuthSessionRepo) RemoveItem(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisAuthSessionPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeleteExpired はRedisのTTLに委ねるため何もしない。
func (r *RedisAuthSessionRepo) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// Ping はRedisへの接続を確認する。
func (r *RedisAuthSessionRepo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// compile-time interface check
var _ AuthSessionRepository = (*RedisAuthSessionRepo)(nil)
