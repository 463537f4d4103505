package store

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter 基于 KV 的限流
type RateLimiter struct {
	kv     KV
	prefix string
}

func NewRateLimiter(kv KV, prefix string) *RateLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RateLimiter{kv: kv, prefix: prefix}
}

// Once 每个 key 在 window 内只允许一次（SET NX EX）
func (l *RateLimiter) Once(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := l.kv.SetNX(ctx, l.key(key), "1", window)
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return ok, nil
}

// Allow 固定窗口计数：window 内最多 limit 次
func (l *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	n, err := l.kv.Incr(ctx, l.key(key), window)
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return n <= limit, nil
}

// Reset 清除计数（如登录成功后）
func (l *RateLimiter) Reset(ctx context.Context, key string) error {
	return l.kv.Del(ctx, l.key(key))
}

func (l *RateLimiter) key(k string) string { return l.prefix + ":" + k }
