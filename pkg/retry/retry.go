// Package retry 提供指数退避重试策略
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/qiminjie89/roomwatch/pkg/config"
)

// Policy 重试策略
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64 // 随机因子，0.5 表示 ±50%
	MaxAttempts     int     // 0 表示不限次数
}

// FromConfig 由配置创建策略
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		Jitter:          cfg.Jitter,
		MaxAttempts:     cfg.MaxAttempts,
	}
}

// Fixed 固定间隔、有限次数的策略（如 DNS 查询失败后每 5 秒重试一次）
func Fixed(interval time.Duration, attempts int) Policy {
	return Policy{
		InitialInterval: interval,
		MaxInterval:     interval,
		Multiplier:      1,
		MaxAttempts:     attempts,
	}
}

// NewBackOff 创建退避器，调用方持有并在成功后 Reset
func (p Policy) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return b
}

// Do 执行 fn 直到成功、ctx 取消或次数耗尽，返回最后一次错误
func (p Policy) Do(ctx context.Context, fn func() error) error {
	return backoff.Retry(fn, backoff.WithContext(p.NewBackOff(), ctx))
}

// Permanent 包装不应重试的错误
func Permanent(err error) error {
	return backoff.Permanent(err)
}
