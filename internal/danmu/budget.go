package danmu

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/pkg/logger"
	"github.com/qiminjie89/roomwatch/pkg/metrics"
)

// ErrorBudget 进程级帧错误计数
//
// 超出上限说明服务器在主动拒绝客户端，继续重连没有意义，触发 fatal 退出。
type ErrorBudget struct {
	limit int64
	count atomic.Int64
	fatal func(msg string)
}

// NewErrorBudget 创建错误预算，fatal 为 nil 时使用 logger.Fatal
func NewErrorBudget(limit int, fatal func(msg string)) *ErrorBudget {
	if fatal == nil {
		fatal = func(msg string) { logger.Fatal(msg) }
	}
	return &ErrorBudget{
		limit: int64(limit),
		fatal: fatal,
	}
}

// Add 记录一次帧错误，返回是否已耗尽
func (b *ErrorBudget) Add() bool {
	n := b.count.Add(1)
	metrics.DanmuFramingErrors.Inc()

	if b.limit > 0 && n > b.limit {
		logger.Error("framing error budget exhausted, server is rejecting connections",
			zap.Int64("errors", n),
			zap.Int64("limit", b.limit),
		)
		b.fatal("framing error budget exhausted")
		return true
	}
	return false
}

// Count 当前错误数
func (b *ErrorBudget) Count() int64 {
	return b.count.Load()
}
