// Package resolver 提供推送服务器地址解析、掉线统计和智能分配
package resolver

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/pkg/config"
	"github.com/qiminjie89/roomwatch/pkg/logger"
	"github.com/qiminjie89/roomwatch/pkg/metrics"
	"github.com/qiminjie89/roomwatch/pkg/retry"
)

// LookupFunc DNS 查询函数
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// Option 可选参数
type Option func(*Resolver)

// WithLookup 替换 DNS 查询（测试使用）
func WithLookup(fn LookupFunc) Option {
	return func(r *Resolver) { r.lookup = fn }
}

// WithFatal 替换网络不可用时的退出动作
func WithFatal(fn func(msg string)) Option {
	return func(r *Resolver) { r.fatal = fn }
}

// Resolver 主机地址解析器
//
// 记录每个 IP 的掉线次数，定期（或掉线次数达到阈值时）生成快照：
// 与最小掉线次数之差不超过容忍度的 IP 进入可用列表，之后按轮询分配。
type Resolver struct {
	host   string
	cfg    config.ResolverConfig
	lookup LookupFunc
	fatal  func(msg string)

	mu          sync.Mutex
	initialized bool
	counts      map[string]int // ip → 掉线次数
	order       []string       // DNS 返回顺序
	good        []string
	lastIndex   int
	reports     int
}

// New 创建解析器
func New(host string, cfg config.ResolverConfig, opts ...Option) *Resolver {
	r := &Resolver{
		host:      host,
		cfg:       cfg,
		counts:    make(map[string]int),
		lastIndex: -1,
		lookup: func(ctx context.Context, host string) ([]string, error) {
			return net.DefaultResolver.LookupHost(ctx, host)
		},
		fatal: func(msg string) { logger.Fatal(msg) },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve 返回下一个连接地址
//
// 禁用追踪或 DNS 尚未返回时返回原始主机名；首次调用触发异步 DNS 查询。
func (r *Resolver) Resolve() string {
	if !r.cfg.TrackIPs {
		return r.host
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.counts) == 0 {
		if !r.initialized {
			r.initialized = true
			go r.resolveDNS()
		}
		return r.host
	}
	if len(r.good) == 0 {
		return r.host
	}

	r.lastIndex++
	if r.lastIndex >= len(r.good) {
		r.lastIndex = 0
	}
	return r.good[r.lastIndex]
}

// resolveDNS 查询 DNS，失败按固定间隔重试
func (r *Resolver) resolveDNS() {
	var records []string
	policy := retry.Fixed(r.cfg.DNSRetryDelay, r.cfg.DNSRetries+1)
	err := policy.Do(context.Background(), func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		addrs, err := r.lookup(ctx, r.host)
		if err != nil {
			logger.Warn("dns resolve failure",
				zap.String("host", r.host),
				zap.Error(err),
			)
			return err
		}
		records = addrs
		return nil
	})
	if err != nil || len(records) == 0 {
		logger.Error("dns resolve gave up, using bare hostname",
			zap.String("host", r.host),
		)
		return
	}

	r.mu.Lock()
	for _, ip := range records {
		if _, ok := r.counts[ip]; !ok {
			r.order = append(r.order, ip)
		}
		r.counts[ip] = 0
	}
	r.good = append([]string(nil), r.order...)
	r.lastIndex = -1
	r.mu.Unlock()

	metrics.ResolverGoodAddresses.Set(float64(len(records)))
	logger.Info("dns resolved",
		zap.String("host", r.host),
		zap.Strings("addresses", records),
	)
}

// ReportDisconnection 记录一次掉线，未知地址忽略
func (r *Resolver) ReportDisconnection(addr string) {
	if !r.cfg.TrackIPs {
		return
	}

	r.mu.Lock()
	if _, ok := r.counts[addr]; !ok {
		r.mu.Unlock()
		return
	}
	r.counts[addr]++
	r.reports++
	trigger := r.cfg.DynamicUpdateThreshold > 0 && r.reports >= r.cfg.DynamicUpdateThreshold
	r.mu.Unlock()

	metrics.ResolverDisconnections.Inc()
	if trigger {
		r.Update()
	}
}

// Update 生成掉线统计快照并重置计数
func (r *Resolver) Update() {
	r.mu.Lock()
	if len(r.counts) == 0 {
		r.mu.Unlock()
		return
	}
	r.reports = 0

	minCount := math.MaxInt
	for _, c := range r.counts {
		if c < minCount {
			minCount = c
		}
	}

	unusable := r.cfg.UnusableThreshold > 0 && minCount > r.cfg.UnusableThreshold
	good := make([]string, 0, len(r.order))
	for _, ip := range r.order {
		if unusable || r.counts[ip]-minCount <= r.cfg.Tolerance {
			good = append(good, ip)
		}
		r.counts[ip] = 0
	}
	r.good = good
	if r.lastIndex >= len(good) {
		r.lastIndex = -1
	}
	r.mu.Unlock()

	metrics.ResolverGoodAddresses.Set(float64(len(good)))

	if unusable {
		logger.Error("high rate of disconnections",
			zap.String("host", r.host),
			zap.Int("min_count", minCount),
		)
		if r.cfg.ExitWhenUnusable {
			r.fatal("network unusable")
		}
	}
}

// GoodAddresses 返回当前可用地址列表的副本
func (r *Resolver) GoodAddresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.good...)
}

// Run 定时更新掉线统计，直到 ctx 取消
func (r *Resolver) Run(ctx context.Context) {
	if !r.cfg.TrackIPs || r.cfg.StaticUpdateInterval <= 0 {
		return
	}

	ticker := time.NewTicker(r.cfg.StaticUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Update()
		}
	}
}
