// Package config 提供配置加载功能
//
// 配置在启动时加载一次，之后作为只读结构体以指针传递给各组件，运行期不再修改。
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 进程配置（master 与 worker 共用同一份文件）
type Config struct {
	Danmu     DanmuConfig     `yaml:"danmu"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Retry     RetryConfig     `yaml:"retry"`
	History   HistoryConfig   `yaml:"history"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Platform  PlatformConfig  `yaml:"platform"`
	Store     StoreConfig     `yaml:"store"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
}

// DanmuConfig 弹幕推送协议连接配置
type DanmuConfig struct {
	Host                string        `yaml:"host"`
	Port                int           `yaml:"port"`
	ClientVersion       string        `yaml:"client_version"`
	UID                 int64         `yaml:"uid"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	MaxFrameLength      int           `yaml:"max_frame_length"`
	ErrorBudget         int           `yaml:"error_budget"`
}

// ResolverConfig IP 掉线统计与分配配置
type ResolverConfig struct {
	TrackIPs               bool          `yaml:"track_ips"`
	DNSRetries             int           `yaml:"dns_retries"`
	DNSRetryDelay          time.Duration `yaml:"dns_retry_delay"`
	StaticUpdateInterval   time.Duration `yaml:"static_update_interval"`
	DynamicUpdateThreshold int           `yaml:"dynamic_update_threshold"`
	Tolerance              int           `yaml:"tolerance"`
	UnusableThreshold      int           `yaml:"unusable_threshold"`
	ExitWhenUnusable       bool          `yaml:"exit_when_unusable"`
}

// RetryConfig 重试策略（指数退避 + 抖动）
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

// HistoryConfig 去重缓存配置
type HistoryConfig struct {
	StagingLimit int                   `yaml:"staging_limit"`
	Kinds        map[string]KindWindow `yaml:"kinds"`
}

// KindWindow 单个事件类型的清理间隔与宽限期
type KindWindow struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Grace         time.Duration `yaml:"grace"`
}

// MonitorConfig 房间监听策略配置
type MonitorConfig struct {
	StaggerMin            time.Duration  `yaml:"stagger_min"`
	StaggerMax            time.Duration  `yaml:"stagger_max"`
	Limit                 int            `yaml:"limit"`
	RecentlyClosedMax     int            `yaml:"recently_closed_max"`
	RecentlyClosedKeep    int            `yaml:"recently_closed_keep"`
	OffHeartbeats         int            `yaml:"off_heartbeats"`
	PromoteGuardCount     int            `yaml:"promote_guard_count"`
	PromotePeakPopularity uint32         `yaml:"promote_peak_popularity"`
	LookupTimeout         time.Duration  `yaml:"lookup_timeout"`
	Areas                 map[int]string `yaml:"areas"`
	AreaCandidates        int            `yaml:"area_candidates"`
}

// ClusterConfig 多进程协调配置
type ClusterConfig struct {
	DynamicShards          int           `yaml:"dynamic_shards"`
	VirtualNodes           int           `yaml:"virtual_nodes"`
	MaxRestarts            int           `yaml:"max_restarts"`
	RestartWindow          time.Duration `yaml:"restart_window"`
	ReadyTimeout           time.Duration `yaml:"ready_timeout"`
	ShutdownGrace          time.Duration `yaml:"shutdown_grace"`
	DynamicRefreshInterval time.Duration `yaml:"dynamic_refresh_interval"`
	FixedRefreshInterval   time.Duration `yaml:"fixed_refresh_interval"`
	ReplyTimeout           time.Duration `yaml:"reply_timeout"`
}

// PlatformConfig 平台 HTTP API 配置
type PlatformConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"` // 每秒请求数
	Burst     int           `yaml:"burst"`
	PageSize  int           `yaml:"page_size"`
	UserAgent string        `yaml:"user_agent"`
}

// StoreConfig 固定房间持久化配置
type StoreConfig struct {
	Path           string        `yaml:"path"`
	GuardThreshold int           `yaml:"guard_threshold"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	ConsumerGroup string        `yaml:"consumer_group"` // 仅 tail 使用
	BatchSize     int           `yaml:"batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
}

// BroadcastConfig 下游 WebSocket 广播配置
type BroadcastConfig struct {
	Addr            string        `yaml:"addr"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	SendChSize      int           `yaml:"send_ch_size"`
	JWTSecret       string        `yaml:"jwt_secret"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Addr        string            `yaml:"addr"`
	WorkerAddrs map[string]string `yaml:"worker_addrs"`
}

// HealthConfig 健康检查服务配置
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// Load 加载配置文件，并补全默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse 解析 YAML 内容
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回默认配置
func Default() *Config {
	cfg := &Config{}
	cfg.Resolver.TrackIPs = true
	cfg.applyDefaults()
	return cfg
}

// applyDefaults 补全未配置的字段
func (c *Config) applyDefaults() {
	d := &c.Danmu
	setString(&d.Host, "broadcastlv.chat.bilibili.com")
	setInt(&d.Port, 2243)
	setString(&d.ClientVersion, "1.8.12")
	setDuration(&d.DialTimeout, 10*time.Second)
	setDuration(&d.HeartbeatInterval, 30*time.Second)
	setDuration(&d.HealthCheckInterval, 45*time.Second)
	setDuration(&d.StaleAfter, 35*time.Second)
	setInt(&d.MaxFrameLength, 100000)
	setInt(&d.ErrorBudget, 100)

	r := &c.Resolver
	setInt(&r.DNSRetries, 3)
	setDuration(&r.DNSRetryDelay, 5*time.Second)
	setDuration(&r.StaticUpdateInterval, 60*time.Second)
	setInt(&r.DynamicUpdateThreshold, 100)
	setInt(&r.Tolerance, 5)

	rt := &c.Retry
	setDuration(&rt.InitialInterval, 500*time.Millisecond)
	setDuration(&rt.MaxInterval, 30*time.Second)
	if rt.Multiplier <= 0 {
		rt.Multiplier = 2
	}
	if rt.Jitter <= 0 {
		rt.Jitter = 0.5
	}

	h := &c.History
	setInt(&h.StagingLimit, 50)
	if h.Kinds == nil {
		h.Kinds = make(map[string]KindWindow)
	}
	defaultWindows := map[string]KindWindow{
		"guard": {SweepInterval: 60 * time.Second, Grace: 30 * time.Second},
		"gift":  {SweepInterval: 5 * time.Second, Grace: 10 * time.Second},
		"pk":    {SweepInterval: 5 * time.Second, Grace: 10 * time.Second},
		"storm": {SweepInterval: 120 * time.Second, Grace: 120 * time.Second},
	}
	for kind, w := range defaultWindows {
		cur := h.Kinds[kind]
		setDuration(&cur.SweepInterval, w.SweepInterval)
		setDuration(&cur.Grace, w.Grace)
		h.Kinds[kind] = cur
	}

	m := &c.Monitor
	setDuration(&m.StaggerMin, 20*time.Millisecond)
	setDuration(&m.StaggerMax, 50*time.Millisecond)
	setInt(&m.RecentlyClosedMax, 30)
	setInt(&m.RecentlyClosedKeep, 20)
	setInt(&m.OffHeartbeats, 10)
	setInt(&m.PromoteGuardCount, 1)
	if m.PromotePeakPopularity == 0 {
		m.PromotePeakPopularity = 50000
	}
	setDuration(&m.LookupTimeout, 10*time.Second)
	if len(m.Areas) == 0 {
		m.Areas = map[int]string{
			1: "娱乐",
			2: "网游",
			3: "手游",
			4: "绘画",
			5: "电台",
			6: "单机",
		}
	}
	setInt(&m.AreaCandidates, 10)

	cl := &c.Cluster
	setInt(&cl.DynamicShards, 1)
	setInt(&cl.VirtualNodes, 64)
	setInt(&cl.MaxRestarts, 5)
	setDuration(&cl.RestartWindow, 10*time.Minute)
	setDuration(&cl.ReadyTimeout, 30*time.Second)
	setDuration(&cl.ShutdownGrace, 5*time.Second)
	setDuration(&cl.DynamicRefreshInterval, 2*time.Minute)
	setDuration(&cl.FixedRefreshInterval, 30*time.Minute)
	setDuration(&cl.ReplyTimeout, 10*time.Second)

	p := &c.Platform
	setString(&p.BaseURL, "https://api.live.bilibili.com")
	setDuration(&p.Timeout, 10*time.Second)
	if p.RateLimit <= 0 {
		p.RateLimit = 5
	}
	setInt(&p.Burst, 5)
	setInt(&p.PageSize, 99)
	setString(&p.UserAgent, "Mozilla/5.0 (X11; Linux x86_64)")

	s := &c.Store
	setString(&s.Path, "record.yaml")
	setInt(&s.GuardThreshold, 3)
	setDuration(&s.FlushInterval, 30*time.Second)

	k := &c.Kafka
	setInt(&k.BatchSize, 100)
	setDuration(&k.BatchTimeout, 100*time.Millisecond)

	b := &c.Broadcast
	setInt(&b.ReadBufferSize, 1024)
	setInt(&b.WriteBufferSize, 4096)
	setDuration(&b.PingInterval, 20*time.Second)
	setDuration(&b.WriteTimeout, 5*time.Second)
	setInt(&b.SendChSize, 256)

	setString(&c.Log.Level, "info")
	setString(&c.Log.Format, "json")
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.Danmu.StaleAfter >= c.Danmu.HealthCheckInterval*2 {
		errs = append(errs, errors.New("danmu.stale_after must be shorter than two health check intervals"))
	}
	if c.Monitor.StaggerMax < c.Monitor.StaggerMin {
		errs = append(errs, errors.New("monitor.stagger_max must not be below monitor.stagger_min"))
	}
	if c.Monitor.RecentlyClosedKeep > c.Monitor.RecentlyClosedMax {
		errs = append(errs, errors.New("monitor.recently_closed_keep must not exceed recently_closed_max"))
	}
	if c.Cluster.DynamicShards < 1 {
		errs = append(errs, errors.New("cluster.dynamic_shards must be at least 1"))
	}
	if c.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be within (0, 1]"))
	}
	return errors.Join(errs...)
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}
