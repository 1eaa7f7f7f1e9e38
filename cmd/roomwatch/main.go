package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/internal/cluster"
	"github.com/qiminjie89/roomwatch/internal/danmu"
	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/internal/history"
	"github.com/qiminjie89/roomwatch/internal/monitor"
	"github.com/qiminjie89/roomwatch/internal/platform"
	"github.com/qiminjie89/roomwatch/pkg/auth"
	"github.com/qiminjie89/roomwatch/pkg/config"
	"github.com/qiminjie89/roomwatch/pkg/kafka"
	"github.com/qiminjie89/roomwatch/pkg/logger"
	"github.com/qiminjie89/roomwatch/pkg/resolver"
	"github.com/qiminjie89/roomwatch/pkg/retry"
	"github.com/qiminjie89/roomwatch/pkg/store"
	"github.com/qiminjie89/roomwatch/pkg/transport"
)

func main() {
	// 解析命令行参数
	role := flag.String("role", cluster.RoleMaster, "process role: master, gift, fixed, dynamic-N, tail")
	configPath := flag.String("config", "configs/roomwatch.yaml", "config file path")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			panic("load config failed: " + err.Error())
		}
		cfg = config.Default()
	}

	// 初始化日志；worker 的 stdout 是 IPC 通道
	logCfg := logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output}
	if *verbose {
		logCfg.Level = "debug"
	}
	if *role != cluster.RoleMaster && *role != cluster.RoleTail {
		logCfg.Output = "stderr"
	}
	if err := logger.Init(logCfg); err != nil {
		panic("init logger failed: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting roomwatch",
		zap.String("role", *role),
		zap.String("config", *configPath),
		zap.Int("pid", os.Getpid()),
	)

	switch {
	case *role == cluster.RoleMaster:
		err = runMaster(cfg, *configPath, *verbose)
	case *role == cluster.RoleTail:
		err = runTail(cfg)
	case cluster.ValidWorkerRole(*role):
		err = runWorker(cfg, *role)
	default:
		err = fmt.Errorf("unknown role %q", *role)
	}
	if err != nil {
		logger.Error("exit with error", zap.String("role", *role), zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// runMaster 启动工作进程、去重并分发事件
func runMaster(cfg *config.Config, configPath string, verbose bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var extra []string
	if verbose {
		extra = append(extra, "-v")
	}
	spawner, err := cluster.NewExecSpawner(configPath, extra...)
	if err != nil {
		return err
	}

	fixedStore, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	hist := history.New(cfg.History)
	client := platform.New(cfg.Platform)
	master := cluster.NewMaster(cfg, spawner, hist, client, fixedStore)

	// 下游：日志、Kafka、WebSocket 广播
	master.OnEvent(cluster.LogEvent)

	if producer := kafka.NewProducer(cfg.Kafka); producer != nil {
		defer producer.Close()
		master.OnEvent(func(ev event.Event) {
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			producer.Publish(pctx, ev)
		})
	}

	if cfg.Broadcast.Addr != "" {
		hub := transport.NewHub(cfg.Broadcast, auth.NewJWTValidator(cfg.Broadcast.JWTSecret))
		master.OnEvent(hub.Broadcast)
		go func() {
			if err := hub.Run(ctx); err != nil {
				logger.Error("broadcast server error", zap.Error(err))
			}
		}()
	}

	metricsOnHealth := cfg.Metrics.Enabled && (cfg.Metrics.Addr == "" || cfg.Metrics.Addr == cfg.Health.Addr)
	if cfg.Health.Addr != "" {
		go cluster.NewHealthServer(master, hist, metricsOnHealth).Run(ctx, cfg.Health.Addr)
	}
	if cfg.Metrics.Enabled && !metricsOnHealth {
		go cluster.ServeMetrics(ctx, cfg.Metrics.Addr)
	}

	go hist.Run(ctx)

	storeDone := make(chan struct{})
	go func() {
		defer close(storeDone)
		fixedStore.Run(ctx)
	}()

	err = master.Run(ctx)
	<-storeDone
	return err
}

// runWorker 工作进程：通过 stdin/stdout 与主进程通信
func runWorker(cfg *config.Config, role string) error {
	// 终端的 Ctrl-C 会发给整个进程组，worker 等主进程的 close 命令退出
	signal.Ignore(syscall.SIGINT)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		if addr := cfg.Metrics.WorkerAddrs[role]; addr != "" {
			go cluster.ServeMetrics(ctx, addr)
		}
	}

	res := resolver.New(cfg.Danmu.Host, cfg.Resolver)
	go res.Run(ctx)

	budget := danmu.NewErrorBudget(cfg.Danmu.ErrorBudget, func(msg string) { logger.Fatal(msg) })
	engine := danmu.NewEngine(cfg.Danmu, retry.FromConfig(cfg.Retry), res, budget, danmu.WithRole(role))

	client := platform.New(cfg.Platform)
	decoder := event.NewDecoder()
	gctx, cancel := context.WithTimeout(ctx, cfg.Platform.Timeout)
	if names, err := client.GiftConfig(gctx); err != nil {
		logger.Warn("load guard names failed, using defaults", zap.Error(err))
	} else if len(names.Guards) > 0 {
		decoder.GuardNames = names.Guards
	}
	cancel()

	ch := cluster.NewChannel(role, cluster.RoleMaster, os.Stdin, os.Stdout)
	worker := cluster.NewWorker(role, ch)

	deps := monitor.Deps{
		Engine:  engine,
		Decoder: decoder,
		Sink:    worker,
		Live:    client,
		Config:  cfg.Monitor,
	}
	controller, err := cluster.BuildController(role, deps, client, retry.FromConfig(cfg.Retry))
	if err != nil {
		return err
	}
	return worker.Run(ctx, controller)
}

// runTail 从 Kafka topic 读取事件并打印
func runTail(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer, err := kafka.NewConsumer(cfg.Kafka)
	if err != nil {
		return err
	}
	defer consumer.Close()

	return consumer.Run(ctx, func(ev event.Event) error {
		cluster.LogEvent(ev)
		return nil
	})
}
