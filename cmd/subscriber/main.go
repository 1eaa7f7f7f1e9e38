// Package main 提供广播服务的订阅客户端，用于联调和压测
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/pkg/auth"
	"github.com/qiminjie89/roomwatch/pkg/logger"
	"github.com/qiminjie89/roomwatch/pkg/transport"
)

// 配置
var (
	serverAddr = flag.String("addr", "ws://localhost:8999/ws", "broadcast address, /ws or /bilive")
	secret     = flag.String("secret", "", "JWT secret used to mint a token")
	name       = flag.String("name", "subscriber", "subscriber name in the token")
	numClients = flag.Int("clients", 1, "number of concurrent subscribers")
	duration   = flag.Duration("duration", 0, "stop after this long, 0 runs until interrupted")
	verbose    = flag.Bool("v", false, "print every message")
)

// Stats 统计
type Stats struct {
	connected    atomic.Int64
	disconnected atomic.Int64
	received     atomic.Int64
	errors       atomic.Int64
}

var stats Stats

func main() {
	flag.Parse()

	if err := logger.Init(logger.Config{Level: "info", Format: "console"}); err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	header := http.Header{}
	if *secret != "" {
		token, err := auth.NewJWTValidator(*secret).GenerateToken(*name, 24*time.Hour)
		if err != nil {
			logger.Fatal("generate token failed", zap.Error(err))
		}
		header.Set("Authorization", "Bearer "+token)
	}

	logger.Info("starting subscribers",
		zap.String("addr", *serverAddr),
		zap.Int("clients", *numClients),
	)

	go statsLoop(ctx)

	var wg sync.WaitGroup
	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runClient(ctx, id, header)
		}(i)
	}
	wg.Wait()

	logger.Info("final stats",
		zap.Int64("connected", stats.connected.Load()),
		zap.Int64("disconnected", stats.disconnected.Load()),
		zap.Int64("received", stats.received.Load()),
		zap.Int64("errors", stats.errors.Load()),
	)
}

func runClient(ctx context.Context, id int, header http.Header) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *serverAddr, header)
	if err != nil {
		stats.errors.Add(1)
		logger.Warn("connect failed", zap.Int("client", id), zap.Error(err))
		return
	}
	stats.connected.Add(1)
	defer stats.disconnected.Add(1)

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				stats.errors.Add(1)
				logger.Warn("connection closed", zap.Int("client", id), zap.Error(err))
			}
			return
		}
		stats.received.Add(1)
		if *verbose || *numClients == 1 {
			printMessage(id, data)
		}
	}
}

// printMessage 两种格式都按 JSON 解析，无法识别的原样输出
func printMessage(id int, data []byte) {
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err == nil && ev.Kind.Valid() {
		logger.Info("event",
			zap.Int("client", id),
			zap.Int64("id", ev.ID),
			zap.Int64("room_id", ev.RoomID),
			zap.String("kind", string(ev.Kind)),
			zap.String("name", ev.Name),
		)
		return
	}

	var msg transport.BiliveMessage
	if err := json.Unmarshal(data, &msg); err == nil && msg.Cmd != "" {
		logger.Info("bilive",
			zap.Int("client", id),
			zap.String("cmd", msg.Cmd),
			zap.Int64("id", msg.ID),
			zap.Int64("room_id", msg.RoomID),
			zap.String("title", msg.Title),
		)
		return
	}

	fmt.Printf("[%d] %s\n", id, data)
}

func statsLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("stats",
				zap.Int64("connected", stats.connected.Load()-stats.disconnected.Load()),
				zap.Int64("received", stats.received.Load()),
				zap.Int64("errors", stats.errors.Load()),
			)
		}
	}
}
