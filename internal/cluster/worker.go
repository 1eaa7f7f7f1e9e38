package cluster

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/internal/monitor"
	"github.com/qiminjie89/roomwatch/internal/protocol"
	"github.com/qiminjie89/roomwatch/pkg/logger"
	"github.com/qiminjie89/roomwatch/pkg/retry"
)

// BuildController 按角色创建房间控制器
func BuildController(role string, deps monitor.Deps, lister monitor.RoomLister, policy retry.Policy) (monitor.Controller, error) {
	switch {
	case role == RoleGift:
		return monitor.NewRaffleController(deps, lister, policy), nil
	case role == RoleFixed:
		return monitor.NewFixedController(deps), nil
	case IsDynamic(role):
		return monitor.NewDynamicController(deps), nil
	}
	return nil, fmt.Errorf("unknown worker role %q", role)
}

// Worker 工作进程：把控制器的输出转发给主进程，执行主进程的命令
//
// Worker 实现 monitor.Sink，需要先创建再放进控制器的依赖中。
type Worker struct {
	role    string
	session string
	ch      *Channel
	log     *zap.Logger
}

// NewWorker 创建工作进程
func NewWorker(role string, ch *Channel) *Worker {
	session := uuid.New().String()
	return &Worker{
		role:    role,
		session: session,
		ch:      ch,
		log:     logger.With(zap.String("role", role), zap.String("session", session)),
	}
}

func (w *Worker) send(cmd protocol.Command, data any) {
	if err := w.ch.Send(cmd, data); err != nil {
		w.log.Warn("send to master failed", zap.Stringer("cmd", cmd), zap.Error(err))
	}
}

// Event 实现 monitor.Sink
func (w *Worker) Event(ev event.Event) {
	cmd, ok := protocol.EventCommand(ev.Kind)
	if !ok {
		return
	}
	w.send(cmd, ev)
}

// AddFixed 实现 monitor.Sink
func (w *Worker) AddFixed(roomID int64) {
	w.send(protocol.CmdAddFixed, protocol.Room{RoomID: roomID})
}

// RecordRoom 实现 monitor.Sink
func (w *Worker) RecordRoom(roomID int64) {
	w.send(protocol.CmdRecordRoom, protocol.Room{RoomID: roomID})
}

// RoomHint 实现 monitor.Sink
func (w *Worker) RoomHint(roomID int64) {
	w.send(protocol.CmdRoomHint, protocol.Room{RoomID: roomID})
}

// Run 上报就绪并处理命令，直到收到 close、通道关闭或 ctx 取消
//
// 返回前控制器已关闭。
func (w *Worker) Run(ctx context.Context, controller monitor.Controller) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctrlDone := make(chan struct{})
	go func() {
		defer close(ctrlDone)
		controller.Run(ctx)
	}()

	if err := w.ch.Send(protocol.CmdReady, protocol.Ready{Role: w.role, PID: os.Getpid(), Session: w.session}); err != nil {
		cancel()
		<-ctrlDone
		return fmt.Errorf("report ready: %w", err)
	}
	w.log.Info("worker ready")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- w.ch.Serve(func(msg *protocol.Message) {
			w.handle(msg, controller, cancel)
		})
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err == nil {
			w.log.Info("master closed the channel")
		}
	}

	cancel()
	<-ctrlDone
	w.ch.Close()
	w.log.Info("worker stopped")
	return err
}

func (w *Worker) handle(msg *protocol.Message, controller monitor.Controller, stop context.CancelFunc) {
	switch msg.Cmd {
	case protocol.CmdUpdateRooms:
		var rooms protocol.Rooms
		if err := msg.Bind(&rooms); err != nil {
			w.log.Warn("bad update_rooms", zap.Error(err))
			return
		}
		controller.UpdateRooms(rooms.Rooms)

	case protocol.CmdGetRooms:
		if err := w.ch.Reply(msg, protocol.CmdEstablishedRooms, protocol.Rooms{Rooms: controller.Rooms()}); err != nil {
			w.log.Warn("reply established_rooms failed", zap.Error(err))
		}

	case protocol.CmdClose:
		w.log.Info("close requested by master")
		stop()

	default:
		w.log.Warn("unexpected command", zap.Stringer("cmd", msg.Cmd))
	}
}
