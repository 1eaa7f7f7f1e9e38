package cluster

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiminjie89/roomwatch/internal/protocol"
)

// channelPair 用 OS 管道连接两个通道，管道自带缓冲，和子进程的 stdin/stdout 一致
func channelPair(t *testing.T) (master, worker *Channel) {
	t.Helper()

	mr, ww, err := os.Pipe()
	require.NoError(t, err)
	wr, mw, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		mr.Close()
		wr.Close()
	})

	return NewChannel(RoleMaster, "w", mr, mw), NewChannel("w", RoleMaster, wr, ww)
}

func TestChannelSend(t *testing.T) {
	master, worker := channelPair(t)

	got := make(chan *protocol.Message, 1)
	go master.Serve(func(msg *protocol.Message) { got <- msg })

	require.NoError(t, worker.Send(protocol.CmdAddFixed, protocol.Room{RoomID: 42}))

	select {
	case msg := <-got:
		assert.Equal(t, protocol.CmdAddFixed, msg.Cmd)
		assert.Equal(t, "w", msg.From)
		assert.Equal(t, RoleMaster, msg.To)
		var room protocol.Room
		require.NoError(t, msg.Bind(&room))
		assert.Equal(t, int64(42), room.RoomID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestChannelRequestReply(t *testing.T) {
	master, worker := channelPair(t)

	go worker.Serve(func(msg *protocol.Message) {
		if msg.Cmd == protocol.CmdGetRooms {
			worker.Reply(msg, protocol.CmdEstablishedRooms, protocol.Rooms{Rooms: []int64{1, 2, 3}})
		}
	})
	unsolicited := make(chan *protocol.Message, 1)
	go master.Serve(func(msg *protocol.Message) { unsolicited <- msg })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		reply, err := master.Request(ctx, protocol.CmdGetRooms, nil)
		require.NoError(t, err)
		assert.Equal(t, protocol.CmdEstablishedRooms, reply.Cmd)

		var rooms protocol.Rooms
		require.NoError(t, reply.Bind(&rooms))
		assert.Equal(t, []int64{1, 2, 3}, rooms.Rooms)
	}

	// 应答不会交给普通处理函数
	select {
	case msg := <-unsolicited:
		t.Fatalf("reply leaked to handler: %s", msg.Cmd)
	default:
	}
}

func TestChannelRequestTimeout(t *testing.T) {
	master, worker := channelPair(t)
	go worker.Serve(func(*protocol.Message) {})
	go master.Serve(func(*protocol.Message) {})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := master.Request(ctx, protocol.CmdGetRooms, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestChannelCloseEndsPeer(t *testing.T) {
	master, worker := channelPair(t)

	served := make(chan error, 1)
	go func() { served <- master.Serve(func(*protocol.Message) {}) }()
	go worker.Serve(func(*protocol.Message) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pending := make(chan error, 1)
	go func() {
		_, err := master.Request(ctx, protocol.CmdGetRooms, nil)
		pending <- err
	}()

	time.Sleep(20 * time.Millisecond)
	worker.Close()

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after peer closed")
	}
	assert.ErrorIs(t, <-pending, ErrChannelClosed)
	assert.ErrorIs(t, master.Send(protocol.CmdClose, nil), ErrChannelClosed)
}

func TestHashRing(t *testing.T) {
	ring := NewHashRing(64)
	assert.Empty(t, ring.Node(1))

	roles := []string{DynamicRole(0), DynamicRole(1), DynamicRole(2)}
	for _, r := range roles {
		ring.AddNode(r)
	}

	rooms := make([]int64, 0, 300)
	for i := int64(1); i <= 300; i++ {
		rooms = append(rooms, i)
	}

	split := ring.Split(rooms)
	total := 0
	for role, ids := range split {
		assert.Contains(t, roles, role)
		total += len(ids)
		for _, id := range ids {
			assert.Equal(t, role, ring.Node(id), "room %d", id)
		}
	}
	assert.Equal(t, len(rooms), total)
	assert.Len(t, split, 3)

}

func TestReadyState(t *testing.T) {
	ctx := context.Background()

	r := NewReadyState(50 * time.Millisecond)
	assert.False(t, r.IsReady())
	assert.ErrorIs(t, r.Wait(ctx), ErrNotReady)

	r = NewReadyState(time.Second)
	go r.MarkReady(protocol.Ready{Role: RoleGift, PID: 7, Session: "s1"})
	require.NoError(t, r.Wait(ctx))
	r.MarkReady(protocol.Ready{Role: RoleGift, PID: 8, Session: "s2"})
	assert.True(t, r.IsReady())
	assert.Equal(t, 7, r.Info().PID)
}

func TestRoles(t *testing.T) {
	assert.Equal(t, []string{"gift", "fixed", "dynamic-0", "dynamic-1"}, Roles(2))
	assert.True(t, ValidWorkerRole("dynamic-3"))
	assert.True(t, ValidWorkerRole(RoleFixed))
	assert.False(t, ValidWorkerRole("dynamic-x"))
	assert.False(t, ValidWorkerRole(RoleMaster))
	assert.False(t, ValidWorkerRole(RoleTail))
}

func TestCollectorFixedRoomsUnion(t *testing.T) {
	dir := &fakeDirectory{fixed: []int64{5, 2, 9}}
	store := newFakeStore(2, 7)

	c := NewCollector(dir, store)
	assert.Equal(t, []int64{2, 7, 5, 9}, c.FixedRooms(context.Background()))

	dir.fixedErr = errors.New("rank down")
	assert.Equal(t, []int64{2, 7}, c.FixedRooms(context.Background()))

	assert.Equal(t, []int64{1, 3}, union([]int64{1, 0, 3}, []int64{3, -1}))
}

func TestCollectorDynamicRoomsError(t *testing.T) {
	dir := &fakeDirectory{live: []int64{1, 2}}
	c := NewCollector(dir, nil)
	assert.Equal(t, []int64{1, 2}, c.DynamicRooms(context.Background()))

	dir.liveErr = errors.New("timeout")
	assert.Nil(t, c.DynamicRooms(context.Background()))
}
