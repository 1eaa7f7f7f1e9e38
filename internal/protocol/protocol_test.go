package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiminjie89/roomwatch/internal/event"
)

func TestFrameStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{MsgType: 1, Seq: 7, Payload: []byte("abc")}))
	require.NoError(t, WriteFrame(&buf, &Frame{MsgType: 2, Seq: 8}))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, &Frame{MsgType: 1, Seq: 7, Payload: []byte("abc")}, f)

	f, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), f.MsgType)
	assert.Nil(t, f.Payload)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameErrors(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header[12:16], MaxPayloadLen+1)
	_, err := ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	binary.BigEndian.PutUint32(header[12:16], 10)
	_, err = ReadFrame(bytes.NewReader(append(header, 1, 2, 3)))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeFrame(t *testing.T) {
	data := EncodeFrame(&Frame{MsgType: 3, Seq: 1, Payload: []byte{9}})

	f, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, f.Payload)

	_, err = DecodeFrame(data[:HeaderSize])
	assert.ErrorIs(t, err, ErrInvalidFrame)
	_, err = DecodeFrame(data[:4])
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	f, err := NewFrame(CmdUpdateRooms, 42, &Envelope{From: "master", To: "dynamic-0"}, Rooms{Rooms: []int64{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, uint32(CmdUpdateRooms), f.MsgType)

	msg, err := ParseFrame(f)
	require.NoError(t, err)
	assert.Equal(t, CmdUpdateRooms, msg.Cmd)
	assert.Equal(t, uint64(42), msg.Seq)
	assert.Equal(t, "master", msg.From)
	assert.Equal(t, "dynamic-0", msg.To)

	var rooms Rooms
	require.NoError(t, msg.Bind(&rooms))
	assert.Equal(t, []int64{1, 2, 3}, rooms.Rooms)
}

func TestEventPayload(t *testing.T) {
	expire := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := event.Event{ID: 5, RoomID: 77, Kind: event.KindGuard, Type: "guard", Name: "舰长", ExpireAt: expire}

	cmd, ok := EventCommand(ev.Kind)
	require.True(t, ok)
	f, err := NewFrame(cmd, 1, &Envelope{From: "fixed", To: "master"}, ev)
	require.NoError(t, err)

	msg, err := ParseFrame(f)
	require.NoError(t, err)
	kind, ok := msg.Cmd.EventKind()
	require.True(t, ok)
	assert.Equal(t, event.KindGuard, kind)

	var got event.Event
	require.NoError(t, msg.Bind(&got))
	assert.True(t, expire.Equal(got.ExpireAt))
	got.ExpireAt = expire
	assert.Equal(t, ev, got)
}

func TestBindEmptyData(t *testing.T) {
	f, err := NewFrame(CmdGetRooms, 1, &Envelope{From: "master"}, nil)
	require.NoError(t, err)

	msg, err := ParseFrame(f)
	require.NoError(t, err)
	assert.Error(t, msg.Bind(&Rooms{}))
}

func TestCommandNames(t *testing.T) {
	assert.Equal(t, "established_rooms", CmdEstablishedRooms.String())
	assert.Equal(t, "cmd(0x00ff)", Command(0xff).String())

	_, ok := CmdReady.EventKind()
	assert.False(t, ok)
	_, ok = EventCommand("unknown")
	assert.False(t, ok)
}
