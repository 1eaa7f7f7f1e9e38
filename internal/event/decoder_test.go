package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testDecoder() *Decoder {
	return &Decoder{
		GuardNames: DefaultGuardNames,
		Now:        func() time.Time { return fixedNow },
	}
}

func mustParse(t *testing.T, body string) *Message {
	t.Helper()
	msg, err := ParseMessage([]byte(body))
	require.NoError(t, err)
	return msg
}

func TestDecodeRaffleStart(t *testing.T) {
	msg := mustParse(t, `{"cmd":"RAFFLE_START","data":{"raffleId":9,"type":"tv","title":"限时抽奖","time_wait":0,"time":120}}`)

	ev, ok := testDecoder().Decode(77, msg)
	require.True(t, ok)
	assert.Equal(t, Event{
		ID:       9,
		RoomID:   77,
		Kind:     KindGift,
		Type:     "tv",
		Name:     "限时抽奖",
		Wait:     0,
		ExpireAt: fixedNow.Add(120 * time.Second),
	}, ev)
}

func TestDecodeGiftDefaults(t *testing.T) {
	msg := mustParse(t, `{"cmd":"TV_START","data":{"raffleId":"31","type":"small_tv","time_wait":20,"time":180}}`)

	ev, ok := testDecoder().Decode(1, msg)
	require.True(t, ok)
	assert.Equal(t, int64(31), ev.ID)
	assert.Equal(t, "未知", ev.Name)
	assert.Equal(t, 20, ev.Wait)
	assert.Equal(t, fixedNow.Add(180*time.Second), ev.ExpireAt)
}

func TestDecodeGuard(t *testing.T) {
	msg := mustParse(t, `{"cmd":"GUARD_LOTTERY_START","data":{"id":1001,"privilege_type":3,"type":"guard","lottery":{"time":1200}}}`)

	ev, ok := testDecoder().Decode(5, msg)
	require.True(t, ok)
	assert.Equal(t, KindGuard, ev.Kind)
	assert.Equal(t, int64(1001), ev.ID)
	assert.Equal(t, "舰长", ev.Name)
	assert.Equal(t, fixedNow.Add(1200*time.Second), ev.ExpireAt)
}

func TestDecodeGuardCustomNames(t *testing.T) {
	d := testDecoder()
	d.GuardNames = map[int]string{3: "Captain"}
	msg := mustParse(t, `{"cmd":"GUARD_LOTTERY_START","data":{"id":1,"privilege_type":3}}`)

	ev, ok := d.Decode(5, msg)
	require.True(t, ok)
	assert.Equal(t, "Captain", ev.Name)
	assert.Equal(t, fixedNow, ev.ExpireAt)
}

func TestDecodeGuardUnknownPrivilege(t *testing.T) {
	msg := mustParse(t, `{"cmd":"GUARD_LOTTERY_START","data":{"id":1002,"privilege_type":9,"lottery":{"time":60}}}`)

	ev, ok := testDecoder().Decode(5, msg)
	require.True(t, ok)
	assert.Equal(t, KindGuard, ev.Kind)
	assert.Equal(t, int64(1002), ev.ID)
	assert.Empty(t, ev.Name)
	assert.Equal(t, fixedNow.Add(60*time.Second), ev.ExpireAt)
}

func TestDecodePK(t *testing.T) {
	msg := mustParse(t, `{"cmd":"PK_LOTTERY_START","data":{"id":55,"time":60}}`)

	ev, ok := testDecoder().Decode(8, msg)
	require.True(t, ok)
	assert.Equal(t, KindPK, ev.Kind)
	assert.Equal(t, "大乱斗", ev.Name)
	assert.Equal(t, fixedNow.Add(time.Minute), ev.ExpireAt)
}

func TestDecodeStorm(t *testing.T) {
	msg := mustParse(t, `{"cmd":"SPECIAL_GIFT","data":{"39":{"id":"4400","action":"start","content":"x"}}}`)

	ev, ok := testDecoder().Decode(3, msg)
	require.True(t, ok)
	assert.Equal(t, KindStorm, ev.Kind)
	assert.Equal(t, int64(4400), ev.ID)
	assert.Equal(t, "节奏风暴", ev.Name)
	assert.True(t, ev.ExpireAt.IsZero())
}

func TestDecodeDropsMalformed(t *testing.T) {
	cases := map[string]string{
		"gift without data":    `{"cmd":"RAFFLE_START"}`,
		"gift without id":      `{"cmd":"RAFFLE_START","data":{"time":10}}`,
		"gift without time":    `{"cmd":"RAFFLE_START","data":{"raffleId":1}}`,
		"gift data not object": `{"cmd":"TV_START","data":"oops"}`,
		"guard missing id":     `{"cmd":"GUARD_LOTTERY_START","data":{"privilege_type":1}}`,
		"pk without id":        `{"cmd":"PK_LOTTERY_START","data":{}}`,
		"storm end":            `{"cmd":"SPECIAL_GIFT","data":{"39":{"id":1,"action":"end"}}}`,
		"storm other gift":     `{"cmd":"SPECIAL_GIFT","data":{"40":{"id":1,"action":"start"}}}`,
		"unknown cmd":          `{"cmd":"DANMU_MSG","info":[1,2,3]}`,
		"id wrong type":        `{"cmd":"RAFFLE_START","data":{"raffleId":[1],"time":10}}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := testDecoder().Decode(1, mustParse(t, body))
			assert.False(t, ok)
		})
	}
}

func TestParseMessageUnwrapsSceneEnvelope(t *testing.T) {
	msg := mustParse(t, `{"scene_key":"abc","msg":{"cmd":"PREPARING","roomid":"5"}}`)

	assert.Equal(t, CmdPreparing, msg.Cmd)
	sig, ok := DecodeSignal(msg)
	require.True(t, ok)
	assert.Equal(t, SignalPreparing, sig.Type)
}

func TestParseMessageErrors(t *testing.T) {
	for _, body := range []string{"", "   ", "null", "[1,2]", "{not json"} {
		_, err := ParseMessage([]byte(body))
		assert.Error(t, err, body)
	}
}

func TestDecodeSignals(t *testing.T) {
	notice, ok := DecodeSignal(mustParse(t, `{"cmd":"NOTICE_MSG","msg_type":2,"real_roomid":23058}`))
	require.True(t, ok)
	assert.Equal(t, Signal{Type: SignalNotice, MsgType: 2, RealRoomID: 23058}, notice)

	change, ok := DecodeSignal(mustParse(t, `{"cmd":"ROOM_CHANGE","data":{"title":"t","parent_area_id":3}}`))
	require.True(t, ok)
	assert.Equal(t, Signal{Type: SignalRoomChange, AreaID: 3}, change)

	_, ok = DecodeSignal(mustParse(t, `{"cmd":"ROOM_CHANGE"}`))
	assert.False(t, ok)

	_, ok = DecodeSignal(mustParse(t, `{"cmd":"RAFFLE_START","data":{}}`))
	assert.False(t, ok)
}

func TestDecodeAnchor(t *testing.T) {
	msg := mustParse(t, `{"cmd":"ANCHOR_LOT_START","data":{"award_name":"手办","room_id":100,"gift_price":1000,"gift_num":5}}`)

	lot, ok := testDecoder().DecodeAnchor(1, msg)
	require.True(t, ok)
	assert.Equal(t, AnchorLottery{Name: "手办", RoomID: 100, Price: 1000, Count: 5}, lot)

	_, ok = testDecoder().DecodeAnchor(1, mustParse(t, `{"cmd":"ANCHOR_LOT_START"}`))
	assert.False(t, ok)
}

func TestTargets(t *testing.T) {
	targets := TargetGift | TargetStorm
	assert.True(t, targets.Has(TargetOf(KindGift)))
	assert.True(t, targets.Has(TargetOf(KindStorm)))
	assert.False(t, targets.Has(TargetOf(KindGuard)))
	assert.True(t, TargetAll.Has(TargetAnchor))
}
