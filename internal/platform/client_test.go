package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/pkg/config"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default().Platform
	cfg.BaseURL = srv.URL
	cfg.RateLimit = 1000
	cfg.Burst = 100
	cfg.PageSize = 2
	return New(cfg, WithClock(func() time.Time { return fixedNow }))
}

func TestIsLive(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathRoomInit, r.URL.Path)
		if r.URL.Query().Get("id") == "1" {
			w.Write([]byte(`{"code":0,"data":{"live_status":1}}`))
			return
		}
		w.Write([]byte(`{"code":0,"data":{"live_status":0}}`))
	})

	live, err := c.IsLive(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, live)

	live, err = c.IsLive(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, live)
}

func TestAPIErrorCode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":-412,"message":"请求被拦截"}`))
	})

	_, err := c.IsLive(context.Background(), 1)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -412, apiErr.Code)
	assert.Equal(t, "请求被拦截", apiErr.Message)
}

func TestHTTPStatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.LiveCount(context.Background(), 0)
	assert.ErrorIs(t, err, ErrStatus)
}

func TestAllLiveRoomsPaginates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "0", q.Get("parent_area_id"))
		switch {
		case q.Get("page_size") == "1":
			w.Write([]byte(`{"code":0,"data":{"count":3,"list":[{"roomid":10}]}}`))
		case q.Get("page") == "1":
			w.Write([]byte(`{"code":0,"data":{"count":3,"list":[{"roomid":10,"online":5},{"roomid":11,"online":8}]}}`))
		case q.Get("page") == "2":
			w.Write([]byte(`{"code":0,"data":{"count":3,"list":[{"roomid":11,"online":8},{"roomid":12,"online":1}]}}`))
		default:
			w.Write([]byte(`{"code":0,"data":{"count":3,"list":[]}}`))
		}
	})

	rooms, err := c.AllLiveRooms(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11, 12}, rooms)
}

func TestListLiveRoomsSkipsEmptyRooms(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathRoomList, r.URL.Path)
		w.Write([]byte(`{"code":0,"data":{"count":3,"list":[{"roomid":20,"online":0},{"roomid":21,"online":3},{"roomid":22}]}}`))
	})

	rooms, err := c.ListLiveRooms(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{21}, rooms)
}

func TestGiftConfig(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"data":{"list":[{"id":25,"name":"小电视"}],"guard_resources":[{"level":3,"name":"舰长"}]}}`))
	})

	cfg, err := c.GiftConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "小电视", cfg.Gifts[25])
	assert.Equal(t, "舰长", cfg.Guards[3])
}

func TestFixedCandidateRoomsUnion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type") == "sail_boat_number" {
			w.Write([]byte(`{"code":0,"data":{"list":[{"roomid":1},{"roomid":2}]}}`))
			return
		}
		w.Write([]byte(`{"code":0,"data":{"list":[{"roomid":2},{"roomid":3}]}}`))
	})

	rooms, err := c.FixedCandidateRooms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, rooms)
}

func TestCheckLottery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "77", r.URL.Query().Get("roomid"))
		w.Write([]byte(`{"code":0,"data":{
			"guard":[{"id":5,"privilege_type":3,"keyword":"guard","time_wait":0,"time":600}],
			"gift":[{"raffleId":9,"gift_id":25,"type":"small_tv","time_wait":-1,"time":120}]}}`))
	})

	events, err := c.CheckLottery(context.Background(), 77, &GiftConfig{Gifts: map[int]string{25: "小电视"}})
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, event.Event{
		ID: 5, RoomID: 77, Kind: event.KindGuard, Type: "guard", Name: "舰长",
		ExpireAt: fixedNow.Add(600 * time.Second),
	}, events[0])
	assert.Equal(t, event.Event{
		ID: 9, RoomID: 77, Kind: event.KindGift, Type: "small_tv", Name: "小电视",
		ExpireAt: fixedNow.Add(120 * time.Second),
	}, events[1])
}
