package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/pkg/auth"
	"github.com/qiminjie89/roomwatch/pkg/config"
)

func testHub(t *testing.T, validator *auth.JWTValidator) (*Hub, string) {
	t.Helper()
	cfg := config.Default().Broadcast
	hub := NewHub(cfg, validator)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestBroadcastFormats(t *testing.T) {
	hub, url := testHub(t, nil)
	native := dial(t, url+"/ws")
	bilive := dial(t, url+"/bilive")
	require.Eventually(t, func() bool { return hub.Count() == 2 }, time.Second, time.Millisecond)

	hub.Broadcast(event.Event{ID: 9, RoomID: 77, Kind: event.KindGuard, Type: "guard", Name: "舰长"})

	var ev event.Event
	readJSON(t, native, &ev)
	assert.Equal(t, int64(9), ev.ID)
	assert.Equal(t, event.KindGuard, ev.Kind)

	var msg BiliveMessage
	readJSON(t, bilive, &msg)
	assert.Equal(t, BiliveMessage{Cmd: "lottery", ID: 9, RoomID: 77, Title: "舰长", Type: "guard"}, msg)
}

func TestBiliveCommands(t *testing.T) {
	cases := map[event.Kind]string{
		event.KindGift:  "raffle",
		event.KindGuard: "lottery",
		event.KindPK:    "pklottery",
		event.KindStorm: "beatStorm",
	}
	for kind, cmd := range cases {
		data, err := Encode(FormatBilive, event.Event{Kind: kind})
		require.NoError(t, err)
		assert.Contains(t, string(data), `"cmd":"`+cmd+`"`, kind)
	}
}

func TestSubscriberDisconnectRemoved(t *testing.T) {
	hub, url := testHub(t, nil)
	ws := dial(t, url+"/ws")
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, time.Millisecond)

	ws.Close()
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestTokenRequired(t *testing.T) {
	validator := auth.NewJWTValidator("secret")
	hub, url := testHub(t, validator)

	_, resp, err := websocket.DefaultDialer.Dial(url+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := validator.GenerateToken("tester", time.Hour)
	require.NoError(t, err)
	dial(t, url+"/ws?token="+token)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, time.Millisecond)
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	hub, url := testHub(t, nil)
	ws := dial(t, url+"/bilive")
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, time.Millisecond)

	hub.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.Count())
}
