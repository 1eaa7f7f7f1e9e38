// Package platform 封装直播平台 HTTP API
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/pkg/config"
	"github.com/qiminjie89/roomwatch/pkg/logger"
	"github.com/qiminjie89/roomwatch/pkg/metrics"
)

const (
	pathRoomList    = "/room/v3/area/getRoomList"
	pathRoomInit    = "/room/v1/Room/room_init"
	pathGiftConfig  = "/gift/v4/Live/giftConfig"
	pathLottery     = "/xlive/lottery-interface/v1/lottery/Check"
	pathSailboatTop = "/rankdb/v1/Rank2018/getWebTop"
)

var ErrStatus = errors.New("unexpected http status")

// APIError 平台返回的业务错误（code != 0）
type APIError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: code %d: %s", e.Endpoint, e.Code, e.Message)
}

type envelope struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client 平台 API 客户端，请求经过令牌桶限速
type Client struct {
	baseURL   string
	userAgent string
	pageSize  int
	http      *http.Client
	limiter   *rate.Limiter
	now       func() time.Time
}

// Option 可选参数
type Option func(*Client)

// WithHTTPClient 替换 http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New 创建客户端
func New(cfg config.PlatformConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		pageSize:  cfg.PageSize,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get 发起 GET 请求并解析 data 字段
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	result := "ok"
	defer func() {
		metrics.PlatformRequestDuration.WithLabelValues(endpoint, result).Observe(time.Since(start).Seconds())
	}()

	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		result = "error"
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		result = "error"
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		result = "error"
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s: %w: %d", endpoint, ErrStatus, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		result = "error"
		return fmt.Errorf("%s: decode: %w", endpoint, err)
	}
	if env.Code != 0 {
		result = "api_error"
		msg := env.Msg
		if msg == "" {
			msg = env.Message
		}
		return &APIError{Endpoint: endpoint, Code: env.Code, Message: msg}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		result = "error"
		return fmt.Errorf("%s: decode data: %w", endpoint, err)
	}
	return nil
}

type roomList struct {
	Count int `json:"count"`
	List  []struct {
		RoomID   int64 `json:"roomid"`
		ParentID int   `json:"parent_id"`
		Online   int64 `json:"online"`
	} `json:"list"`
}

func (c *Client) roomList(ctx context.Context, area, page, size int) (*roomList, error) {
	params := url.Values{}
	params.Set("parent_area_id", strconv.Itoa(area))
	params.Set("page", strconv.Itoa(page))
	params.Set("page_size", strconv.Itoa(size))
	params.Set("sort_type", "live_time")

	var out roomList
	if err := c.get(ctx, pathRoomList, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListLiveRooms 按开播时间倒序列出分区内正在直播的房间（area 0 为全站）
//
// 在线人数为 0 的房间不返回。
func (c *Client) ListLiveRooms(ctx context.Context, area, page int) ([]int64, error) {
	list, err := c.roomList(ctx, area, page, c.pageSize)
	if err != nil {
		return nil, err
	}
	rooms := make([]int64, 0, len(list.List))
	for _, entry := range list.List {
		if entry.Online <= 0 {
			continue
		}
		rooms = append(rooms, entry.RoomID)
	}
	return rooms, nil
}

// LiveCount 分区内正在直播的房间数
func (c *Client) LiveCount(ctx context.Context, area int) (int, error) {
	list, err := c.roomList(ctx, area, 1, 1)
	if err != nil {
		return 0, err
	}
	return list.Count, nil
}

// AllLiveRooms 翻页获取分区内全部直播房间，单页失败时跳过该页
func (c *Client) AllLiveRooms(ctx context.Context, area int) ([]int64, error) {
	count, err := c.LiveCount(ctx, area)
	if err != nil {
		return nil, err
	}

	pages := count/c.pageSize + 1
	seen := make(map[int64]struct{}, count)
	rooms := make([]int64, 0, count)
	for page := 1; page <= pages; page++ {
		list, err := c.ListLiveRooms(ctx, area, page)
		if err != nil {
			if ctx.Err() != nil {
				return rooms, ctx.Err()
			}
			logger.Warn("list live rooms page failed",
				zap.Int("area", area),
				zap.Int("page", page),
				zap.Error(err),
			)
			continue
		}
		for _, id := range list {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				rooms = append(rooms, id)
			}
		}
	}
	return rooms, nil
}

// IsLive 房间是否正在直播
func (c *Client) IsLive(ctx context.Context, roomID int64) (bool, error) {
	params := url.Values{}
	params.Set("id", strconv.FormatInt(roomID, 10))

	var out struct {
		LiveStatus int `json:"live_status"`
	}
	if err := c.get(ctx, pathRoomInit, params, &out); err != nil {
		return false, err
	}
	return out.LiveStatus == 1, nil
}

// GiftConfig 礼物与舰队等级名称
type GiftConfig struct {
	Gifts  map[int]string
	Guards map[int]string
}

// GiftConfig 获取礼物配置
func (c *Client) GiftConfig(ctx context.Context) (*GiftConfig, error) {
	var out struct {
		List []struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"list"`
		GuardResources []struct {
			Level int    `json:"level"`
			Name  string `json:"name"`
		} `json:"guard_resources"`
	}
	if err := c.get(ctx, pathGiftConfig, nil, &out); err != nil {
		return nil, err
	}

	cfg := &GiftConfig{
		Gifts:  make(map[int]string, len(out.List)),
		Guards: make(map[int]string, len(out.GuardResources)),
	}
	for _, g := range out.List {
		cfg.Gifts[g.ID] = g.Name
	}
	for _, g := range out.GuardResources {
		cfg.Guards[g.Level] = g.Name
	}
	return cfg, nil
}

// FixedCandidateRooms 从大航海与元气榜单获取固定监听候选房间
func (c *Client) FixedCandidateRooms(ctx context.Context) ([]int64, error) {
	var (
		rooms   []int64
		lastErr error
		seen    = make(map[int64]struct{})
	)
	for _, rankType := range []string{"sail_boat_number", "genki_number"} {
		params := url.Values{}
		params.Set("type", rankType)

		var out struct {
			List []struct {
				RoomID int64 `json:"roomid"`
			} `json:"list"`
		}
		if err := c.get(ctx, pathSailboatTop, params, &out); err != nil {
			lastErr = err
			logger.Warn("fixed candidate rank failed", zap.String("rank", rankType), zap.Error(err))
			continue
		}
		for _, entry := range out.List {
			if _, ok := seen[entry.RoomID]; !ok && entry.RoomID > 0 {
				seen[entry.RoomID] = struct{}{}
				rooms = append(rooms, entry.RoomID)
			}
		}
	}
	if len(rooms) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return rooms, nil
}

// CheckLottery 查询房间内正在进行的舰队与礼物抽奖
func (c *Client) CheckLottery(ctx context.Context, roomID int64, names *GiftConfig) ([]event.Event, error) {
	params := url.Values{}
	params.Set("roomid", strconv.FormatInt(roomID, 10))

	var out struct {
		Guard []struct {
			ID            int64  `json:"id"`
			PrivilegeType int    `json:"privilege_type"`
			Keyword       string `json:"keyword"`
			TimeWait      int    `json:"time_wait"`
			Time          int    `json:"time"`
		} `json:"guard"`
		Gift []struct {
			RaffleID int64  `json:"raffleId"`
			GiftID   int    `json:"gift_id"`
			Type     string `json:"type"`
			TimeWait int    `json:"time_wait"`
			Time     int    `json:"time"`
		} `json:"gift"`
	}
	if err := c.get(ctx, pathLottery, params, &out); err != nil {
		return nil, err
	}

	guardNames := event.DefaultGuardNames
	var giftNames map[int]string
	if names != nil {
		if len(names.Guards) > 0 {
			guardNames = names.Guards
		}
		giftNames = names.Gifts
	}

	now := c.now()
	events := make([]event.Event, 0, len(out.Guard)+len(out.Gift))
	for _, g := range out.Guard {
		name, ok := guardNames[g.PrivilegeType]
		if !ok {
			name = "未知"
		}
		events = append(events, event.Event{
			ID:       g.ID,
			RoomID:   roomID,
			Kind:     event.KindGuard,
			Type:     g.Keyword,
			Name:     name,
			Wait:     max(g.TimeWait, 0),
			ExpireAt: now.Add(time.Duration(g.Time) * time.Second),
		})
	}
	for _, g := range out.Gift {
		name, ok := giftNames[g.GiftID]
		if !ok {
			name = "未知"
		}
		events = append(events, event.Event{
			ID:       g.RaffleID,
			RoomID:   roomID,
			Kind:     event.KindGift,
			Type:     g.Type,
			Name:     name,
			Wait:     max(g.TimeWait, 0),
			ExpireAt: now.Add(time.Duration(g.Time) * time.Second),
		})
	}
	return events, nil
}
