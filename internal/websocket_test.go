package internal_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/chess-room/internal"
	"github.com/koopa0/chess-room/internal/limiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsFixture struct {
	server  *httptest.Server
	hub     *internal.WebSocketHub
	manager *internal.Manager
	wsURL   string
}

type wsOptions struct {
	auth    internal.AuthConfig
	limiter limiter.Limiter
	origins []string
}

func newWSFixture(t *testing.T, opts wsOptions) *wsFixture {
	t.Helper()

	cfg := internal.DefaultConfig().WebSocket
	cfg.AllowedOrigins = opts.origins

	m := newManager(t, internal.WithColorPicker(internal.FixedColor(internal.ColorWhite)))
	hub := internal.NewWebSocketHub(cfg, internal.NewTokenAuthenticator(opts.auth), opts.limiter, testLogger())
	hub.SetDispatcher(internal.NewGateway(m, hub, nil, testLogger()))

	srv := httptest.NewServer(internal.NewHandler(m, hub, testLogger()).Routes(cfg.Path))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Stop(ctx)
		srv.Close()
	})

	return &wsFixture{
		server:  srv,
		hub:     hub,
		manager: m,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + cfg.Path,
	}
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (f *wsFixture) dial(t *testing.T, query string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL+query, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var fr frame
	require.NoError(t, conn.ReadJSON(&fr))
	return fr
}

func writeFrame(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

// connect 建立連接並讀取 connected 問候，返回連接 ID
func (f *wsFixture) connect(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	conn := f.dial(t, "", nil)

	hello := readFrame(t, conn)
	require.Equal(t, internal.TypeConnected, hello.Type)

	var payload struct {
		ConnectionID string `json:"connectionId"`
	}
	require.NoError(t, json.Unmarshal(hello.Payload, &payload))
	require.NotEmpty(t, payload.ConnectionID)
	return conn, payload.ConnectionID
}

// TestWebSocket_Game 端到端：創建、加入、走棋、斷線
func TestWebSocket_Game(t *testing.T) {
	f := newWSFixture(t, wsOptions{})

	a, idA := f.connect(t)
	b, idB := f.connect(t)
	assert.NotEqual(t, idA, idB)

	writeFrame(t, a, `{"type":"createGame"}`)
	created := readFrame(t, a)
	require.Equal(t, internal.TypeGameCreated, created.Type)

	var room struct {
		RoomID string `json:"roomId"`
		Color  string `json:"color"`
	}
	require.NoError(t, json.Unmarshal(created.Payload, &room))
	assert.Equal(t, "white", room.Color)

	writeFrame(t, b, `{"type":"joinGame","payload":"`+room.RoomID+`"}`)

	for _, conn := range []*websocket.Conn{a, b} {
		start := readFrame(t, conn)
		require.Equal(t, internal.TypeGameStart, start.Type)
		assert.JSONEq(t, `{"white":"`+idA+`","black":"`+idB+`"}`, string(start.Payload))
	}

	writeFrame(t, a, `{"type":"move","payload":{"roomId":"`+room.RoomID+`","move":{"from":"e2","to":"e4"}}}`)
	moved := readFrame(t, b)
	assert.Equal(t, internal.TypeMove, moved.Type)
	assert.JSONEq(t, `{"from":"e2","to":"e4"}`, string(moved.Payload))

	// 白方斷線，黑方收到通知，房間立即消失
	require.NoError(t, a.Close())
	gone := readFrame(t, b)
	assert.Equal(t, internal.TypePlayerDisconnected, gone.Type)

	assert.Eventually(t, func() bool {
		_, err := f.manager.GetRoom(room.RoomID)
		return err != nil && f.hub.ConnectionCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

// TestWebSocket_MalformedFrame 測試格式錯誤的訊框只回錯誤，連接保持
func TestWebSocket_MalformedFrame(t *testing.T) {
	f := newWSFixture(t, wsOptions{})
	conn, _ := f.connect(t)

	writeFrame(t, conn, `not json`)
	reply := readFrame(t, conn)
	assert.Equal(t, internal.TypeError, reply.Type)
	assert.JSONEq(t, `"Malformed message"`, string(reply.Payload))

	writeFrame(t, conn, `{"type":"createGame"}`)
	assert.Equal(t, internal.TypeGameCreated, readFrame(t, conn).Type)
}

// TestWebSocket_Origin 測試來源檢查
func TestWebSocket_Origin(t *testing.T) {
	f := newWSFixture(t, wsOptions{origins: []string{"http://localhost:3000"}})

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn := f.dial(t, "", http.Header{"Origin": {"http://localhost:3000"}})
	assert.Equal(t, internal.TypeConnected, readFrame(t, conn).Type)
}

// TestWebSocket_Auth 測試必須驗證時的升級
func TestWebSocket_Auth(t *testing.T) {
	f := newWSFixture(t, wsOptions{auth: internal.AuthConfig{
		Required: true,
		Tokens:   map[string]string{"s3cret": "alice"},
	}})

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := f.dial(t, "?token=s3cret", nil)
	assert.Equal(t, internal.TypeConnected, readFrame(t, conn).Type)

	writeFrame(t, conn, `{"type":"createGame"}`)
	require.Equal(t, internal.TypeGameCreated, readFrame(t, conn).Type)

	rooms, _ := f.manager.ListRooms("", 1, 10)
	require.Len(t, rooms, 1)
	assert.Equal(t, "alice", rooms[0].Participants[0].Principal)
}

// TestWebSocket_RateLimit 測試超過限流的訊框被拒絕
func TestWebSocket_RateLimit(t *testing.T) {
	frozen := time.Now()
	lim := limiter.NewLocalLimiter(2, 1, limiter.WithClock(func() time.Time { return frozen }))

	f := newWSFixture(t, wsOptions{limiter: lim})
	conn, _ := f.connect(t)

	for i := 0; i < 2; i++ {
		writeFrame(t, conn, `{"type":"bogus"}`)
		assert.JSONEq(t, `"Malformed message"`, string(readFrame(t, conn).Payload))
	}

	writeFrame(t, conn, `{"type":"createGame"}`)
	reply := readFrame(t, conn)
	assert.Equal(t, internal.TypeError, reply.Type)
	assert.JSONEq(t, `"Rate limit exceeded"`, string(reply.Payload))

	// 匿名連接關閉後釋放自己的桶
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return lim.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

// TestWebSocket_Stop 測試關閉 Hub 時斷開所有連接並拒絕新連接
func TestWebSocket_Stop(t *testing.T) {
	f := newWSFixture(t, wsOptions{})
	conn, _ := f.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.hub.Stop(ctx))
	assert.Equal(t, 0, f.hub.ConnectionCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestWebSocket_StopDuringDial 測試連接建立與關閉同時發生時，每條已接受的連接都會被關閉
func TestWebSocket_StopDuringDial(t *testing.T) {
	f := newWSFixture(t, wsOptions{})

	const dialers = 20
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns []*websocket.Conn
	)
	for i := 0; i < dialers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.hub.Stop(ctx))
	wg.Wait()

	assert.Equal(t, 0, f.hub.ConnectionCount())

	for _, conn := range conns {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var err error
		for err == nil {
			_, _, err = conn.ReadMessage()
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) {
			assert.False(t, netErr.Timeout(), "connection left open after Stop")
		}
		_ = conn.Close()
	}
}
