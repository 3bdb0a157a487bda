package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koopa0/chess-room/internal/limiter"
	apperrors "github.com/koopa0/chess-room/pkg/errors"
	"github.com/koopa0/chess-room/pkg/logger"
)

// Dispatcher 接收連接層事件（由 Gateway 實作）
type Dispatcher interface {
	OnConnect(ctx context.Context, s Session)
	HandleMessage(ctx context.Context, s Session, data []byte)
	OnDisconnect(ctx context.Context, s Session)
	Reject(ctx context.Context, s Session, err error)
}

// WebSocketHub WebSocket 連接中心
//
// 每個客戶端一條 WebSocket，由兩個 goroutine 服務：
//   - readPump：讀取訊框、限流、交給 Dispatcher；同一連接的指令因此依序處理
//   - writePump：從 send channel 取出訊息寫出，並定期送出 Ping
//
// 心跳：每 ping_interval（54s）送 Ping，pong_wait（60s）內沒有任何讀取就視為斷線。
// 送出是 fire-and-forget：send channel 滿了就丟棄並記錄警告，不會阻塞房間操作。
type WebSocketHub struct {
	cfg        WebSocketConfig
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	auth       Authenticator
	limiter    limiter.Limiter
	dispatcher Dispatcher

	connections map[string]*Connection // connID -> Connection
	mu          sync.RWMutex
	closed      bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Connection 一條 WebSocket 連接
type Connection struct {
	ID        string
	Principal string

	conn      *websocket.Conn
	send      chan []byte
	hub       *WebSocketHub
	closeOnce sync.Once
}

// NewWebSocketHub 創建 WebSocket Hub
func NewWebSocketHub(cfg WebSocketConfig, auth Authenticator, lim limiter.Limiter, log *slog.Logger) *WebSocketHub {
	if lim == nil {
		lim = limiter.Unlimited{}
	}
	log = log.With("component", "websocket")

	ctx, cancel := context.WithCancel(context.Background())
	hub := &WebSocketHub{
		cfg:         cfg,
		logger:      log,
		auth:        auth,
		limiter:     lim,
		connections: make(map[string]*Connection),
		baseCtx:     ctx,
		cancel:      cancel,
	}
	hub.upgrader = websocket.Upgrader{
		CheckOrigin:     NewOriginPolicy(cfg.AllowedOrigins, log).Check,
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBuffer,
	}
	return hub
}

// SetDispatcher 設置指令處理者（必須在接受連接前呼叫）
func (hub *WebSocketHub) SetDispatcher(d Dispatcher) {
	hub.dispatcher = d
}

// ServeWS 處理 WebSocket 升級
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	principal, err := hub.auth.Authenticate(r)
	if err != nil {
		hub.logger.Warn("WebSocket 身份驗證失敗", "remote", r.RemoteAddr, "error", err)
		http.Error(w, apperrors.ReasonOf(err), http.StatusUnauthorized)
		return
	}

	hub.mu.RLock()
	closed := hub.closed
	hub.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已經寫出錯誤回應
		hub.logger.Warn("升級 WebSocket 失敗", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &Connection{
		ID:        uuid.NewString(),
		Principal: principal,
		conn:      conn,
		send:      make(chan []byte, hub.cfg.SendBuffer),
		hub:       hub,
	}

	if !hub.register(c) {
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()

	hub.logger.Info("WebSocket 連接建立",
		"conn_id", c.ID,
		"principal", principal,
		"remote", r.RemoteAddr)
}

// Send 實作 Outbox
func (hub *WebSocketHub) Send(connID string, msg Outbound) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		hub.logger.Error("序列化訊息失敗", "type", msg.Type, "error", err)
		return false
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	c, ok := hub.connections[connID]
	if !ok {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		hub.logger.Warn("連接緩衝區滿，丟棄訊息",
			"conn_id", connID,
			"type", msg.Type)
		return false
	}
}

// ConnectionCount 當前連接數
func (hub *WebSocketHub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// Stop 關閉所有連接並等待讀寫 goroutine 結束
func (hub *WebSocketHub) Stop(ctx context.Context) error {
	hub.mu.Lock()
	hub.closed = true
	for id, c := range hub.connections {
		c.closeSend()
		delete(hub.connections, id)
	}
	hub.mu.Unlock()

	done := make(chan struct{})
	go func() {
		hub.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	hub.cancel()

	hub.logger.Info("WebSocket Hub 已停止")
	return err
}

// register 登記連接並為它的讀寫 goroutine 計數
// 與 Stop 在同一把鎖下判斷 closed，Stop 的 Wait 一定看得到這次 Add。
func (hub *WebSocketHub) register(c *Connection) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.closed {
		return false
	}
	hub.connections[c.ID] = c
	hub.wg.Add(2)
	return true
}

func (hub *WebSocketHub) unregister(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if actual, ok := hub.connections[c.ID]; ok && actual == c {
		delete(hub.connections, c.ID)
		c.closeSend()
	}
}

// rateKey 已驗證身份以身份限流，匿名連接以連接限流
func (c *Connection) rateKey() string {
	if c.Principal != "" && c.Principal != AnonymousPrincipal {
		return "principal:" + c.Principal
	}
	return "conn:" + c.ID
}

func (hub *WebSocketHub) allow(ctx context.Context, c *Connection) bool {
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	allowed, err := hub.limiter.Allow(ctx, c.rateKey())
	if err != nil {
		hub.logger.WarnContext(ctx, "限流器錯誤，放行訊息", "error", err)
	}
	return allowed
}

func (hub *WebSocketHub) forget(c *Connection) {
	key := c.rateKey()
	if !strings.HasPrefix(key, "conn:") {
		return
	}
	if f, ok := hub.limiter.(interface{ Forget(string) }); ok {
		f.Forget(key)
	}
}

func (c *Connection) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *Connection) session() Session {
	return Session{ConnID: c.ID, Principal: c.Principal}
}

// readPump 讀取客戶端訊框
//
// 結束時（讀取錯誤、pong 逾時、Hub 關閉）先註銷連接，再通知 Dispatcher 斷線，
// 斷線的一方因此不會再收到任何訊息。
func (c *Connection) readPump() {
	hub := c.hub
	session := c.session()
	ctx := logger.WithPrincipal(logger.WithConnID(hub.baseCtx, c.ID), c.Principal)

	defer func() {
		hub.unregister(c)
		_ = c.conn.Close()
		hub.dispatcher.OnDisconnect(ctx, session)
		hub.forget(c)
		hub.wg.Done()

		hub.logger.InfoContext(ctx, "WebSocket 連接關閉")
	}()

	c.conn.SetReadLimit(hub.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(hub.cfg.PongWait)); err != nil {
		hub.logger.ErrorContext(ctx, "設置讀取期限失敗", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hub.cfg.PongWait))
	})

	hub.dispatcher.OnConnect(ctx, session)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrReadLimit) {
				hub.logger.WarnContext(ctx, "WebSocket 讀取錯誤", "error", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		if !hub.allow(ctx, c) {
			hub.dispatcher.Reject(ctx, session, apperrors.ErrRateLimited)
			continue
		}

		hub.dispatcher.HandleMessage(ctx, session, data)
	}
}

// writePump 把 send channel 的訊息寫到客戶端
func (c *Connection) writePump() {
	hub := c.hub
	ticker := time.NewTicker(hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		hub.wg.Done()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(hub.cfg.WriteWait)); err != nil {
				return
			}
			if !ok {
				// Hub 關閉了通道
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 一併送出已排隊的訊息
			n := len(c.send)
			for i := 0; i < n; i++ {
				queued, ok := <-c.send
				if !ok {
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(hub.cfg.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
