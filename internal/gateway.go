package internal

import (
	"context"
	"fmt"
	"log/slog"

	apperrors "github.com/koopa0/chess-room/pkg/errors"
	"github.com/koopa0/chess-room/pkg/logger"
)

// Session 一個連接的身份
type Session struct {
	ConnID    string
	Principal string
}

// Outbox 把出站訊息送到某個連接
//
// 實作必須不阻塞：送不出去（連接已關閉或緩衝區滿）時返回 false 並丟棄。
type Outbox interface {
	Send(connID string, msg Outbound) bool
}

// Gateway 所有玩家動作的單一入口
//
// 把入站指令轉為 Manager 操作，再把結果以出站訊息送給房間成員。
// 副作用只有三種：修改註冊表、送出訊息、發布生命週期事件。
// 錯誤只回給發出指令的連接，不影響其他房間。
type Gateway struct {
	manager   *Manager
	outbox    Outbox
	publisher Publisher
	logger    *slog.Logger
}

// NewGateway 創建 Gateway，並接手 Manager 的過期通知
func NewGateway(manager *Manager, outbox Outbox, publisher Publisher, log *slog.Logger) *Gateway {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	g := &Gateway{
		manager:   manager,
		outbox:    outbox,
		publisher: publisher,
		logger:    log.With("component", "gateway"),
	}
	manager.OnExpire(g.onExpired)
	return g
}

// OnConnect 新連接建立，告知客戶端自己的連接 ID
func (g *Gateway) OnConnect(ctx context.Context, s Session) {
	g.send(ctx, s.ConnID, ConnectedMessage(s.ConnID))
}

// HandleMessage 解析並處理一個入站訊框
func (g *Gateway) HandleMessage(ctx context.Context, s Session, data []byte) {
	cmd, err := DecodeCommand(data)
	if err != nil {
		g.Reject(ctx, s, err)
		return
	}
	g.Dispatch(ctx, s, cmd)
}

// Dispatch 執行一個指令
func (g *Gateway) Dispatch(ctx context.Context, s Session, cmd Command) {
	ctx = logger.WithConnID(ctx, s.ConnID)

	defer func() {
		if r := recover(); r != nil {
			g.logger.ErrorContext(ctx, "處理指令時發生 panic",
				"command", cmd.Name(),
				"panic", r)
			g.Reject(ctx, s, apperrors.ErrInternal.WithCause(fmt.Errorf("panic: %v", r)))
		}
	}()

	var err error
	switch c := cmd.(type) {
	case CreateGame:
		err = g.createGame(ctx, s)
	case JoinGame:
		err = g.joinGame(logger.WithRoomID(ctx, c.RoomID), s, c)
	case MovePiece:
		err = g.move(logger.WithRoomID(ctx, c.RoomID), s, c)
	case ReportGameOver:
		err = g.gameOver(logger.WithRoomID(ctx, c.RoomID), s, c)
	case Resign:
		err = g.resign(logger.WithRoomID(ctx, c.RoomID), s, c)
	default:
		err = apperrors.ErrMalformedMessage.WithDetails(fmt.Sprintf("unsupported command %T", cmd))
	}

	if err != nil {
		g.Reject(ctx, s, err)
	}
}

// Reject 把錯誤回給請求者
func (g *Gateway) Reject(ctx context.Context, s Session, err error) {
	ctx = logger.WithConnID(ctx, s.ConnID)

	level := slog.LevelInfo
	if apperrors.CodeOf(err) == apperrors.ErrCodeInternal {
		level = slog.LevelError
	}
	g.logger.Log(ctx, level, "指令被拒絕",
		"code", apperrors.CodeOf(err),
		"error", err)

	g.send(ctx, s.ConnID, ErrorMessage(err))
}

// OnDisconnect 連接關閉：銷毀所在房間並通知對手
func (g *Gateway) OnDisconnect(ctx context.Context, s Session) {
	dep, ok := g.manager.Disconnect(s.ConnID)
	if !ok {
		return
	}

	ctx = logger.WithRoomID(logger.WithConnID(ctx, s.ConnID), dep.RoomID)
	for _, connID := range dep.Remaining {
		g.send(ctx, connID, PlayerDisconnectedMessage())
	}

	g.publish(ctx, EventRoomClosed, dep.RoomID, map[string]any{
		"reason": CloseReasonAbandoned,
		"by":     dep.Color,
		"status": dep.Status,
	})
}

func (g *Gateway) createGame(ctx context.Context, s Session) error {
	roomID, color, err := g.manager.CreateRoom(s.ConnID, s.Principal)
	if err != nil {
		return err
	}

	ctx = logger.WithRoomID(ctx, roomID)
	g.send(ctx, s.ConnID, GameCreatedMessage(roomID, color))
	g.publish(ctx, EventRoomCreated, roomID, map[string]any{
		"color":     color,
		"principal": s.Principal,
	})
	return nil
}

func (g *Gateway) joinGame(ctx context.Context, s Session, c JoinGame) error {
	pairing, err := g.manager.JoinRoom(c.RoomID, s.ConnID, s.Principal)
	if err != nil {
		return err
	}

	msg := GameStartMessage(pairing)
	g.send(ctx, pairing.White, msg)
	g.send(ctx, pairing.Black, msg)

	g.publish(ctx, EventGameStarted, c.RoomID, map[string]any{
		"white":      pairing.White,
		"black":      pairing.Black,
		"validating": g.manager.Validating(),
	})
	return nil
}

func (g *Gateway) move(ctx context.Context, s Session, c MovePiece) error {
	relay, err := g.manager.RelayMove(c.RoomID, s.ConnID, c.Move)
	if err != nil {
		return err
	}

	g.send(ctx, relay.To, MoveMessage(c.Raw))

	if relay.Result != nil {
		g.broadcast(ctx, relay.Members, GameOverMessage(*relay.Result))
		data := map[string]any{
			"result": relay.Result.Result,
			"winner": relay.Result.Winner,
			"source": "engine",
		}
		if relay.Outcome != nil {
			data["method"] = relay.Outcome.Method
			data["position"] = relay.Outcome.Position
		}
		g.publish(ctx, EventGameFinished, c.RoomID, data)
	}
	return nil
}

func (g *Gateway) gameOver(ctx context.Context, s Session, c ReportGameOver) error {
	finish, err := g.manager.FinishGame(c.RoomID, s.ConnID, c.Result)
	if err != nil {
		return err
	}
	if !finish.Changed {
		return nil
	}

	g.broadcast(ctx, finish.Members, GameOverMessage(finish.Result))
	g.publish(ctx, EventGameFinished, c.RoomID, map[string]any{
		"result":      finish.Result.Result,
		"source":      "client",
		"reported_by": s.ConnID,
	})
	return nil
}

func (g *Gateway) resign(ctx context.Context, s Session, c Resign) error {
	finish, err := g.manager.Resign(c.RoomID, s.ConnID)
	if err != nil {
		return err
	}

	g.broadcast(ctx, finish.Members, GameOverMessage(finish.Result))
	g.publish(ctx, EventGameFinished, c.RoomID, map[string]any{
		"result": finish.Result.Result,
		"winner": finish.Result.Winner,
		"source": "resign",
	})
	return nil
}

// onExpired Manager 清理過期房間後的通知
func (g *Gateway) onExpired(e ExpiredRoom) {
	ctx := logger.WithRoomID(context.Background(), e.RoomID)

	g.broadcast(ctx, e.Members, RoomClosedMessage(CloseReasonExpired))
	g.publish(ctx, EventRoomClosed, e.RoomID, map[string]any{
		"reason": CloseReasonExpired,
		"status": e.Status,
	})
}

func (g *Gateway) broadcast(ctx context.Context, connIDs []string, msg Outbound) {
	for _, connID := range connIDs {
		g.send(ctx, connID, msg)
	}
}

func (g *Gateway) send(ctx context.Context, connID string, msg Outbound) {
	if connID == "" {
		return
	}
	if !g.outbox.Send(connID, msg) {
		g.logger.WarnContext(ctx, "訊息未送達",
			"to", connID,
			"type", msg.Type)
	}
}

func (g *Gateway) publish(ctx context.Context, typ EventType, roomID string, data map[string]any) {
	event := NewLifecycleEvent(typ, roomID, data)
	if err := g.publisher.Publish(ctx, event); err != nil {
		g.logger.WarnContext(ctx, "生命週期事件發布失敗",
			"event", typ,
			"error", err)
	}
}
