package internal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/koopa0/chess-room/internal/rules"
	apperrors "github.com/koopa0/chess-room/pkg/errors"
)

// 每個 WebSocket 訊框都是 {"type": ..., "payload": ...}

// 入站訊息類型
const (
	TypeCreateGame = "createGame"
	TypeJoinGame   = "joinGame"
	TypeMove       = "move"
	TypeGameOver   = "gameOver"
	TypeResign     = "resign"
)

// 出站訊息類型
const (
	TypeConnected          = "connected"
	TypeGameCreated        = "gameCreated"
	TypeGameStart          = "gameStart"
	TypePlayerDisconnected = "playerDisconnected"
	TypeRoomClosed         = "roomClosed"
	TypeError              = "error"
)

// Envelope 入站訊框
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound 出站訊息
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Command 解析後的入站指令
type Command interface {
	Name() string
}

// CreateGame 創建房間
type CreateGame struct{}

// JoinGame 加入房間
type JoinGame struct {
	RoomID string
}

// MovePiece 走一步棋；Raw 是客戶端送來的原始走法物件，原樣轉發
type MovePiece struct {
	RoomID string
	Move   rules.Move
	Raw    json.RawMessage
}

// ReportGameOver 客戶端回報對局結束
type ReportGameOver struct {
	RoomID string
	Result Result
}

// Resign 認輸
type Resign struct {
	RoomID string
}

func (CreateGame) Name() string     { return TypeCreateGame }
func (JoinGame) Name() string       { return TypeJoinGame }
func (MovePiece) Name() string      { return TypeMove }
func (ReportGameOver) Name() string { return TypeGameOver }
func (Resign) Name() string         { return TypeResign }

// DecodeCommand 解析入站訊框
//
// 任何格式問題都返回 MALFORMED_MESSAGE，Details 說明原因。
func DecodeCommand(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed("invalid envelope: %v", err)
	}

	switch env.Type {
	case TypeCreateGame:
		return CreateGame{}, nil

	case TypeJoinGame:
		roomID, err := decodeRoomRef(env.Payload)
		if err != nil {
			return nil, err
		}
		return JoinGame{RoomID: roomID}, nil

	case TypeMove:
		var p struct {
			RoomID string          `json:"roomId"`
			Move   json.RawMessage `json:"move"`
		}
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		roomID, err := normalizeRoomID(p.RoomID)
		if err != nil {
			return nil, err
		}
		mv, err := decodeMove(p.Move)
		if err != nil {
			return nil, err
		}
		return MovePiece{RoomID: roomID, Move: mv, Raw: p.Move}, nil

	case TypeGameOver:
		var p struct {
			RoomID string `json:"roomId"`
			Result Result `json:"result"`
		}
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		roomID, err := normalizeRoomID(p.RoomID)
		if err != nil {
			return nil, err
		}
		if !p.Result.Reportable() {
			return nil, malformed("gameOver: unsupported result %q", p.Result)
		}
		return ReportGameOver{RoomID: roomID, Result: p.Result}, nil

	case TypeResign:
		roomID, err := decodeRoomRef(env.Payload)
		if err != nil {
			return nil, err
		}
		return Resign{RoomID: roomID}, nil

	case "":
		return nil, malformed("missing type")

	default:
		return nil, malformed("unknown type %q", env.Type)
	}
}

// decodeRoomRef 接受 "roomId" 字串或 {"roomId": "..."} 物件
func decodeRoomRef(payload json.RawMessage) (string, error) {
	var roomID string
	if err := json.Unmarshal(payload, &roomID); err != nil {
		var obj struct {
			RoomID string `json:"roomId"`
		}
		if objErr := json.Unmarshal(payload, &obj); objErr != nil {
			return "", malformed("room id must be a string")
		}
		roomID = obj.RoomID
	}
	return normalizeRoomID(roomID)
}

// normalizeRoomID 所有指令的房間 ID 都去掉前後空白
func normalizeRoomID(roomID string) (string, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", malformed("missing room id")
	}
	return roomID, nil
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return malformed("missing payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return malformed("invalid payload: %v", err)
	}
	return nil
}

func decodeMove(raw json.RawMessage) (rules.Move, error) {
	var mv rules.Move
	if len(bytes.TrimSpace(raw)) == 0 {
		return mv, malformed("move: missing move")
	}
	if err := json.Unmarshal(raw, &mv); err != nil {
		return mv, malformed("move: invalid move object: %v", err)
	}
	if !isSquare(mv.From) || !isSquare(mv.To) {
		return mv, malformed("move: from/to must be squares, got %q -> %q", mv.From, mv.To)
	}
	switch strings.ToLower(mv.Promotion) {
	case "", "q", "r", "b", "n":
	default:
		return mv, malformed("move: invalid promotion %q", mv.Promotion)
	}
	return mv, nil
}

// isSquare 代數記譜的格子（a1..h8）
func isSquare(s string) bool {
	if len(s) != 2 {
		return false
	}
	file, rank := s[0]|0x20, s[1]
	return file >= 'a' && file <= 'h' && rank >= '1' && rank <= '8'
}

func malformed(format string, args ...any) error {
	return apperrors.ErrMalformedMessage.WithDetails(fmt.Sprintf(format, args...))
}

// 出站訊息建構

// ConnectedMessage 連接建立
func ConnectedMessage(connID string) Outbound {
	return Outbound{Type: TypeConnected, Payload: map[string]string{"connectionId": connID}}
}

// GameCreatedMessage 房間已創建
func GameCreatedMessage(roomID string, color Color) Outbound {
	return Outbound{Type: TypeGameCreated, Payload: map[string]any{"roomId": roomID, "color": color}}
}

// GameStartMessage 對局開始
func GameStartMessage(p Pairing) Outbound {
	return Outbound{Type: TypeGameStart, Payload: p}
}

// MoveMessage 轉發走法
func MoveMessage(raw json.RawMessage) Outbound {
	return Outbound{Type: TypeMove, Payload: raw}
}

// GameOverMessage 對局結束
func GameOverMessage(r GameResult) Outbound {
	return Outbound{Type: TypeGameOver, Payload: r}
}

// PlayerDisconnectedMessage 對手斷線
func PlayerDisconnectedMessage() Outbound {
	return Outbound{Type: TypePlayerDisconnected}
}

// RoomClosedMessage 房間被關閉
func RoomClosedMessage(reason string) Outbound {
	return Outbound{Type: TypeRoomClosed, Payload: map[string]string{"reason": reason}}
}

// ErrorMessage 錯誤回覆，內容只有原因字串
func ErrorMessage(err error) Outbound {
	return Outbound{Type: TypeError, Payload: apperrors.ReasonOf(err)}
}
