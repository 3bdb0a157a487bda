package internal

import (
	"sync"
	"time"

	"github.com/koopa0/chess-room/internal/rules"
	apperrors "github.com/koopa0/chess-room/pkg/errors"
)

// 房間是兩位玩家的配對與轉發單位。
//
// 狀態機：
//
//	waiting ──join──▶ active ──gameOver/resign/終局走法──▶ finished
//	   │                 │                                   │
//	   └──────── 任一玩家斷線 / 過期清理 ──▶ 銷毀 ◀────────────┘
//
// 不變量：
//   - waiting 恰有 1 位玩家
//   - active 恰有 2 位玩家，顏色為 {white, black}
//   - 沒有 0 位玩家的房間

// Color 執子方
type Color string

const (
	ColorWhite Color = rules.White
	ColorBlack Color = rules.Black
)

// Opposite 對手的顏色
func (c Color) Opposite() Color {
	if c == ColorWhite {
		return ColorBlack
	}
	return ColorWhite
}

// RoomStatus 房間狀態
type RoomStatus string

const (
	StatusWaiting  RoomStatus = "waiting"  // 等待第二位玩家
	StatusActive   RoomStatus = "active"   // 對局中
	StatusFinished RoomStatus = "finished" // 對局結束，等待玩家離開或過期
)

// Result 對局結果
type Result string

const (
	ResultCheckmate Result = "checkmate"
	ResultDraw      Result = "draw"
	ResultResign    Result = "resign"
)

// Reportable 是否為客戶端可回報的結果
func (r Result) Reportable() bool {
	return r == ResultCheckmate || r == ResultDraw
}

// GameResult 結束時的結果；Winner 在和棋或客戶端自行回報時為空
type GameResult struct {
	Result Result `json:"result"`
	Winner Color  `json:"winner,omitempty"`
}

// Participant 房間內的玩家
type Participant struct {
	ConnID    string    `json:"connection_id"`
	Principal string    `json:"principal"`
	Color     Color     `json:"color"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Pairing 對局雙方的連接 ID（即 gameStart 的內容）
type Pairing struct {
	White string `json:"white"`
	Black string `json:"black"`
}

// Room 遊戲房間
//
// 所有欄位由 mu 保護；只有 Manager 會修改房間。
// removed 在房間從註冊表移除時設置，之後任何操作都視為房間不存在。
type Room struct {
	ID string

	mu           sync.Mutex
	participants []Participant
	status       RoomStatus
	game         rules.Game // 驗證模式才有
	moveCount    int
	result       *GameResult
	createdAt    time.Time
	updatedAt    time.Time
	finishedAt   time.Time
	removed      bool
}

// Snapshot 房間的唯讀快照
type Snapshot struct {
	ID           string        `json:"room_id"`
	Status       RoomStatus    `json:"status"`
	Participants []Participant `json:"participants"`
	Turn         Color         `json:"turn,omitempty"`
	Position     string        `json:"position,omitempty"`
	MoveCount    int           `json:"move_count"`
	Result       *GameResult   `json:"result,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// newRoom 創建只有建立者的等待中房間
func newRoom(id string, creator Participant, now time.Time) *Room {
	return &Room{
		ID:           id,
		participants: []Participant{creator},
		status:       StatusWaiting,
		createdAt:    now,
		updatedAt:    now,
	}
}

// Snapshot 返回房間快照
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Status 當前狀態
func (r *Room) Status() RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Room) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:           r.ID,
		Status:       r.status,
		Participants: append([]Participant(nil), r.participants...),
		MoveCount:    r.moveCount,
		CreatedAt:    r.createdAt,
		UpdatedAt:    r.updatedAt,
	}
	if r.game != nil {
		s.Position = r.game.Position()
		if r.status == StatusActive {
			s.Turn = Color(r.game.Turn())
		}
	}
	if r.result != nil {
		result := *r.result
		s.Result = &result
	}
	if !r.finishedAt.IsZero() {
		finishedAt := r.finishedAt
		s.FinishedAt = &finishedAt
	}
	return s
}

// 以下方法都要求呼叫者持有 r.mu

func (r *Room) participant(connID string) (Participant, bool) {
	for _, p := range r.participants {
		if p.ConnID == connID {
			return p, true
		}
	}
	return Participant{}, false
}

func (r *Room) opponent(connID string) (Participant, bool) {
	for _, p := range r.participants {
		if p.ConnID != connID {
			return p, true
		}
	}
	return Participant{}, false
}

func (r *Room) members() []string {
	ids := make([]string, 0, len(r.participants))
	for _, p := range r.participants {
		ids = append(ids, p.ConnID)
	}
	return ids
}

func (r *Room) pairing() Pairing {
	var pairing Pairing
	for _, p := range r.participants {
		switch p.Color {
		case ColorWhite:
			pairing.White = p.ConnID
		case ColorBlack:
			pairing.Black = p.ConnID
		}
	}
	return pairing
}

// join 加入第二位玩家，房間轉為 active
func (r *Room) join(connID, principal string, game rules.Game, now time.Time) (Participant, error) {
	if len(r.participants) >= 2 {
		return Participant{}, apperrors.ErrRoomFull
	}
	if r.status != StatusWaiting {
		return Participant{}, apperrors.ErrRoomNotActive
	}

	joiner := Participant{
		ConnID:    connID,
		Principal: principal,
		Color:     r.participants[0].Color.Opposite(),
		JoinedAt:  now,
	}

	r.participants = append(r.participants, joiner)
	r.status = StatusActive
	r.game = game
	r.updatedAt = now

	return joiner, nil
}

// finish 結束對局；已結束時返回 false
func (r *Room) finish(result GameResult, now time.Time) bool {
	if r.status == StatusFinished {
		return false
	}
	r.status = StatusFinished
	r.result = &result
	r.finishedAt = now
	r.updatedAt = now
	return true
}

// expired 是否超過存活時間；ttl 為 0 代表不過期
func (r *Room) expired(now time.Time, waitingTTL, finishedTTL time.Duration) bool {
	switch r.status {
	case StatusWaiting:
		return waitingTTL > 0 && now.Sub(r.createdAt) > waitingTTL
	case StatusFinished:
		return finishedTTL > 0 && now.Sub(r.finishedAt) > finishedTTL
	default:
		return false
	}
}
