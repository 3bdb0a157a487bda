// Package rules 是西洋棋規則引擎的轉接層
//
// 協調器本身不理解棋局：它只需要「給定局面與走法，驗證並套用，回報終局狀態」。
// 這個套件把 github.com/corentings/chess/v2 包成這個能力，
// 房間透過 Game 介面持有局面，不直接依賴第三方型別。
package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/corentings/chess/v2"
)

// 執子方
const (
	White = "white"
	Black = "black"
)

// StartPosition 標準開局 FEN
const StartPosition = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// ErrIllegalMove 規則引擎拒絕的走法
var ErrIllegalMove = errors.New("illegal move")

// Move 一步棋（代數記譜的起訖格與可選升變）
type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// UCI 轉為 UCI 記譜（如 e7e8q）
func (m Move) UCI() string {
	return strings.ToLower(m.From + m.To + m.Promotion)
}

// Outcome 套用走法後的局面狀態
type Outcome struct {
	Position    string `json:"position"`
	IsCheck     bool   `json:"is_check"`
	IsCheckmate bool   `json:"is_checkmate"`
	IsDraw      bool   `json:"is_draw"`
	Method      string `json:"method,omitempty"` // Checkmate、Stalemate、InsufficientMaterial...
	Winner      string `json:"winner,omitempty"` // white / black；和棋或未結束為空
}

// Terminal 對局是否結束
func (o Outcome) Terminal() bool {
	return o.IsCheckmate || o.IsDraw
}

// Game 一局棋的狀態
//
// 非併發安全：呼叫者（Room）在自己的鎖內使用。
type Game interface {
	// Turn 輪到哪一方（White / Black）
	Turn() string
	// Apply 驗證並套用走法；不合法時返回包裝 ErrIllegalMove 的錯誤，局面不變
	Apply(mv Move) (Outcome, error)
	// Position 當前局面 FEN
	Position() string
}

// Engine 規則引擎
type Engine interface {
	// NewGame 從 FEN 開局；空字串代表標準開局
	NewGame(fen string) (Game, error)
}

// ChessEngine 以 corentings/chess 實作的規則引擎
type ChessEngine struct{}

// NewChessEngine 創建規則引擎
func NewChessEngine() *ChessEngine {
	return &ChessEngine{}
}

// NewGame 創建新對局
func (e *ChessEngine) NewGame(fen string) (Game, error) {
	if fen == "" || fen == StartPosition {
		return &chessGame{game: chess.NewGame()}, nil
	}

	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("解析 FEN 失敗: %w", err)
	}
	return &chessGame{game: chess.NewGame(opt)}, nil
}

// chessGame 保留完整走法歷史，三次/五次重複局面的判定才有依據
type chessGame struct {
	game *chess.Game
}

func (g *chessGame) Turn() string {
	return colorName(g.game.Position().Turn())
}

func (g *chessGame) Position() string {
	return g.game.FEN()
}

func (g *chessGame) Apply(mv Move) (Outcome, error) {
	if g.game.Outcome() != chess.NoOutcome {
		return Outcome{}, fmt.Errorf("%w: game already decided", ErrIllegalMove)
	}

	uci := mv.UCI()
	if !g.isValid(uci) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	if err := g.game.PushNotationMove(uci, chess.UCINotation{}, nil); err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %v", ErrIllegalMove, uci, err)
	}

	out := Outcome{Position: g.game.FEN()}

	if moves := g.game.Moves(); len(moves) > 0 {
		out.IsCheck = moves[len(moves)-1].HasTag(chess.Check)
	}

	switch g.game.Outcome() {
	case chess.WhiteWon:
		out.Winner = White
	case chess.BlackWon:
		out.Winner = Black
	case chess.Draw:
		out.IsDraw = true
	}

	if g.game.Outcome() != chess.NoOutcome {
		method := g.game.Method()
		out.Method = method.String()
		out.IsCheckmate = method == chess.Checkmate
	}

	return out, nil
}

// isValid 走法必須在當前局面的合法走法清單中
//
// UCI 解碼只檢查格式，不檢查規則，不能單靠 PushNotationMove 拒絕非法走法。
func (g *chessGame) isValid(uci string) bool {
	for _, candidate := range g.game.ValidMoves() {
		if candidate.String() == uci {
			return true
		}
	}
	return false
}

func colorName(c chess.Color) string {
	if c == chess.White {
		return White
	}
	return Black
}
