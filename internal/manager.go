package internal

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/chess-room/internal/rules"
	apperrors "github.com/koopa0/chess-room/pkg/errors"
)

// Manager 房間註冊表
//
// 鎖的規則：
//   - mu 只保護 rooms 與 connRoom 兩個 map，持有時間僅限 map 操作
//   - 每個房間的讀改寫在 room.mu 內完成
//   - 需要同時持有時，順序固定為 room.mu → m.mu
type Manager struct {
	rooms    map[string]*Room  // roomID -> Room
	connRoom map[string]string // connID -> roomID
	mu       sync.RWMutex

	logger      *slog.Logger
	picker      ColorPicker
	newID       func() string
	engine      rules.Engine // nil 代表信任客戶端（不驗證走法）
	startFEN    string
	now         func() time.Time
	waitingTTL  time.Duration
	finishedTTL time.Duration
	interval    time.Duration

	hookMu   sync.RWMutex
	onExpire func(ExpiredRoom)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ManagerOption Manager 選項
type ManagerOption func(*Manager)

// WithColorPicker 替換顏色決定方式
func WithColorPicker(p ColorPicker) ManagerOption {
	return func(m *Manager) { m.picker = p }
}

// WithIDGenerator 替換房間 ID 產生器
func WithIDGenerator(fn func() string) ManagerOption {
	return func(m *Manager) { m.newID = fn }
}

// WithEngine 啟用走法驗證；fen 為空時從標準開局開始
func WithEngine(engine rules.Engine, fen string) ManagerOption {
	return func(m *Manager) {
		m.engine = engine
		m.startFEN = fen
	}
}

// WithClock 替換時鐘
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithExpiry 設定過期清理；interval 為 0 時不啟動背景清理
func WithExpiry(waitingTTL, finishedTTL, interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.waitingTTL = waitingTTL
		m.finishedTTL = finishedTTL
		m.interval = interval
	}
}

// NewManager 創建房間管理器
func NewManager(logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		rooms:    make(map[string]*Room),
		connRoom: make(map[string]string),
		logger:   logger.With("component", "manager"),
		picker:   NewCryptoColorPicker(),
		newID:    uuid.NewString,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.interval > 0 && (m.waitingTTL > 0 || m.finishedTTL > 0) {
		m.wg.Add(1)
		go m.cleanupLoop()
	}

	return m
}

// Validating 是否由伺服器驗證走法
func (m *Manager) Validating() bool {
	return m.engine != nil
}

// OnExpire 註冊過期房間的回呼（在鎖外呼叫）
func (m *Manager) OnExpire(fn func(ExpiredRoom)) {
	m.hookMu.Lock()
	m.onExpire = fn
	m.hookMu.Unlock()
}

// CreateRoom 創建房間，呼叫者成為唯一玩家
func (m *Manager) CreateRoom(connID, principal string) (string, Color, error) {
	if roomID, seated := m.seat(connID); seated {
		return "", "", apperrors.ErrAlreadyInRoom.WithDetails("room " + roomID)
	}

	now := m.now()
	creator := Participant{
		ConnID:    connID,
		Principal: principal,
		Color:     m.picker.Pick(),
		JoinedAt:  now,
	}

	m.mu.Lock()
	roomID := m.newID()
	for _, exists := m.rooms[roomID]; exists; _, exists = m.rooms[roomID] {
		roomID = m.newID()
	}
	m.rooms[roomID] = newRoom(roomID, creator, now)
	m.connRoom[connID] = roomID
	m.mu.Unlock()

	m.logger.Info("房間已創建",
		"room_id", roomID,
		"conn_id", connID,
		"principal", principal,
		"color", creator.Color)

	return roomID, creator.Color, nil
}

// JoinRoom 加入房間，成功後房間轉為 active
func (m *Manager) JoinRoom(roomID, connID, principal string) (Pairing, error) {
	if current, seated := m.seat(connID); seated {
		return Pairing{}, apperrors.ErrAlreadyInRoom.WithDetails("room " + current)
	}

	room, err := m.lookup(roomID)
	if err != nil {
		return Pairing{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.removed {
		return Pairing{}, apperrors.ErrRoomNotFound
	}
	if len(room.participants) >= 2 {
		return Pairing{}, apperrors.ErrRoomFull
	}

	var game rules.Game
	if m.engine != nil {
		game, err = m.engine.NewGame(m.startFEN)
		if err != nil {
			return Pairing{}, apperrors.ErrInternal.WithCause(fmt.Errorf("new game: %w", err))
		}
	}

	joiner, err := room.join(connID, principal, game, m.now())
	if err != nil {
		return Pairing{}, err
	}

	m.mu.Lock()
	m.connRoom[connID] = roomID
	m.mu.Unlock()

	pairing := room.pairing()

	m.logger.Info("玩家加入房間",
		"room_id", roomID,
		"conn_id", connID,
		"principal", principal,
		"color", joiner.Color)

	return pairing, nil
}

// Relay 一步已接受的走法
type Relay struct {
	To      string         // 接收方連接 ID
	Outcome *rules.Outcome // 驗證模式才有
	Result  *GameResult    // 這步棋結束了對局
	Members []string       // 房間所有玩家
}

// RelayMove 檢查並接受一步走法
//
// 驗證模式下，輪次檢查與規則引擎套用在同一把房間鎖內完成；
// 造成終局的走法會在同一步把房間轉為 finished。
// 信任模式不修改任何房間狀態。
func (m *Manager) RelayMove(roomID, connID string, mv rules.Move) (Relay, error) {
	room, err := m.lookup(roomID)
	if err != nil {
		return Relay{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.removed {
		return Relay{}, apperrors.ErrRoomNotFound
	}
	sender, ok := room.participant(connID)
	if !ok {
		return Relay{}, apperrors.ErrNotParticipant
	}
	if room.status != StatusActive {
		return Relay{}, apperrors.ErrRoomNotActive
	}
	other, _ := room.opponent(connID)

	relay := Relay{To: other.ConnID, Members: room.members()}

	if room.game == nil {
		return relay, nil
	}

	if Color(room.game.Turn()) != sender.Color {
		return Relay{}, apperrors.ErrNotYourTurn
	}

	outcome, err := room.game.Apply(mv)
	if err != nil {
		return Relay{}, apperrors.ErrIllegalMove.WithCause(err)
	}

	now := m.now()
	room.moveCount++
	room.updatedAt = now
	relay.Outcome = &outcome

	if outcome.Terminal() {
		result := GameResult{Result: ResultDraw}
		if outcome.IsCheckmate {
			result = GameResult{Result: ResultCheckmate, Winner: Color(outcome.Winner)}
		}
		room.finish(result, now)
		relay.Result = &result

		m.logger.Info("對局結束",
			"room_id", roomID,
			"result", result.Result,
			"winner", result.Winner,
			"method", outcome.Method,
			"moves", room.moveCount)
	}

	return relay, nil
}

// Finish 結束對局的結果
type Finish struct {
	Result  GameResult
	Members []string
	Changed bool // false 代表房間早已結束（重複回報）
}

// FinishGame 客戶端回報對局結束
//
// 信任模式：active 房間轉為 finished。
// 驗證模式：結果已由伺服器在終局走法時判定，active 房間的回報返回 ErrGameNotOver。
// 已結束的房間一律視為重複回報，不改變任何狀態。
func (m *Manager) FinishGame(roomID, connID string, result Result) (Finish, error) {
	room, err := m.lookup(roomID)
	if err != nil {
		return Finish{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.removed {
		return Finish{}, apperrors.ErrRoomNotFound
	}
	if _, ok := room.participant(connID); !ok {
		return Finish{}, apperrors.ErrNotParticipant
	}

	switch room.status {
	case StatusWaiting:
		return Finish{}, apperrors.ErrRoomNotActive
	case StatusFinished:
		return Finish{Result: *room.result, Members: room.members()}, nil
	}

	if room.game != nil {
		return Finish{}, apperrors.ErrGameNotOver
	}

	gameResult := GameResult{Result: result}
	room.finish(gameResult, m.now())

	m.logger.Info("對局結束（客戶端回報）",
		"room_id", roomID,
		"conn_id", connID,
		"result", result)

	return Finish{Result: gameResult, Members: room.members(), Changed: true}, nil
}

// Resign 認輸，對手獲勝
func (m *Manager) Resign(roomID, connID string) (Finish, error) {
	room, err := m.lookup(roomID)
	if err != nil {
		return Finish{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.removed {
		return Finish{}, apperrors.ErrRoomNotFound
	}
	p, ok := room.participant(connID)
	if !ok {
		return Finish{}, apperrors.ErrNotParticipant
	}
	if room.status != StatusActive {
		return Finish{}, apperrors.ErrRoomNotActive
	}

	result := GameResult{Result: ResultResign, Winner: p.Color.Opposite()}
	room.finish(result, m.now())

	m.logger.Info("玩家認輸",
		"room_id", roomID,
		"conn_id", connID,
		"winner", result.Winner)

	return Finish{Result: result, Members: room.members(), Changed: true}, nil
}

// MarkFinished 把對局中的房間標記為結束；房間不存在或不在對局中時不做任何事
func (m *Manager) MarkFinished(roomID string, result GameResult) bool {
	room, err := m.lookup(roomID)
	if err != nil {
		return false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.removed || room.status != StatusActive {
		return false
	}
	return room.finish(result, m.now())
}

// RemoveRoom 移除房間；重複呼叫無副作用
func (m *Manager) RemoveRoom(roomID string) {
	room, err := m.lookup(roomID)
	if err != nil {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	m.removeLocked(room)
}

// FindRoomByConnection 連接所在的房間
func (m *Manager) FindRoomByConnection(connID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roomID, ok := m.connRoom[connID]
	return roomID, ok
}

// Departure 玩家斷線後的結果
type Departure struct {
	RoomID    string
	Color     Color      // 離開者的顏色
	Status    RoomStatus // 離開前的房間狀態
	Remaining []string   // 需要通知的其他玩家
}

// Disconnect 連接斷線：找到所在房間並立即銷毀
func (m *Manager) Disconnect(connID string) (Departure, bool) {
	roomID, ok := m.FindRoomByConnection(connID)
	if !ok {
		return Departure{}, false
	}

	room, err := m.lookup(roomID)
	if err != nil {
		return Departure{}, false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.removed {
		return Departure{}, false
	}
	leaver, ok := room.participant(connID)
	if !ok {
		return Departure{}, false
	}

	dep := Departure{
		RoomID: roomID,
		Color:  leaver.Color,
		Status: room.status,
	}
	for _, id := range m.seatedMembersLocked(room) {
		if id != connID {
			dep.Remaining = append(dep.Remaining, id)
		}
	}

	m.removeLocked(room)

	m.logger.Info("玩家斷線，房間已銷毀",
		"room_id", roomID,
		"conn_id", connID,
		"status", dep.Status)

	return dep, true
}

// GetRoom 房間快照
func (m *Manager) GetRoom(roomID string) (Snapshot, error) {
	room, err := m.lookup(roomID)
	if err != nil {
		return Snapshot{}, err
	}
	return room.Snapshot(), nil
}

// ListRooms 依狀態過濾並分頁列出房間（依建立時間排序）
func (m *Manager) ListRooms(status RoomStatus, page, limit int) ([]Snapshot, int) {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	filtered := make([]Snapshot, 0, len(rooms))
	for _, room := range rooms {
		s := room.Snapshot()
		if status != "" && s.Status != status {
			continue
		}
		filtered = append(filtered, s)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].ID < filtered[j].ID
		}
		return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
	})

	total := len(filtered)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	start := (page - 1) * limit
	if start >= total {
		return []Snapshot{}, total
	}
	end := min(start+limit, total)

	return filtered[start:end], total
}

// Stats 統計資訊
type Stats struct {
	TotalRooms   int                `json:"total_rooms"`
	TotalPlayers int                `json:"total_players"`
	ByStatus     map[RoomStatus]int `json:"by_status"`
	Validating   bool               `json:"validating"`
}

// Stats 獲取統計資訊
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	players := len(m.connRoom)
	m.mu.RUnlock()

	stats := Stats{
		TotalRooms:   len(rooms),
		TotalPlayers: players,
		ByStatus:     make(map[RoomStatus]int),
		Validating:   m.Validating(),
	}
	for _, room := range rooms {
		stats.ByStatus[room.Status()]++
	}
	return stats
}

// ExpiredRoom 被過期清理的房間
type ExpiredRoom struct {
	RoomID  string
	Status  RoomStatus
	Members []string
}

// cleanupLoop 定期清理過期房間
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// Cleanup 執行一次過期清理，返回被清理的房間數
func (m *Manager) Cleanup() int {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	now := m.now()
	var expired []ExpiredRoom

	for _, room := range rooms {
		room.mu.Lock()
		if !room.removed && room.expired(now, m.waitingTTL, m.finishedTTL) {
			expired = append(expired, ExpiredRoom{
				RoomID:  room.ID,
				Status:  room.status,
				Members: m.seatedMembersLocked(room),
			})
			m.removeLocked(room)
		}
		room.mu.Unlock()
	}

	m.hookMu.RLock()
	hook := m.onExpire
	m.hookMu.RUnlock()

	for _, e := range expired {
		m.logger.Info("房間已過期清理", "room_id", e.RoomID, "status", e.Status)
		if hook != nil {
			hook(e)
		}
	}

	return len(expired)
}

// Stop 停止背景清理
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.logger.Info("房間管理器已停止", "rooms", m.Stats().TotalRooms)
}

func (m *Manager) lookup(roomID string) (*Room, error) {
	m.mu.RLock()
	room, ok := m.rooms[roomID]
	m.mu.RUnlock()

	if !ok {
		return nil, apperrors.ErrRoomNotFound
	}
	return room, nil
}

// seat 連接目前佔用的房間
//
// 已結束的房間不再佔用座位，玩家可以在同一條連接上開新局或加入別局。
// 座位在這裡釋放；房間本身保留到過期，供查詢與斷線處理。
func (m *Manager) seat(connID string) (string, bool) {
	roomID, ok := m.FindRoomByConnection(connID)
	if !ok {
		return "", false
	}
	room, err := m.lookup(roomID)
	if err != nil {
		return "", false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.removed {
		return "", false
	}
	if room.status != StatusFinished {
		return roomID, true
	}

	m.mu.Lock()
	if m.connRoom[connID] == roomID {
		delete(m.connRoom, connID)
	}
	m.mu.Unlock()

	m.logger.Debug("釋放已結束房間的座位", "room_id", roomID, "conn_id", connID)
	return "", false
}

// seatedMembersLocked 仍然坐在房間裡的玩家；已離開去開新局的不算
//
// 呼叫者需持有 room.mu。
func (m *Manager) seatedMembersLocked(room *Room) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(room.participants))
	for _, p := range room.participants {
		if m.connRoom[p.ConnID] == room.ID {
			ids = append(ids, p.ConnID)
		}
	}
	return ids
}

// removeLocked 從註冊表移除房間；呼叫者需持有 room.mu
func (m *Manager) removeLocked(room *Room) {
	if room.removed {
		return
	}
	room.removed = true

	m.mu.Lock()
	delete(m.rooms, room.ID)
	for _, p := range room.participants {
		if m.connRoom[p.ConnID] == room.ID {
			delete(m.connRoom, p.ConnID)
		}
	}
	m.mu.Unlock()
}
