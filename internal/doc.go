// Package internal 實作即時西洋棋房間協調器
//
// 系統設計問題：
//
//	兩位玩家如何在同一個房間裡即時對弈，而伺服器只負責配對、轉發與斷線處理？
//
// 元件（由葉到根）：
//   - rules.Engine：規則引擎轉接層，驗證並套用走法、判定終局
//   - Manager：房間註冊表（roomID → Room、connID → roomID），擁有所有 Room
//   - Room：兩個座位、顏色、waiting → active → finished 狀態機
//   - Gateway：所有玩家動作的單一入口，把指令轉為 Manager 操作並送出事件
//   - WebSocketHub：每個客戶端一條 WebSocket，心跳、來源檢查、限流、送出訊息
//   - Handler：健康檢查、統計與唯讀的房間查詢
//
// 控制流程：
//
//	client ──frame──▶ WebSocketHub.readPump ──▶ Gateway.Dispatch ──▶ Manager/Room
//	                                                │
//	client ◀──frame── WebSocketHub.writePump ◀── Outbox.Send
//
// 斷線沒有寬限期：任一玩家斷線，房間立即銷毀，對手收到 playerDisconnected。
package internal
