// Package errors 提供房間協調器的應用程式錯誤
//
// 所有錯誤都只影響發出請求的那一個動作：
// Gateway 把錯誤的 Message 以 error 事件回給請求者，其餘房間不受影響。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeRoomNotFound 房間不存在（或已被銷毀）
	ErrCodeRoomNotFound = "ROOM_NOT_FOUND"
	// ErrCodeRoomFull 房間已有兩位玩家
	ErrCodeRoomFull = "ROOM_FULL"
	// ErrCodeRoomNotActive 房間不在對局中
	ErrCodeRoomNotActive = "ROOM_NOT_ACTIVE"
	// ErrCodeIllegalMove 規則引擎拒絕的走法
	ErrCodeIllegalMove = "ILLEGAL_MOVE"
	// ErrCodeNotYourTurn 非輪到該玩家
	ErrCodeNotYourTurn = "NOT_YOUR_TURN"
	// ErrCodeNotParticipant 連接不屬於該房間
	ErrCodeNotParticipant = "NOT_PARTICIPANT"
	// ErrCodeAlreadyInRoom 連接已在某個房間中
	ErrCodeAlreadyInRoom = "ALREADY_IN_ROOM"
	// ErrCodeGameNotOver 對局尚未結束
	ErrCodeGameNotOver = "GAME_NOT_OVER"
	// ErrCodeMalformedMessage 無法解析的訊息
	ErrCodeMalformedMessage = "MALFORMED_MESSAGE"
	// ErrCodeRateLimited 訊息頻率超限
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeUnauthorized 身份驗證失敗
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比較，讓 errors.Is(err, ErrRoomFull) 對包裝過的錯誤也成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶詳細資訊的副本
//
// 預定義錯誤是共用的指標，不能原地修改。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithCause 返回包裝了底層錯誤的副本
func (e *AppError) WithCause(err error) *AppError {
	cp := *e
	cp.Err = err
	return &cp
}

// 預定義錯誤（Message 即為送給客戶端的原因字串）
var (
	ErrRoomNotFound     = New(ErrCodeRoomNotFound, "Game room not found")
	ErrRoomFull         = New(ErrCodeRoomFull, "Game room is full")
	ErrRoomNotActive    = New(ErrCodeRoomNotActive, "Game is not active")
	ErrIllegalMove      = New(ErrCodeIllegalMove, "Illegal move")
	ErrNotYourTurn      = New(ErrCodeNotYourTurn, "Not your turn")
	ErrNotParticipant   = New(ErrCodeNotParticipant, "Not a participant of this room")
	ErrAlreadyInRoom    = New(ErrCodeAlreadyInRoom, "Already in a game room")
	ErrGameNotOver      = New(ErrCodeGameNotOver, "Game is not over")
	ErrMalformedMessage = New(ErrCodeMalformedMessage, "Malformed message")
	ErrRateLimited      = New(ErrCodeRateLimited, "Rate limit exceeded")
	ErrUnauthorized     = New(ErrCodeUnauthorized, "Unauthorized")
	ErrInternal         = New(ErrCodeInternal, "Internal server error")
)

// CodeOf 取出錯誤碼；非 AppError 一律視為內部錯誤
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// ReasonOf 取出送給客戶端的原因字串
//
// 非 AppError 不外洩內部細節。
func ReasonOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return ErrInternal.Message
}

// IsRoomNotFound 檢查是否為房間不存在錯誤
func IsRoomNotFound(err error) bool {
	return CodeOf(err) == ErrCodeRoomNotFound
}

// IsRoomFull 檢查是否為房間已滿錯誤
func IsRoomFull(err error) bool {
	return CodeOf(err) == ErrCodeRoomFull
}

// IsRoomNotActive 檢查是否為房間非對局中錯誤
func IsRoomNotActive(err error) bool {
	return CodeOf(err) == ErrCodeRoomNotActive
}

// IsMalformed 檢查是否為格式錯誤
func IsMalformed(err error) bool {
	return CodeOf(err) == ErrCodeMalformedMessage
}
