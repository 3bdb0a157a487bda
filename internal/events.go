package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// 生命週期事件讓下游（戰績、排名、稽核）在不連接協調器的情況下得知房間變化。
// 發布是盡力而為：失敗只記錄日誌，不影響玩家的指令。
//
// Subject 命名：<prefix>.<roomId>.<eventType>
// 範例：chess.rooms.6f1c...e2.game.finished
// 同一房間的事件落在同一 subject 前綴，順序一致。

// EventType 事件類型
type EventType string

const (
	EventRoomCreated  EventType = "room.created"
	EventGameStarted  EventType = "game.started"
	EventGameFinished EventType = "game.finished"
	EventRoomClosed   EventType = "room.closed"
)

// 房間關閉原因
const (
	CloseReasonAbandoned = "abandoned"
	CloseReasonExpired   = "expired"
)

// LifecycleEvent 房間生命週期事件
type LifecycleEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	RoomID    string         `json:"room_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewLifecycleEvent 創建事件
func NewLifecycleEvent(typ EventType, roomID string, data map[string]any) LifecycleEvent {
	return LifecycleEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		RoomID:    roomID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Publisher 事件發布者
type Publisher interface {
	Publish(ctx context.Context, event LifecycleEvent) error
}

// NopPublisher 不發布任何事件（未配置 NATS 時）
type NopPublisher struct{}

// Publish 實作 Publisher
func (NopPublisher) Publish(context.Context, LifecycleEvent) error { return nil }

// asyncPublisher nats.JetStreamContext 中用到的部分
type asyncPublisher interface {
	PublishAsync(subj string, data []byte, opts ...nats.PubOpt) (nats.PubAckFuture, error)
	PublishAsyncComplete() <-chan struct{}
}

// NATSPublisher 以 JetStream 非同步發布
//
// PublishAsync 不等待 PubAck，指令處理路徑不會被 NATS 的延遲拖慢；
// ACK 失敗由 JetStream 的 PublishAsyncErrHandler 記錄。
// 事件 ID 作為 Nats-Msg-Id，Stream 在去重視窗內丟棄重複事件。
type NATSPublisher struct {
	js     asyncPublisher
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher 創建 NATS 發布者
func NewNATSPublisher(js asyncPublisher, subjectPrefix string, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{
		js:     js,
		prefix: subjectPrefix,
		logger: logger.With("component", "events"),
	}
}

// Subject 事件的 subject
func (p *NATSPublisher) Subject(event LifecycleEvent) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, event.RoomID, event.Type)
}

// Publish 實作 Publisher
func (p *NATSPublisher) Publish(_ context.Context, event LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失敗: %w", err)
	}

	subject := p.Subject(event)
	if _, err := p.js.PublishAsync(subject, data, nats.MsgId(event.ID)); err != nil {
		return fmt.Errorf("發布事件 %s 失敗: %w", subject, err)
	}

	p.logger.Debug("事件已發布", "subject", subject, "event_id", event.ID)
	return nil
}

// Flush 等待所有未確認的非同步發布完成
func (p *NATSPublisher) Flush(ctx context.Context) error {
	select {
	case <-p.js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待事件發布完成: %w", ctx.Err())
	}
}

// ConnectJetStream 連接 NATS 並確保 Stream 存在
//
// Stream 已存在時以目前配置更新，重複呼叫結果相同。
func ConnectJetStream(cfg NATSConfig, logger *slog.Logger) (*nats.Conn, nats.JetStreamContext, error) {
	log := logger.With("component", "nats")

	conn, err := nats.Connect(
		cfg.URL,
		nats.Name("chess-room"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS 連線中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS 已重新連線", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}

	js, err := conn.JetStream(
		nats.PublishAsyncMaxPending(cfg.MaxPending),
		nats.PublishAsyncErrHandler(func(_ nats.JetStream, msg *nats.Msg, err error) {
			log.Warn("事件發布未確認", "subject", msg.Subject, "error", err)
		}),
	)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("創建 JetStream 上下文失敗: %w", err)
	}

	if err := ensureStream(js, cfg); err != nil {
		conn.Close()
		return nil, nil, err
	}

	return conn, js, nil
}

func ensureStream(js nats.JetStreamManager, cfg NATSConfig) error {
	streamCfg := &nats.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Discard:    nats.DiscardOld,
		MaxAge:     cfg.MaxAge,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	}

	_, err := js.StreamInfo(cfg.Stream)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := js.AddStream(streamCfg); err != nil {
			return fmt.Errorf("創建 Stream 失敗: %w", err)
		}
	case err != nil:
		return fmt.Errorf("查詢 Stream 失敗: %w", err)
	default:
		if _, err := js.UpdateStream(streamCfg); err != nil {
			return fmt.Errorf("更新 Stream 失敗: %w", err)
		}
	}
	return nil
}
