// Package events 提供运行事件总线与日志接入。
// 运行状态迁移通过 NATS JetStream 发布，同时在进程内广播给实时订阅者；
// 日志接入订阅 NATS 主题，每条消息启动一次分诊运行。
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/oriys/triage/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	// RunStream 运行事件 Stream 名称
	RunStream = "TRIAGE_RUNS"
	// RunSubjectPrefix 运行事件主题前缀，完整主题为 triage.runs.<run_id>.<state>
	RunSubjectPrefix = "triage.runs"
	// IngestStream 日志接入 Stream 名称
	IngestStream = "TRIAGE_INGEST"
)

// EventBus 封装 NATS/JetStream 连接与常用发布/订阅操作。
type EventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Logger
}

// Event 事件信封（JSON 格式），Data 为具体负载
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// MessageHandler 处理原始消息负载，返回错误时消息会被重新投递
type MessageHandler func(ctx context.Context, data []byte) error

// NewEventBus 连接 NATS 并初始化运行事件与日志接入两个 Stream。
//
// 参数：
//   - natsURL: NATS 服务器地址
//   - ingestSubject: 日志接入主题
//   - logger: 日志记录器
func NewEventBus(natsURL, ingestSubject string, logger *logrus.Logger) (*EventBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("triage-gateway"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	streams := []nats.StreamConfig{
		{
			Name:     RunStream,
			Subjects: []string{RunSubjectPrefix + ".>"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour * 7, // 保留 7 天
		},
		{
			Name:      IngestStream,
			Subjects:  []string{ingestSubject},
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
			MaxAge:    24 * time.Hour,
		},
	}

	for i := range streams {
		cfg := streams[i]
		if _, err := js.AddStream(&cfg); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			// Stream 已存在但配置不同时尝试更新
			if _, uerr := js.UpdateStream(&cfg); uerr != nil {
				logger.WithError(uerr).WithField("stream", cfg.Name).Warn("Failed to ensure stream")
			}
		}
	}

	return &EventBus{
		conn:   nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close 关闭底层 NATS 连接。
func (eb *EventBus) Close() error {
	eb.conn.Close()
	return nil
}

// Connected 检查连接状态，供就绪探针使用
func (eb *EventBus) Connected() bool {
	return eb.conn.IsConnected()
}

// Ping 就绪检查，连接断开时返回错误
func (eb *EventBus) Ping(context.Context) error {
	if !eb.conn.IsConnected() {
		return fmt.Errorf("nats: %s", eb.conn.Status())
	}
	return nil
}

// RunSubject 返回运行事件的主题
func RunSubject(evt *domain.RunEvent) string {
	return fmt.Sprintf("%s.%s.%s", RunSubjectPrefix, evt.RunID, evt.To)
}

// Publish 将运行状态迁移包装为事件信封发布到 triage.runs.<run_id>.<state>
func (eb *EventBus) Publish(ctx context.Context, evt *domain.RunEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	subject := RunSubject(evt)
	envelope := &Event{
		ID:        uuid.New().String(),
		Type:      "run." + string(evt.To),
		Source:    "triage-engine",
		Subject:   subject,
		Data:      data,
		Timestamp: evt.At,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if _, err := eb.js.Publish(subject, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.WithFields(logrus.Fields{
		"subject":  subject,
		"event_id": envelope.ID,
		"type":     envelope.Type,
	}).Debug("Event published")
	return nil
}

// PublishRaw 向任意主题发布原始负载，CLI 和测试用它投递日志
func (eb *EventBus) PublishRaw(ctx context.Context, subject string, data []byte) error {
	if _, err := eb.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe 以持久消费者订阅主题，手动确认。
// handler 出错时 Nak 触发重新投递；ctx 取消时自动取消订阅。
func (eb *EventBus) Subscribe(ctx context.Context, subject, durable string, handler MessageHandler) error {
	sub, err := eb.js.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(ctx, msg.Data); err != nil {
			eb.logger.WithError(err).WithField("subject", msg.Subject).Error("Failed to handle message")
			msg.Nak()
			return
		}
		msg.Ack()
	}, nats.Durable(durable), nats.ManualAck(), nats.AckWait(30*time.Second), nats.MaxDeliver(5))
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}
