package events

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/oriys/triage/internal/domain"
	"github.com/sirupsen/logrus"
)

// ingestDurable 日志接入消费者名称，多个网关实例共享同一工作队列
const ingestDurable = "triage-ingest"

// IngestMessage 日志接入消息。
// 非 JSON 或不含 log 字段的消息整体视为日志文本。
type IngestMessage struct {
	Log    string `json:"log"`
	Source string `json:"source,omitempty"`
}

// RunStarter 启动分诊运行
type RunStarter interface {
	StartRun(ctx context.Context, raw, source string) (*domain.RunContext, error)
}

// Subscriber 以持久消费者订阅主题
type Subscriber interface {
	Subscribe(ctx context.Context, subject, durable string, handler MessageHandler) error
}

// Ingestor 订阅日志接入主题，为每条消息启动运行
type Ingestor struct {
	bus     Subscriber
	starter RunStarter
	subject string
	logger  *logrus.Logger
}

// NewIngestor 创建日志接入器
func NewIngestor(bus Subscriber, starter RunStarter, subject string, logger *logrus.Logger) *Ingestor {
	return &Ingestor{bus: bus, starter: starter, subject: subject, logger: logger}
}

// Start 开始订阅，ctx 取消后停止
func (i *Ingestor) Start(ctx context.Context) error {
	if err := i.bus.Subscribe(ctx, i.subject, ingestDurable, i.Handle); err != nil {
		return err
	}
	i.logger.WithField("subject", i.subject).Info("Log ingestion started")
	return nil
}

// Handle 处理一条接入消息，空日志直接确认。运行创建失败（存储不可用等）返回错误以便重新投递；
// 运行本身的失败属于正常结果，不会重新投递。
func (i *Ingestor) Handle(ctx context.Context, data []byte) error {
	msg := ParseIngestMessage(data)
	if strings.TrimSpace(msg.Log) == "" {
		i.logger.Debug("Dropping empty ingest message")
		return nil
	}
	run, err := i.starter.StartRun(ctx, msg.Log, msg.Source)
	if err != nil {
		return err
	}
	i.logger.WithFields(logrus.Fields{
		"run_id": run.ID,
		"source": msg.Source,
		"state":  run.State,
	}).Info("Run started from ingested log")
	return nil
}

// ParseIngestMessage 解析接入消息，来源缺省为 nats
func ParseIngestMessage(data []byte) IngestMessage {
	var msg IngestMessage
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var keys map[string]json.RawMessage
		if json.Unmarshal(trimmed, &keys) == nil {
			if _, ok := keys["log"]; ok && json.Unmarshal(trimmed, &msg) == nil {
				if strings.TrimSpace(msg.Source) == "" {
					msg.Source = "nats"
				}
				return msg
			}
		}
	}
	return IngestMessage{Log: string(data), Source: "nats"}
}
