// Package slack 通过 Slack Web API 的 chat.postMessage 发送分诊通知。
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/oriys/triage/internal/config"
	"github.com/oriys/triage/internal/domain"
	"github.com/oriys/triage/internal/telemetry"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// retryableErrors Slack 以 ok=false 返回但可以重试的错误码
var retryableErrors = map[string]bool{
	"ratelimited":         true,
	"rate_limited":        true,
	"service_unavailable": true,
	"internal_error":      true,
	"fatal_error":         true,
	"request_timeout":     true,
}

// Client Slack 通知客户端
type Client struct {
	baseURL        string
	token          string
	defaultChannel string
	httpClient     *http.Client
	// limiter chat.postMessage 每个工作区约每秒 1 条
	limiter *rate.Limiter
	logger  *logrus.Logger
}

// New 根据配置创建客户端，出站请求带追踪头
func New(cfg config.SlackConfig, logger *logrus.Logger) *Client {
	return NewWithHTTPClient(cfg, telemetry.InstrumentedHTTPClient(cfg.Timeout), logger)
}

// NewWithHTTPClient 使用指定的 HTTP 客户端创建，便于测试
func NewWithHTTPClient(cfg config.SlackConfig, httpClient *http.Client, logger *logrus.Logger) *Client {
	channel := cfg.DefaultChannel
	if channel == "" {
		channel = "#general"
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://slack.com/api"
	}
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	return &Client{
		baseURL:        strings.TrimRight(base, "/"),
		token:          cfg.BotToken,
		defaultChannel: channel,
		httpClient:     httpClient,
		limiter:        rate.NewLimiter(limit, burst),
		logger:         logger,
	}
}

// APIError Slack 返回的错误
type APIError struct {
	StatusCode int
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("slack api error: %s (HTTP %d)", e.Code, e.StatusCode)
	}
	return fmt.Sprintf("slack api error: HTTP %d", e.StatusCode)
}

type postMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	Mrkdwn  bool   `json:"mrkdwn"`
}

type postMessageResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Channel string `json:"channel,omitempty"`
	TS      string `json:"ts,omitempty"`
}

// Channel 返回消息实际投递的频道：提示优先，否则使用默认频道
func (c *Client) Channel(hint string) string {
	if h := strings.TrimSpace(hint); h != "" {
		return h
	}
	return c.defaultChannel
}

// Send 发送消息到频道。
// 网络错误、HTTP 429/5xx 以及 Slack 的限流类错误码包装为 domain.ErrTransient。
func (c *Client) Send(ctx context.Context, message, channelHint string) error {
	if c.token == "" {
		return fmt.Errorf("slack: %w", domain.ErrNotConfigured)
	}
	channel := c.Channel(channelHint)

	// 本地限流，等待超过 ctx 期限时按暂时性错误处理
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: slack rate limit wait: %v", domain.ErrTransient, err)
	}

	data, err := json.Marshal(postMessageRequest{Channel: channel, Text: message, Mrkdwn: true})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat.postMessage", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: slack request failed: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read slack response: %v", domain.ErrTransient, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %v", domain.ErrTransient, &APIError{StatusCode: resp.StatusCode})
	}
	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode}
	}

	var out postMessageResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("decode slack response: %w", err)
	}
	if !out.OK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: out.Error}
		if retryableErrors[out.Error] {
			return fmt.Errorf("%w: %v", domain.ErrTransient, apiErr)
		}
		return apiErr
	}

	c.logger.WithFields(logrus.Fields{
		"channel": channel,
		"ts":      out.TS,
	}).Info("Slack notification sent")
	return nil
}
