// Package client 提供访问分诊网关 HTTP API 的 Go 客户端，CLI 与 MCP 服务都通过它调用网关。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oriys/triage/internal/domain"
	"github.com/oriys/triage/internal/telemetry"
)

// DefaultBaseURL 网关默认地址
const DefaultBaseURL = "http://localhost:8080"

// Client 分诊网关客户端
type Client struct {
	baseURL      string
	apiKey       string
	apiKeyHeader string
	httpClient   *http.Client
}

// Option 客户端可选项
type Option func(*Client)

// WithAPIKey 设置 API Key 及其请求头名称，header 为空时使用 X-API-Key
func WithAPIKey(key, header string) Option {
	return func(c *Client) {
		c.apiKey = key
		if header != "" {
			c.apiKeyHeader = header
		}
	}
}

// WithHTTPClient 替换底层 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New 创建客户端，baseURL 为空时使用 DefaultBaseURL
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKeyHeader: "X-API-Key",
		httpClient:   telemetry.InstrumentedHTTPClient(60 * time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError 网关返回的错误
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	RequestID  string `json:"request_id"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (HTTP %d, request %s)", msg, e.StatusCode, e.RequestID)
	}
	return fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
}

// IsNotFound 判断错误是否为 404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ========== 请求/响应结构 ==========

// SelectRequest 方案选择请求
type SelectRequest struct {
	OptionID     string `json:"option_id"`
	Notify       bool   `json:"notify"`
	CreateTicket bool   `json:"create_ticket"`
	ChannelHint  string `json:"channel_hint,omitempty"`
}

// ListRunsOptions 运行列表查询条件
type ListRunsOptions struct {
	State  string
	Offset int
	Limit  int
}

// RunList 运行列表
type RunList struct {
	Runs   []*domain.RunContext `json:"runs"`
	Total  int                  `json:"total"`
	Offset int                  `json:"offset"`
	Limit  int                  `json:"limit"`
}

// RunHistory 运行的迁移历史
type RunHistory struct {
	RunID   string              `json:"run_id"`
	State   domain.RunState     `json:"state"`
	History []domain.Transition `json:"history"`
}

// Category 分类目录条目
type Category struct {
	Category    domain.Category            `json:"category"`
	DisplayName string                     `json:"display_name"`
	Options     []domain.RemediationOption `json:"options"`
}

// WatchMessage 运行推送消息
type WatchMessage struct {
	Type  string             `json:"type"`
	Run   *domain.RunContext `json:"run,omitempty"`
	Event *domain.RunEvent   `json:"event,omitempty"`
}

// do 通用请求：拼接 URL、编码请求体、解析 JSON 响应，4xx/5xx 转为 *APIError
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.authorize(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if result == nil {
		return nil
	}
	if len(respBody) == 0 {
		return errors.New("empty response body")
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *Client) authorize(h http.Header) {
	if c.apiKey == "" {
		return
	}
	if strings.HasPrefix(c.apiKey, "Bearer ") {
		h.Set("Authorization", c.apiKey)
		return
	}
	h.Set(c.apiKeyHeader, c.apiKey)
}

func runPath(id string, suffix ...string) string {
	p := "/api/v1/runs/" + url.PathEscape(id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

// Analyze 无状态分析
func (c *Client) Analyze(ctx context.Context, log string) (*domain.Analysis, error) {
	var a domain.Analysis
	if err := c.do(ctx, http.MethodPost, "/api/v1/analyze", nil, map[string]string{"log": log}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Categories 获取分类目录
func (c *Client) Categories(ctx context.Context) ([]Category, error) {
	var resp struct {
		Categories []Category `json:"categories"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/categories", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Categories, nil
}

// StartRun 创建运行
func (c *Client) StartRun(ctx context.Context, log, source string) (*domain.RunContext, error) {
	var run domain.RunContext
	body := map[string]string{"log": log, "source": source}
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs", nil, body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun 获取运行
func (c *Client) GetRun(ctx context.Context, id string) (*domain.RunContext, error) {
	var run domain.RunContext
	if err := c.do(ctx, http.MethodGet, runPath(id), nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns 分页列出运行
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) (*RunList, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var list RunList
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs", q, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// History 获取运行的迁移历史
func (c *Client) History(ctx context.Context, id string) (*RunHistory, error) {
	var h RunHistory
	if err := c.do(ctx, http.MethodGet, runPath(id, "history"), nil, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Select 选择方案
func (c *Client) Select(ctx context.Context, id string, req SelectRequest) (*domain.RunContext, error) {
	var run domain.RunContext
	if err := c.do(ctx, http.MethodPost, runPath(id, "select"), nil, req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Decline 拒绝全部方案
func (c *Client) Decline(ctx context.Context, id, reason string) (*domain.RunContext, error) {
	return c.finish(ctx, id, "decline", reason)
}

// Cancel 取消运行
func (c *Client) Cancel(ctx context.Context, id, reason string) (*domain.RunContext, error) {
	return c.finish(ctx, id, "cancel", reason)
}

func (c *Client) finish(ctx context.Context, id, action, reason string) (*domain.RunContext, error) {
	var run domain.RunContext
	if err := c.do(ctx, http.MethodPost, runPath(id, action), nil, map[string]string{"reason": reason}, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// RetryDispatch 派生运行重试失败的子动作
func (c *Client) RetryDispatch(ctx context.Context, id string) (*domain.RunContext, error) {
	var run domain.RunContext
	if err := c.do(ctx, http.MethodPost, runPath(id, "retry-dispatch"), nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Watch 订阅运行推送，每条消息回调 fn，连接关闭或 ctx 取消时返回。
// 服务端在运行进入终态后正常关闭连接，此时返回 nil。
func (c *Client) Watch(ctx context.Context, id string, fn func(WatchMessage) error) error {
	u, err := url.Parse(c.baseURL + runPath(id, "watch"))
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	c.authorize(header)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			apiErr := &APIError{StatusCode: resp.StatusCode}
			json.NewDecoder(resp.Body).Decode(apiErr)
			return apiErr
		}
		return fmt.Errorf("watch: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg WatchMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("watch: %w", err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

// Health 检查网关健康状态
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}
