// Package jira 通过 Jira Cloud REST API v3 创建跟踪工单。
package jira

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
)

// Client Jira 工单客户端，使用邮箱 + API 令牌的基本认证
type Client struct {
	baseURL    string
	email      string
	token      string
	projectKey string
	issueType  string
	httpClient *http.Client
	logger     *logrus.Logger
}

// New 根据配置创建客户端
func New(cfg config.JiraConfig, logger *logrus.Logger) *Client {
	return NewWithHTTPClient(cfg, telemetry.InstrumentedHTTPClient(cfg.Timeout), logger)
}

// NewWithHTTPClient 使用指定的 HTTP 客户端创建
func NewWithHTTPClient(cfg config.JiraConfig, httpClient *http.Client, logger *logrus.Logger) *Client {
	issueType := cfg.IssueType
	if issueType == "" {
		issueType = "Problem"
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		email:      cfg.Email,
		token:      cfg.APIToken,
		projectKey: cfg.ProjectKey,
		issueType:  issueType,
		httpClient: httpClient,
		logger:     logger,
	}
}

// APIError Jira 返回的错误响应
type APIError struct {
	StatusCode int
	Messages   []string
}

func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("jira api error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("jira api error: HTTP %d: %s", e.StatusCode, strings.Join(e.Messages, "; "))
}

// Priority 工单优先级名称
type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

// PriorityForRisk 高风险方案需要更多人工评估，对应更高的工单优先级
func PriorityForRisk(risk domain.RiskTier) Priority {
	switch risk {
	case domain.RiskHigh:
		return PriorityHigh
	case domain.RiskLow:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// ========== ADF 文档 ==========

// adfNode Atlassian Document Format 节点
type adfNode struct {
	Type    string    `json:"type"`
	Version int       `json:"version,omitempty"`
	Text    string    `json:"text,omitempty"`
	Content []adfNode `json:"content,omitempty"`
}

// toADF 把纯文本转换为 ADF 文档，空行分段，段内换行转为 hardBreak
func toADF(text string) adfNode {
	doc := adfNode{Type: "doc", Version: 1}
	for _, para := range strings.Split(strings.TrimSpace(text), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		p := adfNode{Type: "paragraph"}
		for i, line := range strings.Split(para, "\n") {
			if i > 0 {
				p.Content = append(p.Content, adfNode{Type: "hardBreak"})
			}
			if line != "" {
				p.Content = append(p.Content, adfNode{Type: "text", Text: line})
			}
		}
		doc.Content = append(doc.Content, p)
	}
	if len(doc.Content) == 0 {
		doc.Content = []adfNode{{Type: "paragraph"}}
	}
	return doc
}

type nameRef struct {
	Name string `json:"name"`
}

type issueFields struct {
	Project     map[string]string `json:"project"`
	Summary     string            `json:"summary"`
	Description adfNode           `json:"description"`
	IssueType   nameRef           `json:"issuetype"`
	Priority    *nameRef          `json:"priority,omitempty"`
	Labels      []string          `json:"labels,omitempty"`
}

type createIssueRequest struct {
	Fields issueFields `json:"fields"`
}

type createIssueResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type errorResponse struct {
	ErrorMessages []string          `json:"errorMessages"`
	Errors        map[string]string `json:"errors"`
}

// Create 创建不带优先级的工单，返回工单 Key
func (c *Client) Create(ctx context.Context, summary, details string) (string, error) {
	return c.create(ctx, summary, details, "")
}

// CreateWithPriority 按方案风险等级设置优先级后创建工单
func (c *Client) CreateWithPriority(ctx context.Context, summary, details string, risk domain.RiskTier) (string, error) {
	return c.create(ctx, summary, details, PriorityForRisk(risk))
}

// create 发送 POST /rest/api/3/issue，201 时返回 key。
// 网络错误与 HTTP 429/5xx 包装为 domain.ErrTransient。
func (c *Client) create(ctx context.Context, summary, details string, priority Priority) (string, error) {
	if c.baseURL == "" || c.token == "" || c.projectKey == "" {
		return "", fmt.Errorf("jira: %w", domain.ErrNotConfigured)
	}

	fields := issueFields{
		Project:     map[string]string{"key": c.projectKey},
		Summary:     summary,
		Description: toADF(details),
		IssueType:   nameRef{Name: c.issueType},
		Labels:      []string{"triage"},
	}
	if priority != "" {
		fields.Priority = &nameRef{Name: string(priority)}
	}

	data, err := json.Marshal(createIssueRequest{Fields: fields})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rest/api/3/issue", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.email, c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: jira request failed: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read jira response: %v", domain.ErrTransient, err)
	}

	if resp.StatusCode != http.StatusCreated {
		apiErr := &APIError{StatusCode: resp.StatusCode, Messages: parseErrors(body)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", fmt.Errorf("%w: %v", domain.ErrTransient, apiErr)
		}
		return "", apiErr
	}

	var out createIssueResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode jira response: %w", err)
	}
	if out.Key == "" {
		return "", fmt.Errorf("jira response missing issue key")
	}

	c.logger.WithFields(logrus.Fields{
		"issue_key": out.Key,
		"project":   c.projectKey,
	}).Info("Jira issue created")
	return out.Key, nil
}

// parseErrors 提取 Jira 错误响应中的消息，字段错误按 "字段: 消息" 展示
func parseErrors(body []byte) []string {
	var er errorResponse
	if json.Unmarshal(body, &er) != nil {
		if s := strings.TrimSpace(string(body)); s != "" {
			if len(s) > 200 {
				s = s[:200]
			}
			return []string{s}
		}
		return nil
	}
	msgs := append([]string(nil), er.ErrorMessages...)
	for field, msg := range er.Errors {
		msgs = append(msgs, field+": "+msg)
	}
	return msgs
}
