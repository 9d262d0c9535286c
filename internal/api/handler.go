// Package api 提供分诊网关的 HTTP API。
// 主要功能包括：
//   - 无状态分析与分类目录查询
//   - 分诊运行的创建、查询、方案选择、拒绝、取消与重试分发
//   - 运行状态的 websocket 实时推送
//   - 健康检查
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/triage/internal/domain"
	"github.com/oriys/triage/internal/remediation"
	"github.com/oriys/triage/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

// maxUploadBytes 上传日志文件的上限
const maxUploadBytes = 10 << 20

// Engine 分诊引擎，由 orchestrator.Engine 实现
type Engine interface {
	Analyze(ctx context.Context, raw string) (*domain.Analysis, error)
	StartRun(ctx context.Context, raw, source string) (*domain.RunContext, error)
	GetRun(ctx context.Context, id string) (*domain.RunContext, error)
	ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.RunContext, int, error)
	Select(ctx context.Context, id, optionID string, actions domain.ActionRequest) (*domain.RunContext, error)
	Decline(ctx context.Context, id, note string) (*domain.RunContext, error)
	Cancel(ctx context.Context, id, reason string) (*domain.RunContext, error)
	RetryDispatch(ctx context.Context, id string) (*domain.RunContext, error)
}

// Pinger 就绪检查依赖，存储和消息总线都实现它
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler 是 API 请求处理器
type Handler struct {
	engine  Engine
	catalog *remediation.Mapper
	checks  map[string]Pinger
	logger  *logrus.Logger
}

// NewHandler 创建处理器。
//
// 参数：
//   - engine: 分诊引擎
//   - catalog: 处置方案表，用于分类目录接口
//   - logger: 日志记录器
func NewHandler(engine Engine, catalog *remediation.Mapper, logger *logrus.Logger) *Handler {
	return &Handler{
		engine:  engine,
		catalog: catalog,
		checks:  make(map[string]Pinger),
		logger:  logger,
	}
}

// AddReadinessCheck 注册就绪检查项
func (h *Handler) AddReadinessCheck(name string, p Pinger) {
	h.checks[name] = p
}

// ========== 请求/响应结构 ==========

// AnalyzeRequest 分析与创建运行的请求体。
// Log 使用指针区分“未提供”和“空字符串”：空字符串是合法输入，会被分类为 Unknown。
type AnalyzeRequest struct {
	Log    *string `json:"log"`
	Source string  `json:"source,omitempty"`
}

// SelectRequest 方案选择请求体
type SelectRequest struct {
	OptionID     string `json:"option_id"`
	Notify       bool   `json:"notify"`
	CreateTicket bool   `json:"create_ticket"`
	ChannelHint  string `json:"channel_hint,omitempty"`
}

// ReasonRequest 拒绝与取消的请求体
type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RunListResponse 运行列表响应
type RunListResponse struct {
	Runs   []*domain.RunContext `json:"runs"`
	Total  int                  `json:"total"`
	Offset int                  `json:"offset"`
	Limit  int                  `json:"limit"`
}

// CategoryInfo 分类目录条目
type CategoryInfo struct {
	Category    domain.Category            `json:"category"`
	DisplayName string                     `json:"display_name"`
	Options     []domain.RemediationOption `json:"options"`
}

// ========== 分析 ==========

// Analyze 无状态分析。
// HTTP端点: POST /api/v1/analyze
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	raw, _, ok := h.decodeLog(w, r)
	if !ok {
		return
	}
	analysis, err := h.engine.Analyze(r.Context(), raw)
	if err != nil {
		h.writeDomainError(w, r, "Analyze", err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// AnalyzeFile 对上传的日志文件做无状态分析，文件内容整体作为一条日志。
// HTTP端点: POST /api/v1/analyze/file（multipart 字段 file）
func (h *Handler) AnalyzeFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "failed to parse form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "failed to read file: "+err.Error())
		return
	}

	analysis, err := h.engine.Analyze(r.Context(), string(content))
	if err != nil {
		h.writeDomainError(w, r, "AnalyzeFile", err)
		return
	}
	h.logInfo(r, "AnalyzeFile", "Log file analyzed", logrus.Fields{
		"filename": header.Filename,
		"size":     len(content),
		"category": analysis.Classification.Category,
	})
	writeJSON(w, http.StatusOK, analysis)
}

// ListCategories 返回分类目录及每个分类的完整方案表。
// HTTP端点: GET /api/v1/categories
func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cats := domain.AllCategories()
	out := make([]CategoryInfo, 0, len(cats))
	for _, c := range cats {
		info := CategoryInfo{Category: c, DisplayName: c.DisplayName()}
		if h.catalog != nil {
			info.Options = h.catalog.Options(c)
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"categories": out})
}

// ========== 运行 ==========

// CreateRun 创建运行并同步推进到等待选择。
// HTTP端点: POST /api/v1/runs
//
// 返回值：
//   - 201: 运行已创建（可能已因分类未配置等原因失败，见 state）
//   - 400: 请求体无效或缺少 log 字段
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	raw, source, ok := h.decodeLog(w, r)
	if !ok {
		return
	}
	if source == "" {
		source = "api"
	}
	run, err := h.engine.StartRun(r.Context(), raw, source)
	if err != nil {
		h.writeDomainError(w, r, "CreateRun", err)
		return
	}
	h.logInfo(r, "CreateRun", "Run created", logrus.Fields{"run_id": run.ID, "state": run.State})
	writeJSON(w, http.StatusCreated, run)
}

// ListRuns 分页列出运行。
// HTTP端点: GET /api/v1/runs?state=&offset=&limit=
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.RunFilter{
		Offset: atoiDefault(q.Get("offset"), 0),
		Limit:  atoiDefault(q.Get("limit"), 20),
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	if s := q.Get("state"); s != "" {
		state, ok := parseState(s)
		if !ok {
			writeErrorWithContext(w, r, http.StatusBadRequest, "unknown state: "+s)
			return
		}
		filter.State = state
	}

	runs, total, err := h.engine.ListRuns(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, "ListRuns", err)
		return
	}
	if runs == nil {
		runs = []*domain.RunContext{}
	}
	writeJSON(w, http.StatusOK, RunListResponse{Runs: runs, Total: total, Offset: filter.Offset, Limit: filter.Limit})
}

// GetRun 获取运行详情。
// HTTP端点: GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "GetRun", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetRunHistory 获取运行的状态迁移历史。
// HTTP端点: GET /api/v1/runs/{id}/history
func (h *Handler) GetRunHistory(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "GetRunHistory", err)
		return
	}
	history := run.History
	if history == nil {
		history = []domain.Transition{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":  run.ID,
		"state":   run.State,
		"history": history,
	})
}

// SelectOption 选择方案并排入分发。
// HTTP端点: POST /api/v1/runs/{id}/select
//
// 返回值：
//   - 202: 已接受，分发在后台进行
//   - 409: 运行不在等待选择状态或已终结
//   - 422: 方案 ID 不在候选列表中
func (h *Handler) SelectOption(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	actions := domain.ActionRequest{
		Notify:       req.Notify,
		CreateTicket: req.CreateTicket,
		ChannelHint:  req.ChannelHint,
	}
	run, err := h.engine.Select(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.OptionID), actions)
	if err != nil {
		h.writeDomainError(w, r, "SelectOption", err)
		return
	}
	h.logInfo(r, "SelectOption", "Option selected", logrus.Fields{
		"run_id":    run.ID,
		"option_id": req.OptionID,
		"notify":    req.Notify,
		"ticket":    req.CreateTicket,
	})
	writeJSON(w, http.StatusAccepted, run)
}

// DeclineRun 拒绝全部方案。
// HTTP端点: POST /api/v1/runs/{id}/decline
func (h *Handler) DeclineRun(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, "DeclineRun", h.engine.Decline)
}

// CancelRun 取消运行。
// HTTP端点: POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, "CancelRun", h.engine.Cancel)
}

func (h *Handler) finish(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string, string) (*domain.RunContext, error)) {
	var req ReasonRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	run, err := fn(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// RetryDispatch 派生新运行重试失败的子动作。
// HTTP端点: POST /api/v1/runs/{id}/retry-dispatch
//
// 返回值：
//   - 201: 派生运行
//   - 409: 原运行不是分发失败或没有可重试的子动作
func (h *Handler) RetryDispatch(w http.ResponseWriter, r *http.Request) {
	child, err := h.engine.RetryDispatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "RetryDispatch", err)
		return
	}
	h.logInfo(r, "RetryDispatch", "Derived run created", logrus.Fields{
		"run_id":        child.ID,
		"parent_run_id": child.ParentRunID,
	})
	writeJSON(w, http.StatusCreated, child)
}

// ========== 健康检查 ==========

// Health 基本健康检查。
// HTTP端点: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready 就绪探针，依次检查已注册的依赖。
// HTTP端点: GET /health/ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not_ready", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Live 存活探针。
// HTTP端点: GET /health/live
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// ========== 辅助函数 ==========

// decodeLog 解析含 log 字段的请求体，log 缺失时返回 400
func (h *Handler) decodeLog(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	var req AnalyzeRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return "", "", false
	}
	if req.Log == nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, domain.ErrEmptyInput.Error())
		return "", "", false
	}
	return *req.Log, req.Source, true
}

func decodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(v)
}

func parseState(s string) (domain.RunState, bool) {
	for _, st := range domain.AllRunStates() {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// statusForError 把领域错误映射为 HTTP 状态码
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidSelection):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRunTerminal),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrNothingToRetry),
		errors.Is(err, domain.ErrRunExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCategoryNotConfigured):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrLockHeld), errors.Is(err, domain.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrStorageConnection):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusForError(err)
	fields := logrus.Fields{"status": status}
	if id := chi.URLParam(r, "id"); id != "" {
		fields["run_id"] = id
	}
	if status >= http.StatusInternalServerError {
		h.logError(r, op, "Request failed", err, fields)
	} else {
		h.logWarn(r, op, err.Error(), fields)
	}
	writeErrorWithContext(w, r, status, err.Error())
}

// writeJSON 将数据以JSON格式写入HTTP响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse 统一错误响应，request_id 与 trace_id 用于关联日志和链路
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// writeErrorWithContext 写入错误响应，从请求上下文提取 request_id 和 trace_id
func writeErrorWithContext(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		RequestID: middleware.GetReqID(r.Context()),
		TraceID:   telemetry.TraceIDFromContext(r.Context()),
	})
}

func (h *Handler) entry(r *http.Request, op string, fields logrus.Fields) *logrus.Entry {
	entry := h.logger.WithFields(logrus.Fields{
		"op":         op,
		"request_id": middleware.GetReqID(r.Context()),
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	return telemetry.EntryWithTraceContext(r.Context(), entry)
}

func (h *Handler) logInfo(r *http.Request, op, msg string, fields logrus.Fields) {
	h.entry(r, op, fields).Info(msg)
}

func (h *Handler) logWarn(r *http.Request, op, msg string, fields logrus.Fields) {
	h.entry(r, op, fields).Warn(msg)
}

func (h *Handler) logError(r *http.Request, op, msg string, err error, fields logrus.Fields) {
	h.entry(r, op, fields).WithError(err).Error(msg)
}
