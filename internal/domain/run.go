package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ==================== 运行状态 ====================

// RunState 表示一次分诊运行在状态机中的状态
type RunState string

const (
	// RunStatePending 已创建，尚未开始处理
	RunStatePending RunState = "pending"
	// RunStateExtracting 正在提取结构化字段
	RunStateExtracting RunState = "extracting"
	// RunStateClassifying 正在分类
	RunStateClassifying RunState = "classifying"
	// RunStateRanking 正在生成处置方案
	RunStateRanking RunState = "ranking"
	// RunStateAwaitingSelection 等待外部选择处置方案或拒绝
	RunStateAwaitingSelection RunState = "awaiting_selection"
	// RunStateDispatching 正在执行通知/工单等下游动作
	RunStateDispatching RunState = "dispatching"
	// RunStateCompleted 终态：成功完成
	RunStateCompleted RunState = "completed"
	// RunStateFailed 终态：失败，原因见 Failure
	RunStateFailed RunState = "failed"
)

// AllRunStates 返回全部状态，顺序与状态机主路径一致
func AllRunStates() []RunState {
	return []RunState{
		RunStatePending,
		RunStateExtracting,
		RunStateClassifying,
		RunStateRanking,
		RunStateAwaitingSelection,
		RunStateDispatching,
		RunStateCompleted,
		RunStateFailed,
	}
}

// IsTerminal 检查状态是否为终态
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// Step 返回该状态下执行的处理步骤
func (s RunState) Step() (Step, bool) {
	switch s {
	case RunStateExtracting:
		return StepExtract, true
	case RunStateClassifying:
		return StepClassify, true
	case RunStateRanking:
		return StepRank, true
	case RunStateDispatching:
		return StepDispatch, true
	}
	return "", false
}

// Status 将细粒度状态折叠为对外暴露的运行状态
func (s RunState) Status() RunStatus {
	switch s {
	case RunStateAwaitingSelection:
		return RunStatusAwaitingSelection
	case RunStateDispatching:
		return RunStatusDispatching
	case RunStateCompleted:
		return RunStatusCompleted
	case RunStateFailed:
		return RunStatusFailed
	default:
		return RunStatusPending
	}
}

// RunStatus 对外暴露的运行状态
type RunStatus string

const (
	RunStatusPending           RunStatus = "pending"
	RunStatusAwaitingSelection RunStatus = "awaiting_selection"
	RunStatusDispatching       RunStatus = "dispatching"
	RunStatusCompleted         RunStatus = "completed"
	RunStatusFailed            RunStatus = "failed"
)

// Step 表示状态机中可重试的处理步骤
type Step string

const (
	StepExtract  Step = "extract"
	StepClassify Step = "classify"
	StepRank     Step = "rank"
	StepDispatch Step = "dispatch"
)

// ==================== 失败原因 ====================

// FailureCode 运行失败的原因编码
type FailureCode string

const (
	// FailureMaxRetriesExceeded 某一步骤重试次数耗尽
	FailureMaxRetriesExceeded FailureCode = "max_retries_exceeded"
	// FailurePartialDispatch 部分下游动作成功、部分失败
	FailurePartialDispatch FailureCode = "partial_dispatch"
	// FailureCancelled 运行被放弃
	FailureCancelled FailureCode = "cancelled"
	// FailureDispatchFailure 下游动作全部失败且不可重试
	FailureDispatchFailure FailureCode = "dispatch_failure"
	// FailureCategoryNotConfigured 分类缺少处置方案配置
	FailureCategoryNotConfigured FailureCode = "category_not_configured"
	// FailureStepFailed 步骤出现不可恢复的错误
	FailureStepFailed FailureCode = "step_failed"
)

// Failure 记录失败终态的原因
type Failure struct {
	Code FailureCode `json:"code"`
	// Step 失败发生的步骤，取消时为取消前所在步骤
	Step Step `json:"step,omitempty"`
	// Message 可读描述
	Message string `json:"message"`
	// Cause 最后一次底层错误
	Cause string `json:"cause,omitempty"`
}

// ==================== 选择与下游动作 ====================

// ActionRequest 描述选择方案后需要执行的下游动作
type ActionRequest struct {
	Notify       bool   `json:"notify"`
	CreateTicket bool   `json:"create_ticket"`
	ChannelHint  string `json:"channel_hint,omitempty"`
}

// Empty 检查是否没有请求任何动作
func (a ActionRequest) Empty() bool {
	return !a.Notify && !a.CreateTicket
}

// Selection 外部对处置方案的选择
type Selection struct {
	OptionID   string        `json:"option_id"`
	Actions    ActionRequest `json:"actions"`
	SelectedAt time.Time     `json:"selected_at"`
}

// SubAction 下游子动作
type SubAction string

const (
	SubActionNotify SubAction = "notify"
	SubActionTicket SubAction = "ticket"
)

// SubActionOutcome 单个子动作的执行结果
type SubActionOutcome struct {
	Requested bool `json:"requested"`
	Succeeded bool `json:"succeeded"`
	// Reference 成功时的外部引用（通知频道、工单号）
	Reference string `json:"reference,omitempty"`
	Error     string `json:"error,omitempty"`
	// Recoverable 失败是否为可重试的暂时性错误
	Recoverable bool       `json:"recoverable,omitempty"`
	At          *time.Time `json:"at,omitempty"`
}

// Failed 检查子动作是否被请求但失败
func (o SubActionOutcome) Failed() bool {
	return o.Requested && !o.Succeeded
}

// DispatchReport 一次下游分发的结果汇总
type DispatchReport struct {
	Notify SubActionOutcome `json:"notify"`
	Ticket SubActionOutcome `json:"ticket"`
}

// AllSucceeded 所有被请求的子动作均成功（未请求任何动作也视为成功）
func (r *DispatchReport) AllSucceeded() bool {
	return !r.Notify.Failed() && !r.Ticket.Failed()
}

// AnySucceeded 至少一个被请求的子动作成功
func (r *DispatchReport) AnySucceeded() bool {
	return (r.Notify.Requested && r.Notify.Succeeded) || (r.Ticket.Requested && r.Ticket.Succeeded)
}

// Recoverable 所有失败的子动作都是可重试错误
func (r *DispatchReport) Recoverable() bool {
	for _, o := range []SubActionOutcome{r.Notify, r.Ticket} {
		if o.Failed() && !o.Recoverable {
			return false
		}
	}
	return true
}

// FailedActions 返回仅包含失败子动作的动作请求，用于只重试失败部分
func (r *DispatchReport) FailedActions(hint string) ActionRequest {
	return ActionRequest{
		Notify:       r.Notify.Failed(),
		CreateTicket: r.Ticket.Failed(),
		ChannelHint:  hint,
	}
}

// LastError 返回最后一个失败子动作的错误信息
func (r *DispatchReport) LastError() string {
	if r.Ticket.Failed() {
		return r.Ticket.Error
	}
	if r.Notify.Failed() {
		return r.Notify.Error
	}
	return ""
}

// ==================== 运行上下文 ====================

// Transition 一次状态迁移记录
type Transition struct {
	From  RunState  `json:"from"`
	To    RunState  `json:"to"`
	Event string    `json:"event"`
	Note  string    `json:"note,omitempty"`
	At    time.Time `json:"at"`
}

// RunContext 一次分诊运行的工作状态，只属于一个运行
type RunContext struct {
	ID string `json:"id"`
	// ParentRunID 由重试分发派生时指向原运行
	ParentRunID string `json:"parent_run_id,omitempty"`
	// Source 日志来源标识（api、nats、cli 等）
	Source   string `json:"source,omitempty"`
	RawInput string `json:"raw_input"`

	State          RunState              `json:"state"`
	Record         *LogRecord            `json:"record,omitempty"`
	Classification *ClassificationResult `json:"classification,omitempty"`
	Options        []RemediationOption   `json:"options,omitempty"`
	Selection      *Selection            `json:"selection,omitempty"`
	Declined       bool                  `json:"declined,omitempty"`

	// Attempts 每个步骤的尝试次数
	Attempts map[Step]int    `json:"attempts,omitempty"`
	Failure  *Failure        `json:"failure,omitempty"`
	Dispatch *DispatchReport `json:"dispatch,omitempty"`
	History  []Transition    `json:"history,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	AwaitingSince *time.Time `json:"awaiting_since,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Status 对外暴露的运行状态
func (r *RunContext) Status() RunStatus {
	return r.State.Status()
}

// IsTerminal 检查运行是否已进入终态
func (r *RunContext) IsTerminal() bool {
	return r.State.IsTerminal()
}

// FindOption 在当前方案列表中查找指定 ID
func (r *RunContext) FindOption(id string) (*RemediationOption, bool) {
	for i := range r.Options {
		if r.Options[i].ID == id {
			return &r.Options[i], true
		}
	}
	return nil, false
}

// SelectedOption 返回已选择的方案
func (r *RunContext) SelectedOption() (*RemediationOption, bool) {
	if r.Selection == nil {
		return nil, false
	}
	return r.FindOption(r.Selection.OptionID)
}

// Clone 深拷贝运行上下文，存储层借此避免共享可变状态
func (r *RunContext) Clone() *RunContext {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Record != nil {
		rec := r.Record.Clone()
		cp.Record = &rec
	}
	if r.Classification != nil {
		cls := *r.Classification
		if cls.MatchedRules != nil {
			cls.MatchedRules = append([]string(nil), cls.MatchedRules...)
		}
		cp.Classification = &cls
	}
	if r.Options != nil {
		cp.Options = make([]RemediationOption, len(r.Options))
		for i, o := range r.Options {
			cp.Options[i] = o.Clone()
		}
	}
	if r.Selection != nil {
		sel := *r.Selection
		cp.Selection = &sel
	}
	if r.Attempts != nil {
		cp.Attempts = make(map[Step]int, len(r.Attempts))
		for k, v := range r.Attempts {
			cp.Attempts[k] = v
		}
	}
	if r.Failure != nil {
		f := *r.Failure
		cp.Failure = &f
	}
	if r.Dispatch != nil {
		d := *r.Dispatch
		d.Notify.At = cloneTime(d.Notify.At)
		d.Ticket.At = cloneTime(d.Ticket.At)
		cp.Dispatch = &d
	}
	if r.History != nil {
		cp.History = append([]Transition(nil), r.History...)
	}
	cp.AwaitingSince = cloneTime(r.AwaitingSince)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	return &cp
}

// MarshalJSON 在序列化时附带派生出的 status 字段。
// 原始输入不是合法 UTF-8 时另存一份 base64，保证持久化后逐字节还原。
func (r RunContext) MarshalJSON() ([]byte, error) {
	type alias RunContext
	text, encoded := encodeRaw(r.RawInput)
	a := alias(r)
	a.RawInput = text
	return json.Marshal(struct {
		alias
		RawInputBase64 string    `json:"raw_input_base64,omitempty"`
		Status         RunStatus `json:"status"`
	}{alias: a, RawInputBase64: encoded, Status: r.State.Status()})
}

// UnmarshalJSON 优先使用 raw_input_base64 还原原始输入
func (r *RunContext) UnmarshalJSON(data []byte) error {
	type Alias RunContext
	aux := struct {
		*Alias
		RawInputBase64 string `json:"raw_input_base64,omitempty"`
	}{Alias: (*Alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	raw, err := decodeRaw(r.RawInput, aux.RawInputBase64)
	if err != nil {
		return err
	}
	r.RawInput = raw
	return nil
}

// ==================== 存储接口 ====================

// RunFilter 运行列表查询条件
type RunFilter struct {
	// State 为空表示不过滤
	State RunState
	// AwaitingBefore 仅返回在该时间之前进入等待选择的运行
	AwaitingBefore *time.Time
	Offset         int
	Limit          int
}

// RunRepository 持久化运行上下文，使状态机可在进程重启后恢复
type RunRepository interface {
	CreateRun(ctx context.Context, run *RunContext) error
	GetRun(ctx context.Context, id string) (*RunContext, error)
	UpdateRun(ctx context.Context, run *RunContext) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunContext, int, error)
	// ListResumableRuns 返回非终态的运行
	ListResumableRuns(ctx context.Context, limit int) ([]*RunContext, error)
}

// RunLocker 为同一运行的事件提供跨进程互斥（可选）
type RunLocker interface {
	LockRun(ctx context.Context, id string, ttl time.Duration) (unlock func(), err error)
}

// ==================== 事件 ====================

// RunEvent 运行状态迁移事件，推送给事件总线与实时订阅者
type RunEvent struct {
	RunID       string      `json:"run_id"`
	ParentRunID string      `json:"parent_run_id,omitempty"`
	From        RunState    `json:"from"`
	To          RunState    `json:"to"`
	Event       string      `json:"event"`
	Category    Category    `json:"category,omitempty"`
	Reason      FailureCode `json:"reason,omitempty"`
	At          time.Time   `json:"at"`
}
