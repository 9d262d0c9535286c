package domain

import "errors"

// 领域错误定义
// 这些错误用于在提取、分类、处置、编排和存储各层之间传递业务错误。

var (
	// ========== 提取与分类 ==========

	// ErrExtractionDegraded 表示日志未能提取出任何结构化字段（非致命，运行继续）
	ErrExtractionDegraded = errors.New("extraction degraded")
	// ErrInvalidRule 表示分类规则定义不合法（ID 重复、置信度越界等）
	ErrInvalidRule = errors.New("invalid classification rule")

	// ========== 处置方案 ==========

	// ErrCategoryNotConfigured 表示分类没有对应的处置方案表项，属于启动期完整性错误
	ErrCategoryNotConfigured = errors.New("category not configured")

	// ========== 运行编排 ==========

	// ErrRunNotFound 表示请求的运行不存在
	ErrRunNotFound = errors.New("run not found")
	// ErrRunExists 表示运行 ID 冲突
	ErrRunExists = errors.New("run already exists")
	// ErrRunTerminal 表示运行已进入终态，不可再变更
	ErrRunTerminal = errors.New("run is in a terminal state")
	// ErrIllegalTransition 表示当前状态未定义该事件
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrInvalidSelection 表示所选方案 ID 不在当前方案列表中
	ErrInvalidSelection = errors.New("invalid selection")
	// ErrMaxRetriesExceeded 表示步骤重试次数耗尽
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrEmptyInput 表示启动运行时未提供日志文本
	ErrEmptyInput = errors.New("log text is required")
	// ErrNothingToRetry 表示运行没有可重试的失败子动作
	ErrNothingToRetry = errors.New("run has no failed sub-action to retry")
	// ErrQueueFull 表示分发队列已满
	ErrQueueFull = errors.New("dispatch queue full")

	// ========== 下游分发 ==========

	// ErrDispatchFailure 表示下游动作全部失败
	ErrDispatchFailure = errors.New("dispatch failed")
	// ErrPartialDispatch 表示部分下游动作失败
	ErrPartialDispatch = errors.New("partial dispatch")
	// ErrTransient 标记可重试的暂时性错误（网络错误、HTTP 429/5xx）
	ErrTransient = errors.New("transient error")
	// ErrNotConfigured 表示下游集成未配置
	ErrNotConfigured = errors.New("integration not configured")

	// ========== 存储 ==========

	// ErrStorageConnection 表示存储连接错误
	ErrStorageConnection = errors.New("storage connection error")
	// ErrLockHeld 表示运行锁被其他实例持有
	ErrLockHeld = errors.New("run lock held by another worker")
)
