// Package orchestrator 实现分诊运行的状态机与执行引擎。
//
// 状态机是一张显式的 (状态, 事件) → 下一状态 迁移表：
//
//	Pending → Extracting → Classifying → Ranking → AwaitingSelection → Dispatching → Completed
//
// 任一非终态都可经 fail/cancel 进入 Failed；处理步骤可经 retry 重新进入自身。
// 当前状态未定义的事件返回 ErrIllegalTransition，不会被静默丢弃。
package orchestrator

import (
	"fmt"
	"sort"

	"github.com/oriys/triage/internal/domain"
)

// Event 触发状态迁移的事件
type Event string

const (
	EventStart             Event = "start"
	EventExtracted         Event = "extracted"
	EventClassified        Event = "classified"
	EventRanked            Event = "ranked"
	EventSelect            Event = "select"
	EventDecline           Event = "decline"
	EventDispatchSucceeded Event = "dispatch_succeeded"
	EventDispatchPartial   Event = "dispatch_partial"
	EventDispatchFailed    Event = "dispatch_failed"
	// EventRetry 可恢复的失败且尚有重试次数，重新进入当前步骤
	EventRetry Event = "retry"
	// EventRedispatch 由失败运行派生的新运行直接进入分发
	EventRedispatch Event = "redispatch"
	EventFail       Event = "fail"
	EventCancel     Event = "cancel"
)

// transitions 迁移表。终态没有任何出边。
var transitions = map[domain.RunState]map[Event]domain.RunState{
	domain.RunStatePending: {
		EventStart:      domain.RunStateExtracting,
		EventRedispatch: domain.RunStateDispatching,
		EventFail:       domain.RunStateFailed,
		EventCancel:     domain.RunStateFailed,
	},
	domain.RunStateExtracting: {
		EventExtracted: domain.RunStateClassifying,
		EventRetry:     domain.RunStateExtracting,
		EventFail:      domain.RunStateFailed,
		EventCancel:    domain.RunStateFailed,
	},
	domain.RunStateClassifying: {
		EventClassified: domain.RunStateRanking,
		EventRetry:      domain.RunStateClassifying,
		EventFail:       domain.RunStateFailed,
		EventCancel:     domain.RunStateFailed,
	},
	domain.RunStateRanking: {
		EventRanked: domain.RunStateAwaitingSelection,
		EventRetry:  domain.RunStateRanking,
		EventFail:   domain.RunStateFailed,
		EventCancel: domain.RunStateFailed,
	},
	domain.RunStateAwaitingSelection: {
		EventSelect:  domain.RunStateDispatching,
		EventDecline: domain.RunStateCompleted,
		EventFail:    domain.RunStateFailed,
		EventCancel:  domain.RunStateFailed,
	},
	domain.RunStateDispatching: {
		EventDispatchSucceeded: domain.RunStateCompleted,
		EventDispatchPartial:   domain.RunStateFailed,
		EventDispatchFailed:    domain.RunStateFailed,
		EventRetry:             domain.RunStateDispatching,
		EventFail:              domain.RunStateFailed,
		EventCancel:            domain.RunStateFailed,
	},
	domain.RunStateCompleted: {},
	domain.RunStateFailed:    {},
}

// Next 查表得出下一状态
func Next(from domain.RunState, ev Event) (domain.RunState, error) {
	edges, ok := transitions[from]
	if !ok {
		return "", fmt.Errorf("%w: unknown state %q", domain.ErrIllegalTransition, from)
	}
	to, ok := edges[ev]
	if !ok {
		if from.IsTerminal() {
			return "", fmt.Errorf("%w: %s is terminal", domain.ErrRunTerminal, from)
		}
		return "", fmt.Errorf("%w: %s on %s", domain.ErrIllegalTransition, ev, from)
	}
	return to, nil
}

// Events 返回状态上定义的全部事件，按名称排序
func Events(from domain.RunState) []Event {
	edges := transitions[from]
	out := make([]Event, 0, len(edges))
	for ev := range edges {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
