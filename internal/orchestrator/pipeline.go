package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oriys/triage/internal/classifier"
	"github.com/oriys/triage/internal/domain"
	"github.com/oriys/triage/internal/extractor"
	"github.com/oriys/triage/internal/remediation"
)

// DefaultMaxAttempts 每个步骤默认最多尝试次数
const DefaultMaxAttempts = 2

// Pipeline 在单个 RunContext 上驱动状态机，本身不做任何 I/O。
// 提取器、规则表和方案表只读，多个运行可共享同一个 Pipeline。
type Pipeline struct {
	extractor   *extractor.Extractor
	classifier  *classifier.Classifier
	mapper      *remediation.Mapper
	maxAttempts int
	now         func() time.Time
	observe     StepObserver
}

// StepObserver 每次步骤执行结束后回调，err 为该次执行的错误
type StepObserver func(step domain.Step, elapsed time.Duration, err error)

// NewPipeline 创建流水线，maxAttempts <= 0 时使用默认值
func NewPipeline(ext *extractor.Extractor, cls *classifier.Classifier, mapper *remediation.Mapper, maxAttempts int) *Pipeline {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Pipeline{
		extractor:   ext,
		classifier:  cls,
		mapper:      mapper,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// NewDefaultPipeline 使用内置规则表和方案表创建流水线
func NewDefaultPipeline() *Pipeline {
	return NewPipeline(extractor.New(), classifier.NewDefault(), remediation.NewDefaultMapper(), DefaultMaxAttempts)
}

// SetStepObserver 注册步骤观察者，需在流水线投入使用前调用
func (p *Pipeline) SetStepObserver(fn StepObserver) {
	p.observe = fn
}

// MaxAttempts 返回每个步骤的最大尝试次数
func (p *Pipeline) MaxAttempts() int {
	return p.maxAttempts
}

// Analyze 无状态地执行提取、分类和方案生成
func (p *Pipeline) Analyze(raw string) (*domain.Analysis, error) {
	rec := p.extractor.Extract(raw)
	cls := p.classifier.Classify(rec)
	opts, err := p.mapper.Remediate(cls.Category, rec)
	if err != nil {
		return nil, err
	}
	return &domain.Analysis{Record: rec, Classification: cls, Options: opts}, nil
}

// NewRun 创建处于 Pending 的运行
func (p *Pipeline) NewRun(id, raw, source string) *domain.RunContext {
	now := p.now()
	return &domain.RunContext{
		ID:        id,
		Source:    source,
		RawInput:  raw,
		State:     domain.RunStatePending,
		Attempts:  map[domain.Step]int{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ========== 自动推进 ==========

// Advance 从当前状态自动推进运行，直到进入 AwaitingSelection、Dispatching 或终态。
// 可从任何持久化的前置状态恢复：当前步骤会重新执行。
// 分类与方案生成的错误不会返回给调用方，而是记录为 Failed 的原因。
func (p *Pipeline) Advance(run *domain.RunContext) {
	for !run.IsTerminal() {
		switch run.State {
		case domain.RunStatePending:
			p.fire(run, EventStart, "")
		case domain.RunStateExtracting:
			if !p.runStep(run, domain.StepExtract, p.extract) {
				return
			}
		case domain.RunStateClassifying:
			if !p.runStep(run, domain.StepClassify, p.classify) {
				return
			}
		case domain.RunStateRanking:
			if !p.runStep(run, domain.StepRank, p.rank) {
				return
			}
		default:
			return
		}
	}
}

type stepFunc func(run *domain.RunContext) (ev Event, note string, err error)

// runStep 执行一个步骤并处理重试：包装 domain.ErrTransient 的错误在次数内经 retry 重新进入，
// 耗尽后进入 Failed(MaxRetriesExceeded)；其他错误直接进入 Failed(StepFailed)。返回是否继续推进。
func (p *Pipeline) runStep(run *domain.RunContext, step domain.Step, fn stepFunc) bool {
	for {
		if run.Attempts == nil {
			run.Attempts = map[domain.Step]int{}
		}
		run.Attempts[step]++

		start := time.Now()
		ev, note, err := p.safely(run, fn)
		if p.observe != nil {
			p.observe(step, time.Since(start), err)
		}
		if err == nil {
			p.fire(run, ev, note)
			return true
		}

		if errors.Is(err, domain.ErrCategoryNotConfigured) {
			p.failWith(run, EventFail, domain.FailureCategoryNotConfigured, step, "no remediation configured for category", err)
			return false
		}
		if !errors.Is(err, domain.ErrTransient) {
			p.failWith(run, EventFail, domain.FailureStepFailed, step, fmt.Sprintf("%s failed", step), err)
			return false
		}
		if run.Attempts[step] >= p.maxAttempts {
			p.failWith(run, EventFail, domain.FailureMaxRetriesExceeded, step,
				fmt.Sprintf("%s failed after %d attempts", step, run.Attempts[step]), err)
			return false
		}
		p.fire(run, EventRetry, fmt.Sprintf("retrying %s (attempt %d/%d): %v", step, run.Attempts[step]+1, p.maxAttempts, err))
	}
}

// safely 将步骤中的 panic 转为错误，保证调用方总能观察到合法状态
func (p *Pipeline) safely(run *domain.RunContext, fn stepFunc) (ev Event, note string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return fn(run)
}

func (p *Pipeline) extract(run *domain.RunContext) (Event, string, error) {
	rec := p.extractor.Extract(run.RawInput)
	run.Record = &rec
	if rec.Degraded() {
		return EventExtracted, domain.ErrExtractionDegraded.Error(), nil
	}
	return EventExtracted, "", nil
}

func (p *Pipeline) classify(run *domain.RunContext) (Event, string, error) {
	if run.Record == nil {
		return "", "", errors.New("no extracted record")
	}
	cls := p.classifier.Classify(*run.Record)
	run.Classification = &cls
	return EventClassified, fmt.Sprintf("%s (%.2f)", cls.Category, cls.Confidence), nil
}

func (p *Pipeline) rank(run *domain.RunContext) (Event, string, error) {
	if run.Record == nil || run.Classification == nil {
		return "", "", errors.New("run has no classification")
	}
	opts, err := p.mapper.Remediate(run.Classification.Category, *run.Record)
	if err != nil {
		return "", "", err
	}
	run.Options = opts
	now := p.now()
	run.AwaitingSince = &now
	return EventRanked, fmt.Sprintf("%d options", len(opts)), nil
}

// ========== 外部事件 ==========

// Select 选择方案并进入分发。
// 方案 ID 不在当前列表中时返回 ErrInvalidSelection，状态不变。
func (p *Pipeline) Select(run *domain.RunContext, optionID string, actions domain.ActionRequest) error {
	if err := p.check(run, EventSelect); err != nil {
		return err
	}
	if _, ok := run.FindOption(optionID); !ok {
		return fmt.Errorf("%w: option %q is not in the current result set", domain.ErrInvalidSelection, optionID)
	}

	run.Selection = &domain.Selection{OptionID: optionID, Actions: actions, SelectedAt: p.now()}
	run.AwaitingSince = nil
	p.fire(run, EventSelect, optionID)
	return nil
}

// Decline 拒绝全部方案，运行直接完成且不执行任何动作
func (p *Pipeline) Decline(run *domain.RunContext, note string) error {
	if err := p.check(run, EventDecline); err != nil {
		return err
	}
	run.Declined = true
	run.AwaitingSince = nil
	p.fire(run, EventDecline, note)
	return nil
}

// Cancel 放弃运行，进入 Failed(Cancelled)
func (p *Pipeline) Cancel(run *domain.RunContext, reason string) error {
	if err := p.check(run, EventCancel); err != nil {
		return err
	}
	step, _ := run.State.Step()
	if reason == "" {
		reason = "run cancelled"
	}
	run.AwaitingSince = nil
	p.failWith(run, EventCancel, domain.FailureCancelled, step, reason, nil)
	return nil
}

// ApplyDispatch 根据一次分发的结果推进运行。
//
// 全部成功（包括未请求任何动作）→ Completed；部分成功 → Failed(PartialDispatch)；
// 全部失败且均可恢复、尚有次数 → retry 并返回 true，调用方应再次分发；
// 否则 → Failed(MaxRetriesExceeded) 或 Failed(DispatchFailure)。
func (p *Pipeline) ApplyDispatch(run *domain.RunContext, report domain.DispatchReport) (again bool, err error) {
	if err := p.check(run, EventDispatchSucceeded); err != nil {
		return false, err
	}
	if run.Attempts == nil {
		run.Attempts = map[domain.Step]int{}
	}
	run.Attempts[domain.StepDispatch]++
	attempt := run.Attempts[domain.StepDispatch]
	run.Dispatch = &report

	switch {
	case report.AllSucceeded():
		p.fire(run, EventDispatchSucceeded, describeReport(report))
		return false, nil

	case report.AnySucceeded():
		p.failWith(run, EventDispatchPartial, domain.FailurePartialDispatch, domain.StepDispatch,
			describeReport(report), errors.New(report.LastError()))
		return false, nil

	case report.Recoverable() && attempt < p.maxAttempts:
		p.fire(run, EventRetry, fmt.Sprintf("retrying dispatch (attempt %d/%d): %s", attempt+1, p.maxAttempts, report.LastError()))
		return true, nil

	case report.Recoverable():
		p.failWith(run, EventDispatchFailed, domain.FailureMaxRetriesExceeded, domain.StepDispatch,
			fmt.Sprintf("dispatch failed after %d attempts", attempt), errors.New(report.LastError()))
		return false, nil

	default:
		p.failWith(run, EventDispatchFailed, domain.FailureDispatchFailure, domain.StepDispatch,
			describeReport(report), errors.New(report.LastError()))
		return false, nil
	}
}

// Derive 由分发失败的运行派生新运行，只请求失败的子动作。
// 新运行复用原运行的记录、分类、方案和选择，直接进入 Dispatching。
func (p *Pipeline) Derive(parent *domain.RunContext, id string) (*domain.RunContext, error) {
	if parent.State != domain.RunStateFailed || parent.Failure == nil || parent.Failure.Step != domain.StepDispatch {
		return nil, fmt.Errorf("%w: run %s did not fail during dispatch", domain.ErrNothingToRetry, parent.ID)
	}
	if parent.Failure.Code == domain.FailureCancelled {
		return nil, fmt.Errorf("%w: run %s was cancelled", domain.ErrNothingToRetry, parent.ID)
	}
	if parent.Selection == nil || parent.Dispatch == nil {
		return nil, fmt.Errorf("%w: run %s has no dispatch report", domain.ErrNothingToRetry, parent.ID)
	}
	actions := parent.Dispatch.FailedActions(parent.Selection.Actions.ChannelHint)
	if actions.Empty() {
		return nil, fmt.Errorf("%w: run %s", domain.ErrNothingToRetry, parent.ID)
	}

	src := parent.Clone()
	child := p.NewRun(id, src.RawInput, src.Source)
	child.ParentRunID = parent.ID
	child.Record = src.Record
	child.Classification = src.Classification
	child.Options = src.Options
	child.Selection = &domain.Selection{OptionID: src.Selection.OptionID, Actions: actions, SelectedAt: p.now()}
	p.fire(child, EventRedispatch, "derived from "+parent.ID)
	return child, nil
}

// ========== 内部辅助 ==========

// check 校验事件在当前状态上是否有定义
func (p *Pipeline) check(run *domain.RunContext, ev Event) error {
	_, err := Next(run.State, ev)
	return err
}

// fire 执行一次迁移并写入历史。事件未定义时 panic：调用前已由 check 或步骤逻辑保证合法。
func (p *Pipeline) fire(run *domain.RunContext, ev Event, note string) {
	to, err := Next(run.State, ev)
	if err != nil {
		panic(err)
	}
	now := p.now()
	run.History = append(run.History, domain.Transition{
		From:  run.State,
		To:    to,
		Event: string(ev),
		Note:  note,
		At:    now,
	})
	run.State = to
	run.UpdatedAt = now
	if to.IsTerminal() {
		run.CompletedAt = &now
	}
}

func (p *Pipeline) failWith(run *domain.RunContext, ev Event, code domain.FailureCode, step domain.Step, msg string, cause error) {
	f := &domain.Failure{Code: code, Step: step, Message: msg}
	if cause != nil {
		f.Cause = cause.Error()
	}
	run.Failure = f
	p.fire(run, ev, string(code))
}

// describeReport 生成 "notify=succeeded ticket=failed" 形式的摘要
func describeReport(r domain.DispatchReport) string {
	var parts []string
	for _, item := range []struct {
		name    string
		outcome domain.SubActionOutcome
	}{
		{string(domain.SubActionNotify), r.Notify},
		{string(domain.SubActionTicket), r.Ticket},
	} {
		switch {
		case !item.outcome.Requested:
			continue
		case item.outcome.Succeeded:
			parts = append(parts, item.name+"=succeeded")
		default:
			parts = append(parts, item.name+"=failed")
		}
	}
	if len(parts) == 0 {
		return "no actions requested"
	}
	return strings.Join(parts, " ")
}
