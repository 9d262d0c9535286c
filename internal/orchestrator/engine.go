package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/triage/internal/domain"
	"github.com/oriys/triage/internal/metrics"
	"github.com/oriys/triage/internal/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Dispatcher 执行选中方案的下游动作（通知、工单），结果逐个子动作汇总
type Dispatcher interface {
	Dispatch(ctx context.Context, run *domain.RunContext, actions domain.ActionRequest) domain.DispatchReport
}

// Publisher 发布运行状态迁移事件
type Publisher interface {
	Publish(ctx context.Context, evt *domain.RunEvent) error
}

// Config 引擎配置
type Config struct {
	// Workers 分发工作线程数
	Workers int
	// QueueSize 分发队列大小
	QueueSize int
	// MaxAttempts 每个步骤最多尝试次数
	MaxAttempts int
	// RetryBackoff 分发重试前的等待时间
	RetryBackoff time.Duration
	// DispatchTimeout 单次分发的超时时间
	DispatchTimeout time.Duration
	// LockTTL 分布式运行锁的过期时间
	LockTTL time.Duration
	// RecoveryEnabled 是否启用运行恢复
	RecoveryEnabled bool
	// RecoveryInterval 恢复检查间隔
	RecoveryInterval time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		QueueSize:        256,
		MaxAttempts:      DefaultMaxAttempts,
		RetryBackoff:     2 * time.Second,
		DispatchTimeout:  30 * time.Second,
		LockTTL:          time.Minute,
		RecoveryEnabled:  true,
		RecoveryInterval: 30 * time.Second,
	}
}

// Option 引擎可选项
type Option func(*Engine)

// WithPublisher 设置事件发布器
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLocker 设置跨进程运行锁
func WithLocker(l domain.RunLocker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithPipeline 替换默认流水线
func WithPipeline(p *Pipeline) Option {
	return func(e *Engine) { e.pipeline = p }
}

// WithIDGenerator 替换运行 ID 生成器
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// keyedLock 进程内按运行 ID 的互斥锁，引用计数归零后回收
type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// errStaleDispatch 分发结果返回时运行已不在 Dispatching（例如被取消）
var errStaleDispatch = errors.New("run left dispatching state")

// Engine 分诊运行引擎。
// 同一运行的事件通过运行锁串行处理；下游分发在有界工作池中执行，
// 网络调用期间不持有运行锁，取消可随时中断在途请求。
type Engine struct {
	config     Config
	pipeline   *Pipeline
	repo       domain.RunRepository
	dispatcher Dispatcher
	publisher  Publisher
	locker     domain.RunLocker
	metrics    *metrics.Metrics
	logger     *logrus.Logger
	newID      func() string

	queue  chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	locks    map[string]*keyedLock
	inflight map[string]context.CancelFunc
	queued   map[string]bool
}

// NewEngine 创建引擎实例
func NewEngine(config Config, repo domain.RunRepository, dispatcher Dispatcher, logger *logrus.Logger, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = defaults.DispatchTimeout
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}

	e := &Engine{
		config:     config,
		repo:       repo,
		dispatcher: dispatcher,
		logger:     logger,
		newID:      func() string { return uuid.New().String() },
		queue:      make(chan string, config.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		locks:      make(map[string]*keyedLock),
		inflight:   make(map[string]context.CancelFunc),
		queued:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pipeline == nil {
		e.pipeline = NewDefaultPipeline()
		e.pipeline.maxAttempts = config.MaxAttempts
	}
	e.pipeline.SetStepObserver(func(step domain.Step, elapsed time.Duration, err error) {
		e.metrics.RecordStep(string(step), float64(elapsed.Microseconds())/1000, err != nil)
	})
	return e
}

// Start 启动分发工作池与恢复循环
func (e *Engine) Start() error {
	e.logger.WithField("workers", e.config.Workers).Info("Starting triage engine")

	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	if e.config.RecoveryEnabled {
		e.wg.Add(1)
		go e.recoveryLoop()
	}

	e.logger.Info("Triage engine started")
	return nil
}

// Stop 停止引擎，最多等待 30 秒
func (e *Engine) Stop() error {
	e.logger.Info("Stopping triage engine")
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Triage engine stopped")
	case <-time.After(30 * time.Second):
		e.logger.Warn("Triage engine stop timeout, some workers may still be running")
	}
	return nil
}

// ========== 运行操作 ==========

// Analyze 无状态分析，不创建运行
func (e *Engine) Analyze(ctx context.Context, raw string) (*domain.Analysis, error) {
	_, span := telemetry.StartSpan(ctx, "triage.analyze")
	a, err := e.pipeline.Analyze(raw)
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordClassification(string(a.Classification.Category), a.Classification.Confidence)
	return a, nil
}

// StartRun 创建运行并自动推进到 AwaitingSelection（或失败终态）
func (e *Engine) StartRun(ctx context.Context, raw, source string) (*domain.RunContext, error) {
	id := e.newID()
	ctx, span := telemetry.StartRunSpan(ctx, id, "start", attribute.String("run.source", source))

	run := e.pipeline.NewRun(id, raw, source)
	if err := e.repo.CreateRun(ctx, run); err != nil {
		telemetry.EndSpan(span, err)
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	e.metrics.RecordRunStarted(source)

	run, err := e.mutate(ctx, id, func(r *domain.RunContext) error {
		e.pipeline.Advance(r)
		return nil
	})
	if err == nil && run.Classification != nil {
		span.SetAttributes(
			attribute.String("run.category", string(run.Classification.Category)),
			attribute.Float64("run.confidence", run.Classification.Confidence),
		)
	}
	telemetry.EndSpan(span, err)
	return run, err
}

// GetRun 获取运行
func (e *Engine) GetRun(ctx context.Context, id string) (*domain.RunContext, error) {
	return e.repo.GetRun(ctx, id)
}

// ListRuns 按条件列出运行
func (e *Engine) ListRuns(ctx context.Context, filter domain.RunFilter) ([]*domain.RunContext, int, error) {
	return e.repo.ListRuns(ctx, filter)
}

// Select 选择方案并排入分发队列。
// 队列已满时运行仍保持 Dispatching，由恢复循环稍后处理。
func (e *Engine) Select(ctx context.Context, id, optionID string, actions domain.ActionRequest) (*domain.RunContext, error) {
	ctx, span := telemetry.StartRunSpan(ctx, id, "select", attribute.String("run.option_id", optionID))
	run, err := e.mutate(ctx, id, func(r *domain.RunContext) error {
		return e.pipeline.Select(r, optionID, actions)
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	e.enqueue(run.ID)
	return run, nil
}

// Decline 拒绝全部方案
func (e *Engine) Decline(ctx context.Context, id, note string) (*domain.RunContext, error) {
	ctx, span := telemetry.StartRunSpan(ctx, id, "decline")
	run, err := e.mutate(ctx, id, func(r *domain.RunContext) error {
		return e.pipeline.Decline(r, note)
	})
	telemetry.EndSpan(span, err)
	return run, err
}

// Cancel 放弃运行，并中断在途的下游调用。
// 取消终态先在运行锁内落库，之后才中断分发，被中断的结果只会被丢弃。
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*domain.RunContext, error) {
	ctx, span := telemetry.StartRunSpan(ctx, id, "cancel")
	run, err := e.mutate(ctx, id, func(r *domain.RunContext) error {
		return e.pipeline.Cancel(r, reason)
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if stop, ok := e.inflight[id]; ok {
		stop()
	}
	e.mu.Unlock()
	return run, nil
}

// RetryDispatch 由分发失败的运行派生新运行，只重试失败的子动作
func (e *Engine) RetryDispatch(ctx context.Context, id string) (*domain.RunContext, error) {
	ctx, span := telemetry.StartRunSpan(ctx, id, "retry_dispatch")

	parent, err := e.repo.GetRun(ctx, id)
	if err != nil {
		telemetry.EndSpan(span, err)
		return nil, err
	}
	child, err := e.pipeline.Derive(parent, e.newID())
	if err != nil {
		telemetry.EndSpan(span, err)
		return nil, err
	}
	if err := e.repo.CreateRun(ctx, child); err != nil {
		telemetry.EndSpan(span, err)
		return nil, fmt.Errorf("failed to create derived run: %w", err)
	}
	span.SetAttributes(attribute.String("run.child_id", child.ID))
	telemetry.EndSpan(span, nil)

	e.metrics.RecordRunStarted("retry")
	e.emit(ctx, child, child.History)
	e.enqueue(child.ID)
	return child, nil
}

// ExpireSelections 取消在 before 之前进入等待选择的运行，返回取消数量
func (e *Engine) ExpireSelections(ctx context.Context, before time.Time, reason string) (int, error) {
	runs, _, err := e.repo.ListRuns(ctx, domain.RunFilter{
		State:          domain.RunStateAwaitingSelection,
		AwaitingBefore: &before,
		Limit:          100,
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, r := range runs {
		if _, err := e.Cancel(ctx, r.ID, reason); err != nil {
			// 并发选择可能已先行推进该运行
			if !errors.Is(err, domain.ErrIllegalTransition) && !errors.Is(err, domain.ErrRunTerminal) {
				e.logger.WithError(err).WithField("run_id", r.ID).Warn("Failed to expire run")
			}
			continue
		}
		expired++
	}
	return expired, nil
}

// ========== 运行锁与持久化 ==========

// lock 获取运行锁：先进程内互斥，再（若配置）跨进程锁
func (e *Engine) lock(ctx context.Context, id string) (func(), error) {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &keyedLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()

	release := func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.mu.Unlock()
	}

	if e.locker == nil {
		return release, nil
	}
	unlockRemote, err := e.locker.LockRun(ctx, id, e.config.LockTTL)
	if err != nil {
		release()
		return nil, err
	}
	return func() {
		unlockRemote()
		release()
	}, nil
}

// mutate 在运行锁内加载、修改并保存运行，随后发布新增的状态迁移。
// fn 返回错误时不保存任何修改。
func (e *Engine) mutate(ctx context.Context, id string, fn func(r *domain.RunContext) error) (*domain.RunContext, error) {
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	run, err := e.repo.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	before := len(run.History)
	if err := fn(run); err != nil {
		return nil, err
	}
	if len(run.History) == before {
		return run, nil
	}

	if err := e.repo.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist run %s: %w", id, err)
	}
	e.emit(ctx, run, run.History[before:])
	return run, nil
}

// emit 记录指标、日志并发布状态迁移事件。发布失败只记录日志。
func (e *Engine) emit(ctx context.Context, run *domain.RunContext, transitions []domain.Transition) {
	for _, tr := range transitions {
		var reason domain.FailureCode
		if tr.To == domain.RunStateFailed && run.Failure != nil {
			reason = run.Failure.Code
		}
		e.metrics.RecordTransition(string(tr.From), string(tr.To), tr.Event, tr.To.IsTerminal(), string(reason))
		if tr.Event == string(EventClassified) && run.Classification != nil {
			e.metrics.RecordClassification(string(run.Classification.Category), run.Classification.Confidence)
		}

		log := e.logger.WithContext(ctx).WithFields(logrus.Fields{
			"run_id": run.ID,
			"from":   tr.From,
			"to":     tr.To,
			"event":  tr.Event,
		})
		if tr.Note != "" {
			log = log.WithField("note", tr.Note)
		}
		if reason != "" {
			log.WithField("reason", reason).Warn("Run failed")
		} else {
			log.Info("Run transition")
		}

		if e.publisher == nil {
			continue
		}
		evt := &domain.RunEvent{
			RunID:       run.ID,
			ParentRunID: run.ParentRunID,
			From:        tr.From,
			To:          tr.To,
			Event:       tr.Event,
			Reason:      reason,
			At:          tr.At,
		}
		if run.Classification != nil {
			evt.Category = run.Classification.Category
		}
		if err := e.publisher.Publish(ctx, evt); err != nil {
			e.logger.WithError(err).WithField("run_id", run.ID).Warn("Failed to publish run event")
		}
	}
}

// ========== 分发工作池 ==========

// enqueue 将运行排入分发队列，已排队或正在分发的运行会被忽略
func (e *Engine) enqueue(id string) bool {
	e.mu.Lock()
	if e.queued[id] || e.inflight[id] != nil {
		e.mu.Unlock()
		return true
	}
	e.queued[id] = true
	e.mu.Unlock()

	select {
	case e.queue <- id:
		e.metrics.SetDispatchQueueSize(len(e.queue))
		return true
	default:
		e.mu.Lock()
		delete(e.queued, id)
		e.mu.Unlock()
		e.logger.WithField("run_id", id).Warn("Dispatch queue full, run left for recovery")
		return false
	}
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()

	log := e.logger.WithField("worker_id", id)
	log.Debug("Dispatch worker started")

	for {
		select {
		case <-e.ctx.Done():
			log.Debug("Dispatch worker stopped")
			return
		case runID := <-e.queue:
			e.mu.Lock()
			delete(e.queued, runID)
			e.mu.Unlock()
			e.metrics.SetDispatchQueueSize(len(e.queue))
			e.dispatchRun(runID)
		}
	}
}

// dispatchRun 执行分发，可恢复的全部失败在退避后重试
func (e *Engine) dispatchRun(runID string) {
	for {
		again, err := e.dispatchOnce(runID)
		if err != nil {
			e.logger.WithError(err).WithField("run_id", runID).Error("Dispatch failed")
			return
		}
		if !again {
			return
		}
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(e.config.RetryBackoff):
		}
	}
}

func (e *Engine) dispatchOnce(runID string) (bool, error) {
	run, err := e.repo.GetRun(e.ctx, runID)
	if err != nil {
		return false, err
	}
	if run.State != domain.RunStateDispatching {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.config.DispatchTimeout)
	e.mu.Lock()
	if e.inflight[runID] != nil {
		e.mu.Unlock()
		cancel()
		return false, nil
	}
	e.inflight[runID] = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, runID)
		e.mu.Unlock()
		cancel()
	}()

	var actions domain.ActionRequest
	if run.Selection != nil {
		actions = run.Selection.Actions
	}

	spanCtx, span := telemetry.StartRunSpan(ctx, runID, "dispatch",
		attribute.Bool("dispatch.notify", actions.Notify),
		attribute.Bool("dispatch.ticket", actions.CreateTicket),
	)
	start := time.Now()
	report := e.dispatcher.Dispatch(spanCtx, run, actions)
	e.metrics.RecordStep(string(domain.StepDispatch), float64(time.Since(start).Microseconds())/1000, !report.AllSucceeded())
	if report.Notify.Requested {
		e.metrics.RecordDispatch(string(domain.SubActionNotify), report.Notify.Succeeded)
	}
	if report.Ticket.Requested {
		e.metrics.RecordDispatch(string(domain.SubActionTicket), report.Ticket.Succeeded)
	}

	var again bool
	_, err = e.mutate(e.ctx, runID, func(r *domain.RunContext) error {
		if r.State != domain.RunStateDispatching {
			return errStaleDispatch
		}
		var applyErr error
		again, applyErr = e.pipeline.ApplyDispatch(r, report)
		return applyErr
	})
	if errors.Is(err, errStaleDispatch) {
		telemetry.EndSpan(span, nil)
		e.logger.WithField("run_id", runID).Info("Discarding dispatch result, run is no longer dispatching")
		return false, nil
	}
	telemetry.EndSpan(span, err)
	return again, err
}

// ========== 恢复 ==========

func (e *Engine) recoveryLoop() {
	defer e.wg.Done()

	interval := e.config.RecoveryInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// 启动时立即检查一次
	e.recoverRuns()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.recoverRuns()
		}
	}
}

// recoverRuns 恢复持久化的非终态运行：
// 前置步骤中的运行重新推进，Dispatching 中的运行重新排队。
// 仅处理超过分发超时未更新的运行，避免与正在处理它的实例竞争。
func (e *Engine) recoverRuns() {
	runs, err := e.repo.ListResumableRuns(e.ctx, 100)
	if err != nil {
		e.logger.WithError(err).Error("Failed to list resumable runs for recovery")
		return
	}

	staleBefore := time.Now().Add(-e.config.DispatchTimeout)
	for _, run := range runs {
		if run.UpdatedAt.After(staleBefore) {
			continue
		}

		switch run.State {
		case domain.RunStatePending, domain.RunStateExtracting, domain.RunStateClassifying, domain.RunStateRanking:
			e.logger.WithFields(logrus.Fields{"run_id": run.ID, "state": run.State}).Info("Recovering run")
			if _, err := e.mutate(e.ctx, run.ID, func(r *domain.RunContext) error {
				e.pipeline.Advance(r)
				return nil
			}); err != nil {
				e.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to recover run")
			}
		case domain.RunStateDispatching:
			e.logger.WithField("run_id", run.ID).Info("Recovering dispatch")
			e.enqueue(run.ID)
		}
	}
}
