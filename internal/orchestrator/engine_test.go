package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/oriys/triage/internal/domain"
	"github.com/oriys/triage/internal/metrics"
	"github.com/oriys/triage/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// fakeDispatcher 记录每次分发请求的动作，结果由 fn 决定
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []domain.ActionRequest
	fn    func(ctx context.Context, actions domain.ActionRequest) domain.DispatchReport
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, _ *domain.RunContext, actions domain.ActionRequest) domain.DispatchReport {
	d.mu.Lock()
	d.calls = append(d.calls, actions)
	d.mu.Unlock()
	if d.fn != nil {
		return d.fn(ctx, actions)
	}
	return succeedAll(actions)
}

func (d *fakeDispatcher) Calls() []domain.ActionRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.ActionRequest(nil), d.calls...)
}

func succeedAll(actions domain.ActionRequest) domain.DispatchReport {
	return domain.DispatchReport{
		Notify: domain.SubActionOutcome{Requested: actions.Notify, Succeeded: actions.Notify},
		Ticket: domain.SubActionOutcome{Requested: actions.CreateTicket, Succeeded: actions.CreateTicket},
	}
}

// recordingPublisher 收集发布的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.RunEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evt *domain.RunEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *evt)
	return nil
}

func (p *recordingPublisher) Events() []domain.RunEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.RunEvent(nil), p.events...)
}

type engineFixture struct {
	engine     *Engine
	store      *storage.MemoryStore
	dispatcher *fakeDispatcher
	publisher  *recordingPublisher
}

func newEngineFixture(t *testing.T, dispatcher *fakeDispatcher) *engineFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := storage.NewMemoryStore()
	pub := &recordingPublisher{}
	seq := 0
	var mu sync.Mutex

	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.DispatchTimeout = 2 * time.Second
	cfg.RecoveryEnabled = false

	e := NewEngine(cfg, store, dispatcher, logger,
		WithPublisher(pub),
		WithMetrics(metrics.NewMetricsWith(prometheus.NewRegistry(), "test")),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("run-%d", seq)
		}),
	)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { e.Stop() })
	return &engineFixture{engine: e, store: store, dispatcher: dispatcher, publisher: pub}
}

// waitForState 轮询直到运行进入期望状态
func waitForState(t *testing.T, e *Engine, id string, want domain.RunState) *domain.RunContext {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		run, err := e.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.State == want {
			return run
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s state = %s, want %s", id, run.State, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngine_StartRunPersistsAndPublishes(t *testing.T) {
	f := newEngineFixture(t, &fakeDispatcher{})
	ctx := context.Background()

	run, err := f.engine.StartRun(ctx, iamLog, "api")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.State != domain.RunStateAwaitingSelection {
		t.Fatalf("state = %s", run.State)
	}

	stored, err := f.store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("stored run: %v", err)
	}
	if stored.State != domain.RunStateAwaitingSelection || len(stored.History) != 4 {
		t.Errorf("stored state = %s history = %d", stored.State, len(stored.History))
	}

	events := f.publisher.Events()
	if len(events) != 4 {
		t.Fatalf("published %d events, want 4", len(events))
	}
	last := events[len(events)-1]
	if last.To != domain.RunStateAwaitingSelection || last.Category != domain.CategoryIAM {
		t.Errorf("last event = %+v", last)
	}
}

func TestEngine_StoredRunKeepsRawBytes(t *testing.T) {
	f := newEngineFixture(t, &fakeDispatcher{})
	ctx := context.Background()
	raw := "2024-01-01 [ERR403] AccessDenied \xff\xfe not authorized"

	run, err := f.engine.StartRun(ctx, raw, "api")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	got, err := f.engine.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.RawInput != raw {
		t.Errorf("raw_input = %q, want %q", got.RawInput, raw)
	}
	if got.Record == nil || got.Record.RawText != raw {
		t.Errorf("record = %+v", got.Record)
	}
}

func TestEngine_SelectDispatchesToCompletion(t *testing.T) {
	f := newEngineFixture(t, &fakeDispatcher{})
	ctx := context.Background()

	run, _ := f.engine.StartRun(ctx, iamLog, "api")
	sel, err := f.engine.Select(ctx, run.ID, run.Options[0].ID, domain.ActionRequest{Notify: true, CreateTicket: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.State != domain.RunStateDispatching {
		t.Errorf("state after select = %s", sel.State)
	}

	done := waitForState(t, f.engine, run.ID, domain.RunStateCompleted)
	if done.Dispatch == nil || !done.Dispatch.AllSucceeded() {
		t.Errorf("dispatch = %+v", done.Dispatch)
	}
	if calls := f.dispatcher.Calls(); len(calls) != 1 {
		t.Errorf("dispatch calls = %d, want 1", len(calls))
	}
}

func TestEngine_InvalidSelection(t *testing.T) {
	f := newEngineFixture(t, &fakeDispatcher{})
	ctx := context.Background()

	run, _ := f.engine.StartRun(ctx, iamLog, "api")
	if _, err := f.engine.Select(ctx, run.ID, "nope", domain.ActionRequest{}); !errors.Is(err, domain.ErrInvalidSelection) {
		t.Fatalf("err = %v, want ErrInvalidSelection", err)
	}
	stored, _ := f.engine.GetRun(ctx, run.ID)
	if stored.State != domain.RunStateAwaitingSelection {
		t.Errorf("state = %s, want unchanged", stored.State)
	}
}

func TestEngine_PartialDispatchThenRetryDispatch(t *testing.T) {
	var mu sync.Mutex
	ticketUp := false
	d := &fakeDispatcher{fn: func(_ context.Context, actions domain.ActionRequest) domain.DispatchReport {
		mu.Lock()
		defer mu.Unlock()
		report := succeedAll(actions)
		if actions.CreateTicket && !ticketUp {
			report.Ticket = domain.SubActionOutcome{Requested: true, Error: "jira unavailable"}
		}
		return report
	}}
	f := newEngineFixture(t, d)
	ctx := context.Background()

	run, _ := f.engine.StartRun(ctx, iamLog, "api")
	f.engine.Select(ctx, run.ID, run.Options[0].ID, domain.ActionRequest{Notify: true, CreateTicket: true})
	failed := waitForState(t, f.engine, run.ID, domain.RunStateFailed)
	if failed.Failure.Code != domain.FailurePartialDispatch {
		t.Fatalf("failure = %+v", failed.Failure)
	}

	mu.Lock()
	ticketUp = true
	mu.Unlock()

	child, err := f.engine.RetryDispatch(ctx, run.ID)
	if err != nil {
		t.Fatalf("RetryDispatch: %v", err)
	}
	if child.ParentRunID != run.ID {
		t.Errorf("ParentRunID = %q", child.ParentRunID)
	}
	waitForState(t, f.engine, child.ID, domain.RunStateCompleted)

	calls := f.dispatcher.Calls()
	if len(calls) != 2 {
		t.Fatalf("dispatch calls = %d, want 2", len(calls))
	}
	if calls[1].Notify || !calls[1].CreateTicket {
		t.Errorf("retry actions = %+v, want ticket only", calls[1])
	}

	// 原运行保持失败终态
	parent, _ := f.engine.GetRun(ctx, run.ID)
	if parent.State != domain.RunStateFailed {
		t.Errorf("parent state = %s", parent.State)
	}
}

func TestEngine_RecoverableDispatchRetries(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	d := &fakeDispatcher{fn: func(_ context.Context, actions domain.ActionRequest) domain.DispatchReport {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return domain.DispatchReport{Notify: domain.SubActionOutcome{Requested: true, Error: "503", Recoverable: true}}
		}
		return succeedAll(actions)
	}}
	f := newEngineFixture(t, d)
	ctx := context.Background()

	run, _ := f.engine.StartRun(ctx, iamLog, "api")
	f.engine.Select(ctx, run.ID, run.Options[0].ID, domain.ActionRequest{Notify: true})

	done := waitForState(t, f.engine, run.ID, domain.RunStateCompleted)
	if done.Attempts[domain.StepDispatch] != 2 {
		t.Errorf("dispatch attempts = %d, want 2", done.Attempts[domain.StepDispatch])
	}
}

func TestEngine_CancelInterruptsDispatch(t *testing.T) {
	started := make(chan struct{})
	interrupted := make(chan domain.RunState, 1)
	var store *storage.MemoryStore
	d := &fakeDispatcher{fn: func(ctx context.Context, actions domain.ActionRequest) domain.DispatchReport {
		close(started)
		<-ctx.Done()
		// 分发被中断时取消终态必须已经落库
		run, err := store.GetRun(context.Background(), "run-1")
		if err == nil {
			interrupted <- run.State
		}
		return domain.DispatchReport{Notify: domain.SubActionOutcome{Requested: true, Error: ctx.Err().Error()}}
	}}
	f := newEngineFixture(t, d)
	store = f.store
	ctx := context.Background()

	run, _ := f.engine.StartRun(ctx, iamLog, "api")
	f.engine.Select(ctx, run.ID, run.Options[0].ID, domain.ActionRequest{Notify: true})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never started")
	}

	cancelled, err := f.engine.Cancel(ctx, run.ID, "operator abort")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Failure.Code != domain.FailureCancelled {
		t.Errorf("failure = %+v", cancelled.Failure)
	}

	select {
	case state := <-interrupted:
		if state != domain.RunStateFailed {
			t.Errorf("state when dispatch was interrupted = %s, want failed", state)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch was not interrupted")
	}

	// 被中断的分发结果（不可恢复的失败）不能覆盖取消终态
	time.Sleep(100 * time.Millisecond)
	final, _ := f.engine.GetRun(ctx, run.ID)
	if final.Failure.Code != domain.FailureCancelled {
		t.Errorf("final failure = %+v, want cancelled", final.Failure)
	}
}

func TestEngine_TerminalRunRejectsEvents(t *testing.T) {
	f := newEngineFixture(t, &fakeDispatcher{})
	ctx := context.Background()

	run, _ := f.engine.StartRun(ctx, iamLog, "api")
	if _, err := f.engine.Decline(ctx, run.ID, ""); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if _, err := f.engine.Cancel(ctx, run.ID, ""); !errors.Is(err, domain.ErrRunTerminal) {
		t.Errorf("cancel err = %v, want ErrRunTerminal", err)
	}
	if _, err := f.engine.RetryDispatch(ctx, run.ID); !errors.Is(err, domain.ErrNothingToRetry) {
		t.Errorf("retry err = %v, want ErrNothingToRetry", err)
	}
	if _, err := f.engine.GetRun(ctx, "missing"); !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("get err = %v, want ErrRunNotFound", err)
	}
}

func TestEngine_ExpireSelections(t *testing.T) {
	f := newEngineFixture(t, &fakeDispatcher{})
	ctx := context.Background()

	stale, _ := f.engine.StartRun(ctx, iamLog, "api")
	cutoff := time.Now().Add(time.Second)

	n, err := f.engine.ExpireSelections(ctx, cutoff, "selection timed out")
	if err != nil {
		t.Fatalf("ExpireSelections: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}
	run, _ := f.engine.GetRun(ctx, stale.ID)
	if run.Failure == nil || run.Failure.Code != domain.FailureCancelled || run.Failure.Message != "selection timed out" {
		t.Errorf("failure = %+v", run.Failure)
	}

	n, _ = f.engine.ExpireSelections(ctx, cutoff, "")
	if n != 0 {
		t.Errorf("second sweep expired %d", n)
	}
}

func TestEngine_RecoverRuns(t *testing.T) {
	f := newEngineFixture(t, &fakeDispatcher{})
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	// 进程在分类前崩溃留下的运行
	interrupted := &domain.RunContext{
		ID:        "stuck-1",
		RawInput:  iamLog,
		State:     domain.RunStateExtracting,
		Attempts:  map[domain.Step]int{domain.StepExtract: 1},
		CreatedAt: old,
		UpdatedAt: old,
	}
	// 刚更新的运行可能仍由其他实例处理，不应恢复
	fresh := &domain.RunContext{
		ID:        "fresh-1",
		RawInput:  iamLog,
		State:     domain.RunStatePending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.store.CreateRun(ctx, interrupted)
	f.store.CreateRun(ctx, fresh)

	f.engine.recoverRuns()

	got, _ := f.engine.GetRun(ctx, "stuck-1")
	if got.State != domain.RunStateAwaitingSelection {
		t.Errorf("recovered state = %s, want awaiting_selection", got.State)
	}
	untouched, _ := f.engine.GetRun(ctx, "fresh-1")
	if untouched.State != domain.RunStatePending {
		t.Errorf("fresh run state = %s, want pending", untouched.State)
	}
}

func TestEngine_Analyze(t *testing.T) {
	f := newEngineFixture(t, &fakeDispatcher{})

	a, err := f.engine.Analyze(context.Background(), "")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.Classification.Category != domain.CategoryUnknown {
		t.Errorf("category = %s", a.Classification.Category)
	}
	runs, total, _ := f.engine.ListRuns(context.Background(), domain.RunFilter{})
	if total != 0 || len(runs) != 0 {
		t.Error("analyze must not create runs")
	}
}
