package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oriys/triage/internal/auth"
	"github.com/oriys/triage/internal/config"
	"github.com/oriys/triage/internal/domain"
	"github.com/oriys/triage/internal/events"
	"github.com/oriys/triage/internal/metrics"
	"github.com/oriys/triage/internal/orchestrator"
	"github.com/oriys/triage/internal/remediation"
	"github.com/oriys/triage/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const iamLog = "2024-01-01 [ERR403] AccessDenied: user arn:aws:iam::123456789012:user/dev not authorized"

// stubDispatcher 通知成功，工单失败由 failTicket 控制
type stubDispatcher struct {
	mu         sync.Mutex
	failTicket bool
}

func (d *stubDispatcher) Dispatch(_ context.Context, _ *domain.RunContext, actions domain.ActionRequest) domain.DispatchReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	report := domain.DispatchReport{
		Notify: domain.SubActionOutcome{Requested: actions.Notify, Succeeded: actions.Notify, Reference: "#ops"},
		Ticket: domain.SubActionOutcome{Requested: actions.CreateTicket, Succeeded: actions.CreateTicket, Reference: "OPS-1"},
	}
	if actions.CreateTicket && d.failTicket {
		report.Ticket = domain.SubActionOutcome{Requested: true, Error: "jira unavailable"}
	}
	return report
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testServer struct {
	*httptest.Server
	engine     *orchestrator.Engine
	dispatcher *stubDispatcher
	handler    *Handler
}

func newTestServer(t *testing.T, authn *auth.Middleware) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	broadcaster := events.NewBroadcaster()
	dispatcher := &stubDispatcher{}
	m := metrics.NewMetricsWith(prometheus.NewRegistry(), "test")

	cfg := orchestrator.DefaultConfig()
	cfg.Workers = 1
	cfg.RecoveryEnabled = false
	cfg.RetryBackoff = 10 * time.Millisecond
	engine := orchestrator.NewEngine(cfg, storage.NewMemoryStore(), dispatcher, logger,
		orchestrator.WithPublisher(broadcaster),
		orchestrator.WithMetrics(m),
	)
	if err := engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { engine.Stop() })

	h := NewHandler(engine, remediation.NewDefaultMapper(), logger)
	router := NewRouter(&RouterConfig{
		Handler:        h,
		WatchHandler:   NewWatchHandler(engine, broadcaster, logger),
		AuthHandler:    NewAuthHandler(auth.NewJWTManager("secret", time.Hour)),
		Auth:           authn,
		Metrics:        m,
		MetricsHandler: http.NotFoundHandler(),
		Logger:         logger,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, engine: engine, dispatcher: dispatcher, handler: h}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func decodeRun(t *testing.T, data []byte) *domain.RunContext {
	t.Helper()
	var run domain.RunContext
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("decode run: %v\n%s", err, data)
	}
	return &run
}

func (s *testServer) createRun(t *testing.T, log string) *domain.RunContext {
	t.Helper()
	resp, data := s.do(t, http.MethodPost, "/api/v1/runs", map[string]string{"log": log})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create run status = %d: %s", resp.StatusCode, data)
	}
	return decodeRun(t, data)
}

func (s *testServer) waitForState(t *testing.T, id string, want domain.RunState) *domain.RunContext {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		run, err := s.engine.GetRun(context.Background(), id)
		if err == nil && run.State == want {
			return run
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s did not reach %s", id, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		resp, _ := s.do(t, http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}

	s.handler.AddReadinessCheck("storage", failingPinger{})
	resp, data := s.do(t, http.MethodGet, "/health/ready", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(data), "connection refused") {
		t.Errorf("ready with failing check = %d %s", resp.StatusCode, data)
	}
}

func TestAnalyze(t *testing.T) {
	s := newTestServer(t, nil)

	resp, data := s.do(t, http.MethodPost, "/api/v1/analyze", map[string]string{"log": iamLog})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var a domain.Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatal(err)
	}
	if a.Classification.Category != domain.CategoryIAM || a.Classification.Confidence < 0.8 {
		t.Errorf("classification = %+v", a.Classification)
	}
	if len(a.Options) == 0 || a.Options[0].Rank != 1 {
		t.Errorf("options = %+v", a.Options)
	}

	// 分析不创建运行
	_, data = s.do(t, http.MethodGet, "/api/v1/runs", nil)
	var list RunListResponse
	json.Unmarshal(data, &list)
	if list.Total != 0 {
		t.Errorf("analyze created %d runs", list.Total)
	}
}

// uploadLog 以 multipart 方式上传日志文件
func (s *testServer) uploadLog(t *testing.T, field, filename string, content []byte) (*http.Response, []byte) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write(content)
	mw.Close()

	resp, err := http.Post(s.URL+"/api/v1/analyze/file", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestAnalyzeFile(t *testing.T) {
	s := newTestServer(t, nil)

	content := []byte("2024-01-01 ERROR Task timed out after 30.00 seconds lambda \xff\n")
	resp, data := s.uploadLog(t, "file", "app.log", content)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var a domain.Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatal(err)
	}
	if a.Classification.Category != domain.CategoryTimeout {
		t.Errorf("category = %s", a.Classification.Category)
	}
	if a.Record.RawText != string(content) {
		t.Errorf("raw text = %q, want %q", a.Record.RawText, content)
	}
	if len(a.Options) == 0 {
		t.Error("no options")
	}

	// 空文件同样是合法输入
	resp, data = s.uploadLog(t, "file", "empty.log", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("empty file status = %d: %s", resp.StatusCode, data)
	}
	json.Unmarshal(data, &a)
	if a.Classification.Category != domain.CategoryUnknown {
		t.Errorf("empty file category = %s", a.Classification.Category)
	}

	resp, _ = s.uploadLog(t, "content", "app.log", content)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("wrong field status = %d, want 400", resp.StatusCode)
	}

	resp, _ = s.do(t, http.MethodPost, "/api/v1/analyze/file", map[string]string{"log": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("json body status = %d, want 400", resp.StatusCode)
	}
}

func TestBadRequests(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"missing log", http.MethodPost, "/api/v1/runs", `{"source":"x"}`, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/api/v1/analyze", `{"log":`, http.StatusBadRequest},
		{"unknown state filter", http.MethodGet, "/api/v1/runs?state=bogus", ``, http.StatusBadRequest},
		{"run not found", http.MethodGet, "/api/v1/runs/nope", ``, http.StatusNotFound},
		{"select unknown run", http.MethodPost, "/api/v1/runs/nope/select", `{"option_id":"x"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, s.URL+tt.path, strings.NewReader(tt.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			var e ErrorResponse
			json.NewDecoder(resp.Body).Decode(&e)
			if e.Error == "" || e.RequestID == "" {
				t.Errorf("error response = %+v", e)
			}
		})
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	run := s.createRun(t, iamLog)
	if run.State != domain.RunStateAwaitingSelection {
		t.Fatalf("state = %s", run.State)
	}
	if run.Classification.Category != domain.CategoryIAM {
		t.Errorf("category = %s", run.Classification.Category)
	}

	// 不存在的方案返回 422，运行保持等待
	resp, _ := s.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/select", SelectRequest{OptionID: "missing"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("invalid selection status = %d", resp.StatusCode)
	}

	resp, data := s.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/select", SelectRequest{
		OptionID: run.Options[0].ID,
		Notify:   true,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("select status = %d: %s", resp.StatusCode, data)
	}
	done := s.waitForState(t, run.ID, domain.RunStateCompleted)
	if done.Dispatch == nil || done.Dispatch.Notify.Reference != "#ops" {
		t.Errorf("dispatch = %+v", done.Dispatch)
	}

	// 终态运行不能再取消
	resp, _ = s.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("cancel completed run status = %d", resp.StatusCode)
	}

	resp, data = s.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	var hist struct {
		History []domain.Transition `json:"history"`
	}
	json.Unmarshal(data, &hist)
	if len(hist.History) == 0 || hist.History[len(hist.History)-1].To != domain.RunStateCompleted {
		t.Errorf("history = %+v", hist.History)
	}
}

func TestDeclineAndCancel(t *testing.T) {
	s := newTestServer(t, nil)

	declined := s.createRun(t, iamLog)
	resp, data := s.do(t, http.MethodPost, "/api/v1/runs/"+declined.ID+"/decline", ReasonRequest{Reason: "false alarm"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decline status = %d: %s", resp.StatusCode, data)
	}
	if got := decodeRun(t, data); got.State != domain.RunStateCompleted || !got.Declined {
		t.Errorf("declined run = %s declined=%v", got.State, got.Declined)
	}

	cancelled := s.createRun(t, "connection timed out after 30s")
	resp, data = s.do(t, http.MethodPost, "/api/v1/runs/"+cancelled.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", resp.StatusCode, data)
	}
	got := decodeRun(t, data)
	if got.State != domain.RunStateFailed || got.Failure == nil || got.Failure.Code != domain.FailureCancelled {
		t.Errorf("cancelled run = %s %+v", got.State, got.Failure)
	}

	// 状态过滤
	_, data = s.do(t, http.MethodGet, "/api/v1/runs?state=failed", nil)
	var list RunListResponse
	json.Unmarshal(data, &list)
	if list.Total != 1 || list.Runs[0].ID != cancelled.ID {
		t.Errorf("failed runs = %+v", list)
	}
}

func TestRetryDispatch(t *testing.T) {
	s := newTestServer(t, nil)
	s.dispatcher.failTicket = true

	run := s.createRun(t, iamLog)
	s.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/select", SelectRequest{
		OptionID:     run.Options[0].ID,
		Notify:       true,
		CreateTicket: true,
	})
	failed := s.waitForState(t, run.ID, domain.RunStateFailed)
	if failed.Failure.Code != domain.FailurePartialDispatch {
		t.Fatalf("failure = %+v", failed.Failure)
	}

	s.dispatcher.mu.Lock()
	s.dispatcher.failTicket = false
	s.dispatcher.mu.Unlock()

	resp, data := s.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/retry-dispatch", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("retry status = %d: %s", resp.StatusCode, data)
	}
	child := decodeRun(t, data)
	if child.ParentRunID != run.ID || child.ID == run.ID {
		t.Errorf("child = %s parent = %s", child.ID, child.ParentRunID)
	}
	done := s.waitForState(t, child.ID, domain.RunStateCompleted)
	if done.Dispatch.Notify.Requested || !done.Dispatch.Ticket.Succeeded {
		t.Errorf("child dispatch = %+v", done.Dispatch)
	}

	// 完成的运行没有可重试的动作
	resp, _ = s.do(t, http.MethodPost, "/api/v1/runs/"+child.ID+"/retry-dispatch", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("retry completed run status = %d", resp.StatusCode)
	}
}

func TestListCategories(t *testing.T) {
	s := newTestServer(t, nil)
	resp, data := s.do(t, http.MethodGet, "/api/v1/categories", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Categories []CategoryInfo `json:"categories"`
	}
	json.Unmarshal(data, &out)
	if len(out.Categories) != len(domain.AllCategories()) {
		t.Fatalf("categories = %d", len(out.Categories))
	}
	for _, c := range out.Categories {
		if len(c.Options) == 0 {
			t.Errorf("%s has no options", c.Category)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	jwtm := auth.NewJWTManager("secret", time.Hour)
	keys := auth.NewStaticKeyStore([]config.APIKeyConfig{
		{Name: "viewer", Key: "tri_view", Role: auth.RoleViewer},
		{Name: "ops", Key: "tri_ops", Role: auth.RoleOperator},
	})
	s := newTestServer(t, auth.NewMiddleware(jwtm, "X-API-Key", keys, true))

	call := func(method, path, key, body string) int {
		req, _ := http.NewRequest(method, s.URL+path, strings.NewReader(body))
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := call(http.MethodGet, "/health", "", ""); got != http.StatusOK {
		t.Errorf("health should be public, got %d", got)
	}
	if got := call(http.MethodGet, "/api/v1/runs", "", ""); got != http.StatusUnauthorized {
		t.Errorf("anonymous list = %d", got)
	}
	if got := call(http.MethodGet, "/api/v1/runs", "tri_view", ""); got != http.StatusOK {
		t.Errorf("viewer list = %d", got)
	}
	if got := call(http.MethodPost, "/api/v1/runs", "tri_view", `{"log":"x"}`); got != http.StatusForbidden {
		t.Errorf("viewer create = %d", got)
	}
	if got := call(http.MethodPost, "/api/v1/runs", "tri_ops", `{"log":"x"}`); got != http.StatusCreated {
		t.Errorf("operator create = %d", got)
	}

	// API Key 换取 JWT
	req, _ := http.NewRequest(http.MethodPost, s.URL+"/api/v1/auth/token", nil)
	req.Header.Set("X-API-Key", "tri_ops")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var tok TokenResponse
	json.NewDecoder(resp.Body).Decode(&tok)
	resp.Body.Close()
	if tok.Token == "" || tok.Role != auth.RoleOperator {
		t.Fatalf("token response = %+v", tok)
	}

	req, _ = http.NewRequest(http.MethodGet, s.URL+"/api/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var me map[string]string
	json.NewDecoder(resp.Body).Decode(&me)
	resp.Body.Close()
	if me["user_id"] != "ops" || me["method"] != "jwt" {
		t.Errorf("me = %+v", me)
	}
}

func TestWatch(t *testing.T) {
	s := newTestServer(t, nil)
	run := s.createRun(t, iamLog)

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/v1/runs/" + run.ID + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap WatchMessage
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Type != "snapshot" || snap.Run == nil || snap.Run.State != domain.RunStateAwaitingSelection {
		t.Fatalf("snapshot = %+v", snap)
	}

	s.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/select", SelectRequest{OptionID: run.Options[0].ID, Notify: true})

	var states []domain.RunState
	for {
		var msg WatchMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Event != nil {
			states = append(states, msg.Event.To)
		}
	}
	want := fmt.Sprint([]domain.RunState{domain.RunStateDispatching, domain.RunStateCompleted})
	if fmt.Sprint(states) != want {
		t.Errorf("streamed states = %v, want %s", states, want)
	}
}

func TestWatch_TerminalRunClosesAfterSnapshot(t *testing.T) {
	s := newTestServer(t, nil)
	run := s.createRun(t, iamLog)
	s.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", nil)

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/v1/runs/" + run.ID + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snap WatchMessage
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Run.State != domain.RunStateFailed {
		t.Errorf("snapshot state = %s", snap.Run.State)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrRunNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", domain.ErrInvalidSelection), http.StatusUnprocessableEntity},
		{domain.ErrRunTerminal, http.StatusConflict},
		{domain.ErrIllegalTransition, http.StatusConflict},
		{domain.ErrNothingToRetry, http.StatusConflict},
		{domain.ErrEmptyInput, http.StatusBadRequest},
		{domain.ErrLockHeld, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
