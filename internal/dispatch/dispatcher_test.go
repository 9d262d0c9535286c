package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/triage/internal/domain"
	"github.com/sirupsen/logrus"
)

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	hints    []string
	err      error
}

func (n *fakeNotifier) Send(_ context.Context, message, hint string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	n.hints = append(n.hints, hint)
	return n.err
}

func (n *fakeNotifier) Channel(hint string) string {
	if hint == "" {
		return "#general"
	}
	return hint
}

type fakeTickets struct {
	summary  string
	details  string
	priority domain.RiskTier
	key      string
	err      error
}

func (f *fakeTickets) Create(_ context.Context, summary, details string) (string, error) {
	f.summary, f.details = summary, details
	return f.key, f.err
}

type prioritizedTickets struct{ fakeTickets }

func (p *prioritizedTickets) CreateWithPriority(ctx context.Context, summary, details string, risk domain.RiskTier) (string, error) {
	p.priority = risk
	return p.Create(ctx, summary, details)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func sampleRun() *domain.RunContext {
	code := "ERR403"
	return &domain.RunContext{
		ID:       "run-1",
		RawInput: "2024-01-01 [ERR403] AccessDenied: user not authorized",
		Record:   &domain.LogRecord{Service: "iam", ErrorCode: &code, Message: "AccessDenied"},
		Classification: &domain.ClassificationResult{
			Category:     domain.CategoryIAM,
			Confidence:   0.95,
			MatchedRules: []string{"code.iam", "keyword.iam"},
		},
		Options: []domain.RemediationOption{{
			ID:            "iam-grant",
			Title:         "Grant the missing action",
			Rationale:     "The caller lacks the permission",
			RiskTier:      domain.RiskMedium,
			Rank:          1,
			EstimatedTime: "15 minutes",
			Steps:         []string{"one", "two", "three", "four"},
		}},
		Selection: &domain.Selection{OptionID: "iam-grant"},
	}
}

func TestDispatch_NotifySucceedsTicketFails(t *testing.T) {
	notifier := &fakeNotifier{}
	tickets := &fakeTickets{err: errors.New("jira unavailable")}
	d := New(notifier, tickets, quietLogger())

	report := d.Dispatch(context.Background(), sampleRun(), domain.ActionRequest{Notify: true, CreateTicket: true, ChannelHint: "#ops"})

	if !report.Notify.Requested || !report.Notify.Succeeded || report.Notify.Reference != "#ops" {
		t.Errorf("notify = %+v", report.Notify)
	}
	if !report.Ticket.Requested || report.Ticket.Succeeded || report.Ticket.Recoverable {
		t.Errorf("ticket = %+v", report.Ticket)
	}
	if report.AllSucceeded() || !report.AnySucceeded() {
		t.Error("expected partial dispatch")
	}
	if notifier.hints[0] != "#ops" {
		t.Errorf("hint = %q", notifier.hints[0])
	}
}

func TestDispatch_OnlyRequestedActions(t *testing.T) {
	notifier := &fakeNotifier{}
	tickets := &fakeTickets{key: "OPS-1"}
	d := New(notifier, tickets, quietLogger())

	report := d.Dispatch(context.Background(), sampleRun(), domain.ActionRequest{CreateTicket: true})

	if report.Notify.Requested || len(notifier.messages) != 0 {
		t.Error("notify should not run")
	}
	if !report.Ticket.Succeeded || report.Ticket.Reference != "OPS-1" {
		t.Errorf("ticket = %+v", report.Ticket)
	}
	if tickets.summary != "DevOps: Grant the missing action" {
		t.Errorf("summary = %q", tickets.summary)
	}
}

func TestDispatch_NoActions(t *testing.T) {
	d := New(nil, nil, quietLogger())
	report := d.Dispatch(context.Background(), sampleRun(), domain.ActionRequest{})
	if !report.AllSucceeded() {
		t.Errorf("empty request should count as delivered: %+v", report)
	}
}

func TestDispatch_TransientErrorIsRecoverable(t *testing.T) {
	notifier := &fakeNotifier{err: fmt.Errorf("%w: HTTP 503", domain.ErrTransient)}
	d := New(notifier, nil, quietLogger())

	report := d.Dispatch(context.Background(), sampleRun(), domain.ActionRequest{Notify: true})
	if !report.Notify.Failed() || !report.Notify.Recoverable {
		t.Errorf("notify = %+v", report.Notify)
	}
	if !report.Recoverable() {
		t.Error("report should be recoverable")
	}
}

func TestDispatch_UnconfiguredCollaborator(t *testing.T) {
	d := New(nil, nil, quietLogger())
	report := d.Dispatch(context.Background(), sampleRun(), domain.ActionRequest{Notify: true, CreateTicket: true})

	for name, o := range map[string]domain.SubActionOutcome{"notify": report.Notify, "ticket": report.Ticket} {
		if !o.Failed() || o.Recoverable {
			t.Errorf("%s = %+v, want permanent failure", name, o)
		}
		if !strings.Contains(o.Error, domain.ErrNotConfigured.Error()) {
			t.Errorf("%s error = %q", name, o.Error)
		}
	}
}

func TestDispatch_PriorityFromRisk(t *testing.T) {
	tickets := &prioritizedTickets{fakeTickets{key: "OPS-2"}}
	d := New(nil, tickets, quietLogger())

	d.Dispatch(context.Background(), sampleRun(), domain.ActionRequest{CreateTicket: true})
	if tickets.priority != domain.RiskMedium {
		t.Errorf("priority risk = %q, want medium", tickets.priority)
	}
}

func TestFormatSlackMessage(t *testing.T) {
	run := sampleRun()
	opt, _ := run.SelectedOption()
	now := time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)

	msg := FormatSlackMessage(run, opt, now)

	for _, want := range []string{
		"*DevOps Issue Detected*",
		"*Category:* IAM (confidence 0.95)",
		"*Service:* iam",
		"*Error Code:* ERR403",
		"Grant the missing action",
		"*Why:* The caller lacks the permission",
		"*Risk Level:* MEDIUM",
		"*Estimated Time:* 15 minutes",
		"• three",
		"_Report generated at 2024-01-01 12:30:00 UTC_",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "• four") {
		t.Error("message should list at most 3 steps")
	}
	if strings.Contains(msg, "[Log truncated...]") {
		t.Error("short log should not be truncated")
	}
}

func TestFormatSlackMessage_TruncatesLongLog(t *testing.T) {
	run := sampleRun()
	run.RawInput = strings.Repeat("é", 600)

	msg := FormatSlackMessage(run, nil, time.Now())
	if !strings.Contains(msg, "_[Log truncated...]_") {
		t.Error("expected truncation marker")
	}
	if strings.Count(msg, "é") != maxLogExcerpt {
		t.Errorf("excerpt length = %d, want %d", strings.Count(msg, "é"), maxLogExcerpt)
	}
}

func TestFormat_IncludesSnippet(t *testing.T) {
	run := sampleRun()
	run.Options[0].Snippet = &domain.CodeSnippet{
		Terraform: "resource \"aws_s3_bucket_policy\" \"allow\" {}\n",
		CLI:       "aws s3api put-bucket-policy --bucket <name>",
	}
	opt, _ := run.SelectedOption()

	msg := FormatSlackMessage(run, opt, time.Now())
	if !strings.Contains(msg, "*Suggested CLI (review before running):*\n```aws s3api put-bucket-policy --bucket <name>```") {
		t.Errorf("slack message missing snippet:\n%s", msg)
	}

	_, details := FormatTicket(run, opt)
	for _, want := range []string{
		"Suggested Terraform (review before applying):\nresource \"aws_s3_bucket_policy\" \"allow\" {}\n",
		"Suggested CLI (review before running):\naws s3api put-bucket-policy --bucket <name>",
	} {
		if !strings.Contains(details, want) {
			t.Errorf("ticket details missing %q:\n%s", want, details)
		}
	}

	// 没有示例代码时不输出对应段落
	run.Options[0].Snippet = nil
	if msg := FormatSlackMessage(run, opt, time.Now()); strings.Contains(msg, "Suggested") {
		t.Errorf("unexpected snippet section:\n%s", msg)
	}
}

func TestFormatTicket(t *testing.T) {
	run := sampleRun()
	opt, _ := run.SelectedOption()

	summary, details := FormatTicket(run, opt)
	if summary != "DevOps: Grant the missing action" {
		t.Errorf("summary = %q", summary)
	}
	for _, want := range []string{
		"Category: IAM (confidence 0.95)",
		"Matched rules: code.iam, keyword.iam",
		"Error code: ERR403",
		"Triage run: run-1",
		"4. four",
		"Log excerpt:\n2024-01-01 [ERR403]",
	} {
		if !strings.Contains(details, want) {
			t.Errorf("details missing %q:\n%s", want, details)
		}
	}

	summary, _ = FormatTicket(run, nil)
	if summary != "DevOps: Manual investigation" {
		t.Errorf("summary without option = %q", summary)
	}
}
