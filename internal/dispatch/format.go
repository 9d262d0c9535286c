package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/oriys/triage/internal/domain"
)

// maxLogExcerpt 消息中保留的日志字符数
const maxLogExcerpt = 500

// maxSteps 消息中展示的实施步骤数
const maxSteps = 3

// excerpt 截取日志前 maxLogExcerpt 个字符，返回是否发生截断
func excerpt(raw string) (string, bool) {
	runes := []rune(raw)
	if len(runes) <= maxLogExcerpt {
		return raw, false
	}
	return string(runes[:maxLogExcerpt]), true
}

// FormatSlackMessage 生成 Slack mrkdwn 格式的通知消息
func FormatSlackMessage(run *domain.RunContext, opt *domain.RemediationOption, now time.Time) string {
	var b strings.Builder
	b.WriteString(":rotating_light: *DevOps Issue Detected* :rotating_light:\n\n")

	if run.Classification != nil {
		fmt.Fprintf(&b, "*Category:* %s (confidence %.2f)\n", run.Classification.Category.DisplayName(), run.Classification.Confidence)
	}
	if run.Record != nil && run.Record.Service != "" {
		fmt.Fprintf(&b, "*Service:* %s\n", run.Record.Service)
	}
	if run.Record != nil && run.Record.ErrorCode != nil {
		fmt.Fprintf(&b, "*Error Code:* %s\n", *run.Record.ErrorCode)
	}
	fmt.Fprintf(&b, "*Run:* %s\n", run.ID)

	b.WriteString("\n*:memo: Log Details:*\n")
	text, truncated := excerpt(run.RawInput)
	fmt.Fprintf(&b, "```%s```\n", text)
	if truncated {
		b.WriteString("_[Log truncated...]_\n")
	}

	if opt != nil {
		fmt.Fprintf(&b, "\n*:wrench: Selected Remediation:* %s\n", opt.Title)
		if opt.Rationale != "" {
			fmt.Fprintf(&b, "*Why:* %s\n", opt.Rationale)
		}
		fmt.Fprintf(&b, "*Risk Level:* %s\n", strings.ToUpper(string(opt.RiskTier)))
		if opt.EstimatedTime != "" {
			fmt.Fprintf(&b, "*Estimated Time:* %s\n", opt.EstimatedTime)
		}
		if len(opt.Steps) > 0 {
			b.WriteString("*Steps:*\n")
			for i, step := range opt.Steps {
				if i == maxSteps {
					break
				}
				fmt.Fprintf(&b, "• %s\n", step)
			}
		}
		if opt.Snippet != nil && opt.Snippet.CLI != "" {
			fmt.Fprintf(&b, "*Suggested CLI (review before running):*\n```%s```\n", opt.Snippet.CLI)
		}
	}

	fmt.Fprintf(&b, "\n_Report generated at %s_", now.UTC().Format("2006-01-02 15:04:05 MST"))
	return b.String()
}

// FormatTicket 生成工单标题与正文
func FormatTicket(run *domain.RunContext, opt *domain.RemediationOption) (summary, details string) {
	title := "Manual investigation"
	if opt != nil {
		title = opt.Title
	}
	summary = "DevOps: " + title

	var b strings.Builder
	if run.Classification != nil {
		fmt.Fprintf(&b, "Category: %s (confidence %.2f)\n", run.Classification.Category.DisplayName(), run.Classification.Confidence)
		if len(run.Classification.MatchedRules) > 0 {
			fmt.Fprintf(&b, "Matched rules: %s\n", strings.Join(run.Classification.MatchedRules, ", "))
		}
	}
	if run.Record != nil {
		if run.Record.Service != "" {
			fmt.Fprintf(&b, "Service: %s\n", run.Record.Service)
		}
		if run.Record.ErrorCode != nil {
			fmt.Fprintf(&b, "Error code: %s\n", *run.Record.ErrorCode)
		}
		if run.Record.Timestamp != nil {
			fmt.Fprintf(&b, "Log timestamp: %s\n", run.Record.Timestamp.UTC().Format(time.RFC3339))
		}
	}
	fmt.Fprintf(&b, "Triage run: %s\n", run.ID)

	if opt != nil {
		fmt.Fprintf(&b, "\nRemediation: %s\nRisk: %s", opt.Title, opt.RiskTier)
		if opt.EstimatedTime != "" {
			fmt.Fprintf(&b, "\nEstimated time: %s", opt.EstimatedTime)
		}
		if opt.Rationale != "" {
			fmt.Fprintf(&b, "\nWhy: %s", opt.Rationale)
		}
		if len(opt.AWSServices) > 0 {
			fmt.Fprintf(&b, "\nAWS services: %s", strings.Join(opt.AWSServices, ", "))
		}
		b.WriteString("\n")
		if len(opt.Steps) > 0 {
			b.WriteString("\nSteps:\n")
			for i, step := range opt.Steps {
				fmt.Fprintf(&b, "%d. %s\n", i+1, step)
			}
		}
		if opt.Snippet != nil {
			if opt.Snippet.Terraform != "" {
				fmt.Fprintf(&b, "\nSuggested Terraform (review before applying):\n%s\n", strings.TrimRight(opt.Snippet.Terraform, "\n"))
			}
			if opt.Snippet.CLI != "" {
				fmt.Fprintf(&b, "\nSuggested CLI (review before running):\n%s\n", opt.Snippet.CLI)
			}
		}
	}

	text, truncated := excerpt(run.RawInput)
	fmt.Fprintf(&b, "\nLog excerpt:\n%s", text)
	if truncated {
		b.WriteString("\n[Log truncated...]")
	}
	return summary, b.String()
}
