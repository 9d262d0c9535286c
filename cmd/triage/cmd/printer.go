package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/oriys/triage/internal/client"
	"github.com/oriys/triage/internal/domain"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Printer 按输出格式（table/json/yaml）打印结果
type Printer struct {
	format string
	writer io.Writer
}

// NewPrinter 创建打印器，格式取自 viper 的 output 配置
func NewPrinter(w io.Writer) *Printer {
	format := viper.GetString("output")
	if format == "" {
		format = "table"
	}
	return &Printer{format: format, writer: w}
}

// print 结构化格式直接编码 v，表格格式调用 table
func (p *Printer) print(v interface{}, table func() error) error {
	switch p.format {
	case "json":
		return p.printJSON(v)
	case "yaml":
		return p.printYAML(v)
	default:
		return table()
	}
}

// PrintAnalysis 打印分析结果
func (p *Printer) PrintAnalysis(a *domain.Analysis) error {
	return p.print(a, func() error {
		p.printClassification(&a.Record, &a.Classification)
		fmt.Fprintln(p.writer)
		if err := p.printOptionsTable(a.Options); err != nil {
			return err
		}
		p.printTopSnippet(a.Options)
		return nil
	})
}

// PrintRun 打印单个运行
func (p *Printer) PrintRun(run *domain.RunContext) error {
	return p.print(run, func() error {
		w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Run:\t%s\n", run.ID)
		if run.ParentRunID != "" {
			fmt.Fprintf(w, "Parent:\t%s\n", run.ParentRunID)
		}
		fmt.Fprintf(w, "State:\t%s\n", run.State)
		fmt.Fprintf(w, "Status:\t%s\n", run.Status())
		if run.Source != "" {
			fmt.Fprintf(w, "Source:\t%s\n", run.Source)
		}
		fmt.Fprintf(w, "Created:\t%s\n", run.CreatedAt.Format(time.RFC3339))
		if run.Selection != nil {
			fmt.Fprintf(w, "Selected:\t%s\n", run.Selection.OptionID)
		}
		if run.Declined {
			fmt.Fprintf(w, "Declined:\tyes\n")
		}
		if run.Failure != nil {
			fmt.Fprintf(w, "Failure:\t%s (%s)\n", run.Failure.Code, run.Failure.Message)
		}
		if d := run.Dispatch; d != nil {
			if d.Notify.Requested {
				fmt.Fprintf(w, "Notify:\t%s\n", outcomeText(d.Notify))
			}
			if d.Ticket.Requested {
				fmt.Fprintf(w, "Ticket:\t%s\n", outcomeText(d.Ticket))
			}
		}
		w.Flush()

		if run.Record != nil && run.Classification != nil {
			fmt.Fprintln(p.writer)
			p.printClassification(run.Record, run.Classification)
		}
		if len(run.Options) > 0 {
			fmt.Fprintln(p.writer)
			return p.printOptionsTable(run.Options)
		}
		return nil
	})
}

// PrintRuns 打印运行列表
func (p *Printer) PrintRuns(list *client.RunList) error {
	return p.print(list, func() error {
		if len(list.Runs) == 0 {
			fmt.Fprintln(p.writer, "No runs found.")
			return nil
		}
		w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tCATEGORY\tCONFIDENCE\tSOURCE\tCREATED")
		for _, r := range list.Runs {
			category, confidence := "-", "-"
			if r.Classification != nil {
				category = r.Classification.Category.DisplayName()
				confidence = fmt.Sprintf("%.2f", r.Classification.Confidence)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.State, category, confidence, r.Source, r.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		w.Flush()
		fmt.Fprintf(p.writer, "\nShowing %d of %d runs\n", len(list.Runs), list.Total)
		return nil
	})
}

// PrintHistory 打印迁移历史
func (p *Printer) PrintHistory(h *client.RunHistory) error {
	return p.print(h, func() error {
		w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "AT\tFROM\tTO\tEVENT\tNOTE")
		for _, t := range h.History {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				t.At.Format("15:04:05.000"), dash(string(t.From)), t.To, t.Event, dash(t.Note))
		}
		return w.Flush()
	})
}

// PrintCategories 打印分类目录
func (p *Printer) PrintCategories(cats []client.Category) error {
	return p.print(cats, func() error {
		w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CATEGORY\tNAME\tOPTIONS")
		for _, c := range cats {
			ids := make([]string, 0, len(c.Options))
			for _, o := range c.Options {
				ids = append(ids, o.ID)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.Category, c.DisplayName, strings.Join(ids, ", "))
		}
		return w.Flush()
	})
}

// PrintWatch 打印一条推送消息，表格格式下每条迁移一行
func (p *Printer) PrintWatch(msg client.WatchMessage) error {
	switch p.format {
	case "json":
		return json.NewEncoder(p.writer).Encode(msg)
	case "yaml":
		return p.printYAML([]client.WatchMessage{msg})
	}
	if msg.Run != nil {
		fmt.Fprintf(p.writer, "%s  %s  (current)\n", msg.Run.ID, msg.Run.State)
	}
	if e := msg.Event; e != nil {
		line := fmt.Sprintf("%s  %s -> %s  [%s]", e.At.Format("15:04:05.000"), dash(string(e.From)), e.To, e.Event)
		if e.Reason != "" {
			line += "  reason=" + string(e.Reason)
		}
		fmt.Fprintln(p.writer, line)
	}
	return nil
}

func (p *Printer) printClassification(rec *domain.LogRecord, cls *domain.ClassificationResult) {
	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Category:\t%s\n", cls.Category.DisplayName())
	fmt.Fprintf(w, "Confidence:\t%.2f\n", cls.Confidence)
	if len(cls.MatchedRules) > 0 {
		fmt.Fprintf(w, "Matched rules:\t%s\n", strings.Join(cls.MatchedRules, ", "))
	}
	if rec.Service != "" {
		fmt.Fprintf(w, "Service:\t%s\n", rec.Service)
	}
	if code := rec.Code(); code != "" {
		fmt.Fprintf(w, "Error code:\t%s\n", code)
	}
	if rec.Degraded() {
		fmt.Fprintf(w, "Extraction:\tdegraded\n")
	}
	w.Flush()
}

func (p *Printer) printOptionsTable(opts []domain.RemediationOption) error {
	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tID\tTITLE\tRISK\tESTIMATE")
	for _, o := range opts {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", o.Rank, o.ID, o.Title, o.RiskTier, dash(o.EstimatedTime))
	}
	return w.Flush()
}

// printTopSnippet 打印排名第一方案的示例 CLI
func (p *Printer) printTopSnippet(opts []domain.RemediationOption) {
	if len(opts) == 0 || opts[0].Snippet == nil || opts[0].Snippet.CLI == "" {
		return
	}
	fmt.Fprintf(p.writer, "\nSuggested CLI for %s (review before running):\n", opts[0].ID)
	for _, line := range strings.Split(opts[0].Snippet.CLI, "\n") {
		fmt.Fprintf(p.writer, "  %s\n", line)
	}
}

func (p *Printer) printJSON(v interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printYAML 先经过 JSON 转换，字段名与 API 保持一致
func (p *Printer) printYAML(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(generic)
}

func outcomeText(o domain.SubActionOutcome) string {
	switch {
	case o.Succeeded:
		return "ok " + o.Reference
	case o.Recoverable:
		return "failed (retryable): " + o.Error
	default:
		return "failed: " + o.Error
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
