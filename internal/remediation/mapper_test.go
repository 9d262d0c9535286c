package remediation

import (
	"errors"
	"strings"
	"testing"

	"github.com/oriys/triage/internal/domain"
)

func TestRemediate_EveryCategoryNonEmptyWithContiguousRanks(t *testing.T) {
	m := NewDefaultMapper()
	records := []domain.LogRecord{
		{},
		{Service: "lambda"},
		{Service: "s3"},
		{Service: "eks"},
		{Service: "unheard-of"},
	}

	for _, cat := range domain.AllCategories() {
		for _, rec := range records {
			opts, err := m.Remediate(cat, rec)
			if err != nil {
				t.Fatalf("Remediate(%s, service=%q) error = %v", cat, rec.Service, err)
			}
			if len(opts) == 0 {
				t.Fatalf("Remediate(%s, service=%q) returned no options", cat, rec.Service)
			}
			for i, o := range opts {
				if o.Rank != i+1 {
					t.Errorf("%s/%q option %s rank = %d, want %d", cat, rec.Service, o.ID, o.Rank, i+1)
				}
			}
		}
	}
}

func TestRemediate_Unknown(t *testing.T) {
	opts, err := NewDefaultMapper().Remediate(domain.CategoryUnknown, domain.LogRecord{})
	if err != nil {
		t.Fatalf("Remediate() error = %v", err)
	}
	if len(opts) != 1 {
		t.Fatalf("len(opts) = %d, want 1", len(opts))
	}
	if opts[0].ID != "manual-investigation" || opts[0].RiskTier != domain.RiskHigh || opts[0].Rank != 1 {
		t.Errorf("unexpected unknown option: %+v", opts[0])
	}
}

func TestRemediate_ServiceFilterPreservesOrder(t *testing.T) {
	m := NewDefaultMapper()

	without, _ := m.Remediate(domain.CategoryTimeout, domain.LogRecord{})
	with, _ := m.Remediate(domain.CategoryTimeout, domain.LogRecord{Service: "lambda"})

	if len(with) != len(without)+1 {
		t.Fatalf("lambda-specific option not added: %d vs %d", len(with), len(without))
	}
	if with[0].ID != "timeout-lambda-tune" {
		t.Errorf("first option = %s, want timeout-lambda-tune", with[0].ID)
	}
	for i, o := range without {
		if with[i+1].ID != o.ID {
			t.Errorf("relative order changed at %d: %s vs %s", i, with[i+1].ID, o.ID)
		}
	}
	for _, o := range without {
		if o.RequiresService != "" {
			t.Errorf("option %s requires %s but was kept for a record without service", o.ID, o.RequiresService)
		}
	}
}

func TestRemediate_ReturnsCopies(t *testing.T) {
	m := NewDefaultMapper()
	first, _ := m.Remediate(domain.CategoryIAM, domain.LogRecord{})
	first[0].Title = "mutated"
	first[0].Steps[0] = "mutated"

	second, _ := m.Remediate(domain.CategoryIAM, domain.LogRecord{})
	if second[0].Title == "mutated" || second[0].Steps[0] == "mutated" {
		t.Error("Remediate must not expose the shared table")
	}
}

func TestRemediate_CategoryNotConfigured(t *testing.T) {
	m := NewDefaultMapper()
	_, err := m.Remediate(domain.Category("network"), domain.LogRecord{})
	if !errors.Is(err, domain.ErrCategoryNotConfigured) {
		t.Errorf("error = %v, want ErrCategoryNotConfigured", err)
	}
}

func TestSelfCheck(t *testing.T) {
	if err := SelfCheck(DefaultTable()); err != nil {
		t.Fatalf("default table failed self check: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(Table)
	}{
		{"missing category", func(tb Table) { delete(tb, domain.CategoryQuota) }},
		{"empty category", func(tb Table) { tb[domain.CategoryScaling] = nil }},
		{"only service-specific options", func(tb Table) {
			tb[domain.CategoryUnknown] = []domain.RemediationOption{
				{ID: "x", Title: "x", RiskTier: domain.RiskLow, RequiresService: "lambda"},
			}
		}},
		{"duplicate id", func(tb Table) {
			o := tb[domain.CategoryIAM][0]
			tb[domain.CategoryIAM] = append(tb[domain.CategoryIAM], o)
		}},
		{"invalid risk", func(tb Table) {
			tb[domain.CategoryConfig] = []domain.RemediationOption{{ID: "x", Title: "x", RiskTier: "critical"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := DefaultTable()
			tt.mutate(tb)
			if _, err := NewMapper(tb); !errors.Is(err, domain.ErrCategoryNotConfigured) {
				t.Errorf("NewMapper() error = %v, want ErrCategoryNotConfigured", err)
			}
		})
	}
}

func TestOptions_FullTable(t *testing.T) {
	opts := NewDefaultMapper().Options(domain.CategoryIAM)
	if len(opts) != len(DefaultTable()[domain.CategoryIAM]) {
		t.Errorf("Options() returned %d, want full table", len(opts))
	}
}

func TestSnippets(t *testing.T) {
	tests := []struct {
		actionType    string
		wantOK        bool
		wantTerraform string
		wantCLI       string
	}{
		{"iam_policy_update", true, `resource "aws_s3_bucket_policy"`, "put-bucket-policy"},
		{"policy_update", true, `resource "aws_s3_bucket_policy"`, "put-bucket-policy"},
		{"credential_check", true, "", "aws sts get-caller-identity"},
		{"capacity_scale", true, `resource "aws_autoscaling_group"`, "set-desired-capacity"},
		{"autoscaling_tune", true, `resource "aws_autoscaling_group"`, "set-desired-capacity"},
		{"retry_policy", true, "application-level", "AWS_RETRY_MODE=adaptive"},
		{"timeout_tune", true, `resource "aws_lambda_function"`, "update-function-configuration"},
		{"limit_increase", true, "aws_servicequotas_service_quota", "request-service-quota-increase"},
		{"config_fix", true, `provider "aws"`, "configured region"},
		{"investigation", false, "", ""},
		{"rollback", false, "", ""},
		{"", false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.actionType, func(t *testing.T) {
			got, ok := Snippets(tt.actionType)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !strings.Contains(got.Terraform, tt.wantTerraform) || !strings.Contains(got.CLI, tt.wantCLI) {
				t.Errorf("snippet = %+v", got)
			}
			if tt.wantTerraform == "" && got.Terraform != "" {
				t.Errorf("unexpected terraform %q", got.Terraform)
			}
			for _, destructive := range []string{"delete-", "destroy", "terminate-", "rm -rf"} {
				if strings.Contains(got.Terraform+got.CLI, destructive) {
					t.Errorf("snippet contains %q", destructive)
				}
			}
		})
	}
}

func TestRemediate_AttachesSnippetsByActionType(t *testing.T) {
	m := NewDefaultMapper()
	for _, cat := range domain.AllCategories() {
		opts, err := m.Remediate(cat, domain.LogRecord{Service: "lambda"})
		if err != nil {
			t.Fatalf("Remediate(%s): %v", cat, err)
		}
		for _, o := range opts {
			_, want := Snippets(o.ActionType)
			if (o.Snippet != nil) != want {
				t.Errorf("%s option %s (%s) snippet = %v, want present=%v", cat, o.ID, o.ActionType, o.Snippet, want)
			}
		}
	}

	// 返回的是副本，修改不影响映射器
	opts, _ := m.Remediate(domain.CategoryIAM, domain.LogRecord{})
	opts[0].Snippet.CLI = "changed"
	again, _ := m.Remediate(domain.CategoryIAM, domain.LogRecord{})
	if again[0].Snippet.CLI == "changed" {
		t.Error("snippet shared between results")
	}

	// 表中自带的示例代码保留
	table := DefaultTable()
	table[domain.CategoryUnknown][0].Snippet = &domain.CodeSnippet{CLI: "custom"}
	custom, err := NewMapper(table)
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	unknown, _ := custom.Remediate(domain.CategoryUnknown, domain.LogRecord{})
	if unknown[0].Snippet == nil || unknown[0].Snippet.CLI != "custom" {
		t.Errorf("custom snippet = %+v", unknown[0].Snippet)
	}
}
