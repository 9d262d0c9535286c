package jira

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oriys/triage/internal/config"
	"github.com/oriys/triage/internal/domain"
	"github.com/sirupsen/logrus"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := config.JiraConfig{
		BaseURL:    srv.URL + "/",
		Email:      "ops@example.com",
		APIToken:   "token",
		ProjectKey: "OPS",
	}
	return NewWithHTTPClient(cfg, srv.Client(), logger)
}

func TestCreateWithPriority(t *testing.T) {
	var got createIssueRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/api/3/issue" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ops@example.com" || pass != "token" {
			t.Errorf("basic auth = %q/%q", user, pass)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"10001","key":"OPS-42"}`))
	})

	key, err := c.CreateWithPriority(context.Background(), "DevOps: Grant the missing action", "line one\nline two\n\nsecond paragraph", domain.RiskHigh)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if key != "OPS-42" {
		t.Errorf("key = %q", key)
	}

	f := got.Fields
	if f.Project["key"] != "OPS" || f.IssueType.Name != "Problem" {
		t.Errorf("fields = %+v", f)
	}
	if f.Priority == nil || f.Priority.Name != "High" {
		t.Errorf("priority = %+v, want High", f.Priority)
	}
	if f.Description.Type != "doc" || len(f.Description.Content) != 2 {
		t.Fatalf("description = %+v", f.Description)
	}
	first := f.Description.Content[0].Content
	if len(first) != 3 || first[1].Type != "hardBreak" || first[2].Text != "line two" {
		t.Errorf("first paragraph = %+v", first)
	}
}

func TestCreate_WithoutPriority(t *testing.T) {
	var raw map[string]map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"key":"OPS-1"}`))
	})

	if _, err := c.Create(context.Background(), "s", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := raw["fields"]["priority"]; ok {
		t.Error("priority should be omitted")
	}
}

func TestCreate_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
		wantMsg       string
	}{
		{"bad request", http.StatusBadRequest, `{"errorMessages":[],"errors":{"project":"project is required"}}`, false, "project: project is required"},
		{"unauthorized", http.StatusUnauthorized, `not json`, false, "not json"},
		{"rate limited", http.StatusTooManyRequests, `{}`, true, "429"},
		{"unavailable", http.StatusServiceUnavailable, ``, true, "503"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.Create(context.Background(), "s", "d")
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, domain.ErrTransient) != tt.wantTransient {
				t.Errorf("transient = %v, want %v", !tt.wantTransient, tt.wantTransient)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("err = %v, want to contain %q", err, tt.wantMsg)
			}
		})
	}
}

func TestCreate_NotConfigured(t *testing.T) {
	c := NewWithHTTPClient(config.JiraConfig{BaseURL: "https://x"}, http.DefaultClient, logrus.New())
	if _, err := c.Create(context.Background(), "s", "d"); !errors.Is(err, domain.ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestPriorityForRisk(t *testing.T) {
	cases := map[domain.RiskTier]Priority{
		domain.RiskHigh:   PriorityHigh,
		domain.RiskMedium: PriorityMedium,
		domain.RiskLow:    PriorityLow,
		"":                PriorityMedium,
	}
	for risk, want := range cases {
		if got := PriorityForRisk(risk); got != want {
			t.Errorf("PriorityForRisk(%q) = %s, want %s", risk, got, want)
		}
	}
}
