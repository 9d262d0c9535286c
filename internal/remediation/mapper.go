// Package remediation 将故障分类映射为按优先级排列的候选处置方案。
package remediation

import (
	"fmt"
	"strings"

	"github.com/oriys/triage/internal/domain"
)

// Table 分类到预排序方案列表的静态表，列表顺序即排名
type Table map[domain.Category][]domain.RemediationOption

// Mapper 处置方案映射器。表在构造后只读，可并发共享。
type Mapper struct {
	table Table
}

// NewMapper 创建映射器并执行启动自检。
// 未自带示例代码的方案按 ActionType 从 Snippets 补齐。
func NewMapper(table Table) (*Mapper, error) {
	if err := SelfCheck(table); err != nil {
		return nil, err
	}

	cp := make(Table, len(table))
	for cat, opts := range table {
		list := make([]domain.RemediationOption, len(opts))
		for i, o := range opts {
			list[i] = o.Clone()
			if list[i].Snippet == nil {
				if snippet, ok := Snippets(o.ActionType); ok {
					list[i].Snippet = &snippet
				}
			}
		}
		cp[cat] = list
	}
	return &Mapper{table: cp}, nil
}

// NewDefaultMapper 使用内置方案表创建映射器，自检失败时 panic
func NewDefaultMapper() *Mapper {
	m, err := NewMapper(DefaultTable())
	if err != nil {
		panic(err)
	}
	return m
}

// SelfCheck 校验方案表的完整性：
// 每个枚举分类至少有一个不受服务过滤影响的方案，同一分类内方案 ID 唯一，风险等级合法。
func SelfCheck(table Table) error {
	for _, cat := range domain.AllCategories() {
		opts, ok := table[cat]
		if !ok || len(opts) == 0 {
			return fmt.Errorf("%w: %s", domain.ErrCategoryNotConfigured, cat)
		}

		ids := make(map[string]bool, len(opts))
		unconditional := 0
		for _, o := range opts {
			if o.ID == "" || o.Title == "" {
				return fmt.Errorf("%w: %s has an option without id or title", domain.ErrCategoryNotConfigured, cat)
			}
			if ids[o.ID] {
				return fmt.Errorf("%w: %s has duplicate option id %q", domain.ErrCategoryNotConfigured, cat, o.ID)
			}
			ids[o.ID] = true

			switch o.RiskTier {
			case domain.RiskLow, domain.RiskMedium, domain.RiskHigh:
			default:
				return fmt.Errorf("%w: %s option %q has invalid risk tier %q", domain.ErrCategoryNotConfigured, cat, o.ID, o.RiskTier)
			}
			if o.RequiresService == "" {
				unconditional++
			}
		}
		if unconditional == 0 {
			return fmt.Errorf("%w: %s has no option that survives service filtering", domain.ErrCategoryNotConfigured, cat)
		}
	}
	return nil
}

// Remediate 返回分类对应的候选方案副本。
//
// 带 RequiresService 的方案仅在日志服务与之相同时保留；
// 保留下来的方案维持原有相对顺序，排名重新编号为 1..n。
func (m *Mapper) Remediate(category domain.Category, record domain.LogRecord) ([]domain.RemediationOption, error) {
	opts, ok := m.table[category]
	if !ok || len(opts) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrCategoryNotConfigured, category)
	}

	out := make([]domain.RemediationOption, 0, len(opts))
	for _, o := range opts {
		if o.RequiresService != "" && !strings.EqualFold(o.RequiresService, record.Service) {
			continue
		}
		opt := o.Clone()
		opt.Rank = len(out) + 1
		out = append(out, opt)
	}
	return out, nil
}

// Options 返回分类的完整方案表（未过滤），用于展示
func (m *Mapper) Options(category domain.Category) []domain.RemediationOption {
	opts := m.table[category]
	out := make([]domain.RemediationOption, len(opts))
	for i, o := range opts {
		out[i] = o.Clone()
		out[i].Rank = i + 1
	}
	return out
}
