// Package classifier 基于有序规则表为日志记录判定故障分类。
//
// 规则按层级排序：错误码精确匹配 > 正文关键字 > 服务名启发式。
// 第一个命中的规则决定分类；同层内按声明顺序，先声明者优先。
// 规则表在构造后只读，可被任意数量的运行并发共享。
package classifier

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/oriys/triage/internal/domain"
)

// Tier 规则层级，数值越小越具体
type Tier int

const (
	// TierErrorCode 错误码精确匹配
	TierErrorCode Tier = iota + 1
	// TierKeyword 正文关键字匹配
	TierKeyword
	// TierService 服务名启发式
	TierService
)

// String 返回层级名称
func (t Tier) String() string {
	switch t {
	case TierErrorCode:
		return "error_code"
	case TierKeyword:
		return "keyword"
	case TierService:
		return "service"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Band 返回该层级允许的置信度区间 (lo, hi]。
// 相邻层级的区间互不重叠，保证越具体的规则置信度越高。
func (t Tier) Band() (lo, hi float64) {
	switch t {
	case TierErrorCode:
		return 0.90, 1.0
	case TierKeyword:
		return 0.70, 0.90
	case TierService:
		return 0.30, 0.70
	default:
		return 0, 0
	}
}

// serviceBiasBoost 规则的 ServiceBias 与日志服务一致时追加的置信度
const serviceBiasBoost = 0.05

// Predicate 规则的匹配条件
type Predicate func(rec *domain.LogRecord) bool

// Rule 一条分类规则
type Rule struct {
	// ID 规则标识，出现在 MatchedRules 中
	ID   string
	Tier Tier
	// Match 匹配条件
	Match Predicate
	// Target 命中后判定的分类
	Target     domain.Category
	Confidence float64
	// ServiceBias 日志服务与之一致时提升置信度，空表示无偏好
	ServiceBias string
}

// Classifier 规则分类器
type Classifier struct {
	rules []Rule
}

// New 校验并按层级稳定排序规则表。
// 规则 ID 必须唯一，置信度必须落在所属层级的区间内，分类必须是已知枚举且不为 Unknown。
func New(rules []Rule) (*Classifier, error) {
	seen := make(map[string]bool, len(rules))
	sorted := make([]Rule, 0, len(rules))

	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: rule #%d has no id", domain.ErrInvalidRule, i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %q", domain.ErrInvalidRule, r.ID)
		}
		seen[r.ID] = true

		if r.Match == nil {
			return nil, fmt.Errorf("%w: rule %q has no predicate", domain.ErrInvalidRule, r.ID)
		}
		if !r.Target.IsValid() || r.Target == domain.CategoryUnknown {
			return nil, fmt.Errorf("%w: rule %q targets invalid category %q", domain.ErrInvalidRule, r.ID, r.Target)
		}
		lo, hi := r.Tier.Band()
		if hi == 0 {
			return nil, fmt.Errorf("%w: rule %q has unknown tier %d", domain.ErrInvalidRule, r.ID, int(r.Tier))
		}
		if r.Confidence <= lo || r.Confidence > hi {
			return nil, fmt.Errorf("%w: rule %q confidence %.2f outside %s band (%.2f, %.2f]",
				domain.ErrInvalidRule, r.ID, r.Confidence, r.Tier, lo, hi)
		}
		sorted = append(sorted, r)
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Tier < sorted[j].Tier
	})

	return &Classifier{rules: sorted}, nil
}

// MustNew 与 New 相同，失败时 panic。仅用于内置规则表。
func MustNew(rules []Rule) *Classifier {
	c, err := New(rules)
	if err != nil {
		panic(err)
	}
	return c
}

// NewDefault 使用内置规则表创建分类器
func NewDefault() *Classifier {
	return MustNew(DefaultRules())
}

// Rules 返回按优先级排序后的规则副本
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Classify 对日志记录分类。
// MatchedRules 按优先级列出所有命中的规则，首个即决定分类的规则。
// 无规则命中时返回 Unknown、固定最低置信度以及空的 MatchedRules。
func (c *Classifier) Classify(rec domain.LogRecord) domain.ClassificationResult {
	result := domain.ClassificationResult{
		Category:     domain.CategoryUnknown,
		Confidence:   domain.UnknownConfidence,
		MatchedRules: []string{},
	}

	var winner *Rule
	for i := range c.rules {
		r := &c.rules[i]
		if !r.Match(&rec) {
			continue
		}
		result.MatchedRules = append(result.MatchedRules, r.ID)
		if winner == nil {
			winner = r
		}
	}
	if winner == nil {
		return result
	}

	result.Category = winner.Target
	result.Confidence = winner.Confidence
	if winner.ServiceBias != "" && strings.EqualFold(winner.ServiceBias, rec.Service) {
		_, hi := winner.Tier.Band()
		result.Confidence = min(winner.Confidence+serviceBiasBoost, hi)
	}
	return result
}

// ========== 规则构造 ==========

// CodeIn 错误码与任一给定值精确相等（大小写不敏感）
func CodeIn(codes ...string) Predicate {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[strings.ToLower(c)] = struct{}{}
	}
	return func(rec *domain.LogRecord) bool {
		if rec.ErrorCode == nil {
			return false
		}
		_, ok := set[strings.ToLower(*rec.ErrorCode)]
		return ok
	}
}

// MessageMatches 日志正文匹配正则
func MessageMatches(expr string) Predicate {
	re := regexp.MustCompile(expr)
	return func(rec *domain.LogRecord) bool {
		return rec.Message != "" && re.MatchString(rec.Message)
	}
}

// ServiceIs 服务名与任一给定值相等（大小写不敏感）
func ServiceIs(services ...string) Predicate {
	return func(rec *domain.LogRecord) bool {
		for _, s := range services {
			if strings.EqualFold(rec.Service, s) {
				return true
			}
		}
		return false
	}
}
