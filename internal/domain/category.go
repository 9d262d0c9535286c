// Package domain 定义了日志分诊系统的核心领域模型。
package domain

import "strings"

// ========== 故障分类 ==========

// Category 表示日志所属的故障分类，取值为封闭枚举
type Category string

const (
	// CategoryIAM 权限/身份认证类故障
	CategoryIAM Category = "iam"
	// CategoryThrottling 限流类故障
	CategoryThrottling Category = "throttling"
	// CategoryTimeout 超时类故障
	CategoryTimeout Category = "timeout"
	// CategoryQuota 配额/上限类故障
	CategoryQuota Category = "quota"
	// CategoryConfig 配置错误类故障
	CategoryConfig Category = "config"
	// CategoryScaling 容量/扩缩容类故障
	CategoryScaling Category = "scaling"
	// CategoryCookbook 有既定处置手册的运维故障（崩溃重启、镜像拉取失败等）
	CategoryCookbook Category = "cookbook"
	// CategoryUnknown 无法识别的日志，始终携带最低置信度
	CategoryUnknown Category = "unknown"
)

// AllCategories 返回完整的分类枚举，顺序固定。
// 启动自检会遍历该列表确认每个分类都配置了处置方案。
func AllCategories() []Category {
	return []Category{
		CategoryIAM,
		CategoryThrottling,
		CategoryTimeout,
		CategoryQuota,
		CategoryConfig,
		CategoryScaling,
		CategoryCookbook,
		CategoryUnknown,
	}
}

// IsValid 检查分类是否属于已知枚举
func (c Category) IsValid() bool {
	for _, known := range AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// DisplayName 返回用于消息与工单展示的名称
func (c Category) DisplayName() string {
	switch c {
	case CategoryIAM:
		return "IAM"
	case CategoryUnknown:
		return "Unknown"
	default:
		s := string(c)
		if s == "" {
			return ""
		}
		return strings.ToUpper(s[:1]) + s[1:]
	}
}

// ParseCategory 解析分类名称（大小写不敏感），未知名称返回 false
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	return c, c.IsValid()
}

// ========== 风险等级 ==========

// RiskTier 表示处置方案的风险等级
type RiskTier string

const (
	// RiskLow 低风险，可直接执行
	RiskLow RiskTier = "low"
	// RiskMedium 中等风险，建议在变更窗口执行
	RiskMedium RiskTier = "medium"
	// RiskHigh 高风险，需要人工评估
	RiskHigh RiskTier = "high"
)
