package domain

import (
	"encoding/json"
	"time"
)

// ========== 日志记录 ==========

// LogRecord 是从原始日志文本中提取出的结构化记录。
// 每次运行由提取器创建一次，之后不再修改。
type LogRecord struct {
	// Timestamp 日志时间戳，无法识别时为 nil
	Timestamp *time.Time `json:"timestamp,omitempty"`
	// Service 服务名称，无法识别时为空字符串
	Service string `json:"service"`
	// ErrorCode 错误码，无法识别时为 nil
	ErrorCode *string `json:"error_code,omitempty"`
	// Message 日志正文；提取失败时等于原始文本
	Message string `json:"message"`
	// RawText 原始输入，逐字节保留用于审计
	RawText string `json:"raw_text"`
	// Fields 其他自由文本字段（level、request_id、region 等）
	Fields map[string]string `json:"fields,omitempty"`
}

// Clone 返回记录的深拷贝
func (r LogRecord) Clone() LogRecord {
	r.Timestamp = cloneTime(r.Timestamp)
	if r.ErrorCode != nil {
		code := *r.ErrorCode
		r.ErrorCode = &code
	}
	if r.Fields != nil {
		fields := make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			fields[k] = v
		}
		r.Fields = fields
	}
	return r
}

// MarshalJSON 原始文本不是合法 UTF-8 时附带 raw_text_base64
func (r LogRecord) MarshalJSON() ([]byte, error) {
	type alias LogRecord
	text, encoded := encodeRaw(r.RawText)
	a := alias(r)
	a.RawText = text
	return json.Marshal(struct {
		alias
		RawTextBase64 string `json:"raw_text_base64,omitempty"`
	}{alias: a, RawTextBase64: encoded})
}

// UnmarshalJSON 优先使用 raw_text_base64 还原原始文本
func (r *LogRecord) UnmarshalJSON(data []byte) error {
	type Alias LogRecord
	aux := struct {
		*Alias
		RawTextBase64 string `json:"raw_text_base64,omitempty"`
	}{Alias: (*Alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	raw, err := decodeRaw(r.RawText, aux.RawTextBase64)
	if err != nil {
		return err
	}
	r.RawText = raw
	return nil
}

// Degraded 表示提取未能识别出任何结构化字段
func (r *LogRecord) Degraded() bool {
	return r.Timestamp == nil && r.Service == "" && r.ErrorCode == nil
}

// Code 返回错误码，未识别时返回空字符串
func (r *LogRecord) Code() string {
	if r.ErrorCode == nil {
		return ""
	}
	return *r.ErrorCode
}

// Field 返回自由字段的值
func (r *LogRecord) Field(key string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[key]
}

// ========== 分类结果 ==========

// ClassificationResult 分类器的输出
type ClassificationResult struct {
	// Category 判定的分类
	Category Category `json:"category"`
	// Confidence 置信度，范围 0.0 到 1.0
	Confidence float64 `json:"confidence"`
	// MatchedRules 命中的规则 ID，越具体越靠前，首个即决定分类的规则
	MatchedRules []string `json:"matched_rules"`
}

// UnknownConfidence 未知分类的固定置信度
const UnknownConfidence = 0.1

// ========== 处置方案 ==========

// RemediationOption 一条候选处置方案。
// 由处置映射器从静态表复制生成，创建后不再修改。
type RemediationOption struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Rationale string   `json:"rationale"`
	RiskTier  RiskTier `json:"risk_tier"`
	// Rank 从 1 开始，在同一结果集内唯一且连续
	Rank int `json:"rank"`

	// ActionType 方案类型，如 policy_update、retry_tuning
	ActionType string `json:"action_type,omitempty"`
	// EstimatedTime 预估处理时长
	EstimatedTime string `json:"estimated_time,omitempty"`
	// Steps 实施步骤
	Steps []string `json:"steps,omitempty"`
	// AWSServices 涉及的 AWS 服务
	AWSServices []string `json:"aws_services,omitempty"`
	// RequiresService 仅当日志服务与之相同时才提供该方案，空表示无要求
	RequiresService string `json:"requires_service,omitempty"`
	// Snippet 按 ActionType 附带的示例代码，可能为 nil
	Snippet *CodeSnippet `json:"snippet,omitempty"`
}

// CodeSnippet 处置方案的示例 Terraform 与 AWS CLI。
// 只作为建议展示，系统从不执行，应用前需人工审阅。
type CodeSnippet struct {
	Terraform string `json:"terraform,omitempty"`
	CLI       string `json:"cli,omitempty"`
}

// Clone 返回方案的深拷贝
func (o RemediationOption) Clone() RemediationOption {
	if o.Steps != nil {
		o.Steps = append([]string(nil), o.Steps...)
	}
	if o.AWSServices != nil {
		o.AWSServices = append([]string(nil), o.AWSServices...)
	}
	if o.Snippet != nil {
		snippet := *o.Snippet
		o.Snippet = &snippet
	}
	return o
}

// Analysis 一次无状态分析的完整输出（提取、分类、处置）
type Analysis struct {
	Record         LogRecord            `json:"record"`
	Classification ClassificationResult `json:"classification"`
	Options        []RemediationOption  `json:"options"`
}
