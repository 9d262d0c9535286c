// Package extractor 将原始日志文本解析为结构化的 LogRecord。
//
// 提取是尽力而为的：每个字段按固定顺序尝试一组模式，第一个命中的模式生效；
// 任何字段都提取不到时，记录的 message 原样保留输入文本。Extract 永不失败。
package extractor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/triage/internal/domain"
)

// fieldPattern 单个字段的一条提取模式，取第一个捕获组
type fieldPattern struct {
	name string
	re   *regexp.Regexp
}

// serviceHint 已知服务的识别模式
type serviceHint struct {
	service string
	re      *regexp.Regexp
}

// Extractor 持有只读的模式表，可被多个运行并发共享
type Extractor struct {
	timestampPrefix *regexp.Regexp
	levelPrefix     *regexp.Regexp
	codePrefix      *regexp.Regexp
	errorCodes      []fieldPattern
	services        []fieldPattern
	serviceHints    []serviceHint
	keyValues       *regexp.Regexp
}

// timeLayouts 时间戳前缀的解析格式，按顺序尝试
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05,000",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
}

// JSON 日志中各字段的候选键，按优先级排列
var (
	jsonTimestampKeys = []string{"timestamp", "ts", "time", "@timestamp", "eventTime"}
	jsonMessageKeys   = []string{"message", "msg", "log", "@message"}
	jsonServiceKeys   = []string{"service", "serviceName", "eventSource", "logger"}
	jsonCodeKeys      = []string{"errorCode", "error_code", "code"}
	jsonLevelKeys     = []string{"level", "severity"}
)

// New 创建提取器并编译全部模式
func New() *Extractor {
	return &Extractor{
		timestampPrefix: regexp.MustCompile(`^\s*\[?(\d{4}[-/]\d{2}[-/]\d{2}(?:[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?)?)\]?`),
		levelPrefix:     regexp.MustCompile(`^\s*\[?(TRACE|DEBUG|INFO|WARN|WARNING|ERROR|FATAL|CRITICAL)\]?(?:[:\s]|$)`),
		codePrefix:      regexp.MustCompile(`^\s*\[[^\]]+\]`),
		errorCodes: []fieldPattern{
			{"bracketed", regexp.MustCompile(`\[([A-Z][A-Z0-9_-]*[0-9][A-Z0-9_-]*|[A-Z][A-Za-z]*(?:Exception|Error|Denied|Exceeded|Fault|Timeout|BackOff))\]`)},
			{"assignment", regexp.MustCompile(`(?i)\b(?:error_?code|err_?code|code)\s*[=:]\s*"?([A-Za-z][A-Za-z0-9_.-]*|\d{3,})`)},
			{"exception", regexp.MustCompile(`\b([A-Z][A-Za-z0-9]*(?:Exception|Error|Fault))\b`)},
			{"known", regexp.MustCompile(`\b(AccessDenied|UnauthorizedOperation|NotAuthorized|RequestLimitExceeded|SlowDown|NoSuchBucket|NoSuchKey|InsufficientInstanceCapacity|CrashLoopBackOff|ImagePullBackOff|ErrImagePull|OOMKilled|ETIMEDOUT|ECONNREFUSED|ECONNRESET)\b`)},
			{"http_status", regexp.MustCompile(`(?i)\b(?:HTTP(?:/\d(?:\.\d)?)?|status(?:[_ ]?code)?)[\s:=]+([45]\d{2})\b`)},
		},
		services: []fieldPattern{
			{"assignment", regexp.MustCompile(`(?i)\bservice(?:_?name)?\s*[=:]\s*"?([A-Za-z0-9_./-]+)`)},
		},
		serviceHints: []serviceHint{
			{"lambda", regexp.MustCompile(`(?i)/aws/lambda/|\blambda\b|REPORT RequestId|Init Duration|Task timed out`)},
			{"apigw", regexp.MustCompile(`(?i)/aws/apigateway/|\bapi ?gateway\b|\bapigw\b|Method request|Integration request|Endpoint request timed out`)},
			{"alb", regexp.MustCompile(`(?i)ELB-HealthChecker|\balb\b|\belb\b|request_processing_time|target_processing_time`)},
			{"ecs", regexp.MustCompile(`(?i)/aws/ecs/|\becs\b|\bfargate\b`)},
			{"eks", regexp.MustCompile(`(?i)\beks\b|kubelet|\bpods?\b|CrashLoopBackOff|ImagePullBackOff|OOMKilled|\bkubernetes\b|\bk8s\b`)},
			{"s3", regexp.MustCompile(`(?i)\bs3\b|NoSuchBucket|NoSuchKey|arn:aws:s3`)},
			{"dynamodb", regexp.MustCompile(`(?i)dynamodb|ProvisionedThroughputExceeded`)},
			{"rds", regexp.MustCompile(`(?i)\brds\b|\bmysql\b|\bpostgres(?:ql)?\b|\baurora\b`)},
			{"iam", regexp.MustCompile(`(?i)arn:aws:iam|\biam\b|\bsts\b|AssumeRole`)},
		},
		keyValues: regexp.MustCompile(`\b([a-z][a-z0-9_]*)=("[^"]*"|[^\s,;]+)`),
	}
}

var defaultExtractor = New()

// Extract 使用默认提取器解析日志文本
func Extract(raw string) domain.LogRecord {
	return defaultExtractor.Extract(raw)
}

// Extract 解析原始日志文本，永不失败。
// 返回记录的 RawText 与输入逐字节相等。
func (e *Extractor) Extract(raw string) domain.LogRecord {
	if rec, ok := e.extractJSON(raw); ok {
		return rec
	}
	return e.extractText(raw)
}

// ========== 纯文本日志 ==========

func (e *Extractor) extractText(raw string) domain.LogRecord {
	rec := domain.LogRecord{RawText: raw}
	fields := map[string]string{}

	rest := raw
	if m := e.timestampPrefix.FindStringSubmatchIndex(rest); m != nil {
		if ts, ok := parseTime(rest[m[2]:m[3]]); ok {
			rec.Timestamp = &ts
			rest = rest[m[1]:]
		}
	}
	if m := e.levelPrefix.FindStringSubmatchIndex(rest); m != nil {
		fields["level"] = normalizeLevel(rest[m[2]:m[3]])
		rest = rest[m[1]:]
	}

	rec.ErrorCode = e.matchCode(raw)
	if rec.ErrorCode != nil {
		// 消息以错误码方括号开头时去掉该前缀
		if loc := e.codePrefix.FindStringIndex(rest); loc != nil && strings.Contains(rest[loc[0]:loc[1]], *rec.ErrorCode) {
			rest = rest[loc[1]:]
		}
	}
	rec.Service = e.matchService(raw)

	for _, kv := range e.keyValues.FindAllStringSubmatch(raw, -1) {
		key := kv[1]
		if _, exists := fields[key]; exists {
			continue
		}
		fields[key] = strings.Trim(kv[2], `"`)
	}

	if rec.Degraded() && len(fields) == 0 {
		rec.Message = raw
		return rec
	}

	rec.Message = strings.TrimSpace(strings.TrimLeft(rest, " \t:-|"))
	if rec.Message == "" {
		rec.Message = raw
	}
	fields["format"] = "text"
	rec.Fields = fields
	return rec
}

func (e *Extractor) matchCode(text string) *string {
	for _, p := range e.errorCodes {
		if m := p.re.FindStringSubmatch(text); m != nil {
			code := m[1]
			if p.name == "http_status" {
				code = "HTTP" + code
			}
			return &code
		}
	}
	return nil
}

func (e *Extractor) matchService(text string) string {
	for _, p := range e.services {
		if m := p.re.FindStringSubmatch(text); m != nil {
			return strings.ToLower(m[1])
		}
	}
	for _, h := range e.serviceHints {
		if h.re.MatchString(text) {
			return h.service
		}
	}
	return ""
}

// ========== JSON 日志 ==========

func (e *Extractor) extractJSON(raw string) (domain.LogRecord, bool) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return domain.LogRecord{}, false
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return domain.LogRecord{}, false
	}

	rec := domain.LogRecord{RawText: raw}
	used := map[string]bool{}

	if key, v, ok := firstKey(obj, jsonTimestampKeys); ok {
		if ts, ok := coerceTime(v); ok {
			rec.Timestamp = &ts
			used[key] = true
		}
	}
	if key, v, ok := firstKey(obj, jsonMessageKeys); ok {
		rec.Message = scalarString(v)
		used[key] = true
	}
	if key, v, ok := firstKey(obj, jsonServiceKeys); ok {
		rec.Service = normalizeService(scalarString(v))
		used[key] = true
	}
	if key, v, ok := firstKey(obj, jsonCodeKeys); ok {
		if code := scalarString(v); code != "" {
			rec.ErrorCode = &code
			used[key] = true
		}
	}

	fields := map[string]string{"format": "json"}
	if key, v, ok := firstKey(obj, jsonLevelKeys); ok {
		fields["level"] = normalizeLevel(scalarString(v))
		used[key] = true
	}
	for k, v := range obj {
		if used[k] {
			continue
		}
		switch v.(type) {
		case map[string]any, []any, nil:
			continue
		}
		fields[k] = scalarString(v)
	}
	rec.Fields = fields

	// 结构化字段缺失时退回到正文上的文本模式
	if rec.Message == "" {
		rec.Message = raw
	}
	if rec.ErrorCode == nil {
		rec.ErrorCode = e.matchCode(rec.Message)
	}
	if rec.Service == "" {
		rec.Service = e.matchService(rec.Message)
	}
	return rec, true
}

func firstKey(obj map[string]any, keys []string) (string, any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return k, v, true
		}
	}
	return "", nil, false
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// coerceTime 支持字符串时间戳以及秒/毫秒级 Unix 时间
func coerceTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		return parseTime(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil || f <= 0 {
			return time.Time{}, false
		}
		if f > 1e11 {
			f /= 1000
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
	return time.Time{}, false
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return "warn"
	}
	return level
}

// normalizeService 将 eventSource 形式（如 dynamodb.amazonaws.com）折叠为服务名
func normalizeService(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, ".amazonaws.com")
	return s
}
