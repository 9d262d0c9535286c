// Package metrics 提供 Prometheus 指标采集与上报的统一封装。
// 该包集中定义分诊服务的关键指标（运行、分类、分发、HTTP 等），便于在各模块复用并保持标签一致。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 封装分诊服务运行时指标集合。
// 所有更新方法对 nil 接收者安全，未启用指标时可直接传 nil。
//
// 指标分类:
//   - 运行指标: 运行的创建、状态迁移和终态
//   - 分类指标: 分类结果与置信度分布
//   - 分发指标: 下游通知/工单的结果与重试
//   - HTTP 指标: 网关请求数与耗时
type Metrics struct {
	// ========== 运行相关指标 ==========

	// RunsStarted 启动的运行总数
	// 标签: source
	RunsStarted *prometheus.CounterVec

	// Transitions 状态迁移次数
	// 标签: from, to, event
	Transitions *prometheus.CounterVec

	// RunsTerminal 进入终态的运行数
	// 标签: state, reason
	RunsTerminal *prometheus.CounterVec

	// AwaitingSelection 当前等待选择的运行数
	AwaitingSelection prometheus.Gauge

	// StepDuration 单个处理步骤的耗时（单位：毫秒）
	// 标签: step
	StepDuration *prometheus.HistogramVec

	// StepRetries 步骤重试次数
	// 标签: step
	StepRetries *prometheus.CounterVec

	// ========== 分类相关指标 ==========

	// Classifications 分类结果计数
	// 标签: category
	Classifications *prometheus.CounterVec

	// ClassificationConfidence 分类置信度分布
	ClassificationConfidence prometheus.Histogram

	// ========== 分发相关指标 ==========

	// DispatchResults 下游子动作结果
	// 标签: action, result
	DispatchResults *prometheus.CounterVec

	// DispatchQueueSize 分发队列中等待的任务数
	DispatchQueueSize prometheus.Gauge

	// ========== HTTP 相关指标 ==========

	// HTTPRequests 网关请求总数
	// 标签: method, route, status
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration 网关请求耗时（单位：毫秒）
	// 标签: method, route
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics 创建并向默认注册表注册一组 Prometheus 指标。
// namespace 用于作为所有指标名前缀。
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith 向指定注册表注册指标，测试中使用独立注册表避免重复注册
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of triage runs started",
			},
			[]string{"source"},
		),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_transitions_total",
				Help:      "Total number of run state transitions",
			},
			[]string{"from", "to", "event"},
		),
		RunsTerminal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_terminal_total",
				Help:      "Total number of runs that reached a terminal state",
			},
			[]string{"state", "reason"},
		),
		AwaitingSelection: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_awaiting_selection",
				Help:      "Number of runs waiting for a remediation selection",
			},
		),
		StepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_ms",
				Help:      "Pipeline step duration in milliseconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 25, 100, 500, 2500, 10000},
			},
			[]string{"step"},
		),
		StepRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retries",
			},
			[]string{"step"},
		),
		Classifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifications_total",
				Help:      "Total number of classifications by category",
			},
			[]string{"category"},
		),
		ClassificationConfidence: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "classification_confidence",
				Help:      "Distribution of classification confidence",
				Buckets:   []float64{0.1, 0.3, 0.5, 0.7, 0.8, 0.9, 0.95, 1.0},
			},
		),
		DispatchResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_results_total",
				Help:      "Total number of downstream sub-action results",
			},
			[]string{"action", "result"},
		),
		DispatchQueueSize: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatch_queue_size",
				Help:      "Current dispatch queue size",
			},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of gateway HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_ms",
				Help:      "Gateway HTTP request duration in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"method", "route"},
		),
	}
}

// RecordRunStarted 记录一次运行启动
func (m *Metrics) RecordRunStarted(source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.RunsStarted.WithLabelValues(source).Inc()
}

// RecordTransition 记录一次状态迁移，并维护等待选择的运行数与终态计数。
// reason 为失败原因编码，非失败终态传空。
func (m *Metrics) RecordTransition(from, to, event string, terminal bool, reason string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to, event).Inc()

	if to == "awaiting_selection" && from != to {
		m.AwaitingSelection.Inc()
	}
	if from == "awaiting_selection" && from != to {
		m.AwaitingSelection.Dec()
	}
	if terminal {
		m.RunsTerminal.WithLabelValues(to, reason).Inc()
	}
}

// RecordStep 记录单个步骤耗时，retried 表示该次执行以重试结束
func (m *Metrics) RecordStep(step string, durationMs float64, retried bool) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step).Observe(durationMs)
	if retried {
		m.StepRetries.WithLabelValues(step).Inc()
	}
}

// RecordClassification 记录一次分类结果
func (m *Metrics) RecordClassification(category string, confidence float64) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(category).Inc()
	m.ClassificationConfidence.Observe(confidence)
}

// RecordDispatch 记录下游子动作结果
func (m *Metrics) RecordDispatch(action string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.DispatchResults.WithLabelValues(action, result).Inc()
}

// SetDispatchQueueSize 更新分发队列长度
func (m *Metrics) SetDispatchQueueSize(n int) {
	if m == nil {
		return
	}
	m.DispatchQueueSize.Set(float64(n))
}

// RecordHTTPRequest 记录一次 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, route, status string, durationMs float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(durationMs)
}
