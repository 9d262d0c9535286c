// Package telemetry 提供 OpenTelemetry 分布式追踪功能的封装。
// 启用时通过 OTLP gRPC 将追踪数据导出到 Tempo、Jaeger 等后端；
// 未启用时使用全局空操作追踪器，调用方无需区分两种情况。
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// tracerName 分诊服务内部 Span 使用的追踪器名称
const tracerName = "github.com/oriys/triage"

// Config 遥测配置
type Config struct {
	// Enabled 为 false 时跳过导出器初始化
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP gRPC 接收端地址，例如 "tempo:4317"
	Endpoint string `yaml:"endpoint"`
	// ServiceName 追踪数据中的服务名
	ServiceName string `yaml:"service_name"`
	// ServiceVersion 服务版本，写入资源属性
	ServiceVersion string `yaml:"service_version"`
	// SampleRate 采样率，0.0 到 1.0
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 运行环境，如 production、staging
	Environment string `yaml:"environment"`
}

// Telemetry 持有追踪提供者与追踪器
type Telemetry struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
}

// New 根据配置初始化追踪。
//
// 启用时依次完成：补全默认值、建立到 OTLP 接收端的 gRPC 连接、
// 创建资源与采样器、注册全局追踪提供者和 W3C 传播器。
//
// 参数：
//   - ctx: 控制连接超时的上下文
//   - cfg: 遥测配置
//
// 返回：
//   - *Telemetry: 遥测实例，未启用时仅包含空操作追踪器
//   - error: 连接或导出器创建失败
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{config: cfg, tracer: otel.Tracer(tracerName)}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "triage-gateway"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "dev"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 0.1
	}
	if cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "tempo:4317"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(ctx, cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to %s: %w", cfg.Endpoint, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	if cfg.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Telemetry{
		config:         cfg,
		tracerProvider: tp,
		tracer:         tp.Tracer(tracerName),
	}, nil
}

// Tracer 返回追踪器
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Shutdown 刷新待发送的 Span 并释放资源，应在进程退出前调用
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider == nil {
		return nil
	}
	return t.tracerProvider.Shutdown(ctx)
}

// IsEnabled 返回是否启用了导出
func (t *Telemetry) IsEnabled() bool {
	return t.config.Enabled
}

// ========== Span 辅助函数 ==========

// StartSpan 创建子 Span，使用完毕后需调用 End()
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartRunSpan 为运行中的一次操作创建 Span，附带 run.id 与 run.op 属性
func StartRunSpan(ctx context.Context, runID, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{
		attribute.String("run.id", runID),
		attribute.String("run.op", op),
	}, attrs...)
	return StartSpan(ctx, "triage."+op, trace.WithAttributes(attrs...))
}

// EndSpan 结束 Span；err 非空时记录错误并标记状态
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext 提取 Trace ID，上下文无有效 Span 时返回空字符串
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// SpanIDFromContext 提取 Span ID，上下文无有效 Span 时返回空字符串
func SpanIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.SpanID().String()
}

// AddSpanAttributes 向当前 Span 添加属性
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
