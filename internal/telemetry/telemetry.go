package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/BaSui01/agentmemory/config"
	"github.com/BaSui01/agentmemory/internal/tlsutil"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/credentials"
)

// ScopeName 记忆引擎 tracer 与 meter 的 instrumentation scope
const ScopeName = "github.com/BaSui01/agentmemory"

// Providers 持有 SDK 的 TracerProvider 与 MeterProvider。
// 遥测关闭时两者为 nil，Tracer/Meter 退回全局实现，Shutdown 不做任何事。
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init 按配置连接 OTLP gRPC collector。cfg.Enabled 为 false 时返回空 Providers。
func Init(ctx context.Context, cfg config.TelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Providers{}, nil
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	} else {
		tlsCfg, err := tlsutil.ClientConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("otlp tls: %w", err)
		}
		creds := credentials.NewTLS(tlsCfg)
		traceOpts = append(traceOpts, otlptracegrpc.WithTLSCredentials(creds))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithTLSCredentials(creds))
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.ExportInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.ExportInterval))
	}
	p, err := InitWithExporters(ctx, cfg, spans, sdkmetric.NewPeriodicReader(metrics, readerOpts...))
	if err != nil {
		return nil, err
	}

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Bool("insecure", cfg.Insecure),
		zap.Float64("sample_rate", cfg.SampleRate))
	return p, nil
}

// InitWithExporters 用给定的 span exporter 与 metric reader 组装 provider 并注册为全局实现。
// 测试传入内存 exporter 与 ManualReader。
func InitWithExporters(ctx context.Context, cfg config.TelemetryConfig,
	spans sdktrace.SpanExporter, reader sdkmetric.Reader) (*Providers, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(buildVersion()),
	))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	if spans != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(spans))
	}
	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(reader))
	}

	p := &Providers{
		tp: sdktrace.NewTracerProvider(tpOpts...),
		mp: sdkmetric.NewMeterProvider(mpOpts...),
	}
	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

// Enabled 是否连接了 SDK
func (p *Providers) Enabled() bool { return p != nil && p.tp != nil }

// Tracer 返回 SDK tracer；未启用时返回全局 tracer
func (p *Providers) Tracer(name string) trace.Tracer {
	if !p.Enabled() {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Meter 返回 SDK meter；未启用时返回 noop meter
func (p *Providers) Meter(name string) metric.Meter {
	if p == nil || p.mp == nil {
		return noop.NewMeterProvider().Meter(name)
	}
	return p.mp.Meter(name)
}

// ForceFlush 立即导出缓冲的 span
func (p *Providers) ForceFlush(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

// Shutdown 刷新并关闭 exporter，可在空 Providers 上调用
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
