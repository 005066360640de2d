// Package observer provides OpenTelemetry observability for turnflow runs.
//
// It wraps Provider, Capability and Runner values with instrumented versions
// that emit traces, metrics and logs, and implements turnflow.Tracer so the
// engine's own spans (run, invoke, tools, respond) land in the same trace.
// Export goes to any OTLP-compatible backend configured through the standard
// OTEL_* environment variables.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/turnflow/observer"

// Instruments holds the OTEL instruments shared by the wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	TokenUsage      metric.Int64Counter
	CostTotal       metric.Float64Counter
	LLMRequests     metric.Int64Counter
	CapabilityCalls metric.Int64Counter
	Runs            metric.Int64Counter
	RouteDecisions  metric.Int64Counter

	LLMDuration        metric.Float64Histogram
	CapabilityDuration metric.Float64Histogram
	RunDuration        metric.Float64Histogram

	Cost *CostCalculator
}

// Config configures Init.
type Config struct {
	// ServiceName is reported as service.name (default "turnflow").
	ServiceName string
	// Pricing overrides or extends DefaultPricing.
	Pricing map[string]ModelPricing
}

// Init sets up global trace, metric and log providers with OTLP HTTP
// exporters. The returned shutdown function flushes and stops all three and
// must be called on exit.
func Init(ctx context.Context, cfg Config) (*Instruments, func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "turnflow"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)), sdklog.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
	}
	inst, err := newInstruments(tp, mp, lp, cfg.Pricing)
	if err != nil {
		_ = shutdown(ctx)
		return nil, nil, err
	}
	return inst, shutdown, nil
}

// Default returns instruments bound to the current global providers (no-ops
// unless Init or the host application configured them).
func Default() (*Instruments, error) {
	return newInstruments(otel.GetTracerProvider(), otel.GetMeterProvider(), global.GetLoggerProvider(), nil)
}

func newInstruments(tp trace.TracerProvider, mp metric.MeterProvider, lp otellog.LoggerProvider, pricing map[string]ModelPricing) (*Instruments, error) {
	inst := &Instruments{
		Tracer: tp.Tracer(scopeName),
		Meter:  mp.Meter(scopeName),
		Logger: lp.Logger(scopeName),
		Cost:   NewCostCalculator(pricing),
	}
	m := inst.Meter

	var errs []error
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		h, err := m.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
		errs = append(errs, err)
		return h
	}

	inst.TokenUsage = counter("llm.token.usage", "Total tokens consumed", "{token}")
	inst.LLMRequests = counter("llm.requests", "LLM request count", "{request}")
	inst.CapabilityCalls = counter("capability.calls", "Capability invocation count", "{call}")
	inst.Runs = counter("engine.runs", "Engine run count", "{run}")
	inst.RouteDecisions = counter("engine.route_decisions", "Router decisions by rule", "{decision}")
	inst.LLMDuration = histogram("llm.duration", "LLM call duration")
	inst.CapabilityDuration = histogram("capability.duration", "Capability invocation duration")
	inst.RunDuration = histogram("engine.run.duration", "Engine run duration")

	cost, err := m.Float64Counter("llm.cost.total", metric.WithDescription("Cumulative LLM cost in USD"), metric.WithUnit("USD"))
	inst.CostTotal = cost
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return inst, nil
}

// emitLog writes a structured OTEL log record.
func (i *Instruments) emitLog(ctx context.Context, sev otellog.Severity, body string, attrs ...otellog.KeyValue) {
	var rec otellog.Record
	rec.SetSeverity(sev)
	rec.SetBody(otellog.StringValue(body))
	rec.AddAttributes(attrs...)
	i.Logger.Emit(ctx, rec)
}
