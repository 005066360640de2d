package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nevindra/turnflow"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WrapCapability returns c with an instrumented Invoke. Wrap capabilities
// before building the registry:
//
//	reg, err := turnflow.NewRegistry(observer.WrapCapabilities(caps, inst)...)
func WrapCapability(c turnflow.Capability, inst *Instruments) turnflow.Capability {
	invoke := c.Invoke
	if invoke == nil {
		return c
	}
	name, category := c.Name, c.Category.String()
	c.Invoke = func(ctx context.Context, args json.RawMessage) (string, error) {
		ctx, span := inst.Tracer.Start(ctx, "capability.invoke", trace.WithAttributes(
			AttrCapabilityName.String(name),
			AttrCapabilityCategory.String(category),
		))
		defer span.End()
		start := time.Now()

		out, err := invoke(ctx, args)

		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(AttrCapabilityStatus.String(status), AttrResultLength.Int(len(out)))

		ms := float64(time.Since(start).Milliseconds())
		inst.CapabilityCalls.Add(ctx, 1, metric.WithAttributes(
			AttrCapabilityName.String(name),
			AttrCapabilityCategory.String(category),
			attribute.String("status", status),
		))
		inst.CapabilityDuration.Record(ctx, ms, metric.WithAttributes(AttrCapabilityName.String(name)))
		inst.emitLog(ctx, otellog.SeverityInfo, "capability invoked",
			otellog.String("capability.name", name),
			otellog.String("capability.status", status),
			otellog.Int("capability.result_length", len(out)),
			otellog.Float64("capability.duration_ms", ms),
		)
		return out, err
	}
	return c
}

// WrapCapabilities applies WrapCapability to each capability.
func WrapCapabilities(caps []turnflow.Capability, inst *Instruments) []turnflow.Capability {
	out := make([]turnflow.Capability, len(caps))
	for i, c := range caps {
		out[i] = WrapCapability(c, inst)
	}
	return out
}
