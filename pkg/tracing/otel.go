package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracer is the tracing interface dispatcher/worker code depends on, kept
// narrow enough that a no-op implementation costs nothing when tracing is
// disabled.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error))
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// NoopTracer discards every span; it's the default when tracing is disabled.
var NoopTracer Tracer = noopTracer{}

// OTelTracer adapts an OpenTelemetry tracer to the Tracer interface.
type OTelTracer struct {
	tracer oteltrace.Tracer
}

// NewOTelTracer creates a tracer from the provided provider and instrumentation name.
func NewOTelTracer(provider oteltrace.TracerProvider, instrumentation string) Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	if provider == nil {
		return NoopTracer
	}
	if strings.TrimSpace(instrumentation) == "" {
		instrumentation = "ace-dispatcher"
	}
	return &OTelTracer{tracer: provider.Tracer(instrumentation)}
}

// NewGlobalTracer returns a tracer using the global provider with the given name.
func NewGlobalTracer(instrumentation string) Tracer {
	return NewOTelTracer(nil, instrumentation)
}

// StartSpan implements Tracer using the OpenTelemetry tracer.
func (t *OTelTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error)) {
	if t == nil || t.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := t.tracer.Start(ctx, name, oteltrace.WithAttributes(convertAttrs(attrs)...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func convertAttrs(attrs map[string]string) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	result := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		result = append(result, attribute.String(key, v))
	}
	return result
}
