package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies the runtime's spans in whatever backend the process
// is configured to export to.
const TracerName = "github.com/wangenius/shipmyagent"

// SetupTracing installs a process-wide TracerProvider tagged with
// serviceName. No exporter or span processor is attached, so spans are
// created but not exported anywhere.
// Call once at startup; the returned func flushes and releases resources.
func SetupTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the process-wide tracer AgentTurn spans are recorded under.
func Tracer() trace.Tracer { return otel.Tracer(TracerName) }
