package tracing

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/mkarppi/signoff/pkg/api"
)

const tracerName = "github.com/mkarppi/signoff"

var (
	providerOnce sync.Once
	providerErr  error
)

// Init configures OpenTelemetry with the stdout exporter. If outputFile is an
// empty string the exporter writes to os.Stdout. The function is safe to call
// multiple times; the first successful initialisation wins.
func Init(serviceName, serviceVersion, outputFile string) error {
	var w io.Writer = os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return err
		}
		w = f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return err
	}
	return InitWithExporter(serviceName, serviceVersion, exporter)
}

// InitWithExporter registers the supplied SpanExporter as the global trace
// provider. This allows integration with any exporter supported by the
// OpenTelemetry SDK (e.g. OTLP, Jaeger, Zipkin). Only the first invocation
// installs a provider; later calls return the error (if any) from the first
// attempt.
func InitWithExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) error {
	if exporter == nil {
		return nil
	}

	providerOnce.Do(func() {
		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				attribute.String("service.name", serviceName),
				attribute.String("service.version", serviceVersion),
			),
		)
		if err != nil {
			providerErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
	})

	return providerErr
}

// Observer emits one span per instance lifecycle edge and per activity
// execution. Replay makes a single logical step observable many times, so
// spans are scoped to durable transitions rather than to replay passes.
//
// Instance spans cannot stay open across process restarts; start and
// completion are therefore recorded as independent point-in-time spans
// carrying the instance id as an attribute, and a trace back-end joins them.
type Observer struct {
	api.NoopObserver
}

// NewObserver returns an Observer using the globally installed tracer
// provider. Call Init (or InitWithExporter) first; without a provider the
// spans are no-ops.
func NewObserver() *Observer {
	return &Observer{}
}

func (o *Observer) OnInstanceStart(ctx context.Context, inst *api.WorkflowInstance) {
	o.point(ctx, "instance.start", instanceAttrs(inst), nil)
}

func (o *Observer) OnInstanceCompleted(ctx context.Context, inst *api.WorkflowInstance) {
	o.point(ctx, "instance.completed", instanceAttrs(inst), nil)
}

func (o *Observer) OnInstanceFailed(ctx context.Context, inst *api.WorkflowInstance, err error) {
	o.point(ctx, "instance.failed", instanceAttrs(inst), err)
}

func (o *Observer) OnActivityCompleted(ctx context.Context, instanceID, activity string, callID int64, err error, d time.Duration) {
	// The activity already ran; reconstruct its span from the measured
	// duration so the trace shows real execution time.
	end := time.Now()
	start := end.Add(-d)

	_, span := otel.Tracer(tracerName).Start(ctx, "activity."+activity,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(start),
	)
	span.SetAttributes(
		attribute.String("workflow.instance_id", instanceID),
		attribute.Int64("workflow.call_id", callID),
	)
	setStatus(span, err)
	span.End(trace.WithTimestamp(end))
}

func (o *Observer) OnTimerFired(ctx context.Context, instanceID string, callID int64) {
	o.point(ctx, "timer.fired", []attribute.KeyValue{
		attribute.String("workflow.instance_id", instanceID),
		attribute.Int64("workflow.call_id", callID),
	}, nil)
}

func (o *Observer) OnEventDelivered(ctx context.Context, instanceID, event string, buffered bool) {
	o.point(ctx, "event.delivered", []attribute.KeyValue{
		attribute.String("workflow.instance_id", instanceID),
		attribute.String("workflow.event", event),
		attribute.Bool("workflow.event_buffered", buffered),
	}, nil)
}

func (o *Observer) OnEventDropped(ctx context.Context, instanceID, event string) {
	o.point(ctx, "event.dropped", []attribute.KeyValue{
		attribute.String("workflow.instance_id", instanceID),
		attribute.String("workflow.event", event),
	}, nil)
}

func (o *Observer) point(ctx context.Context, name string, attrs []attribute.KeyValue, err error) {
	_, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attrs...)
	setStatus(span, err)
	span.End()
}

func instanceAttrs(inst *api.WorkflowInstance) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("workflow.instance_id", inst.ID),
		attribute.String("workflow.name", inst.Workflow),
		attribute.String("workflow.status", string(inst.Status)),
	}
	if inst.ParentID != "" {
		attrs = append(attrs,
			attribute.String("workflow.parent_id", inst.ParentID),
			attribute.Int64("workflow.parent_call_id", inst.ParentCallID),
		)
	}
	return attrs
}

func setStatus(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

var _ api.Observer = (*Observer)(nil)
