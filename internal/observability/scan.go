package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ScanTracerName is the instrumentation scope for every span the scan
// core emits, independent of whichever exporter InitTracer wired up.
const ScanTracerName = "kvscan/scan"

// StartSliceSpan opens a span around one job's one-partition slice
// call, tagged with enough attributes to find a slow or failing
// partition in a trace backend without instrumenting each flavor
// package individually.
func StartSliceSpan(ctx context.Context, jobType, namespace string, trid uint64, pid uint16) (context.Context, trace.Span) {
	tracer := otel.Tracer(ScanTracerName)
	return tracer.Start(ctx, "scan.slice",
		trace.WithAttributes(
			attribute.String("scan.job_type", jobType),
			attribute.String("scan.namespace", namespace),
			attribute.Int64("scan.trid", int64(trid)),
			attribute.Int("scan.partition_id", int(pid)),
		),
	)
}

// EndSliceSpan records err on span (if any) and closes it.
func EndSliceSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
