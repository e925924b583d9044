package kurir

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ambiyansyah-risyal/kurir"

// WithTracerProvider sets the provider spans are created from. The global
// provider is used otherwise, which is a no-op until the host application
// installs one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName, trace.WithInstrumentationVersion(Version))
		}
	}
}

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName, trace.WithInstrumentationVersion(Version))
}

func (c *Client) startSpan(ctx context.Context, desc CallDescriptor, url string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "kurir "+desc.method(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", desc.method()),
			attribute.String("url.full", url),
			attribute.Bool("kurir.cache", desc.Cache != nil && desc.Cache.Enabled),
			attribute.Bool("kurir.queue", desc.queued()),
		),
	)
}

// injectTrace propagates the span context into outgoing headers.
func injectTrace(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

func finishSpan(span trace.Span, resp *Response, ce *ClassifiedError) {
	if resp != nil {
		span.SetAttributes(
			attribute.Int("http.response.status_code", resp.StatusCode),
			attribute.Bool("kurir.cached", resp.Cached),
		)
	}
	if ce != nil {
		span.SetAttributes(
			attribute.String("kurir.error.kind", ce.Kind.String()),
			attribute.Int("kurir.retry_count", ce.RetryCount),
		)
		span.RecordError(ce)
		span.SetStatus(codes.Error, ce.Message)
	}
	span.End()
}

// traceID returns the hex trace id of the span in ctx, or "".
func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
