package bridge

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "bifrost"

// beginSpan opens a span covering the stream's lifetime when tracing is
// enabled. Request attributes are filled in once validation extracted them.
func (s *Session) beginSpan(d *Stream) {
	if !s.cfg.TracingEnabled {
		return
	}
	tracer := otel.Tracer(tracerName)
	_, span := tracer.Start(context.Background(), "bridge.stream",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.Int64("http2.stream_id", int64(d.id))),
	)
	d.span = span
}

func (s *Session) annotateSpan(d *Stream) {
	if d.span == nil {
		return
	}
	d.span.SetAttributes(
		attribute.String("http.method", d.method),
		attribute.String("http.scheme", d.scheme),
		attribute.String("http.authority", d.authority),
		attribute.String("http.path", d.path),
	)
}

func (s *Session) endSpan(d *Stream) {
	if d.span == nil {
		return
	}
	switch d.responseState {
	case ResponseMsgComplete:
		d.span.SetStatus(codes.Ok, "")
	case ResponseMsgReset:
		d.span.SetStatus(codes.Error, "origin reset")
	default:
		d.span.SetStatus(codes.Error, "incomplete response")
	}
	d.span.End()
	d.span = nil
}
