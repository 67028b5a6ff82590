package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestLoggerWithTraceAddsSpanIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	plain := LoggerWithTrace(context.Background(), logger)
	plain.Info().Msg("plain")
	if strings.Contains(buf.String(), "trace_id") {
		t.Fatalf("unexpected trace id without a span: %s", buf.String())
	}

	provider := sdktrace.NewTracerProvider()
	defer provider.Shutdown(context.Background())
	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	buf.Reset()
	traced := LoggerWithTrace(ctx, logger)
	traced.Info().Msg("traced")
	out := buf.String()
	if !strings.Contains(out, span.SpanContext().TraceID().String()) || !strings.Contains(out, "span_id") {
		t.Fatalf("trace fields missing: %s", out)
	}
}

func TestRegisterRuntimeCollectorsTwice(t *testing.T) {
	RegisterRuntimeCollectors()
	RegisterRuntimeCollectors()
}

func TestEditAttributesOmitsZeroValues(t *testing.T) {
	attrs := EditAttributes("doc", "", 0)
	if len(attrs) != 1 || attrs[0].Value.AsString() != "doc" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}

	attrs = EditAttributes("doc", "e1", 7)
	if len(attrs) != 3 || attrs[2].Value.AsInt64() != 7 {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
}
