package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/m3rciful/apptbot/core/logger"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartCopiesIDsIntoLoggerContext(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := Start(context.Background(), "booking.confirm")
	if logger.TraceIDFrom(ctx) == "" || logger.SpanIDFrom(ctx) == "" {
		t.Fatal("trace ids not propagated to logger context")
	}
	End(span, errors.New("workbook locked"))

	ended := rec.Ended()
	if len(ended) != 1 || ended[0].Name() != "booking.confirm" {
		t.Fatalf("ended spans = %v", ended)
	}
	if len(ended[0].Events()) == 0 {
		t.Fatal("error not recorded on span")
	}
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestNormalize(t *testing.T) {
	c := Config{SampleRatio: 4}
	c.Normalize()
	if c.ServiceName != "apptbot" || c.Endpoint != "localhost:4317" || c.SampleRatio != 1 {
		t.Fatalf("normalized = %+v", c)
	}
}
