package services_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"lending/internal/services"
)

func spanNamed(t *testing.T, spans tracetest.SpanStubs, name string) tracetest.SpanStub {
	t.Helper()
	for _, s := range spans {
		if s.Name == name {
			return s
		}
	}
	require.Failf(t, "span not recorded", "%s", name)
	return tracetest.SpanStub{}
}

func attr(s tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func Test_Engine_EmitsSpansAndLogs(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f := newFixture(t, services.WithTracer(tp.Tracer("test")), services.WithLogger(logger))

	book := uuid.New()
	c := f.newCopy(t, book)
	first, err := f.engine.CreateRequest(f.ctx, uuid.New(), []uuid.UUID{book}, "")
	require.NoError(t, err)
	second, err := f.engine.CreateRequest(f.ctx, uuid.New(), []uuid.UUID{book}, "")
	require.NoError(t, err)
	_, err = f.engine.ConfirmItem(f.ctx, first.ID, book, c, uuid.New())
	require.NoError(t, err)
	_, err = f.engine.ConfirmItem(f.ctx, second.ID, book, c, uuid.New())
	require.ErrorIs(t, err, services.ErrCopyAlreadyOnLoan)

	spans := exporter.GetSpans()
	create := spanNamed(t, spans, "engine.create_request")
	assert.Equal(t, codes.Ok, create.Status.Code)

	var rejected *tracetest.SpanStub
	for i := range spans {
		if spans[i].Name == "engine.confirm_item" {
			if _, ok := attr(spans[i], "error.kind"); ok {
				rejected = &spans[i]
			}
		}
	}
	require.NotNil(t, rejected)
	kind, _ := attr(*rejected, "error.kind")
	assert.Equal(t, "conflict", kind.AsString())
	// domain rejections do not mark the span as failed
	assert.NotEqual(t, codes.Error, rejected.Status.Code)

	out := logs.String()
	assert.Contains(t, out, "ConfirmItem: copy bound")
	assert.Contains(t, out, "ConfirmItem: rejected")
	assert.Contains(t, out, "level=WARN")
}
