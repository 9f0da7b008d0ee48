package services

import (
	"context"
	"log/slog"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func startSpan(ctx context.Context, o *options, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan closes span and logs a failed operation. Expected domain outcomes are
// warnings; infrastructure and unclassified failures are errors.
func endSpan(ctx context.Context, logger *slog.Logger, span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String("error.kind", KindOf(err).String()))
	switch KindOf(err) {
	case KindInfrastructure, KindUnknown:
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, op+": failed", "error", err)
	default:
		logger.WarnContext(ctx, op+": rejected", "error", err, "kind", KindOf(err).String())
	}
}

// wrapInfra marks errors outside the domain taxonomy as infrastructure failures.
func wrapInfra(op string, err error) error {
	if err == nil || KindOf(err) != KindUnknown {
		return err
	}
	return infra(op, err)
}
