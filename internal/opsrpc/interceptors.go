package opsrpc

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/satops/internal/logging"
	"github.com/signalsfoundry/satops/internal/observability"
)

const requestIDMetadataKey = "x-request-id"

// RequestIDUnaryServerInterceptor puts a request ID on the context, taking
// it from inbound x-request-id metadata when present, and attaches a
// request-scoped logger. The ID is echoed in the response header.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDMetadataKey); len(vals) > 0 && vals[0] != "" {
				ctx = logging.ContextWithRequestID(ctx, vals[0])
			}
		}
		ctx, id := logging.EnsureRequestID(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDMetadataKey, id))

		ctx = logging.ContextWithLogger(ctx, base.With(
			logging.String("request_id", id),
			logging.String("method", info.FullMethod),
		))
		return handler(ctx, req)
	}
}

// SpanAttributesUnaryServerInterceptor annotates the span opened by the
// otelgrpc stats handler with the RPC service, method and request ID.
func SpanAttributesUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		span := trace.SpanFromContext(ctx)
		if span.SpanContext().IsValid() {
			service, method := observability.SplitMethod(info.FullMethod)
			attrs := []attribute.KeyValue{
				attribute.String("rpc.service", service),
				attribute.String("rpc.method", method),
				attribute.String("rpc.full_method", strings.TrimPrefix(info.FullMethod, "/")),
			}
			if id := logging.RequestIDFromContext(ctx); id != "" {
				attrs = append(attrs, attribute.String("request_id", id))
			}
			span.SetAttributes(attrs...)
		}
		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
		}
		return resp, err
	}
}

// StatusUnaryServerInterceptor converts handler errors with ToStatusError.
func StatusUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		return resp, ToStatusError(err)
	}
}
