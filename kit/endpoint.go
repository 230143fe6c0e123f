// Package kit holds the transport-agnostic endpoint shape shared by the
// MCP tools and the HTTP control API.
package kit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Endpoint is a typed request/response function independent of transport.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first one is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Recover turns a panic in the endpoint into an error.
func Recover() Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (resp any, err error) {
			defer func() {
				if r := recover(); r != nil {
					resp, err = nil, fmt.Errorf("kit: endpoint panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// Logging logs each call of the endpoint name with its transport, request
// id and duration. Failures at warn level, successes at debug.
func Logging(logger *slog.Logger, name string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"endpoint", name,
				"transport", GetTransport(ctx),
				"request_id", GetRequestID(ctx),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				logger.WarnContext(ctx, "kit: call failed", append(attrs, "error", err)...)
				return resp, err
			}
			logger.DebugContext(ctx, "kit: call ok", attrs...)
			return resp, nil
		}
	}
}
