// Package connectivity provides the in-process control plane of chatwatch:
// a service router dispatching named calls to local handlers, handler
// middleware, and the circuit breaker that guards container discovery.
//
//	router := connectivity.New()
//	router.RegisterLocal("chatwatch_status", engine.handleStatus)
//
//	// Callers (HTTP API, MCP tools, a hosting shell) only know the name:
//	resp, err := router.Call(ctx, "chatwatch_status", nil)
package connectivity

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Handler is a transport-agnostic service function: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Router dispatches service calls to registered handlers.
// Thread-safe: reads use RLock, registration uses full Lock.
type Router struct {
	mu            sync.RWMutex
	localHandlers map[string]Handler
	middleware    HandlerMiddleware
	logger        *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger for the router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMiddleware wraps every handler registered afterwards.
func WithMiddleware(mws ...HandlerMiddleware) Option {
	return func(r *Router) { r.middleware = Chain(mws...) }
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		localHandlers: make(map[string]Handler),
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers an in-memory handler for a service, replacing
// any previous one.
func (r *Router) RegisterLocal(service string, h Handler) {
	if r.middleware != nil {
		h = r.middleware(h)
	}
	r.mu.Lock()
	r.localHandlers[service] = h
	r.mu.Unlock()
}

// Unregister removes a service.
func (r *Router) Unregister(service string) {
	r.mu.Lock()
	delete(r.localHandlers, service)
	r.mu.Unlock()
}

// Call dispatches a service call.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	h := r.localHandlers[service]
	r.mu.RUnlock()

	if h == nil {
		return nil, &ErrServiceNotFound{Service: service}
	}
	r.logger.DebugContext(ctx, "routing local", "service", service)
	return h(ctx, payload)
}

// Services lists registered service names, sorted.
func (r *Router) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.localHandlers))
	for name := range r.localHandlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
