package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hazyhaar/chatwatch/event"
)

// Router fans events out to every sink. One failing sink does not block
// the others; errors are logged and the first one is returned.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a fan-out router.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

// Len returns the number of sinks.
func (r *Router) Len() int { return len(r.sinks) }

func (r *Router) each(kind event.Kind, fn func(Sink) error) error {
	var first error
	for _, s := range r.sinks {
		if err := fn(s); err != nil {
			r.logger.Warn("sink: send failed", "type", kind, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (r *Router) SendMessage(ctx context.Context, m event.Message) error {
	return r.each(event.KindMessage, func(s Sink) error { return s.SendMessage(ctx, m) })
}

func (r *Router) SendUnread(ctx context.Context, u event.Unread) error {
	return r.each(event.KindUnread, func(s Sink) error { return s.SendUnread(ctx, u) })
}

func (r *Router) SendMetrics(ctx context.Context, m event.Metrics) error {
	return r.each(event.KindMetrics, func(s Sink) error { return s.SendMetrics(ctx, m) })
}

func (r *Router) SendDiagnostic(ctx context.Context, d event.Diagnostic) error {
	return r.each(event.KindDiagnostic, func(s Sink) error { return s.SendDiagnostic(ctx, d) })
}

// Close closes every sink and joins their errors.
func (r *Router) Close() error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
