// Package sink defines the output backends of chatwatch events.
package sink

import (
	"context"

	"github.com/hazyhaar/chatwatch/event"
)

// Sink delivers engine events: stdout JSON lines, a webhook, an in-process
// callback, or several of them through a Router. Implementations must be
// safe for concurrent use.
type Sink interface {
	SendMessage(ctx context.Context, m event.Message) error
	SendUnread(ctx context.Context, u event.Unread) error
	SendMetrics(ctx context.Context, m event.Metrics) error
	SendDiagnostic(ctx context.Context, d event.Diagnostic) error
	Close() error
}

// Discard drops every event.
type Discard struct{}

func (Discard) SendMessage(context.Context, event.Message) error       { return nil }
func (Discard) SendUnread(context.Context, event.Unread) error         { return nil }
func (Discard) SendMetrics(context.Context, event.Metrics) error       { return nil }
func (Discard) SendDiagnostic(context.Context, event.Diagnostic) error { return nil }
func (Discard) Close() error                                           { return nil }
