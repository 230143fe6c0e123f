// CLAUDE:SUMMARY In-process callback sink delivering events via Go function calls with zero serialization.
package sink

import (
	"context"

	"github.com/hazyhaar/chatwatch/event"
)

// Callback delivers events through Go function calls. It is the path used
// when chatwatch is embedded in a hosting process. Nil funcs are skipped.
type Callback struct {
	OnMessage    func(ctx context.Context, m event.Message) error
	OnUnread     func(ctx context.Context, u event.Unread) error
	OnMetrics    func(ctx context.Context, m event.Metrics) error
	OnDiagnostic func(ctx context.Context, d event.Diagnostic) error
}

func (c *Callback) SendMessage(ctx context.Context, m event.Message) error {
	if c.OnMessage != nil {
		return c.OnMessage(ctx, m)
	}
	return nil
}

func (c *Callback) SendUnread(ctx context.Context, u event.Unread) error {
	if c.OnUnread != nil {
		return c.OnUnread(ctx, u)
	}
	return nil
}

func (c *Callback) SendMetrics(ctx context.Context, m event.Metrics) error {
	if c.OnMetrics != nil {
		return c.OnMetrics(ctx, m)
	}
	return nil
}

func (c *Callback) SendDiagnostic(ctx context.Context, d event.Diagnostic) error {
	if c.OnDiagnostic != nil {
		return c.OnDiagnostic(ctx, d)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
