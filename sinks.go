package chatwatch

import (
	"context"
	"io"
	"log/slog"

	"github.com/hazyhaar/chatwatch/event"
	"github.com/hazyhaar/chatwatch/internal/sink"
)

// Sink is the output interface for chatwatch events.
type Sink = sink.Sink

// NewStdoutSink creates a stdout JSON-lines sink.
func NewStdoutSink(w io.Writer) Sink {
	return sink.NewStdout(w)
}

// NewWebhookSink creates a webhook POST sink with retry.
func NewWebhookSink(url string, logger *slog.Logger) Sink {
	return sink.NewWebhook(url, sink.WithWebhookLogger(logger))
}

// NewCallbackSink creates an in-process sink for embedding hosts. Nil
// funcs are skipped.
func NewCallbackSink(
	onMessage func(ctx context.Context, m event.Message) error,
	onUnread func(ctx context.Context, u event.Unread) error,
) Sink {
	return &sink.Callback{OnMessage: onMessage, OnUnread: onUnread}
}

// BuildSinks creates the sinks declared in cfg.
func BuildSinks(cfg *Config, logger *slog.Logger) []Sink {
	var sinks []Sink
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout":
			sinks = append(sinks, sink.NewStdout(nil))
		case "webhook":
			opts := []sink.WebhookOption{
				sink.WithWebhookLogger(logger),
				sink.WithWebhookRetries(sc.Retries),
			}
			for k, v := range sc.Headers {
				opts = append(opts, sink.WithWebhookHeader(k, v))
			}
			sinks = append(sinks, sink.NewWebhook(sc.URL, opts...))
		default:
			logger.Warn("chatwatch: unknown sink type", "type", sc.Type)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, sink.NewStdout(nil))
	}
	return sinks
}
