// CLAUDE:SUMMARY Writes chatwatch events as JSON envelope lines to an io.Writer (defaults to stdout).
package sink

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/hazyhaar/chatwatch/event"
)

// Stdout writes one event.Envelope per line to an io.Writer.
type Stdout struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdout creates a Stdout sink. A nil w means os.Stdout.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{w: w}
}

func (s *Stdout) write(kind event.Kind, v any) error {
	line, err := event.Wrap(kind, v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(line, '\n'))
	return err
}

func (s *Stdout) SendMessage(_ context.Context, m event.Message) error {
	return s.write(event.KindMessage, m)
}

func (s *Stdout) SendUnread(_ context.Context, u event.Unread) error {
	return s.write(event.KindUnread, u)
}

func (s *Stdout) SendMetrics(_ context.Context, m event.Metrics) error {
	return s.write(event.KindMetrics, m)
}

func (s *Stdout) SendDiagnostic(_ context.Context, d event.Diagnostic) error {
	return s.write(event.KindDiagnostic, d)
}

func (s *Stdout) Close() error { return nil }
