package chatwatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/event"
	"github.com/hazyhaar/chatwatch/internal/extract"
)

// onRecords handles one mutation batch of the container watcher.
func (e *Engine) onRecords(target *html.Node, recs []dom.MutationRecord) {
	if !e.monitoring || target != e.container {
		return
	}
	sc := e.scope()
	nodes := e.pipeline.Candidates(recs, sc)
	if e.degraded {
		nodes = recordLike(nodes, nil)
	}
	if len(nodes) == 0 {
		return
	}
	e.emit(e.pipeline.Process(nodes, sc))
}

func (e *Engine) scope() extract.Scope {
	sc := extract.Scope{
		Container: e.container,
		Profile:   e.profile,
		PageURL:   e.doc.URL(),
	}
	if ref, ok := e.resolver.Resolve(); ok {
		sc.ConversationID, sc.ConversationTitle = ref.ID, ref.Title
	}
	return sc
}

func (e *Engine) emit(msgs []event.Message) {
	for _, m := range msgs {
		e.emitted.Add(1)
		e.logger.Debug("chatwatch: record", "id", m.ID, "conversation", m.ConversationID, "profile", m.ProfileID)
		e.out.push(func(ctx context.Context) { _ = e.sinks.SendMessage(ctx, m) })
	}
}

// outbox hands work from the loop to the sink goroutine without ever
// blocking the loop. Jobs run in push order.
type outbox struct {
	mu    sync.Mutex
	queue []func(context.Context)
	wake  chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(job func(context.Context)) {
	o.mu.Lock()
	o.queue = append(o.queue, job)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) take() []func(context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queue
	o.queue = nil
	return q
}

// run executes jobs until ctx is done, then gives the jobs still queued
// up to drain to finish.
func (o *outbox) run(ctx context.Context, drain time.Duration) {
	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.Background(), drain)
			defer cancel()
			for _, job := range o.take() {
				job(dctx)
			}
			return
		case <-o.wake:
			for _, job := range o.take() {
				job(ctx)
			}
		}
	}
}
