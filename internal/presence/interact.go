package presence

import (
	"context"
	"errors"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/internal/conversation"
	"github.com/hazyhaar/chatwatch/internal/loop"
)

var (
	// ErrDetached is returned when an interaction targets a node that left
	// the document.
	ErrDetached = errors.New("presence: node detached")
	// ErrMarkSeenUnsupported is returned when no explicit mark-seen call
	// is available.
	ErrMarkSeenUnsupported = errors.New("presence: mark-seen not supported")
)

// Interactor performs simulated user input. Every method is called from
// a task goroutine, never from the loop.
type Interactor interface {
	ScrollIntoView(ctx context.Context, n *html.Node) error
	// Click sends the full pointer sequence: down, up, click.
	Click(ctx context.Context, n *html.Node) error
	ScrollToBottom(ctx context.Context, n *html.Node) error
	PointerMove(ctx context.Context, n *html.Node) error
	Focus(ctx context.Context, n *html.Node) error
	// MarkSeen asks the host to clear the unread state of a conversation
	// without opening it.
	MarkSeen(ctx context.Context, ref conversation.Ref) error
}

// DOMInteractor dispatches synthetic events on the content tree. It drives
// offline documents and tests; the live page uses the browser mirror.
type DOMInteractor struct {
	Doc  *dom.Document
	Loop *loop.Loop
	// MarkSeenFunc implements MarkSeen. Nil means unsupported.
	MarkSeenFunc func(ctx context.Context, ref conversation.Ref) error
}

var clickSequence = []string{"pointerdown", "mousedown", "pointerup", "mouseup", "click"}

func (d *DOMInteractor) on(ctx context.Context, n *html.Node, fn func()) error {
	var err error
	callErr := d.Loop.Call(ctx, func() {
		if !d.Doc.Contains(n) {
			err = ErrDetached
			return
		}
		fn()
	})
	if callErr != nil {
		return callErr
	}
	return err
}

func (d *DOMInteractor) ScrollIntoView(ctx context.Context, n *html.Node) error {
	return d.on(ctx, n, func() { d.Doc.ScrollIntoView(n) })
}

func (d *DOMInteractor) Click(ctx context.Context, n *html.Node) error {
	return d.on(ctx, n, func() {
		for _, typ := range clickSequence {
			if !d.Doc.Contains(n) {
				return
			}
			d.Doc.Dispatch(&dom.Event{Type: typ, Target: n, Bubbles: true})
		}
	})
}

func (d *DOMInteractor) ScrollToBottom(ctx context.Context, n *html.Node) error {
	return d.on(ctx, n, func() { d.Doc.ScrollToBottom(n) })
}

func (d *DOMInteractor) PointerMove(ctx context.Context, n *html.Node) error {
	return d.on(ctx, n, func() {
		b := d.Doc.Layout(n)
		for _, typ := range []string{"pointermove", "mousemove"} {
			d.Doc.Dispatch(&dom.Event{Type: typ, Target: n, Bubbles: true, ClientX: b.Width / 2, ClientY: b.Height / 2})
		}
	})
}

func (d *DOMInteractor) Focus(ctx context.Context, n *html.Node) error {
	return d.on(ctx, n, func() { d.Doc.Focus(n) })
}

func (d *DOMInteractor) MarkSeen(ctx context.Context, ref conversation.Ref) error {
	if d.MarkSeenFunc == nil {
		return ErrMarkSeenUnsupported
	}
	return d.MarkSeenFunc(ctx, ref)
}
