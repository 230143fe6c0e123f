package mirror

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/internal/conversation"
	"github.com/hazyhaar/chatwatch/internal/presence"
)

var errDetached = presence.ErrDetached

var _ presence.Interactor = (*Interactor)(nil)

// Interactor sends real input to the live page: CDP mouse events, native
// scrolling and focus on the element mirrored by a content-tree node.
type Interactor struct {
	Mirror *Mirror
	Source *RodSource
	// MarkSeenFunc implements MarkSeen. Nil means unsupported.
	MarkSeenFunc func(ctx context.Context, ref conversation.Ref) error
}

func (in *Interactor) element(ctx context.Context, n *html.Node) (*rod.Element, error) {
	var id string
	var idErr error
	if err := in.Mirror.lp.Call(ctx, func() { id, idErr = in.Mirror.IDOf(n) }); err != nil {
		return nil, err
	}
	if idErr != nil {
		return nil, idErr
	}
	p, err := in.Source.page()
	if err != nil {
		return nil, err
	}
	el, err := p.Context(ctx).Sleeper(rod.NotFoundSleeper).Element(fmt.Sprintf(`[%s=%q]`, AttrID, id))
	if err != nil {
		return nil, fmt.Errorf("mirror: element %s: %w", id, err)
	}
	return el, nil
}

func (in *Interactor) ScrollIntoView(ctx context.Context, n *html.Node) error {
	el, err := in.element(ctx, n)
	if err != nil {
		return err
	}
	return el.ScrollIntoView()
}

// Click moves the mouse onto the element and presses the left button;
// Chrome derives the pointer and click events from it.
func (in *Interactor) Click(ctx context.Context, n *html.Node) error {
	el, err := in.element(ctx, n)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (in *Interactor) ScrollToBottom(ctx context.Context, n *html.Node) error {
	el, err := in.element(ctx, n)
	if err != nil {
		return err
	}
	_, err = el.Eval(`() => { this.scrollTop = this.scrollHeight }`)
	return err
}

func (in *Interactor) PointerMove(ctx context.Context, n *html.Node) error {
	el, err := in.element(ctx, n)
	if err != nil {
		return err
	}
	return el.Hover()
}

func (in *Interactor) Focus(ctx context.Context, n *html.Node) error {
	el, err := in.element(ctx, n)
	if err != nil {
		return err
	}
	return el.Focus()
}

func (in *Interactor) MarkSeen(ctx context.Context, ref conversation.Ref) error {
	if in.MarkSeenFunc == nil {
		return presence.ErrMarkSeenUnsupported
	}
	return in.MarkSeenFunc(ctx, ref)
}
