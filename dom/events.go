package dom

import (
	"golang.org/x/net/html"
)

// Event is a synthetic DOM event.
type Event struct {
	Type          string
	Target        *html.Node
	CurrentTarget *html.Node
	Bubbles       bool
	ClientX       int
	ClientY       int

	stopped   bool
	prevented bool
}

// StopPropagation prevents the event from reaching further ancestors.
func (e *Event) StopPropagation() { e.stopped = true }

// PreventDefault marks the event as handled.
func (e *Event) PreventDefault() { e.prevented = true }

// DefaultPrevented reports whether a listener called PreventDefault.
func (e *Event) DefaultPrevented() bool { return e.prevented }

// Listener handles an event.
type Listener func(e *Event)

type listener struct {
	id int
	fn Listener
}

// AddEventListener registers fn for events of type typ on n and returns a
// function that removes it.
func (d *Document) AddEventListener(n *html.Node, typ string, fn Listener) func() {
	byType := d.listeners[n]
	if byType == nil {
		byType = make(map[string][]*listener)
		d.listeners[n] = byType
	}
	d.nextLID++
	l := &listener{id: d.nextLID, fn: fn}
	byType[typ] = append(byType[typ], l)
	return func() {
		ls := d.listeners[n][typ]
		for i, x := range ls {
			if x.id == l.id {
				d.listeners[n][typ] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	}
}

// Dispatch delivers ev to ev.Target and, when ev.Bubbles, to its ancestors.
// It returns false when a listener prevented the default action.
func (d *Document) Dispatch(ev *Event) bool {
	for n := ev.Target; n != nil; n = n.Parent {
		ev.CurrentTarget = n
		for _, l := range d.listeners[n][ev.Type] {
			l.fn(ev)
		}
		if ev.stopped || !ev.Bubbles {
			break
		}
	}
	return !ev.prevented
}

// ActiveElement returns the focused element, or nil.
func (d *Document) ActiveElement() *html.Node {
	if d.active != nil && !d.Contains(d.active) {
		d.active = nil
	}
	return d.active
}

// Focus moves focus to n, dispatching blur and focus events.
func (d *Document) Focus(n *html.Node) {
	if prev := d.ActiveElement(); prev != nil && prev != n {
		d.Dispatch(&Event{Type: "blur", Target: prev})
		d.Dispatch(&Event{Type: "focusout", Target: prev, Bubbles: true})
	}
	d.active = n
	d.Dispatch(&Event{Type: "focus", Target: n})
	d.Dispatch(&Event{Type: "focusin", Target: n, Bubbles: true})
}

// ScrollTop returns the scroll offset of n.
func (d *Document) ScrollTop(n *html.Node) int { return d.scrollTop[n] }

// SetScrollTop scrolls n to top (clamped to its scroll range) and
// dispatches a scroll event.
func (d *Document) SetScrollTop(n *html.Node, top int) {
	box := d.Layout(n)
	max := box.ScrollHeight - box.ClientHeight
	if max < 0 {
		max = 0
	}
	if top > max {
		top = max
	}
	if top < 0 {
		top = 0
	}
	d.scrollTop[n] = top
	d.Dispatch(&Event{Type: "scroll", Target: n})
}

// ScrollToBottom scrolls n to the end of its content.
func (d *Document) ScrollToBottom(n *html.Node) {
	d.SetScrollTop(n, d.Layout(n).ScrollHeight)
}

// ScrollIntoView scrolls the nearest scrollable ancestor of n so that n is
// at the top of its viewport.
func (d *Document) ScrollIntoView(n *html.Node) {
	for p := n.Parent; p != nil; p = p.Parent {
		if !IsElement(p) {
			continue
		}
		if d.Layout(p).Scrollable {
			d.SetScrollTop(p, d.offsetWithin(p, n))
			return
		}
	}
}

// offsetWithin is the stacked height of everything preceding n inside p.
func (d *Document) offsetWithin(p, n *html.Node) int {
	off := 0
	for cur := n; cur != nil && cur != p; cur = cur.Parent {
		for s := cur.PrevSibling; s != nil; s = s.PrevSibling {
			if IsElement(s) {
				off += d.Layout(s).Height
			}
		}
	}
	return off
}
