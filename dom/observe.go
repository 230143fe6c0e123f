package dom

import (
	"golang.org/x/net/html"
)

// MutationKind is the type of a tree change.
type MutationKind string

const (
	KindChildList     MutationKind = "childList"
	KindAttributes    MutationKind = "attributes"
	KindCharacterData MutationKind = "characterData"
)

// MutationRecord describes one tree change.
type MutationRecord struct {
	Kind          MutationKind
	Target        *html.Node
	Added         []*html.Node
	Removed       []*html.Node
	AttributeName string
	OldValue      string
}

// ObserveOptions selects which changes an Observer receives.
type ObserveOptions struct {
	ChildList       bool
	Subtree         bool
	Attributes      bool
	CharacterData   bool
	AttributeFilter []string
}

// Observer receives batches of MutationRecords for one target.
type Observer struct {
	doc       *Document
	target    *html.Node
	opts      ObserveOptions
	cb        func([]MutationRecord)
	pending   []MutationRecord
	scheduled bool
	active    bool
}

// Observe registers cb for changes on target. Records are accumulated and
// delivered in one call per scheduler turn.
func (d *Document) Observe(target *html.Node, opts ObserveOptions, cb func([]MutationRecord)) *Observer {
	o := &Observer{doc: d, target: target, opts: opts, cb: cb, active: true}
	d.observers = append(d.observers, o)
	return o
}

// Target returns the observed node.
func (o *Observer) Target() *html.Node { return o.target }

// Options returns the observer configuration.
func (o *Observer) Options() ObserveOptions { return o.opts }

// Disconnect stops delivery and drops pending records.
func (o *Observer) Disconnect() {
	if !o.active {
		return
	}
	o.active = false
	o.pending = nil
	kept := make([]*Observer, 0, len(o.doc.observers))
	for _, x := range o.doc.observers {
		if x != o {
			kept = append(kept, x)
		}
	}
	o.doc.observers = kept
}

// TakeRecords returns and clears the records not yet delivered.
func (o *Observer) TakeRecords() []MutationRecord {
	recs := o.pending
	o.pending = nil
	return recs
}

// ObserverCount returns the number of connected observers.
func (d *Document) ObserverCount() int { return len(d.observers) }

func (d *Document) notify(rec MutationRecord) {
	for _, o := range d.observers {
		if !o.wants(rec) {
			continue
		}
		o.pending = append(o.pending, rec)
		if o.scheduled {
			continue
		}
		o.scheduled = true
		if d.sched != nil {
			d.sched.Post(o.deliver)
		} else {
			o.deliver()
		}
	}
}

func (o *Observer) wants(rec MutationRecord) bool {
	if !o.active {
		return false
	}
	if rec.Target != o.target && !(o.opts.Subtree && IsAncestor(o.target, rec.Target)) {
		return false
	}
	switch rec.Kind {
	case KindChildList:
		return o.opts.ChildList
	case KindCharacterData:
		return o.opts.CharacterData
	case KindAttributes:
		if !o.opts.Attributes {
			return false
		}
		if len(o.opts.AttributeFilter) == 0 {
			return true
		}
		for _, a := range o.opts.AttributeFilter {
			if a == rec.AttributeName {
				return true
			}
		}
	}
	return false
}

func (o *Observer) deliver() {
	o.scheduled = false
	if !o.active || len(o.pending) == 0 {
		return
	}
	recs := o.pending
	o.pending = nil
	o.cb(recs)
}
