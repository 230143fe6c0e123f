// CLAUDE:SUMMARY Mirrors a live page into the content tree: snapshot load, replayed MutationObserver changes, periodic layout resync.
// Package mirror keeps a dom.Document in step with a live browser page.
//
// An injected script tags every element with a data-cw-id attribute and
// reports MutationObserver records through a CDP binding. The Mirror
// replays them on the loop through Document methods, so the pool and the
// extraction pipeline see the same mutations the page saw. Layout metrics
// are pulled periodically and pinned with Document.SetBox.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/internal/loop"
)

// AttrID carries the mirror identity of an element on both sides.
const AttrID = "data-cw-id"

// ChangeKind is the type of a replayed change.
type ChangeKind string

const (
	ChangeChildList  ChangeKind = "childList"
	ChangeAttributes ChangeKind = "attributes"
	// ChangeChildren replaces the whole content of the target. Text edits
	// and mixed text/element insertions are reported this way.
	ChangeChildren ChangeKind = "children"
	ChangeNavigate ChangeKind = "navigate"
)

// Added is one inserted element.
type Added struct {
	HTML   string `json:"html"`
	Before string `json:"before"` // id of the next tagged sibling, empty appends
}

// Change is one page mutation as reported by the injected script.
type Change struct {
	Kind    ChangeKind `json:"kind"`
	Target  string     `json:"target"`
	Added   []Added    `json:"added,omitempty"`
	Removed []string   `json:"removed,omitempty"`
	Name    string     `json:"name,omitempty"`
	Value   string     `json:"value,omitempty"`
	Unset   bool       `json:"unset,omitempty"`
	HTML    string     `json:"html,omitempty"`
}

// Metric is the measured layout of one tagged element.
type Metric struct {
	ID           string `json:"id"`
	Width        int    `json:"w"`
	Height       int    `json:"h"`
	ScrollHeight int    `json:"sh"`
	ClientHeight int    `json:"ch"`
	Hidden       bool   `json:"hid"`
	Overflow     bool   `json:"ov"`
	FontWeight   int    `json:"fw"`
}

// Snapshot is the serialized page.
type Snapshot struct {
	URL  string
	HTML string
}

// Source is the live page behind a Mirror.
type Source interface {
	// Snapshot installs the change reporter if needed and serializes the
	// tagged document.
	Snapshot(ctx context.Context) (Snapshot, error)
	Layout(ctx context.Context) ([]Metric, error)
	// Changes delivers change batches in page order until ctx is done.
	Changes(ctx context.Context, fn func([]Change)) error
}

// Stats counts replay activity.
type Stats struct {
	Loads   uint64 `json:"loads"`
	Applied uint64 `json:"applied"`
	Missed  uint64 `json:"missed"`
	Resyncs uint64 `json:"resyncs"`
}

// Mirror replays a Source into a Document.
type Mirror struct {
	doc    *dom.Document
	lp     *loop.Loop
	src    Source
	logger *slog.Logger

	resync    time.Duration
	retry     time.Duration
	missLimit int

	onReload   func()
	onNavigate func(url string)

	// loop-owned
	index  map[string]*html.Node
	misses int

	restart chan struct{}
	loads   atomic.Uint64
	applied atomic.Uint64
	missed  atomic.Uint64
	resyncs atomic.Uint64
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Mirror) { m.logger = l } }

// WithResync sets the layout refresh period. Default 2s.
func WithResync(d time.Duration) Option { return func(m *Mirror) { m.resync = d } }

// WithMissLimit sets how many changes may target unknown elements before
// the next resync reloads the whole snapshot. Default 20.
func WithMissLimit(n int) Option { return func(m *Mirror) { m.missLimit = n } }

// WithReloadHook runs fn on the loop after a snapshot replaced the tree.
// Every node reference taken before is stale.
func WithReloadHook(fn func()) Option { return func(m *Mirror) { m.onReload = fn } }

// WithNavigateHook runs fn on the loop after an in-page navigation.
func WithNavigateHook(fn func(url string)) Option { return func(m *Mirror) { m.onNavigate = fn } }

// New creates a Mirror of src into doc, which belongs to lp.
func New(doc *dom.Document, lp *loop.Loop, src Source, opts ...Option) *Mirror {
	m := &Mirror{
		doc:       doc,
		lp:        lp,
		src:       src,
		logger:    slog.Default(),
		resync:    2 * time.Second,
		retry:     2 * time.Second,
		missLimit: 20,
		index:     make(map[string]*html.Node),
		restart:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Stats returns the replay counters.
func (m *Mirror) Stats() Stats {
	return Stats{
		Loads:   m.loads.Load(),
		Applied: m.applied.Load(),
		Missed:  m.missed.Load(),
		Resyncs: m.resyncs.Load(),
	}
}

// Restart ends the current session; Run opens a new one. Used after the
// browser was recycled.
func (m *Mirror) Restart() {
	select {
	case m.restart <- struct{}{}:
	default:
	}
}

// Run mirrors the page until ctx is done.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		sctx, cancel := context.WithCancel(ctx)
		err := m.session(sctx)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			m.logger.Warn("mirror: session ended", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.retry):
			case <-m.restart:
			}
		}
	}
}

func (m *Mirror) session(ctx context.Context) error {
	var wg sync.WaitGroup
	changesErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := m.src.Changes(ctx, func(cs []Change) {
			m.lp.Post(func() { m.Apply(cs) })
		})
		if err != nil && ctx.Err() == nil {
			changesErr <- err
		}
	}()
	defer wg.Wait()

	if err := m.Load(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(m.resync)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.restart:
			return nil
		case err := <-changesErr:
			return fmt.Errorf("mirror: changes: %w", err)
		case <-ticker.C:
		}

		var reload bool
		if err := m.lp.Call(ctx, func() { reload = m.misses > m.missLimit }); err != nil {
			return nil
		}
		if reload {
			m.logger.Info("mirror: too many unknown targets, reloading snapshot")
			if err := m.Load(ctx); err != nil {
				return err
			}
			continue
		}
		if err := m.Resync(ctx); err != nil {
			m.logger.Debug("mirror: layout resync failed", "error", err)
		}
	}
}

// Load replaces the document with a fresh snapshot of the page.
func (m *Mirror) Load(ctx context.Context) error {
	snap, err := m.src.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("mirror: snapshot: %w", err)
	}
	parsed, err := dom.ParseString(snap.HTML)
	if err != nil {
		return err
	}
	if err := m.lp.Call(ctx, func() { m.install(parsed.Root(), snap.URL) }); err != nil {
		return err
	}
	m.loads.Add(1)
	return m.Resync(ctx)
}

func (m *Mirror) install(root *html.Node, url string) {
	m.doc.Replace(root)
	m.doc.SetURL(url)
	m.index = make(map[string]*html.Node)
	m.misses = 0
	m.indexTree(root)
	if m.onReload != nil {
		m.onReload()
	}
}

// Resync pulls layout metrics and pins them on the tree.
func (m *Mirror) Resync(ctx context.Context) error {
	ms, err := m.src.Layout(ctx)
	if err != nil {
		return err
	}
	m.resyncs.Add(1)
	return m.lp.Call(ctx, func() { m.ApplyLayout(ms) })
}

// Lookup returns the connected element with the given mirror id. Loop
// only.
func (m *Mirror) Lookup(id string) *html.Node {
	n := m.index[id]
	if n == nil {
		return nil
	}
	if !m.doc.Contains(n) {
		delete(m.index, id)
		return nil
	}
	return n
}

// Apply replays a change batch. Loop only.
func (m *Mirror) Apply(cs []Change) {
	for _, c := range cs {
		if c.Kind == ChangeNavigate {
			m.doc.SetURL(c.Value)
			if m.onNavigate != nil {
				m.onNavigate(c.Value)
			}
			continue
		}
		target := m.Lookup(c.Target)
		if target == nil {
			m.misses++
			m.missed.Add(1)
			continue
		}
		if err := m.apply(target, c); err != nil {
			m.misses++
			m.missed.Add(1)
			m.logger.Debug("mirror: apply failed", "kind", c.Kind, "target", c.Target, "error", err)
			continue
		}
		m.applied.Add(1)
	}
}

func (m *Mirror) apply(target *html.Node, c Change) error {
	switch c.Kind {
	case ChangeAttributes:
		if c.Unset {
			m.doc.RemoveAttr(target, c.Name)
		} else {
			m.doc.SetAttr(target, c.Name, c.Value)
		}
	case ChangeChildList:
		for _, id := range c.Removed {
			if n := m.Lookup(id); n != nil && n.Parent == target {
				m.unindexTree(n)
				m.doc.Remove(n)
			}
		}
		for _, a := range c.Added {
			var ref *html.Node
			if r := m.Lookup(a.Before); r != nil && r.Parent == target {
				ref = r
			}
			nodes, err := m.doc.ParseFragment(target, a.HTML)
			if err != nil {
				return err
			}
			if m.known(nodes) {
				continue
			}
			for _, n := range nodes {
				if err := m.doc.InsertBefore(target, n, ref); err != nil {
					return err
				}
				m.indexTree(n)
			}
		}
	case ChangeChildren:
		nodes, err := m.doc.ParseFragment(target, c.HTML)
		if err != nil {
			return err
		}
		for ch := target.FirstChild; ch != nil; ch = ch.NextSibling {
			m.unindexTree(ch)
		}
		m.doc.ReplaceChildren(target, nodes...)
		for _, n := range nodes {
			m.indexTree(n)
		}
	default:
		return fmt.Errorf("unknown change %q", c.Kind)
	}
	return nil
}

// known reports an insertion already present in the tree, which happens
// when a change raced the snapshot it is replayed on.
func (m *Mirror) known(nodes []*html.Node) bool {
	if len(nodes) != 1 {
		return false
	}
	id := dom.Attr(nodes[0], AttrID)
	return id != "" && m.Lookup(id) != nil
}

// ApplyLayout pins measured boxes. Loop only.
func (m *Mirror) ApplyLayout(ms []Metric) {
	for _, mt := range ms {
		n := m.Lookup(mt.ID)
		if n == nil {
			continue
		}
		m.doc.SetBox(n, dom.Box{
			Width:        mt.Width,
			Height:       mt.Height,
			ScrollHeight: mt.ScrollHeight,
			ClientHeight: mt.ClientHeight,
			Hidden:       mt.Hidden,
			Overflow:     mt.Overflow,
			Scrollable:   mt.Overflow && mt.ScrollHeight > mt.ClientHeight,
			FontWeight:   mt.FontWeight,
		})
	}
}

func (m *Mirror) indexTree(root *html.Node) {
	dom.Walk(root, func(n *html.Node) bool {
		if id := dom.Attr(n, AttrID); id != "" {
			m.index[id] = n
		}
		return true
	})
}

func (m *Mirror) unindexTree(root *html.Node) {
	dom.Walk(root, func(n *html.Node) bool {
		if id := dom.Attr(n, AttrID); id != "" && m.index[id] == n {
			delete(m.index, id)
			m.doc.ClearBox(n)
		}
		return true
	})
}

// IDOf returns the mirror id of a connected node. Loop only.
func (m *Mirror) IDOf(n *html.Node) (string, error) {
	if !m.doc.Contains(n) {
		return "", errDetached
	}
	id := dom.Attr(n, AttrID)
	if id == "" {
		return "", errors.New("mirror: node carries no id")
	}
	return id, nil
}
