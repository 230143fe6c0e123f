// CLAUDE:SUMMARY Extraction pipeline: candidate nodes from mutation batches, non-record filters, clone-and-strip text, id resolution chain, bounded dedup.
// Package extract turns record-shaped nodes of the content tree into
// event.Message values, at most once per record per session.
package extract

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/event"
	"github.com/hazyhaar/chatwatch/idgen"
	"github.com/hazyhaar/chatwatch/internal/strategy"
)

// Reason explains why a node produced no record.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonNotElement Reason = "not-element"
	ReasonSeparator  Reason = "separator"
	ReasonTimestamp  Reason = "timestamp"
	ReasonTyping     Reason = "typing"
	ReasonShort      Reason = "short"
	ReasonDuplicate  Reason = "duplicate"
	ReasonPanic      Reason = "panic"
)

// Scope is what the pipeline knows about the records' surroundings.
type Scope struct {
	ConversationID    string
	ConversationTitle string
	Container         *html.Node
	Profile           *strategy.Profile
	PageURL           string
}

// Config holds pipeline tunables.
type Config struct {
	CacheSize int  // dedup bound, default 1000
	MinRunes  int  // shortest accepted text without attachment, default 2
	Markdown  bool // render a sanitized Markdown body
}

// Pipeline extracts records. It keeps the dedup cache and the node id
// table, so one Pipeline serves one monitoring session on one goroutine.
type Pipeline struct {
	cfg    Config
	dedup  *Dedup
	nodeID map[*html.Node]string
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger

	md     *converter.Converter
	policy *bluemonday.Policy

	skipped map[Reason]uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithIDGenerator sets the generator of last-resort record ids.
func WithIDGenerator(g idgen.Generator) Option { return func(p *Pipeline) { p.newID = g } }

// WithClock sets the time source for default timestamps.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// New creates a Pipeline.
func New(cfg Config, opts ...Option) *Pipeline {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.MinRunes <= 0 {
		cfg.MinRunes = 2
	}
	p := &Pipeline{
		cfg:     cfg,
		dedup:   NewDedup(cfg.CacheSize),
		nodeID:  make(map[*html.Node]string),
		newID:   idgen.Prefixed("gen_", idgen.UUIDv7()),
		now:     time.Now,
		logger:  slog.Default(),
		skipped: make(map[Reason]uint64),
	}
	for _, o := range opts {
		o(p)
	}
	if cfg.Markdown {
		p.md = converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		)
		p.policy = bluemonday.UGCPolicy()
	}
	return p
}

// CacheSize returns the number of keys in the dedup cache.
func (p *Pipeline) CacheSize() int { return p.dedup.Len() }

// Tracked returns the number of nodes in the id table.
func (p *Pipeline) Tracked() int { return len(p.nodeID) }

// Skipped returns how many nodes were dropped for reason r.
func (p *Pipeline) Skipped(r Reason) uint64 { return p.skipped[r] }

// Reset clears the dedup cache and the id table.
func (p *Pipeline) Reset() {
	p.dedup.Reset()
	p.nodeID = make(map[*html.Node]string)
	p.skipped = make(map[Reason]uint64)
}

// Prune forgets the ids of nodes for which connected reports false.
func (p *Pipeline) Prune(connected func(*html.Node) bool) int {
	n := 0
	for node := range p.nodeID {
		if !connected(node) {
			delete(p.nodeID, node)
			n++
		}
	}
	return n
}

// Candidates maps a mutation batch to the record nodes it touched, in
// first-seen order. Nodes outside container are ignored when container is
// set.
func (p *Pipeline) Candidates(recs []dom.MutationRecord, sc Scope) []*html.Node {
	seen := make(map[*html.Node]bool)
	var out []*html.Node
	add := func(n *html.Node) {
		if !dom.IsElement(n) || seen[n] {
			return
		}
		if sc.Container != nil && !dom.IsAncestor(sc.Container, n) {
			return
		}
		seen[n] = true
		out = append(out, n)
	}
	owner := func(n *html.Node) *html.Node {
		for cur := n; cur != nil && cur != sc.Container; cur = cur.Parent {
			if strategy.IsRecordLike(cur, sc.Profile) {
				return cur
			}
		}
		return nil
	}
	for _, r := range recs {
		switch r.Kind {
		case dom.KindChildList:
			for _, a := range r.Added {
				if !dom.IsElement(a) {
					if o := owner(r.Target); o != nil {
						add(o)
					}
					continue
				}
				if o := owner(a); o != nil {
					add(o)
					continue
				}
				inner := p.records(a, sc.Profile)
				for _, n := range inner {
					add(n)
				}
				if len(inner) == 0 && r.Target == sc.Container {
					add(a)
				}
			}
		case dom.KindCharacterData:
			if o := owner(r.Target); o != nil {
				add(o)
			}
		case dom.KindAttributes:
			if r.AttributeName == "data-message-id" || strategy.IsRecordLike(r.Target, sc.Profile) {
				add(r.Target)
			}
		}
	}
	return out
}

// records returns the outermost record-like descendants of root.
func (p *Pipeline) records(root *html.Node, prof *strategy.Profile) []*html.Node {
	var out []*html.Node
	exprs := strategy.RecordExprs(prof)
	dom.Walk(root, func(n *html.Node) bool {
		if n == root || !dom.IsElement(n) {
			return true
		}
		if dom.MatchesAny(n, exprs) {
			out = append(out, n)
			return false
		}
		return true
	})
	return out
}

// Scan returns every record node currently inside the container: its
// record-like descendants, or its element children when none matches.
func (p *Pipeline) Scan(sc Scope) []*html.Node {
	if sc.Container == nil {
		return nil
	}
	nodes := p.records(sc.Container, sc.Profile)
	if len(nodes) > 0 {
		return nodes
	}
	return dom.Children(sc.Container)
}

// Process extracts every node and returns the new records. A node that
// fails is skipped.
func (p *Pipeline) Process(nodes []*html.Node, sc Scope) []event.Message {
	var out []event.Message
	for _, n := range nodes {
		m, reason := p.safeExtract(n, sc)
		if reason != ReasonNone {
			p.skipped[reason]++
			continue
		}
		out = append(out, m)
	}
	return out
}

func (p *Pipeline) safeExtract(n *html.Node, sc Scope) (m event.Message, reason Reason) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("extract: node skipped", "node", dom.Label(n), "panic", fmt.Sprint(r))
			m, reason = event.Message{}, ReasonPanic
		}
	}()
	return p.Extract(n, sc)
}

// Extract converts one node. The returned reason is empty when a new
// record was produced and recorded in the dedup cache.
func (p *Pipeline) Extract(n *html.Node, sc Scope) (event.Message, Reason) {
	if !dom.IsElement(n) {
		return event.Message{}, ReasonNotElement
	}
	explicit := explicitID(n)
	switch {
	case explicit == "" && strategy.IsDateSeparator(n):
		return event.Message{}, ReasonSeparator
	case strategy.IsTypingIndicator(n):
		return event.Message{}, ReasonTyping
	case strategy.IsTimestampLike(n):
		return event.Message{}, ReasonTimestamp
	}

	now := p.now()
	senderID, senderName := senderOf(n, sc.Profile)
	ts := timestampOf(n, sc.Profile, now)
	attachment := hasAttachment(n)

	clone := dom.Clone(n)
	strip(clone, sc.Profile)
	text := bodyText(clone, sc.Profile)
	if utf8.RuneCountInString(strings.TrimSpace(text)) < p.cfg.MinRunes && !attachment {
		return event.Message{}, ReasonShort
	}

	id := explicit
	if id == "" {
		id = p.stableID(n)
	}
	m := event.Message{
		ID:                id,
		ConversationID:    sc.ConversationID,
		ConversationTitle: sc.ConversationTitle,
		SenderID:          senderID,
		SenderName:        senderName,
		Text:              text,
		Timestamp:         ts,
		Outbound:          isOutbound(n, sc.Container),
		HasAttachment:     attachment,
		PageURL:           sc.PageURL,
	}
	if m.Timestamp == 0 {
		m.Timestamp = now.UnixMilli()
	}
	if sc.Profile != nil {
		m.ProfileID = sc.Profile.ID
	}
	if !p.dedup.Add(m.Key()) {
		return event.Message{}, ReasonDuplicate
	}
	if p.cfg.Markdown {
		m.Markdown = p.markdown(clone, sc.PageURL, text)
	}
	return m, ReasonNone
}

// stableID returns the id minted for n on first sight. Content never
// feeds the id: two identical replies from the same sender in the same
// minute are two records.
func (p *Pipeline) stableID(n *html.Node) string {
	if id, ok := p.nodeID[n]; ok {
		return id
	}
	id := p.newID()
	p.nodeID[n] = id
	return id
}

func (p *Pipeline) markdown(clone *html.Node, pageURL, fallback string) string {
	safe := p.policy.Sanitize(dom.RenderInner(clone))
	out, err := p.md.ConvertString(safe, converter.WithDomain(pageURL))
	if err != nil || strings.TrimSpace(out) == "" {
		return fallback
	}
	return strings.TrimSpace(out)
}
