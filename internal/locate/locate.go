// CLAUDE:SUMMARY Container locator: seven-stage fallback chain plus one validity check that rejects navigation, hidden, empty and undersized regions.
// Package locate finds the region of the content tree that holds the
// message records.
//
// Locate walks a fixed chain of stages, from the most specific (the
// selected strategy profile) to the most generic (structural shape
// pairs), and returns the first candidate that passes Validate. Every
// stage goes through the same validity function, so a region that is tall
// enough and holds records but cannot scroll yet is a soft pass wherever
// it is found.
package locate

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/internal/strategy"
)

// ErrNoContainer is returned when no stage produced a valid candidate.
var ErrNoContainer = errors.New("locate: no valid container")

// Verdict is the outcome of the validity check.
type Verdict string

const (
	VerdictPass       Verdict = "pass"
	VerdictNavigation Verdict = "rejected-navigation"
	VerdictHidden     Verdict = "rejected-hidden"
	VerdictNoRecords  Verdict = "rejected-no-records"
	VerdictTooSmall   Verdict = "rejected-too-small"
)

// Stage names the step of the chain that produced a candidate.
type Stage string

const (
	StageStrategy   Stage = "strategy"
	StageProfile    Stage = "profile"
	StageLearned    Stage = "learned"
	StageRecord     Stage = "reverse-record"
	StageTimestamp  Stage = "reverse-timestamp"
	StageHeuristic  Stage = "heuristic"
	StageStructural Stage = "structural"
)

// Candidate is a located node with its measurements and verdict.
type Candidate struct {
	Node         *html.Node
	Width        int
	Height       int
	ScrollHeight int
	Scrollable   bool
	// Soft is set on a pass that relied on size rather than scroll capacity.
	Soft    bool
	Records int
	Verdict Verdict
	Stage   Stage
	Score   float64
	Expr    string
}

// OK reports whether the candidate passed validation.
func (c Candidate) OK() bool { return c.Node != nil && c.Verdict == VerdictPass }

// Locator runs the fallback chain against one document. It must be used
// from the goroutine that owns the document.
type Locator struct {
	doc       *dom.Document
	learned   LearnedStore
	scorer    func(records []string) Scorer
	minWidth  int
	minHeight int
	budget    int
	logger    *slog.Logger
}

// Option configures a Locator.
type Option func(*Locator)

// WithLearnedStore sets where learned expressions are read and recorded.
func WithLearnedStore(s LearnedStore) Option {
	return func(l *Locator) { l.learned = s }
}

// WithScorer replaces the heuristic scorer. fn receives the record
// expressions of the current pass.
func WithScorer(fn func(records []string) Scorer) Option {
	return func(l *Locator) { l.scorer = fn }
}

// WithMinSize sets the minimum container size. Default 200x200.
func WithMinSize(width, height int) Option {
	return func(l *Locator) { l.minWidth, l.minHeight = width, height }
}

// WithVisitBudget bounds the number of nodes the global scans visit.
// Default 5000.
func WithVisitBudget(n int) Option {
	return func(l *Locator) { l.budget = n }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Locator) { l.logger = lg }
}

// New creates a Locator over doc.
func New(doc *dom.Document, opts ...Option) *Locator {
	l := &Locator{
		doc:       doc,
		learned:   NewMemoryLearned(),
		minWidth:  200,
		minHeight: 200,
		budget:    5000,
		logger:    slog.Default(),
	}
	l.scorer = func(records []string) Scorer { return NewHeuristicScorer(l.doc, records) }
	for _, o := range opts {
		o(l)
	}
	return l
}

// Document returns the document the locator works on.
func (l *Locator) Document() *dom.Document { return l.doc }

// Validate measures n and decides whether it can serve as the container.
// Records are counted among n's descendants using records (CSS or XPath)
// and ignore anything inside a navigation region.
func (l *Locator) Validate(n *html.Node, records []string) Candidate {
	return l.validate(n, func() int { return countRecords(n, records) })
}

func (l *Locator) validate(n *html.Node, count func() int) Candidate {
	c := Candidate{Node: n}
	if !dom.IsElement(n) {
		c.Verdict = VerdictNoRecords
		return c
	}
	box := l.doc.Layout(n)
	c.Width, c.Height, c.ScrollHeight, c.Scrollable = box.Width, box.Height, box.ScrollHeight, box.Scrollable
	switch {
	case strategy.InNavigation(n):
		c.Verdict = VerdictNavigation
		return c
	case box.Hidden:
		c.Verdict = VerdictHidden
		return c
	}
	c.Records = count()
	switch {
	case c.Records == 0:
		c.Verdict = VerdictNoRecords
	case box.Width < l.minWidth || box.Height < l.minHeight:
		c.Verdict = VerdictTooSmall
	default:
		c.Verdict = VerdictPass
		c.Soft = !box.Scrollable
	}
	return c
}

func countRecords(n *html.Node, records []string) int {
	total := 0
	dom.Walk(n, func(d *html.Node) bool {
		if d == n || !dom.IsElement(d) {
			return true
		}
		if dom.MatchesAny(d, records) && !strategy.InNavigation(d) {
			total++
		}
		return true
	})
	return total
}

// CheckProfile reports whether p's own container expressions yield a
// valid candidate. It is the per-profile check of the strategy selector.
func (l *Locator) CheckProfile(p strategy.Profile) bool {
	r := l.newRun(strategy.RecordExprs(&p))
	return r.fromExprs(StageStrategy, p.Container).OK()
}

// Locate runs the chain for variant v. selected is the profile chosen by
// the strategy selector and may be nil.
func (l *Locator) Locate(ctx context.Context, v strategy.Variant, selected *strategy.Profile) (Candidate, error) {
	r := l.newRun(strategy.RecordExprs(selected))

	type step struct {
		stage Stage
		run   func() Candidate
	}
	steps := []step{
		{StageStrategy, func() Candidate {
			if selected == nil {
				return Candidate{}
			}
			return r.fromExprs(StageStrategy, selected.Container)
		}},
		{StageProfile, func() Candidate { return r.fromExprs(StageProfile, strategy.VariantContainers(v)) }},
		{StageLearned, func() Candidate { return r.fromLearned(ctx, v) }},
		{StageRecord, r.fromRecords},
		{StageTimestamp, r.fromTimestamps},
		{StageHeuristic, r.fromScan},
		{StageStructural, r.fromShapes},
	}
	for _, s := range steps {
		if ctx.Err() != nil {
			return Candidate{}, ctx.Err()
		}
		c := s.run()
		if !c.OK() {
			continue
		}
		c.Stage = s.stage
		if c.Expr == "" {
			c.Expr = ExprFor(c.Node)
		}
		l.logger.Info("locate: container found",
			"stage", c.Stage,
			"node", dom.Label(c.Node),
			"records", c.Records,
			"soft", c.Soft,
			"score", c.Score)
		if err := l.learned.Hit(ctx, v, c.Expr); err != nil {
			l.logger.Warn("locate: record learned expression", "expr", c.Expr, "error", err)
		}
		return c, nil
	}
	l.logger.Debug("locate: no stage produced a container", "variant", v)
	return Candidate{}, ErrNoContainer
}

// Survey scores every sufficiently large region and returns the top
// limit candidates with their verdicts, for diagnostics.
func (l *Locator) Survey(limit int) []Candidate {
	r := l.newRun(strategy.RecordExprs(nil))
	cands := r.scan(false)
	sortCandidates(cands)
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	return cands
}
