package locate

import (
	"math"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/internal/strategy"
)

// Scorer rates how much a node looks like a message container. Higher is
// better; negative means "looks like something else".
type Scorer interface {
	Score(n *html.Node) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(n *html.Node) float64

func (f ScorerFunc) Score(n *html.Node) float64 { return f(n) }

var keywordHints = []string{"message", "conversation", "chat", "thread", "log", "history"}

var listItemExprs = []string{`li`, `[role="listitem"]`, `[role="row"]`, `article`}

// HeuristicScorer combines scroll capacity, size, record density,
// list-item density and keyword hints, with penalties for navigation.
type HeuristicScorer struct {
	doc     *dom.Document
	records []string
}

// NewHeuristicScorer returns the default scorer for record expressions.
func NewHeuristicScorer(doc *dom.Document, records []string) *HeuristicScorer {
	return &HeuristicScorer{doc: doc, records: records}
}

func (s *HeuristicScorer) Score(n *html.Node) float64 {
	if !dom.IsElement(n) {
		return 0
	}
	if strategy.InNavigation(n) {
		return -100
	}
	box := s.doc.Layout(n)
	if box.Hidden {
		return -50
	}

	score := 0.0
	if box.Scrollable {
		score += 30
	} else if box.Overflow {
		score += 10
	}
	score += 20 * math.Min(float64(box.Height)/dom.ViewportHeight, 1)
	score += 10 * math.Min(float64(box.Width)/dom.ViewportWidth, 1)

	elems, records, items, links := 0, 0, 0, 0
	containsNav := false
	dom.Walk(n, func(d *html.Node) bool {
		if d == n || !dom.IsElement(d) {
			return true
		}
		if strategy.NavigationRoot(d) == d {
			containsNav = true
			return false
		}
		elems++
		if dom.MatchesAny(d, s.records) {
			records++
		}
		if dom.MatchesAny(d, listItemExprs) {
			items++
		}
		if d.Data == "a" && strings.Contains(dom.Attr(d, "href"), "/t/") {
			links++
		}
		return true
	})
	score += math.Min(float64(records)*5, 30)
	score += math.Min(float64(items)*2, 20)
	if elems > 0 {
		score += 20 * float64(records) / float64(elems)
	}
	score += keywordScore(n)
	if containsNav {
		score -= 25
	}
	// Conversation lists are mostly links to threads.
	if items > 0 && links*2 >= items {
		score -= 30
	}
	return score
}

func keywordScore(n *html.Node) float64 {
	hay := strings.ToLower(strings.Join([]string{
		dom.Attr(n, "class"),
		dom.Attr(n, "id"),
		dom.Attr(n, "aria-label"),
		dom.Attr(n, "role"),
		dom.Attr(n, "data-testid"),
		dom.Attr(n, "data-pagelet"),
	}, " "))
	score := 0.0
	for _, k := range keywordHints {
		if strings.Contains(hay, k) {
			score += 10
		}
	}
	return math.Min(score, 20)
}
