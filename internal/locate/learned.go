package locate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/internal/strategy"
)

// Learned is an expression that located a valid container before.
type Learned struct {
	Variant strategy.Variant `json:"variant"`
	Expr    string           `json:"expr"`
	Hits    int              `json:"hits"`
	LastHit time.Time        `json:"last_hit"`
}

// LearnedStore keeps learned expressions ranked by hit count.
type LearnedStore interface {
	// Learned returns up to limit expressions for v, most hits first.
	Learned(ctx context.Context, v strategy.Variant, limit int) ([]Learned, error)
	// Hit records one more success for expr.
	Hit(ctx context.Context, v strategy.Variant, expr string) error
}

// MemoryLearned is an in-memory LearnedStore.
type MemoryLearned struct {
	mu      sync.Mutex
	entries map[string]*Learned
	now     func() time.Time
}

// NewMemoryLearned returns an empty store.
func NewMemoryLearned() *MemoryLearned {
	return &MemoryLearned{entries: make(map[string]*Learned), now: time.Now}
}

func (m *MemoryLearned) Learned(_ context.Context, v strategy.Variant, limit int) ([]Learned, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Learned
	for _, e := range m.entries {
		if e.Variant == v {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		return out[i].LastHit.After(out[j].LastHit)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryLearned) Hit(_ context.Context, v strategy.Variant, expr string) error {
	if expr == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(v) + "\x00" + expr
	e, ok := m.entries[key]
	if !ok {
		e = &Learned{Variant: v, Expr: expr}
		m.entries[key] = e
	}
	e.Hits++
	e.LastHit = m.now()
	return nil
}

// stableAttrs are attributes that survive class-name churn, in order of
// preference.
var stableAttrs = []string{"data-pagelet", "data-testid", "aria-label", "role"}

// ExprFor returns an expression that matches n and nothing else in its
// tree: a tag plus stable attribute when unique, else an absolute XPath.
func ExprFor(n *html.Node) string {
	if !dom.IsElement(n) {
		return ""
	}
	top := n
	for top.Parent != nil {
		top = top.Parent
	}
	for _, a := range stableAttrs {
		v := dom.Attr(n, a)
		if v == "" || len(v) > 80 || strings.ContainsAny(v, `"\`) {
			continue
		}
		expr := fmt.Sprintf(`%s[%s="%s"]`, n.Data, a, v)
		if unique(top, expr, n) {
			return expr
		}
	}
	if id := dom.Attr(n, "id"); id != "" && !looksGenerated(id) {
		expr := fmt.Sprintf(`%s[id="%s"]`, n.Data, id)
		if !strings.ContainsAny(id, `"\`) && unique(top, expr, n) {
			return expr
		}
	}
	return dom.XPathOf(n)
}

func unique(root *html.Node, expr string, n *html.Node) bool {
	nodes, err := dom.QueryAll(root, expr)
	return err == nil && len(nodes) == 1 && nodes[0] == n
}

// looksGenerated rejects ids such as ":r1a:" or "mount_0_0_xY" that
// change across renders.
func looksGenerated(id string) bool {
	if strings.HasPrefix(id, ":") || strings.HasPrefix(id, "mount_") {
		return true
	}
	digits := 0
	for _, r := range id {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits*2 > len(id)
}
