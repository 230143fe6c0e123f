package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/chatwatch/internal/locate"
	"github.com/hazyhaar/chatwatch/internal/strategy"
)

// Learned adapts the Store to locate.LearnedStore.
type Learned struct{ s *Store }

// Learned returns the learned-selector view.
func (s *Store) Learned() *Learned { return &Learned{s: s} }

// Learned returns up to limit expressions for v, most hits first.
func (l *Learned) Learned(ctx context.Context, v strategy.Variant, limit int) ([]locate.Learned, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.s.DB.QueryContext(ctx, `
		SELECT expr, hits, last_hit FROM learned_selectors
		WHERE variant = ?
		ORDER BY hits DESC, last_hit DESC
		LIMIT ?`, string(v), limit)
	if err != nil {
		return nil, fmt.Errorf("store: learned selectors: %w", err)
	}
	defer rows.Close()
	var out []locate.Learned
	for rows.Next() {
		e := locate.Learned{Variant: v}
		var last int64
		if err := rows.Scan(&e.Expr, &e.Hits, &last); err != nil {
			return nil, fmt.Errorf("store: scan learned selector: %w", err)
		}
		e.LastHit = time.UnixMilli(last)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Hit records a success for expr.
func (l *Learned) Hit(ctx context.Context, v strategy.Variant, expr string) error {
	if expr == "" {
		return nil
	}
	_, err := l.s.DB.ExecContext(ctx, `
		INSERT INTO learned_selectors (variant, expr, hits, last_hit) VALUES (?, ?, 1, ?)
		ON CONFLICT(variant, expr) DO UPDATE SET hits = hits + 1, last_hit = excluded.last_hit`,
		string(v), expr, l.s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: learned hit: %w", err)
	}
	return nil
}

// Forget drops every learned expression of v.
func (l *Learned) Forget(ctx context.Context, v strategy.Variant) (int64, error) {
	res, err := l.s.DB.ExecContext(ctx, `DELETE FROM learned_selectors WHERE variant = ?`, string(v))
	if err != nil {
		return 0, fmt.Errorf("store: forget learned: %w", err)
	}
	return res.RowsAffected()
}
