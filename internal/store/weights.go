package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/chatwatch/dbopen"
)

// Weights adapts the Store to strategy.WeightStore.
type Weights struct{ s *Store }

// Weights returns the success-weight table view.
func (s *Store) Weights() *Weights { return &Weights{s: s} }

// Load returns the whole profile → weight table.
func (w *Weights) Load(ctx context.Context) (map[string]int, error) {
	rows, err := w.s.DB.QueryContext(ctx, `SELECT profile_id, weight FROM strategy_weights`)
	if err != nil {
		return nil, fmt.Errorf("store: load weights: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var id string
		var v int
		if err := rows.Scan(&id, &v); err != nil {
			return nil, fmt.Errorf("store: scan weight: %w", err)
		}
		out[id] = v
	}
	return out, rows.Err()
}

// Save replaces the table with weights.
func (w *Weights) Save(ctx context.Context, weights map[string]int) error {
	now := w.s.now().UnixMilli()
	return dbopen.RunTx(ctx, w.s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM strategy_weights`); err != nil {
			return fmt.Errorf("store: clear weights: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO strategy_weights (profile_id, weight, updated_at) VALUES (?,?,?)`)
		if err != nil {
			return fmt.Errorf("store: prepare weights: %w", err)
		}
		defer stmt.Close()
		for id, v := range weights {
			if _, err := stmt.ExecContext(ctx, id, min(max(v, 0), 100), now); err != nil {
				return fmt.Errorf("store: save weight %s: %w", id, err)
			}
		}
		return nil
	})
}
