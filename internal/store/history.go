package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Processed is one presence-monitor outcome.
type Processed struct {
	ConversationID string        `json:"conversation_id"`
	Title          string        `json:"title,omitempty"`
	ProcessedAt    time.Time     `json:"processed_at"`
	Opened         bool          `json:"opened"`
	Cleared        bool          `json:"cleared"`
	MarkedSeen     bool          `json:"marked_seen"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// RecordProcessed appends an outcome. A zero ProcessedAt is stamped now.
func (s *Store) RecordProcessed(ctx context.Context, p Processed) error {
	if p.ProcessedAt.IsZero() {
		p.ProcessedAt = s.now()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO processed_conversations
			(conversation_id, title, processed_at, opened, cleared, marked_seen, error, duration_ms)
		VALUES (?,?,?,?,?,?,?,?)`,
		p.ConversationID, p.Title, p.ProcessedAt.UnixMilli(),
		boolInt(p.Opened), boolInt(p.Cleared), boolInt(p.MarkedSeen),
		sql.NullString{String: p.Error, Valid: p.Error != ""}, p.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("store: record processed: %w", err)
	}
	return nil
}

// History returns the latest outcomes, newest first. An empty id returns
// every conversation.
func (s *Store) History(ctx context.Context, id string, limit int) ([]Processed, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT conversation_id, title, processed_at, opened, cleared, marked_seen, error, duration_ms
		FROM processed_conversations`
	args := []any{}
	if id != "" {
		q += ` WHERE conversation_id = ?`
		args = append(args, id)
	}
	q += ` ORDER BY processed_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()
	var out []Processed
	for rows.Next() {
		var (
			p                       Processed
			title, errText          sql.NullString
			at, dur                 int64
			opened, cleared, marked int
		)
		if err := rows.Scan(&p.ConversationID, &title, &at, &opened, &cleared, &marked, &errText, &dur); err != nil {
			return nil, fmt.Errorf("store: scan history: %w", err)
		}
		p.Title = title.String
		p.ProcessedAt = time.UnixMilli(at)
		p.Opened, p.Cleared, p.MarkedSeen = opened != 0, cleared != 0, marked != 0
		p.Error = errText.String
		p.Duration = time.Duration(dur) * time.Millisecond
		out = append(out, p)
	}
	return out, rows.Err()
}

// PruneHistory deletes outcomes older than retention.
func (s *Store) PruneHistory(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM processed_conversations WHERE processed_at < ?`,
		s.now().Add(-retention).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: prune history: %w", err)
	}
	return res.RowsAffected()
}
