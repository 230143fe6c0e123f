package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/chatwatch/internal/presence"
	"github.com/hazyhaar/chatwatch/watch"
)

// PresenceConfig returns the stored presence configuration. ok is false
// when none was saved.
func (s *Store) PresenceConfig(ctx context.Context) (cfg presence.Config, ok bool, err error) {
	var body string
	err = s.DB.QueryRowContext(ctx, `SELECT body FROM presence_config WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return presence.Config{}, false, nil
	}
	if err != nil {
		return presence.Config{}, false, fmt.Errorf("store: presence config: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &cfg); err != nil {
		return presence.Config{}, false, fmt.Errorf("store: decode presence config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, true, nil
}

// SavePresenceConfig stores cfg. Every save advances updated_at so a
// watcher sees it even within the same millisecond.
func (s *Store) SavePresenceConfig(ctx context.Context, cfg presence.Config) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("store: encode presence config: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO presence_config (id, body, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			updated_at = MAX(presence_config.updated_at + 1, excluded.updated_at)`,
		string(body), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save presence config: %w", err)
	}
	return nil
}

// WatchPresenceConfig blocks until ctx is done, calling apply with the
// stored configuration each time it changes.
func (s *Store) WatchPresenceConfig(ctx context.Context, interval time.Duration, logger *slog.Logger, apply func(presence.Config)) {
	w := watch.New(s.DB, watch.Options{
		Interval: interval,
		Debounce: interval / 2,
		Detector: watch.MaxColumnDetector("presence_config", "updated_at"),
		Name:     "presence_config",
		Logger:   logger,
	})
	w.OnChange(ctx, func(ctx context.Context) error {
		cfg, ok, err := s.PresenceConfig(ctx)
		if err != nil {
			return err
		}
		if ok {
			apply(cfg)
		}
		return nil
	})
}
