package chatwatch

import (
	"context"
	"fmt"

	"github.com/hazyhaar/chatwatch/event"
	"github.com/hazyhaar/chatwatch/internal/conversation"
	"github.com/hazyhaar/chatwatch/internal/presence"
	"github.com/hazyhaar/chatwatch/internal/store"
)

// StartPresence enables the presence monitor and persists the setting.
func (e *Engine) StartPresence(ctx context.Context) (PresenceConfig, error) {
	on := true
	return e.UpdatePresenceConfig(ctx, PresencePatch{Enabled: &on})
}

// StopPresence disables the presence monitor and persists the setting.
func (e *Engine) StopPresence(ctx context.Context) (PresenceConfig, error) {
	off := false
	return e.UpdatePresenceConfig(ctx, PresencePatch{Enabled: &off})
}

// UpdatePresenceConfig applies p to the running monitor and saves the
// result when a database is configured. Enabled starts or stops the
// monitor.
func (e *Engine) UpdatePresenceConfig(ctx context.Context, p PresencePatch) (PresenceConfig, error) {
	var cfg presence.Config
	if err := e.call(ctx, func() {
		cfg = e.presence.Config().Apply(p)
		e.applyPresence(cfg)
		cfg = e.presence.Config()
	}); err != nil {
		return cfg, err
	}
	if e.store == nil {
		return cfg, nil
	}
	if err := e.store.SavePresenceConfig(ctx, cfg); err != nil {
		return cfg, fmt.Errorf("chatwatch: save presence config: %w", err)
	}
	return cfg, nil
}

// PresenceHistory returns the latest processed-conversation entries, for
// one conversation when id is set.
func (e *Engine) PresenceHistory(ctx context.Context, id string, limit int) ([]store.Processed, error) {
	if e.store == nil {
		return nil, ErrNoStore
	}
	return e.store.History(ctx, id, limit)
}

// applyPresence runs on the loop.
func (e *Engine) applyPresence(cfg presence.Config) {
	e.presence.UpdateConfig(cfg)
	switch {
	case cfg.Enabled && !e.presence.Running():
		e.presence.Start(e.ctx)
	case !cfg.Enabled && e.presence.Running():
		e.presence.Stop()
	}
}

// applyStoredPresence receives configuration rows changed by another
// process.
func (e *Engine) applyStoredPresence(cfg presence.Config) {
	e.lp.Post(func() {
		if cfg == e.presence.Config() {
			return
		}
		e.logger.Info("chatwatch: presence config reloaded from store")
		e.applyPresence(cfg)
	})
}

func (e *Engine) onUnread(u event.Unread) {
	e.out.push(func(ctx context.Context) { _ = e.sinks.SendUnread(ctx, u) })
}

func (e *Engine) onResult(r presence.Result) {
	if e.store == nil {
		return
	}
	p := store.Processed{
		ConversationID: r.Ref.ID,
		Title:          r.Ref.Title,
		ProcessedAt:    e.now(),
		Opened:         r.Opened,
		Cleared:        r.Cleared,
		MarkedSeen:     r.MarkedSeen,
		Duration:       r.Duration,
	}
	if r.Err != nil {
		p.Error = r.Err.Error()
	}
	e.out.push(func(ctx context.Context) {
		if err := e.store.RecordProcessed(ctx, p); err != nil {
			e.logger.Warn("chatwatch: record presence result", "conversation", p.ConversationID, "error", err)
		}
	})
}

// onOpened runs on the loop after presence opened a conversation: the
// content region now shows another thread.
func (e *Engine) onOpened(ref conversation.Ref) {
	e.resolver.Forget()
	if !e.monitoring {
		return
	}
	if e.container != nil && e.doc.Contains(e.container) {
		// Same container, new content: records flow through the watcher.
		return
	}
	e.detach()
	e.discover()
}
