// CLAUDE:SUMMARY Registers chatwatch control handlers (monitoring, presence, diagnostics, status) on a connectivity Router.
package chatwatch

import (
	"context"
	"encoding/json"

	"github.com/hazyhaar/chatwatch/connectivity"
)

// RegisterConnectivity registers chatwatch control handlers on a
// connectivity Router.
//
// Registered services:
//
//	chatwatch_start            start monitoring (discovery + extraction)
//	chatwatch_stop             stop monitoring
//	chatwatch_rediscover       force a container re-discovery
//	chatwatch_presence_start   enable the presence monitor
//	chatwatch_presence_stop    disable the presence monitor
//	chatwatch_presence_config  patch the presence configuration
//	chatwatch_presence_history processed-conversation history
//	chatwatch_diagnostics      troubleshooting snapshot
//	chatwatch_status           engine state
func (e *Engine) RegisterConnectivity(router *connectivity.Router) {
	router.RegisterLocal("chatwatch_start", e.handleStart)
	router.RegisterLocal("chatwatch_stop", e.handleStop)
	router.RegisterLocal("chatwatch_rediscover", e.handleRediscover)
	router.RegisterLocal("chatwatch_presence_start", e.handlePresenceStart)
	router.RegisterLocal("chatwatch_presence_stop", e.handlePresenceStop)
	router.RegisterLocal("chatwatch_presence_config", e.handlePresenceConfig)
	router.RegisterLocal("chatwatch_presence_history", e.handlePresenceHistory)
	router.RegisterLocal("chatwatch_diagnostics", e.handleDiagnostics)
	router.RegisterLocal("chatwatch_status", e.handleStatus)
}

func (e *Engine) statusReply(ctx context.Context) ([]byte, error) {
	st, err := e.Status(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

func (e *Engine) handleStart(ctx context.Context, _ []byte) ([]byte, error) {
	if err := e.StartMonitoring(ctx); err != nil {
		return nil, err
	}
	return e.statusReply(ctx)
}

func (e *Engine) handleStop(ctx context.Context, _ []byte) ([]byte, error) {
	if err := e.StopMonitoring(ctx); err != nil {
		return nil, err
	}
	return e.statusReply(ctx)
}

func (e *Engine) handleRediscover(ctx context.Context, _ []byte) ([]byte, error) {
	if err := e.Rediscover(ctx); err != nil {
		return nil, err
	}
	return e.statusReply(ctx)
}

func (e *Engine) handlePresenceStart(ctx context.Context, _ []byte) ([]byte, error) {
	cfg, err := e.StartPresence(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cfg)
}

func (e *Engine) handlePresenceStop(ctx context.Context, _ []byte) ([]byte, error) {
	cfg, err := e.StopPresence(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cfg)
}

func (e *Engine) handlePresenceConfig(ctx context.Context, payload []byte) ([]byte, error) {
	var patch PresencePatch
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &patch); err != nil {
			return nil, &connectivity.ErrBadPayload{Service: "chatwatch_presence_config", Cause: err}
		}
	}
	cfg, err := e.UpdatePresenceConfig(ctx, patch)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cfg)
}

func (e *Engine) handlePresenceHistory(ctx context.Context, payload []byte) ([]byte, error) {
	var req struct {
		ConversationID string `json:"conversation_id"`
		Limit          int    `json:"limit"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, &connectivity.ErrBadPayload{Service: "chatwatch_presence_history", Cause: err}
		}
	}
	hist, err := e.PresenceHistory(ctx, req.ConversationID, req.Limit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(hist)
}

func (e *Engine) handleDiagnostics(ctx context.Context, _ []byte) ([]byte, error) {
	d, err := e.Diagnostics(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(d)
}

func (e *Engine) handleStatus(ctx context.Context, _ []byte) ([]byte, error) {
	return e.statusReply(ctx)
}
