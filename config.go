package chatwatch

import (
	"github.com/hazyhaar/chatwatch/internal/config"
	"github.com/hazyhaar/chatwatch/internal/conversation"
	"github.com/hazyhaar/chatwatch/internal/presence"
)

// Config is the top-level chatwatch configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig = config.BrowserConfig

// PageConfig defines the monitored page.
type PageConfig = config.PageConfig

// EngineConfig holds the engine timers.
type EngineConfig = config.EngineConfig

// SinkConfig defines an output backend.
type SinkConfig = config.SinkConfig

// HTTPConfig controls the control API.
type HTTPConfig = config.HTTPConfig

// PresenceConfig controls the presence monitor.
type PresenceConfig = presence.Config

// PresencePatch is a partial presence update; durations in milliseconds.
type PresencePatch = presence.Patch

// Interactor drives input on conversation entries for the presence monitor.
type Interactor = presence.Interactor

// ConversationRef identifies a conversation.
type ConversationRef = conversation.Ref

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}
