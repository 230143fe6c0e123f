package store

// Schema is the chatwatch DDL.
const Schema = `
CREATE TABLE IF NOT EXISTS strategy_weights (
    profile_id TEXT PRIMARY KEY,
    weight INTEGER NOT NULL CHECK (weight BETWEEN 0 AND 100),
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS learned_selectors (
    variant TEXT NOT NULL,
    expr TEXT NOT NULL,
    hits INTEGER NOT NULL DEFAULT 0,
    last_hit INTEGER NOT NULL,
    PRIMARY KEY (variant, expr)
);
CREATE INDEX IF NOT EXISTS idx_learned_rank ON learned_selectors(variant, hits DESC, last_hit DESC);

CREATE TABLE IF NOT EXISTS presence_config (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    body TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_conversations (
    conversation_id TEXT NOT NULL,
    title TEXT,
    processed_at INTEGER NOT NULL,
    opened INTEGER NOT NULL DEFAULT 0,
    cleared INTEGER NOT NULL DEFAULT 0,
    marked_seen INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_processed_conv ON processed_conversations(conversation_id, processed_at DESC);
CREATE INDEX IF NOT EXISTS idx_processed_time ON processed_conversations(processed_at DESC);
`
