// Package event defines the structured types emitted by chatwatch.
// These are the public API contract: any consumer (a hosting shell, a
// dispatch service, custom pipelines) imports this package to receive
// extracted records and monitoring data.
package event

// Kind is the envelope type of an outbound event.
type Kind string

const (
	KindMessage    Kind = "message"
	KindUnread     Kind = "unread"
	KindMetrics    Kind = "metrics"
	KindDiagnostic Kind = "diagnostic"
)

// Message is one extracted chat record. Immutable once produced.
type Message struct {
	ID                string `json:"id"`
	ConversationID    string `json:"conversation_id"`
	ConversationTitle string `json:"conversation_title,omitempty"`
	SenderID          string `json:"sender_id,omitempty"`
	SenderName        string `json:"sender_name,omitempty"`
	Text              string `json:"text"`
	Markdown          string `json:"markdown,omitempty"`
	Timestamp         int64  `json:"timestamp"` // epoch milliseconds
	Outbound          bool   `json:"outbound"`
	HasAttachment     bool   `json:"has_attachment"`
	ProfileID         string `json:"profile_id,omitempty"`
	PageURL           string `json:"page_url,omitempty"`
}

// Key is the dedup key of a message within a session.
func (m Message) Key() string {
	return m.ConversationID + "\x00" + m.ID
}

// Unread reports a conversation whose list entry shows an unread marker.
type Unread struct {
	ConversationID    string `json:"conversation_id"`
	ConversationTitle string `json:"conversation_title,omitempty"`
	Count             int    `json:"count"` // 0 when the marker carries no number
	Preview           string `json:"preview,omitempty"`
	Signal            string `json:"signal"` // class, badge or weight
	Timestamp         int64  `json:"timestamp"`
}

// PoolMetrics summarises the change-observation pool.
type PoolMetrics struct {
	Watchers           int     `json:"watchers"`
	TotalNotifications uint64  `json:"total_notifications"`
	Batches            uint64  `json:"batches"`
	AvgBatchMillis     float64 `json:"avg_batch_ms"`
	ApproxMemoryBytes  int     `json:"approx_memory_bytes"`
	Evictions          uint64  `json:"evictions"`
	Swept              uint64  `json:"swept"`
	Panics             uint64  `json:"panics,omitempty"`
}

// Metrics is the periodic health report.
type Metrics struct {
	Watchers        int         `json:"watchers"`
	BreakerState    string      `json:"breaker_state"`
	CacheSize       int         `json:"cache_size"`
	Degraded        bool        `json:"degraded"`
	Attached        bool        `json:"attached"`
	ProfileID       string      `json:"profile_id,omitempty"`
	Emitted         uint64      `json:"emitted"`
	PresenceQueue   int         `json:"presence_queue"`
	PresenceRunning bool        `json:"presence_running"`
	Pool            PoolMetrics `json:"pool"`
	Timestamp       int64       `json:"timestamp"`
}

// Candidate is one scored region in a diagnostic snapshot.
type Candidate struct {
	XPath      string  `json:"xpath"`
	Label      string  `json:"label"`
	Score      float64 `json:"score"`
	Height     int     `json:"height"`
	Scrollable bool    `json:"scrollable"`
	Records    int     `json:"records"`
	Verdict    string  `json:"verdict"`
}

// SelectorMatch reports how many nodes an expression matches right now.
type SelectorMatch struct {
	ProfileID string `json:"profile_id"`
	Role      string `json:"role"` // container, record, text, sender, timestamp
	Expr      string `json:"expr"`
	Matches   int    `json:"matches"`
}

// DocumentMetrics are coarse size figures of the content tree.
type DocumentMetrics struct {
	Elements   int    `json:"elements"`
	TextNodes  int    `json:"text_nodes"`
	MaxDepth   int    `json:"max_depth"`
	Scrollable int    `json:"scrollable"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
}

// Diagnostic is the troubleshooting snapshot.
type Diagnostic struct {
	ID         string          `json:"id"` // UUIDv7
	Variant    string          `json:"variant"`
	Container  string          `json:"container,omitempty"`
	Candidates []Candidate     `json:"candidates"`
	Selectors  []SelectorMatch `json:"selectors"`
	Document   DocumentMetrics `json:"document"`
	Weights    map[string]int  `json:"weights"`
	Timestamp  int64           `json:"timestamp"`
}
