package strategy

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
)

// Shape hints shared by every profile. They describe what records,
// timestamps, navigation panels and composer widgets tend to look like
// regardless of the host variant.
var (
	NavigationHints = []string{
		`nav`,
		`[role="navigation"]`,
		`[aria-label="Chats"]`,
		`[aria-label="Conversations"]`,
		`[aria-label="Conversation list"]`,
		`[aria-label="Discussions"]`,
		`[aria-label="Thread list"]`,
		`[data-testid="mwthreadlist"]`,
		`[data-testid="conversation-list"]`,
		`[data-cw-nav]`,
	}
	RecordHints = []string{
		`[data-message-id]`,
		`[data-mid]`,
		`[data-testid="message-container"]`,
		`[data-testid="message"]`,
		`[aria-roledescription="message"]`,
		`div[role="row"]`,
		`.message`,
	}
	TimestampHints = []string{
		`time`,
		`[datetime]`,
		`abbr[aria-label]`,
		`[data-utime]`,
		`[data-testid="message-timestamp"]`,
		`.timestamp`,
	}
	SeparatorHints = []string{
		`[role="separator"]`,
		`hr`,
		`[data-testid="date-divider"]`,
		`.date-divider`,
		`.day-divider`,
	}
	TypingHints = []string{
		`[aria-label*="typing" i]`,
		`[data-testid="typing-indicator"]`,
		`.typing-indicator`,
		`.typing`,
	}
	ReactionHints = []string{
		`[aria-label*="reaction" i]`,
		`[data-testid*="reaction"]`,
		`.reactions`,
		`.reaction`,
	}
	ComposerHints = []string{
		`[contenteditable="true"][role="textbox"]`,
		`[role="textbox"]`,
		`textarea`,
		`[contenteditable="true"]`,
	}
	EntryHints = []string{
		`[role="row"]`,
		`[role="listitem"]`,
		`li`,
		`a[href*="/t/"]`,
	}
	BadgeHints = []string{
		`[data-unread-count]`,
		`[aria-label*="unread" i]`,
		`.badge`,
		`.unread-count`,
	}
	OutboundHints = []string{
		`[data-outgoing="true"]`,
		`[data-direction="out"]`,
		`.outgoing`,
		`.message-out`,
		`.self`,
		`.sent`,
	}
	AttachmentHints = []string{
		`img:not([alt=""])`,
		`video`,
		`audio`,
		`a[download]`,
		`[data-testid*="attachment"]`,
		`.attachment`,
	}
)

// TimeText matches bare clock or relative-time strings.
var TimeText = regexp.MustCompile(`(?i)^(\d{1,2}[:h.]\d{2}(\s?[ap]\.?m\.?)?|\d+\s?(s|m|min|h|d|w)|now|just now)$`)

// DateText matches day separators such as "Today", "Mon 14:02" or
// "January 5, 2024".
var DateText = regexp.MustCompile(`(?i)^((today|yesterday|aujourd'hui|hier)(\s+at\s+.*)?|(mon|tue|wed|thu|fri|sat|sun)[a-z]*\.?(\s+\d{1,2}[:h.]\d{2}.*)?|(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(,\s*\d{4})?(\s+at\s+.*|,?\s+\d{1,2}:\d{2}.*)?|\d{1,2}/\d{1,2}/\d{2,4}(,?\s+\d{1,2}:\d{2}.*)?)$`)

// NavigationRoot returns the closest ancestor-or-self of n that is tagged
// as a navigation or conversation-list region, or nil.
func NavigationRoot(n *html.Node) *html.Node {
	return dom.ClosestAny(n, NavigationHints)
}

// InNavigation reports whether n sits inside a navigation/list region.
func InNavigation(n *html.Node) bool {
	return NavigationRoot(n) != nil
}

// RecordExprs returns the record expressions of p followed by the shared
// hints. A nil profile yields only the hints.
func RecordExprs(p *Profile) []string {
	if p == nil {
		return RecordHints
	}
	out := make([]string, 0, len(p.Record)+len(RecordHints))
	out = append(out, p.Record...)
	return append(out, RecordHints...)
}

// IsRecordLike reports whether n has the shape of a single record under
// profile p (nil for hints only).
func IsRecordLike(n *html.Node, p *Profile) bool {
	return dom.IsElement(n) && dom.MatchesAny(n, RecordExprs(p))
}

// IsTimestampLike reports whether n is a timestamp: a known timestamp
// shape, or a small leaf whose whole text reads as a time.
func IsTimestampLike(n *html.Node) bool {
	if !dom.IsElement(n) {
		return false
	}
	if dom.MatchesAny(n, TimestampHints) {
		return true
	}
	if len(dom.Children(n)) > 0 {
		return false
	}
	return TimeText.MatchString(strings.TrimSpace(dom.TextContent(n)))
}

// IsDateSeparator reports whether n is a day divider.
func IsDateSeparator(n *html.Node) bool {
	if dom.MatchesAny(n, SeparatorHints) {
		return true
	}
	t := strings.TrimSpace(dom.TextContent(n))
	return len([]rune(t)) <= 40 && DateText.MatchString(t)
}

// IsTypingIndicator reports whether n is a "composing" indicator.
func IsTypingIndicator(n *html.Node) bool {
	if dom.MatchesAny(n, TypingHints) {
		return true
	}
	t := strings.ToLower(strings.TrimSpace(dom.TextContent(n)))
	return strings.HasSuffix(t, "is typing...") || strings.HasSuffix(t, "is typing…") ||
		strings.HasSuffix(t, "are typing...") || t == "typing..." || t == "typing…"
}
