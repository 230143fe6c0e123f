// CLAUDE:SUMMARY Static strategy catalog: ranked locator recipes per host-surface variant, plus shared shape hints.
// Package strategy holds the static catalog of locator recipes and the
// selector that ranks them by priority plus learned success weight.
package strategy

// Variant tags a host-surface flavour.
type Variant string

const (
	VariantMessenger Variant = "messenger"
	VariantFacebook  Variant = "facebook"
	VariantBusiness  Variant = "business"
	VariantGeneric   Variant = "generic"
)

// Profile is a named, prioritised recipe of locator expressions. Each
// expression is CSS unless it starts with "/" (XPath).
type Profile struct {
	ID        string   `json:"id"`
	Variant   Variant  `json:"variant"`
	Priority  int      `json:"priority"`
	Container []string `json:"container"`
	Record    []string `json:"record"`
	Text      []string `json:"text"`
	Sender    []string `json:"sender"`
	Timestamp []string `json:"timestamp"`
}

var catalog = []Profile{
	{
		ID:       "messenger-grid",
		Variant:  VariantMessenger,
		Priority: 90,
		Container: []string{
			`div[role="main"] div[role="grid"]`,
			`div[aria-label^="Messages in conversation"]`,
		},
		Record:    []string{`div[role="row"]`, `[data-message-id]`},
		Text:      []string{`div[dir="auto"]`, `span[dir="auto"]`},
		Sender:    []string{`h4`, `[data-testid="message-sender"]`},
		Timestamp: []string{`abbr[aria-label]`, `[data-testid="message-timestamp"]`, `time`},
	},
	{
		ID:        "messenger-log",
		Variant:   VariantMessenger,
		Priority:  80,
		Container: []string{`div[role="main"] [role="log"]`, `[role="log"]`},
		Record:    []string{`[data-message-id]`, `div[role="row"]`},
		Text:      []string{`div[dir="auto"]`, `[data-testid="message-text"]`},
		Sender:    []string{`[data-testid="message-sender"]`, `h4`},
		Timestamp: []string{`time`, `[data-testid="message-timestamp"]`},
	},
	{
		ID:       "facebook-inbox",
		Variant:  VariantFacebook,
		Priority: 85,
		Container: []string{
			`div[aria-label*="Messages in conversation"]`,
			`div[role="main"] div[role="log"]`,
		},
		Record:    []string{`div[role="row"]`, `[data-message-id]`},
		Text:      []string{`div[dir="auto"]`},
		Sender:    []string{`h4`, `[data-testid="message-sender"]`},
		Timestamp: []string{`abbr[aria-label]`, `time`},
	},
	{
		ID:       "business-inbox",
		Variant:  VariantBusiness,
		Priority: 85,
		Container: []string{
			`div[data-pagelet="BizInboxMessageList"]`,
			`[data-testid="message-list"]`,
		},
		Record:    []string{`[data-testid="message-container"]`, `[data-message-id]`},
		Text:      []string{`[data-testid="message-text"]`, `div[dir="auto"]`},
		Sender:    []string{`[data-testid="message-sender"]`},
		Timestamp: []string{`[data-testid="message-timestamp"]`, `time`},
	},
	{
		ID:        "generic-log",
		Variant:   VariantGeneric,
		Priority:  50,
		Container: []string{`[role="log"]`, `[aria-live="polite"][role="list"]`},
		Record:    []string{`[data-message-id]`, `[role="row"]`, `[role="listitem"]`, `.message`},
		Text:      []string{`.message-text`, `.text`, `p`},
		Sender:    []string{`.sender`, `.author`, `[data-sender-name]`},
		Timestamp: []string{`time`, `[datetime]`, `.timestamp`},
	},
	{
		ID:        "generic-list",
		Variant:   VariantGeneric,
		Priority:  40,
		Container: []string{`.message-list`, `.messages`, `main ol`, `main ul`},
		Record:    []string{`.message`, `li`},
		Text:      []string{`.message-text`, `.text`, `p`},
		Sender:    []string{`.sender`, `.author`},
		Timestamp: []string{`time`, `.timestamp`},
	},
}

// Catalog returns a copy of every profile.
func Catalog() []Profile {
	out := make([]Profile, len(catalog))
	copy(out, catalog)
	return out
}

// ByID returns the catalog profile with the given id.
func ByID(id string) (Profile, bool) {
	for _, p := range catalog {
		if p.ID == id {
			return p, true
		}
	}
	return Profile{}, false
}

// ForVariant returns the profiles applicable to v: its own profiles
// followed by the generic ones.
func ForVariant(v Variant) []Profile {
	var out []Profile
	for _, p := range catalog {
		if p.Variant == v {
			out = append(out, p)
		}
	}
	if v != VariantGeneric {
		for _, p := range catalog {
			if p.Variant == VariantGeneric {
				out = append(out, p)
			}
		}
	}
	return out
}

// variantContainers are the static per-variant backup expressions tried
// after the ranked profiles. They are written as XPath so they survive
// class-name churn that breaks the CSS recipes.
var variantContainers = map[Variant][]string{
	VariantMessenger: {
		`//div[@role='main']//div[@role='grid']`,
		`//div[starts-with(@aria-label,'Messages in conversation')]`,
		`//div[@role='main']//div[@role='log']`,
	},
	VariantFacebook: {
		`//div[contains(@aria-label,'Messages in conversation')]`,
		`//div[@role='main']//div[@role='log']`,
	},
	VariantBusiness: {
		`//div[@data-pagelet='BizInboxMessageList']`,
		`//div[@role='main']//div[@data-testid='message-list']`,
	},
	VariantGeneric: {
		`//*[@role='log']`,
		`//main`,
		`//*[@role='main']`,
	},
}

// VariantContainers returns the static backup container expressions for v.
func VariantContainers(v Variant) []string {
	return variantContainers[v]
}
