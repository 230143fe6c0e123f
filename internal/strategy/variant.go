package strategy

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
)

// DetectVariant guesses the host-surface variant from the page address,
// then from landmark shapes when the address is inconclusive.
func DetectVariant(pageURL string, root *html.Node) Variant {
	if v, ok := variantFromURL(pageURL); ok {
		return v
	}
	switch {
	case dom.Query(root, `[data-pagelet="BizInboxMessageList"]`) != nil:
		return VariantBusiness
	case dom.Query(root, `[data-testid="mwthreadlist"]`) != nil,
		dom.Query(root, `[aria-label="Chats"]`) != nil && dom.Query(root, `div[role="main"] div[role="grid"]`) != nil:
		return VariantMessenger
	case dom.Query(root, `div[aria-label*="Messages in conversation"]`) != nil:
		return VariantFacebook
	}
	return VariantGeneric
}

func variantFromURL(raw string) (Variant, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "messenger.com" || strings.HasSuffix(host, ".messenger.com"):
		return VariantMessenger, true
	case host == "business.facebook.com":
		return VariantBusiness, true
	case host == "facebook.com" || strings.HasSuffix(host, ".facebook.com"):
		if strings.HasPrefix(u.Path, "/messages") {
			return VariantFacebook, true
		}
	}
	return "", false
}
