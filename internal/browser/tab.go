package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"
)

// Tab wraps the Rod page of the monitored conversation surface.
type Tab struct {
	Page    *rod.Page
	PageURL string
	Stealth StealthLevel

	router *rod.HijackRouter
}

// OpenTab creates a stealth tab, applies resource blocking and navigates
// to pageURL. A load timeout is logged, not returned: chat surfaces keep
// long-poll requests open and may never reach the load event.
func OpenTab(ctx context.Context, mgr *Manager, pageURL string, timeout time.Duration) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, errors.New("browser: no active browser")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	t := &Tab{Page: page, PageURL: pageURL, Stealth: mgr.cfg.Stealth}

	if len(mgr.cfg.ResourceBlocking) > 0 {
		router, err := applyResourceBlocking(page, mgr.cfg.ResourceBlocking)
		if err != nil {
			mgr.cfg.Logger.Warn("browser: resource blocking failed", "error", err)
		}
		t.router = router
	}

	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}

	return t, nil
}

// URL returns the current location of the page.
func (t *Tab) URL(ctx context.Context) (string, error) {
	res, err := t.Page.Context(ctx).Eval(`() => location.href`)
	if err != nil {
		return "", fmt.Errorf("browser: location: %w", err)
	}
	return res.Value.Str(), nil
}

// Close stops request interception and closes the tab.
func (t *Tab) Close() error {
	if t.router != nil {
		t.router.Stop()
		t.router = nil
	}
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
