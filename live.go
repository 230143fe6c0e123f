package chatwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/chatwatch/internal/browser"
	"github.com/hazyhaar/chatwatch/internal/mirror"
)

// Live is the Chrome backend of an engine: a managed browser, the tab
// showing the messaging surface and the CDP source the mirror reads.
type Live struct {
	mgr    *browser.Manager
	src    *mirror.RodSource
	url    string
	cfg    *Config
	logger *slog.Logger

	mu        sync.Mutex
	onRecycle func()
}

// StartLive launches (or connects to) Chrome and opens cfg.Page.URL.
func StartLive(ctx context.Context, cfg *Config, logger *slog.Logger) (*Live, error) {
	if cfg.Page.URL == "" {
		return nil, errors.New("chatwatch: live mode needs page.url")
	}
	if logger == nil {
		logger = slog.Default()
	}
	mgr := browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		MemoryLimit:      cfg.Browser.MemoryLimit,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Stealth:          browser.ParseStealth(cfg.Browser.Stealth),
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		UserDataDir:      cfg.Browser.UserDataDir,
		Logger:           logger,
	})
	if _, err := mgr.Start(ctx); err != nil {
		return nil, fmt.Errorf("chatwatch: start browser: %w", err)
	}
	tab, err := browser.OpenTab(ctx, mgr, cfg.Page.URL, cfg.Page.LoadTimeout)
	if err != nil {
		mgr.Close()
		return nil, fmt.Errorf("chatwatch: %w", err)
	}
	l := &Live{
		mgr:    mgr,
		src:    mirror.NewRodSource(tab, logger),
		url:    cfg.Page.URL,
		cfg:    cfg,
		logger: logger,
	}
	mgr.SetRecycleCallback(&browser.RecycleCallback{
		AfterRecycle: func(*rod.Browser) { l.reopen(ctx) },
	})
	return l, nil
}

// reopen replaces the tab after Chrome was recycled.
func (l *Live) reopen(ctx context.Context) {
	tab, err := browser.OpenTab(ctx, l.mgr, l.url, l.cfg.Page.LoadTimeout)
	if err != nil {
		l.logger.Error("chatwatch: reopen tab after recycle", "url", l.url, "error", err)
		return
	}
	l.src.SetTab(tab)
	l.mu.Lock()
	fn := l.onRecycle
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
	l.logger.Info("chatwatch: tab reopened after recycle", "url", l.url)
}

func (l *Live) setRecycleHook(fn func()) {
	l.mu.Lock()
	l.onRecycle = fn
	l.mu.Unlock()
}

// Close closes the tab and the browser.
func (l *Live) Close() error {
	var errs []error
	if tab := l.src.Tab(); tab != nil {
		errs = append(errs, tab.Close())
	}
	errs = append(errs, l.mgr.Close())
	return errors.Join(errs...)
}

// bindLive mirrors the tab into the engine's tree and routes presence
// input to the page.
func (e *Engine) bindLive() {
	e.mirror = mirror.New(e.doc, e.lp, e.live.src,
		mirror.WithLogger(e.logger),
		mirror.WithResync(e.cfg.Page.ResyncPeriod),
		mirror.WithReloadHook(e.onTreeReplaced),
		mirror.WithNavigateHook(e.onNavigate))
	e.live.setRecycleHook(e.mirror.Restart)
	if e.act == nil {
		e.act = &mirror.Interactor{Mirror: e.mirror, Source: e.live.src, MarkSeenFunc: e.markSeen}
	}
}
