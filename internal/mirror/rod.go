package mirror

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/chatwatch/internal/browser"
)

//go:embed mirror.js
var mirrorJS string

const bindingName = "__chatwatch_binding"

const snapshotJS = `() => ({url: location.href, html: document.documentElement.outerHTML})`

const layoutJS = `() => {
	const out = [];
	document.querySelectorAll('[data-cw-id]').forEach((el) => {
		const r = el.getBoundingClientRect();
		const cs = getComputedStyle(el);
		out.push({
			id: el.getAttribute('data-cw-id'),
			w: Math.round(r.width), h: Math.round(r.height),
			sh: el.scrollHeight, ch: el.clientHeight,
			hid: cs.display === 'none' || cs.visibility === 'hidden',
			ov: /(auto|scroll|overlay)/.test(cs.overflowY),
			fw: parseInt(cs.fontWeight, 10) || 400,
		});
	});
	return JSON.stringify(out);
}`

var errNoTab = errors.New("mirror: no tab")

// RodSource reads a browser tab through CDP.
type RodSource struct {
	mu     sync.RWMutex
	tab    *browser.Tab
	logger *slog.Logger
}

// NewRodSource creates a Source over tab.
func NewRodSource(tab *browser.Tab, logger *slog.Logger) *RodSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &RodSource{tab: tab, logger: logger}
}

// SetTab swaps the tab after a browser recycle.
func (s *RodSource) SetTab(tab *browser.Tab) {
	s.mu.Lock()
	s.tab = tab
	s.mu.Unlock()
}

// Tab returns the current tab.
func (s *RodSource) Tab() *browser.Tab {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tab
}

func (s *RodSource) page() (*rod.Page, error) {
	t := s.Tab()
	if t == nil || t.Page == nil {
		return nil, errNoTab
	}
	return t.Page, nil
}

func (s *RodSource) Snapshot(ctx context.Context) (Snapshot, error) {
	p, err := s.page()
	if err != nil {
		return Snapshot{}, err
	}
	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(p); err != nil {
		s.logger.Debug("mirror: addBinding failed (may already exist)", "error", err)
	}
	if _, err := p.Context(ctx).Eval(mirrorJS); err != nil {
		return Snapshot{}, fmt.Errorf("inject mirror.js: %w", err)
	}
	res, err := p.Context(ctx).Eval(snapshotJS)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		URL:  res.Value.Get("url").Str(),
		HTML: res.Value.Get("html").Str(),
	}, nil
}

func (s *RodSource) Layout(ctx context.Context) ([]Metric, error) {
	p, err := s.page()
	if err != nil {
		return nil, err
	}
	res, err := p.Context(ctx).Eval(layoutJS)
	if err != nil {
		return nil, err
	}
	var ms []Metric
	if err := json.Unmarshal([]byte(res.Value.Str()), &ms); err != nil {
		return nil, fmt.Errorf("decode layout: %w", err)
	}
	return ms, nil
}

// Changes listens for Runtime.bindingCalled until ctx is done.
func (s *RodSource) Changes(ctx context.Context, fn func([]Change)) error {
	p, err := s.page()
	if err != nil {
		return err
	}
	p.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		var cs []Change
		if err := json.Unmarshal([]byte(e.Payload), &cs); err != nil {
			s.logger.Warn("mirror: parse binding payload", "error", err)
			return
		}
		fn(cs)
	})()
	return nil
}
