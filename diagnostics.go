package chatwatch

import (
	"context"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/event"
	"github.com/hazyhaar/chatwatch/internal/mirror"
	"github.com/hazyhaar/chatwatch/internal/presence"
	"github.com/hazyhaar/chatwatch/internal/strategy"
	"github.com/hazyhaar/chatwatch/observability"
)

// Status is the engine state reported to control surfaces.
type Status struct {
	Monitoring        bool           `json:"monitoring"`
	Attached          bool           `json:"attached"`
	Degraded          bool           `json:"degraded"`
	Discovering       bool           `json:"discovering"`
	Variant           string         `json:"variant,omitempty"`
	ProfileID         string         `json:"profile_id,omitempty"`
	Stage             string         `json:"stage,omitempty"`
	Container         string         `json:"container,omitempty"`
	ConversationID    string         `json:"conversation_id,omitempty"`
	ConversationTitle string         `json:"conversation_title,omitempty"`
	BreakerState      string         `json:"breaker_state"`
	Watchers          int            `json:"watchers"`
	CacheSize         int            `json:"cache_size"`
	Emitted           uint64         `json:"emitted"`
	URL               string         `json:"url,omitempty"`
	Presence          PresenceStatus `json:"presence"`
	Mirror            *mirror.Stats  `json:"mirror,omitempty"`
}

// PresenceStatus is the presence part of Status.
type PresenceStatus struct {
	Running bool            `json:"running"`
	Queue   int             `json:"queue"`
	Config  presence.Config `json:"config"`
}

// Status reports the current engine state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.call(ctx, func() {
		st = Status{
			Monitoring:   e.monitoring,
			Attached:     e.handle != nil && e.handle.Attached(),
			Degraded:     e.degraded,
			Discovering:  e.discovering,
			Variant:      string(e.variant),
			Stage:        string(e.stage),
			BreakerState: e.breaker.State().String(),
			Watchers:     e.pool.Len(),
			CacheSize:    e.pipeline.CacheSize(),
			Emitted:      e.emitted.Load(),
			URL:          e.doc.URL(),
			Presence: PresenceStatus{
				Running: e.presence.Running(),
				Queue:   e.presence.QueueLen(),
				Config:  e.presence.Config(),
			},
		}
		if e.profile != nil {
			st.ProfileID = e.profile.ID
		}
		if e.container != nil {
			st.Container = dom.XPathOf(e.container)
		}
		if ref := e.resolver.Last(); ref.Valid() {
			st.ConversationID, st.ConversationTitle = ref.ID, ref.Title
		}
	})
	if err != nil {
		return Status{}, err
	}
	if e.mirror != nil {
		ms := e.mirror.Stats()
		st.Mirror = &ms
	}
	return st, nil
}

// Metrics builds the periodic health report.
func (e *Engine) Metrics(ctx context.Context) (event.Metrics, error) {
	var m event.Metrics
	err := e.call(ctx, func() {
		pm := e.pool.Metrics()
		m = event.Metrics{
			Watchers:        pm.Watchers,
			BreakerState:    e.breaker.State().String(),
			CacheSize:       e.pipeline.CacheSize(),
			Degraded:        e.degraded,
			Attached:        e.handle != nil && e.handle.Attached(),
			Emitted:         e.emitted.Load(),
			PresenceQueue:   e.presence.QueueLen(),
			PresenceRunning: e.presence.Running(),
			Pool:            pm,
			Timestamp:       e.now().UnixMilli(),
		}
		if e.profile != nil {
			m.ProfileID = e.profile.ID
		}
	})
	return m, err
}

// Diagnostics builds a troubleshooting snapshot: the best candidate
// regions with their verdicts, the match count of every profile
// expression and coarse document figures. The snapshot is also sent to
// the sinks unless one was sent less than the diagnostics interval ago.
func (e *Engine) Diagnostics(ctx context.Context) (event.Diagnostic, error) {
	var d event.Diagnostic
	err := e.call(ctx, func() {
		d = e.snapshot()
		e.sendDiagnostic(d)
	})
	return d, err
}

// diagnoseThrottled runs on the loop after a failed or degraded discovery.
func (e *Engine) diagnoseThrottled() {
	if e.now().Sub(e.lastDiag) < e.cfg.Engine.DiagnosticsInterval {
		return
	}
	e.sendDiagnostic(e.snapshot())
}

func (e *Engine) sendDiagnostic(d event.Diagnostic) {
	now := e.now()
	if !e.lastDiag.IsZero() && now.Sub(e.lastDiag) < e.cfg.Engine.DiagnosticsInterval {
		return
	}
	e.lastDiag = now
	e.out.push(func(ctx context.Context) { _ = e.sinks.SendDiagnostic(ctx, d) })
}

func (e *Engine) snapshot() event.Diagnostic {
	root := e.doc.Root()
	v := e.variant
	if v == "" {
		v = strategy.DetectVariant(e.doc.URL(), root)
	}
	d := event.Diagnostic{
		ID:        e.ids(),
		Variant:   string(v),
		Weights:   e.selector.Weights(),
		Document:  e.documentMetrics(),
		Timestamp: e.now().UnixMilli(),
	}
	if e.container != nil {
		d.Container = dom.XPathOf(e.container)
	}
	for _, c := range e.locator.Survey(surveyLimit) {
		d.Candidates = append(d.Candidates, event.Candidate{
			XPath:      dom.XPathOf(c.Node),
			Label:      dom.Label(c.Node),
			Score:      c.Score,
			Height:     c.Height,
			Scrollable: c.Scrollable,
			Records:    c.Records,
			Verdict:    string(c.Verdict),
		})
	}
	for _, p := range e.selector.Rank(v) {
		roles := []struct {
			name  string
			exprs []string
		}{
			{"container", p.Container},
			{"record", p.Record},
			{"text", p.Text},
			{"sender", p.Sender},
			{"timestamp", p.Timestamp},
		}
		for _, r := range roles {
			for _, expr := range r.exprs {
				d.Selectors = append(d.Selectors, event.SelectorMatch{
					ProfileID: p.ID,
					Role:      r.name,
					Expr:      expr,
					Matches:   dom.Count(root, expr),
				})
			}
		}
	}
	return d
}

func (e *Engine) documentMetrics() event.DocumentMetrics {
	m := event.DocumentMetrics{URL: e.doc.URL(), Title: e.doc.Title()}
	dom.Walk(e.doc.Root(), func(n *html.Node) bool {
		switch n.Type {
		case html.ElementNode:
			m.Elements++
			if d := dom.Depth(n); d > m.MaxDepth {
				m.MaxDepth = d
			}
			if e.doc.Layout(n).Scrollable {
				m.Scrollable++
			}
		case html.TextNode:
			m.TextNodes++
		}
		return true
	})
	return m
}

// tick drives the periodic reports and housekeeping.
func (e *Engine) tick(ctx context.Context) {
	metrics := time.NewTicker(e.cfg.Engine.MetricsInterval)
	defer metrics.Stop()
	prune := time.NewTicker(pruneEvery)
	defer prune.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-metrics.C:
			e.housekeep(ctx)
			e.reportMetrics(ctx)
		case <-prune.C:
			e.pruneStore(ctx)
		}
	}
}

func (e *Engine) housekeep(ctx context.Context) {
	_ = e.call(ctx, func() {
		if n := e.pipeline.Prune(e.doc.Contains); n > 0 {
			e.logger.Debug("chatwatch: pruned node ids", "count", n)
		}
		e.checkContainer()
		if e.monitoring && (e.handle == nil || e.degraded) {
			e.diagnoseThrottled()
		}
	})
}

func (e *Engine) reportMetrics(ctx context.Context) {
	m, err := e.Metrics(ctx)
	if err != nil {
		return
	}
	_ = e.sinks.SendMetrics(ctx, m)
	if e.metrics == nil {
		return
	}
	breakerOpen := 0.0
	if m.BreakerState != "closed" {
		breakerOpen = 1
	}
	rt := observability.CollectRuntimeMetrics()
	e.metrics.RecordSimple(observability.MetricWatchers, float64(m.Watchers), "count")
	e.metrics.RecordSimple(observability.MetricNotifications, float64(m.Pool.TotalNotifications), "count")
	e.metrics.RecordSimple(observability.MetricBatchMillis, m.Pool.AvgBatchMillis, "ms")
	e.metrics.RecordSimple(observability.MetricPoolMemory, float64(m.Pool.ApproxMemoryBytes), "bytes")
	e.metrics.RecordSimple(observability.MetricEvictions, float64(m.Pool.Evictions), "count")
	e.metrics.RecordSimple(observability.MetricBreakerOpen, breakerOpen, "bool")
	e.metrics.RecordSimple(observability.MetricCacheSize, float64(m.CacheSize), "count")
	e.metrics.RecordSimple(observability.MetricEmitted, float64(m.Emitted), "count")
	e.metrics.RecordSimple(observability.MetricPresenceQueue, float64(m.PresenceQueue), "count")
	e.metrics.RecordSimple(observability.MetricGoroutines, float64(rt.Goroutines), "count")
	e.metrics.RecordSimple(observability.MetricMemoryAllocMB, rt.MemoryAllocMB, "MB")
}

func (e *Engine) pruneStore(ctx context.Context) {
	if e.store == nil {
		return
	}
	if n, err := e.metrics.Cleanup(ctx, e.cfg.DB.MetricsRetention); err != nil {
		e.logger.Warn("chatwatch: metrics cleanup", "error", err)
	} else if n > 0 {
		e.logger.Info("chatwatch: metrics cleanup", "deleted", n)
	}
	if n, err := e.store.PruneHistory(ctx, e.cfg.DB.HistoryRetention); err != nil {
		e.logger.Warn("chatwatch: history prune", "error", err)
	} else if n > 0 {
		e.logger.Info("chatwatch: history prune", "deleted", n)
	}
}
