package chatwatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/internal/pool"
	"github.com/hazyhaar/chatwatch/internal/strategy"
)

var errAttachIncomplete = errors.New("chatwatch: attach did not complete")

// discover runs profile selection, container location and attach off the
// loop, behind the circuit breaker. One discovery runs at a time; results
// of a discovery started before StopMonitoring are dropped.
func (e *Engine) discover() {
	if !e.monitoring || e.discovering {
		return
	}
	e.discovering = true
	e.rediscover.Stop()
	e.rediscover = nil
	gen, ctx := e.gen, e.ctx

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		start := e.now()
		err := e.breaker.Execute(ctx,
			func(ctx context.Context) error { return e.discoverAndAttach(ctx, gen) },
			func(ctx context.Context, cause error) error { return e.attachDegraded(ctx, gen, cause) })
		e.lp.Post(func() { e.discovered(gen, err, e.now().Sub(start)) })
	}()
}

func (e *Engine) discovered(gen uint64, err error, took time.Duration) {
	if gen != e.gen {
		return
	}
	e.discovering = false
	switch {
	case err != nil:
		e.logger.Warn("chatwatch: discovery failed",
			"error", err,
			"breaker", e.breaker.State().String(),
			"retry_in", e.cfg.Engine.RediscoverDelay)
		e.scheduleRediscover(e.cfg.Engine.RediscoverDelay)
		e.diagnoseThrottled()
	case e.degraded:
		// Probe again once the breaker lets a call through.
		e.scheduleRediscover(e.cfg.Breaker.ResetTimeout)
		e.diagnoseThrottled()
	default:
		e.logger.Debug("chatwatch: discovery done", "took", took)
	}
}

func (e *Engine) scheduleRediscover(d time.Duration) {
	if !e.monitoring {
		return
	}
	e.rediscover.Stop()
	e.rediscover = e.lp.AfterFunc(d, func() {
		e.rediscover = nil
		e.discover()
	})
}

// discoverAndAttach is the operation guarded by the breaker.
func (e *Engine) discoverAndAttach(ctx context.Context, gen uint64) error {
	var v strategy.Variant
	if err := e.lp.Call(ctx, func() { v = strategy.DetectVariant(e.doc.URL(), e.doc.Root()) }); err != nil {
		return err
	}

	var selected *strategy.Profile
	p, err := e.selectProfile(ctx, v)
	switch {
	case err == nil:
		selected = &p
	case errors.Is(err, strategy.ErrNoProfile):
		e.logger.Info("chatwatch: no profile validated, falling back to the locator chain", "variant", v)
	default:
		return err
	}

	// Stays set when the task panics and the loop recovers it.
	attachErr := errAttachIncomplete
	if err := e.lp.Call(ctx, func() { attachErr = e.locateAndAttach(ctx, gen, v, selected) }); err != nil {
		return err
	}
	return attachErr
}

func (e *Engine) selectProfile(ctx context.Context, v strategy.Variant) (strategy.Profile, error) {
	if id := e.cfg.Engine.ProfileID; id != "" {
		p, ok := strategy.ByID(id)
		if !ok {
			return strategy.Profile{}, fmt.Errorf("chatwatch: unknown profile %q", id)
		}
		return p, nil
	}
	return e.selector.Select(ctx, v, func(ctx context.Context, p strategy.Profile) bool {
		ok := false
		if err := e.lp.Call(ctx, func() { ok = e.locator.CheckProfile(p) }); err != nil {
			return false
		}
		return ok
	})
}

func (e *Engine) locateAndAttach(ctx context.Context, gen uint64, v strategy.Variant, selected *strategy.Profile) error {
	if gen != e.gen || !e.monitoring {
		return nil
	}
	c, err := e.locator.Locate(ctx, v, selected)
	if err != nil {
		return fmt.Errorf("chatwatch: locate: %w", err)
	}
	if err := e.attach(c.Node, v, selected, false); err != nil {
		return err
	}
	e.stage = c.Stage
	return nil
}

// attachDegraded is the breaker fallback: watch the whole body and keep
// only record-like nodes.
func (e *Engine) attachDegraded(ctx context.Context, gen uint64, cause error) error {
	err := errAttachIncomplete
	callErr := e.lp.Call(ctx, func() {
		if gen != e.gen || !e.monitoring {
			err = nil
			return
		}
		if e.degraded && e.handle != nil && e.handle.Attached() {
			err = nil
			return
		}
		body := e.doc.Body()
		if body == nil {
			err = fmt.Errorf("chatwatch: degraded attach: %w", pool.ErrTargetDetached)
			return
		}
		e.logger.Warn("chatwatch: discovery short-circuited, watching the body", "cause", cause)
		err = e.attach(body, strategy.DetectVariant(e.doc.URL(), e.doc.Root()), nil, true)
		e.stage = ""
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// attach makes target the watched container and emits the records it
// already holds.
func (e *Engine) attach(target *html.Node, v strategy.Variant, prof *strategy.Profile, degraded bool) error {
	if e.handle != nil && e.handle.Target() == target && e.handle.Attached() {
		e.variant, e.profile, e.degraded = v, prof, degraded
		return nil
	}
	h, err := e.pool.Attach(target, func(recs []dom.MutationRecord) { e.onRecords(target, recs) }, nil)
	if err != nil {
		return fmt.Errorf("chatwatch: attach %s: %w", dom.Label(target), err)
	}
	e.detach()
	e.handle, e.container = h, target
	e.variant, e.profile, e.degraded = v, prof, degraded

	attrs := []any{"container", dom.Label(target), "variant", v, "degraded", degraded, "watcher", h.ID}
	if prof != nil {
		attrs = append(attrs, "profile", prof.ID)
	}
	e.logger.Info("chatwatch: container attached", attrs...)

	sc := e.scope()
	nodes := e.pipeline.Scan(sc)
	if degraded {
		nodes = recordLike(nodes, nil)
	}
	e.emit(e.pipeline.Process(nodes, sc))
	return nil
}

// detach drops the container watcher. The handle is cleared first so the
// pool's evict hook does not mistake the detach for a lost container.
func (e *Engine) detach() {
	if h := e.handle; h != nil {
		e.handle = nil
		h.Detach()
	}
	e.container, e.profile, e.degraded, e.stage = nil, nil, false, ""
}

// onEvict runs on the loop when the pool drops a watcher.
func (e *Engine) onEvict(h *pool.Handle, reason string) {
	if h != e.handle || reason == pool.ReasonDetach || reason == pool.ReasonClose {
		return
	}
	e.logger.Info("chatwatch: container watcher lost", "watcher", h.ID, "reason", reason)
	e.handle = nil
	e.container, e.profile, e.degraded, e.stage = nil, nil, false, ""
	e.lp.Post(e.discover)
}

// checkContainer re-runs discovery when the watched container left the
// tree.
func (e *Engine) checkContainer() {
	if !e.monitoring || e.container == nil || e.doc.Contains(e.container) {
		return
	}
	e.logger.Info("chatwatch: container detached from the tree", "container", dom.Label(e.container))
	e.detach()
	e.discover()
}

// onTreeReplaced runs on the loop after the mirror installed a fresh tree.
func (e *Engine) onTreeReplaced() {
	e.resolver.Forget()
	e.pipeline.Prune(e.doc.Contains)
	if e.container != nil && !e.doc.Contains(e.container) {
		e.detach()
	}
	if e.monitoring {
		e.discover()
	}
	// Re-attaches the list region when it was replaced.
	e.presence.Scan()
}

func (e *Engine) onNavigate(url string) {
	e.logger.Debug("chatwatch: page navigated", "url", url)
	e.resolver.Forget()
	e.scheduleRediscover(e.cfg.Engine.RetryDelay)
}

func recordLike(nodes []*html.Node, prof *strategy.Profile) []*html.Node {
	out := nodes[:0]
	for _, n := range nodes {
		if strategy.IsRecordLike(n, prof) && !strategy.InNavigation(n) {
			out = append(out, n)
		}
	}
	return out
}
