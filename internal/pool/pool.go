// CLAUDE:SUMMARY Bounded LRU pool of shared tree watchers: 16ms batching, exact-duplicate collapse, chunked idle-slice dispatch, periodic sweep, metrics.
// Package pool manages the tree-change watchers of the engine.
//
// Each observed target gets one watcher. Raw mutation records are queued
// per target and flushed one frame after the last enqueue; the flushed
// batch is collapsed and cut into chunks that run one per idle slice of
// the event loop, in FIFO order across every target. All methods must be
// called from the loop goroutine, except Metrics.
package pool

import (
	"container/list"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/event"
	"github.com/hazyhaar/chatwatch/idgen"
	"github.com/hazyhaar/chatwatch/internal/loop"
)

// ErrTargetDetached is returned when attaching to a node outside the tree.
var ErrTargetDetached = errors.New("pool: target not in document")

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New("pool: closed")

// Eviction reasons passed to the evict hook.
const (
	ReasonLRU    = "lru"
	ReasonStale  = "stale"
	ReasonDetach = "detach"
	ReasonClose  = "close"
)

// Scheduler is the subset of the event loop the pool needs.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) *loop.Timer
}

// IdleScheduler is implemented by schedulers with idle slices.
type IdleScheduler interface {
	RequestIdle(fn func())
}

// Config holds pool tunables. Zero fields take the defaults.
type Config struct {
	Capacity      int           // default 10
	BatchDelay    time.Duration // default 16ms
	ChunkSize     int           // default 50
	Stagger       time.Duration // timer spacing without idle slices, default 4ms
	SweepInterval time.Duration // default 60s
	// NoIdle forces staggered timers even when idle slices exist.
	NoIdle bool
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 10
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 16 * time.Millisecond
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 50
	}
	if c.Stagger <= 0 {
		c.Stagger = 4 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
}

// Pool is a bounded set of watchers keyed by target node.
type Pool struct {
	doc     *dom.Document
	sched   Scheduler
	idle    func(func())
	cfg     Config
	logger  *slog.Logger
	ids     idgen.Generator
	now     func() time.Time
	onEvict func(h *Handle, reason string)

	entries map[*html.Node]*list.Element
	lru     *list.List // front is most recently used

	pending []func()
	pumping bool
	sweep   *loop.Timer
	closed  bool

	mu    sync.Mutex
	stats stats
}

type stats struct {
	notifications uint64
	batches       uint64
	avgBatch      float64 // milliseconds, exponential moving average
	evictions     uint64
	swept         uint64
	panics        uint64
	watchers      int
	memory        int
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

// WithIDGenerator sets the watcher id generator.
func WithIDGenerator(g idgen.Generator) Option { return func(p *Pool) { p.ids = g } }

// WithClock sets the time source for activity stamps and batch timing.
func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

// WithEvictHook is called after a watcher leaves the pool for any reason.
func WithEvictHook(fn func(h *Handle, reason string)) Option {
	return func(p *Pool) { p.onEvict = fn }
}

// New creates a pool over doc. sched is normally the engine's *loop.Loop.
func New(doc *dom.Document, sched Scheduler, cfg Config, opts ...Option) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		doc:     doc,
		sched:   sched,
		cfg:     cfg,
		logger:  slog.Default(),
		ids:     idgen.Prefixed("w_", idgen.UUIDv7()),
		now:     time.Now,
		entries: make(map[*html.Node]*list.Element),
		lru:     list.New(),
	}
	if is, ok := sched.(IdleScheduler); ok && !cfg.NoIdle {
		p.idle = is.RequestIdle
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Handle is one pooled watcher.
type Handle struct {
	ID string

	pool     *Pool
	target   *html.Node
	opts     dom.ObserveOptions
	obs      *dom.Observer
	onBatch  func([]dom.MutationRecord)
	queue    []dom.MutationRecord
	timer    *loop.Timer
	last     time.Time
	attached bool
	seen     uint64
}

// Target returns the observed node.
func (h *Handle) Target() *html.Node { return h.target }

// Options returns the watcher configuration.
func (h *Handle) Options() dom.ObserveOptions { return h.opts }

// Attached reports whether the watcher is still in the pool.
func (h *Handle) Attached() bool { return h.attached }

// LastActivity returns the time of the last attach or notification.
func (h *Handle) LastActivity() time.Time { return h.last }

// Notifications returns how many raw records the watcher received.
func (h *Handle) Notifications() uint64 { return h.seen }

// Pending returns the number of queued, not yet flushed records.
func (h *Handle) Pending() int { return len(h.queue) }

// Detach removes the watcher from its pool.
func (h *Handle) Detach() {
	if h.attached {
		h.pool.remove(h, ReasonDetach)
	}
}

// OptionsFor picks a watcher configuration from the target's shape: a
// plain list gets child-list changes only, anything else gets subtree,
// text and the attributes that carry record identity and state.
func OptionsFor(target *html.Node) dom.ObserveOptions {
	role := dom.Attr(target, "role")
	if target != nil && (target.Data == "ul" || target.Data == "ol" || role == "list") {
		return dom.ObserveOptions{ChildList: true}
	}
	return dom.ObserveOptions{
		ChildList:       true,
		Subtree:         true,
		CharacterData:   true,
		Attributes:      true,
		AttributeFilter: []string{"class", "aria-hidden", "data-message-id"},
	}
}

// Attach returns the watcher for target, creating it when needed. A second
// attach to the same target returns the same handle, marks it most
// recently used and makes onBatch its callback. cfg nil selects
// OptionsFor(target).
func (p *Pool) Attach(target *html.Node, onBatch func([]dom.MutationRecord), cfg *dom.ObserveOptions) (*Handle, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if !dom.IsElement(target) || !p.doc.Contains(target) {
		return nil, ErrTargetDetached
	}
	if el, ok := p.entries[target]; ok {
		h := el.Value.(*Handle)
		p.lru.MoveToFront(el)
		h.onBatch = onBatch
		h.last = p.now()
		return h, nil
	}
	for p.lru.Len() >= p.cfg.Capacity {
		oldest := p.lru.Back().Value.(*Handle)
		p.logger.Info("pool: watcher evicted", "id", oldest.ID, "target", dom.Label(oldest.target), "reason", ReasonLRU)
		p.remove(oldest, ReasonLRU)
	}

	opts := OptionsFor(target)
	if cfg != nil {
		opts = *cfg
	}
	h := &Handle{
		ID:       p.ids(),
		pool:     p,
		target:   target,
		opts:     opts,
		onBatch:  onBatch,
		last:     p.now(),
		attached: true,
	}
	h.obs = p.doc.Observe(target, opts, h.enqueue)
	p.entries[target] = p.lru.PushFront(h)
	p.logger.Debug("pool: watcher attached", "id", h.ID, "target", dom.Label(target), "subtree", opts.Subtree)

	if p.sweep == nil {
		p.scheduleSweep()
	}
	p.refresh()
	return h, nil
}

// Lookup returns the watcher for target without touching the LRU order.
func (p *Pool) Lookup(target *html.Node) (*Handle, bool) {
	el, ok := p.entries[target]
	if !ok {
		return nil, false
	}
	return el.Value.(*Handle), true
}

// Len returns the number of watchers.
func (p *Pool) Len() int { return p.lru.Len() }

// Close disconnects every watcher and drops all queued work.
func (p *Pool) Close() {
	if p.closed {
		return
	}
	p.closed = true
	for p.lru.Len() > 0 {
		p.remove(p.lru.Back().Value.(*Handle), ReasonClose)
	}
	p.sweep.Stop()
	p.sweep = nil
	p.pending = nil
	p.refresh()
}

// Sweep evicts watchers whose target left the document and refreshes the
// metrics. It runs periodically and can be called directly.
func (p *Pool) Sweep() int {
	var stale []*Handle
	for el := p.lru.Front(); el != nil; el = el.Next() {
		h := el.Value.(*Handle)
		if !p.doc.Contains(h.target) {
			stale = append(stale, h)
		}
	}
	for _, h := range stale {
		p.logger.Info("pool: watcher evicted", "id", h.ID, "target", dom.Label(h.target), "reason", ReasonStale)
		p.remove(h, ReasonStale)
	}
	p.mu.Lock()
	p.stats.swept += uint64(len(stale))
	p.mu.Unlock()
	p.refresh()
	return len(stale)
}

func (p *Pool) scheduleSweep() {
	p.sweep = p.sched.AfterFunc(p.cfg.SweepInterval, func() {
		if p.closed {
			return
		}
		p.Sweep()
		p.scheduleSweep()
	})
}

func (p *Pool) remove(h *Handle, reason string) {
	el, ok := p.entries[h.target]
	if !ok || el.Value.(*Handle) != h {
		return
	}
	p.lru.Remove(el)
	delete(p.entries, h.target)
	h.obs.Disconnect()
	h.timer.Stop()
	h.timer = nil
	h.queue = nil
	h.attached = false
	if reason != ReasonDetach && reason != ReasonClose {
		p.mu.Lock()
		p.stats.evictions++
		p.mu.Unlock()
	}
	p.refresh()
	if p.onEvict != nil {
		p.onEvict(h, reason)
	}
}

// enqueue is the observer callback: queue and restart the batch timer.
func (h *Handle) enqueue(recs []dom.MutationRecord) {
	if !h.attached {
		return
	}
	p := h.pool
	h.queue = append(h.queue, recs...)
	h.seen += uint64(len(recs))
	h.last = p.now()
	p.mu.Lock()
	p.stats.notifications += uint64(len(recs))
	p.mu.Unlock()
	h.timer.Stop()
	h.timer = p.sched.AfterFunc(p.cfg.BatchDelay, h.flush)
}

// flush collapses the queue and schedules its chunks.
func (h *Handle) flush() {
	h.timer = nil
	if !h.attached || len(h.queue) == 0 {
		return
	}
	p := h.pool
	recs := Collapse(h.queue)
	h.queue = nil

	b := &batch{started: p.now()}
	for start := 0; start < len(recs); start += p.cfg.ChunkSize {
		end := min(start+p.cfg.ChunkSize, len(recs))
		chunk := recs[start:end]
		b.remaining++
		p.enqueueTask(func() { p.dispatch(h, b, chunk) })
	}
	p.refresh()
}

type batch struct {
	started   time.Time
	remaining int
}

func (p *Pool) dispatch(h *Handle, b *batch, chunk []dom.MutationRecord) {
	b.remaining--
	if h.attached && h.onBatch != nil {
		p.deliver(h, chunk)
	}
	if b.remaining == 0 {
		ms := float64(p.now().Sub(b.started)) / float64(time.Millisecond)
		p.mu.Lock()
		p.stats.batches++
		if p.stats.batches == 1 {
			p.stats.avgBatch = ms
		} else {
			p.stats.avgBatch = 0.8*p.stats.avgBatch + 0.2*ms
		}
		p.mu.Unlock()
	}
}

// deliver runs the batch callback. A panicking chunk is logged and
// skipped.
func (p *Pool) deliver(h *Handle, chunk []dom.MutationRecord) {
	defer func() {
		if r := recover(); r != nil {
			p.mu.Lock()
			p.stats.panics++
			p.mu.Unlock()
			p.logger.Error("pool: batch callback panic", "id", h.ID, "records", len(chunk), "panic", r)
		}
	}()
	h.onBatch(chunk)
}

// enqueueTask appends to the FIFO pump. One task runs per idle slice, or
// per stagger interval without idle scheduling.
func (p *Pool) enqueueTask(task func()) {
	p.pending = append(p.pending, task)
	if !p.pumping {
		p.pumping = true
		p.pump()
	}
}

func (p *Pool) pump() {
	if p.closed || len(p.pending) == 0 {
		p.pumping = false
		return
	}
	step := func() {
		if p.closed || len(p.pending) == 0 {
			p.pumping = false
			return
		}
		task := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		defer p.pump()
		task()
	}
	if p.idle != nil {
		p.idle(step)
		return
	}
	p.sched.AfterFunc(p.cfg.Stagger, step)
}

type recordKey struct {
	kind           dom.MutationKind
	target         *html.Node
	attr           string
	added, removed int
	first          *html.Node
}

// Collapse drops exact duplicates: records with the same kind, target,
// attribute, added and removed counts and first changed node. Order of
// first occurrence is kept.
func Collapse(recs []dom.MutationRecord) []dom.MutationRecord {
	seen := make(map[recordKey]bool, len(recs))
	out := make([]dom.MutationRecord, 0, len(recs))
	for _, r := range recs {
		k := recordKey{kind: r.Kind, target: r.Target, attr: r.AttributeName, added: len(r.Added), removed: len(r.Removed)}
		switch {
		case len(r.Added) > 0:
			k.first = r.Added[0]
		case len(r.Removed) > 0:
			k.first = r.Removed[0]
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}

// Approximate per-object footprints used for the memory estimate.
const (
	handleBytes = 512
	recordBytes = 96
	taskBytes   = 64
)

func (p *Pool) refresh() {
	mem := 0
	for el := p.lru.Front(); el != nil; el = el.Next() {
		h := el.Value.(*Handle)
		mem += handleBytes + len(h.queue)*recordBytes
	}
	mem += len(p.pending) * taskBytes
	p.mu.Lock()
	p.stats.watchers = p.lru.Len()
	p.stats.memory = mem
	p.mu.Unlock()
}

// Metrics returns the aggregate counters. Safe from any goroutine.
func (p *Pool) Metrics() event.PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return event.PoolMetrics{
		Watchers:           p.stats.watchers,
		TotalNotifications: p.stats.notifications,
		Batches:            p.stats.batches,
		AvgBatchMillis:     p.stats.avgBatch,
		ApproxMemoryBytes:  p.stats.memory,
		Evictions:          p.stats.evictions,
		Swept:              p.stats.swept,
		Panics:             p.stats.panics,
	}
}
