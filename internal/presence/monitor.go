// CLAUDE:SUMMARY Background presence monitor: debounced list-region scans, unread detection, cooldown queue, semaphore-capped cancellable activation tasks with mark-seen fallback.
// Package presence watches the conversation list and keeps the account
// visibly present: it reports conversations showing an unread marker and,
// when auto-open is on, opens each of them with simulated input so the
// host clears the marker.
//
// Monitor state lives on the event loop. Activation runs in task
// goroutines that reach the content tree only through Loop.Call.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/event"
	"github.com/hazyhaar/chatwatch/internal/conversation"
	"github.com/hazyhaar/chatwatch/internal/loop"
	"github.com/hazyhaar/chatwatch/internal/pool"
	"github.com/hazyhaar/chatwatch/internal/strategy"
)

var (
	// ErrNoAnchor is returned when a list entry has nothing clickable.
	ErrNoAnchor = errors.New("presence: entry has no anchor")
	// ErrOpenTimeout is returned when the content container did not show
	// up after a click.
	ErrOpenTimeout = errors.New("presence: container did not open")
)

// regionOptions watch the list region for entries coming and going and for
// the attributes that carry unread state.
var regionOptions = dom.ObserveOptions{
	ChildList:       true,
	Subtree:         true,
	CharacterData:   true,
	Attributes:      true,
	AttributeFilter: []string{"class", "aria-label", "aria-selected", "data-unread-count", "style"},
}

// regionRetry is the delay between attempts to find the list region.
const regionRetry = time.Second

// Result describes one processed conversation.
type Result struct {
	Ref        conversation.Ref
	Opened     bool
	Cleared    bool
	MarkedSeen bool
	Err        error
	Duration   time.Duration
}

type item struct {
	ref      conversation.Ref
	count    int
	preview  string
	enqueued time.Time
	sem      *semaphore.Weighted // the cap the task was started under
}

// Monitor is the background presence monitor.
type Monitor struct {
	doc      *dom.Document
	lp       *loop.Loop
	pool     *pool.Pool
	act      Interactor
	resolver *conversation.Resolver
	logger   *slog.Logger
	now      func() time.Time
	probe    func() *html.Node
	onUnread func(event.Unread)
	onResult func(Result)
	onOpened func(conversation.Ref)

	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	running  bool
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	region   *html.Node
	handle   *pool.Handle
	debounce *loop.Timer
	retry    *loop.Timer

	queue    []*item
	queued   map[string]bool // queued or in flight
	inflight int
	// Tasks started under a replaced semaphore, and the slots of the
	// current one held on their behalf.
	older    int
	borrowed int
	last     map[string]time.Time
	unread   map[string]bool

	wg sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

// WithClock sets the time source used for cooldowns and events.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// WithContainerProbe sets the function that reports the open content
// container, or nil while none is shown. It runs on the loop.
func WithContainerProbe(fn func() *html.Node) Option { return func(m *Monitor) { m.probe = fn } }

// WithUnreadHook receives a conversation each time it turns unread.
func WithUnreadHook(fn func(event.Unread)) Option { return func(m *Monitor) { m.onUnread = fn } }

// WithResultHook receives every processed conversation, on the loop.
func WithResultHook(fn func(Result)) Option { return func(m *Monitor) { m.onResult = fn } }

// WithOpenHook is called on the loop after a conversation was opened.
func WithOpenHook(fn func(conversation.Ref)) Option { return func(m *Monitor) { m.onOpened = fn } }

// New creates a Monitor. It does nothing until Start.
func New(doc *dom.Document, lp *loop.Loop, p *pool.Pool, act Interactor, cfg Config, opts ...Option) *Monitor {
	cfg.ApplyDefaults()
	m := &Monitor{
		doc:      doc,
		lp:       lp,
		pool:     p,
		act:      act,
		resolver: conversation.NewResolver(doc),
		logger:   slog.Default(),
		now:      time.Now,
		cfg:      cfg,
		queued:   make(map[string]bool),
		last:     make(map[string]time.Time),
		unread:   make(map[string]bool),
	}
	for _, o := range opts {
		o(m)
	}
	if m.probe == nil {
		m.probe = m.defaultProbe
	}
	m.sem = semaphore.NewWeighted(int64(cfg.Concurrency))
	m.limiter = rate.NewLimiter(limitOf(cfg.ActivationRate), 1)
	return m
}

func limitOf(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// Config returns the active configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Running reports whether the monitor is started.
func (m *Monitor) Running() bool { return m.running }

// QueueLen returns the number of queued and in-flight conversations.
func (m *Monitor) QueueLen() int { return len(m.queue) + m.inflight }

// Pending reports whether the conversation is queued or being processed.
func (m *Monitor) Pending(id string) bool { return m.queued[id] }

// Start begins watching the list region. Tasks inherit ctx. Calling Start
// on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if m.running {
		return
	}
	m.running = true
	m.gen++
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.logger.Info("presence: started", "auto_open", m.cfg.AutoOpen, "concurrency", m.cfg.Concurrency)
	if m.ensureRegion() == nil {
		m.retryRegion(m.gen)
		return
	}
	m.Scan()
}

// Stop cancels in-flight tasks and drops the queue. Results of tasks that
// finish later are discarded. Use Wait to block until they returned.
func (m *Monitor) Stop() {
	if !m.running {
		return
	}
	m.running = false
	m.gen++
	m.cancel()
	m.debounce.Stop()
	m.retry.Stop()
	m.debounce, m.retry = nil, nil
	if m.handle != nil {
		m.handle.Detach()
		m.handle = nil
	}
	m.region = nil
	m.queue = nil
	m.queued = make(map[string]bool)
	m.unread = make(map[string]bool)
	m.inflight, m.older, m.borrowed = 0, 0, 0
	// Cancelled tasks release into the old semaphore.
	m.sem = semaphore.NewWeighted(int64(m.cfg.Concurrency))
	m.logger.Info("presence: stopped")
}

// Wait blocks until every task goroutine returned. Call it off the loop.
func (m *Monitor) Wait() { m.wg.Wait() }

// UpdateConfig replaces the configuration. A new concurrency cap counts
// the tasks already in flight: no task starts until fewer than the new cap
// are running.
func (m *Monitor) UpdateConfig(cfg Config) {
	cfg.ApplyDefaults()
	if cfg.Concurrency != m.cfg.Concurrency {
		m.resize(cfg.Concurrency)
	}
	if cfg.ActivationRate != m.cfg.ActivationRate {
		m.limiter.SetLimit(limitOf(cfg.ActivationRate))
	}
	m.cfg = cfg
	m.logger.Info("presence: config updated", "auto_open", cfg.AutoOpen, "cooldown", cfg.Cooldown, "concurrency", cfg.Concurrency)
	if m.running {
		m.pump()
	}
}

// resize swaps in a semaphore of size n and holds one of its slots for
// each in-flight task, up to n. Held slots are given back as those tasks
// finish, once no more older tasks are running than slots held.
func (m *Monitor) resize(n int) {
	m.sem = semaphore.NewWeighted(int64(n))
	m.older = m.inflight
	m.borrowed = min(m.inflight, n)
	if m.borrowed > 0 {
		m.sem.TryAcquire(int64(m.borrowed))
	}
}

func (m *Monitor) ensureRegion() *html.Node {
	if m.region != nil && m.doc.Contains(m.region) && m.handle != nil && m.handle.Attached() {
		return m.region
	}
	region := ListRegion(m.doc.Root())
	if region == nil {
		return nil
	}
	opts := regionOptions
	h, err := m.pool.Attach(region, func([]dom.MutationRecord) { m.schedule() }, &opts)
	if err != nil {
		m.logger.Warn("presence: attach list region", "error", err)
		return nil
	}
	m.region, m.handle = region, h
	m.logger.Debug("presence: list region attached", "region", dom.Label(region), "watcher", h.ID)
	return region
}

func (m *Monitor) retryRegion(gen uint64) {
	m.retry = m.lp.AfterFunc(regionRetry, func() {
		if !m.running || m.gen != gen {
			return
		}
		if m.ensureRegion() == nil {
			m.retryRegion(gen)
			return
		}
		m.Scan()
	})
}

func (m *Monitor) schedule() {
	gen := m.gen
	m.debounce.Stop()
	m.debounce = m.lp.AfterFunc(m.cfg.Debounce, func() {
		if m.running && m.gen == gen {
			m.Scan()
		}
	})
}

// Scan re-derives the unread set from the list region, reports
// conversations that just turned unread and queues those that are neither
// queued nor cooling down. It returns the number of queued conversations.
func (m *Monitor) Scan() int {
	if !m.running {
		return 0
	}
	region := m.ensureRegion()
	if region == nil {
		return 0
	}
	now := m.now()
	present := make(map[string]bool)
	added := 0
	for _, entry := range Entries(region) {
		ref := conversation.FromEntry(entry)
		if !ref.Valid() {
			continue
		}
		present[ref.ID] = true
		signal, count := UnreadSignal(m.doc, entry)
		if signal == "" {
			delete(m.unread, ref.ID)
			continue
		}
		pv := preview(entry)
		if !m.unread[ref.ID] {
			m.unread[ref.ID] = true
			if m.onUnread != nil {
				m.onUnread(event.Unread{
					ConversationID:    ref.ID,
					ConversationTitle: ref.Title,
					Count:             count,
					Preview:           pv,
					Signal:            signal,
					Timestamp:         now.UnixMilli(),
				})
			}
		}
		if !m.cfg.AutoOpen || m.queued[ref.ID] || m.cooling(ref.ID, now) {
			continue
		}
		m.queued[ref.ID] = true
		m.queue = append(m.queue, &item{ref: ref, count: count, preview: pv, enqueued: now})
		added++
	}
	for id := range m.unread {
		if !present[id] {
			delete(m.unread, id)
		}
	}
	if added > 0 {
		m.logger.Debug("presence: queued", "added", added, "queue", len(m.queue))
	}
	m.pump()
	return added
}

func (m *Monitor) cooling(id string, now time.Time) bool {
	t, ok := m.last[id]
	return ok && now.Sub(t) < m.cfg.Cooldown
}

// pump starts queued tasks while the concurrency cap allows.
func (m *Monitor) pump() {
	for m.running && len(m.queue) > 0 {
		sem := m.sem
		if !sem.TryAcquire(1) {
			return
		}
		it := m.queue[0]
		m.queue = m.queue[1:]
		it.sem = sem
		m.inflight++
		m.wg.Add(1)
		go m.process(m.ctx, it, m.gen)
	}
}

func (m *Monitor) process(ctx context.Context, it *item, gen uint64) {
	defer m.wg.Done()
	start := time.Now()
	res := m.safeActivate(ctx, it)
	res.Duration = time.Since(start)
	it.sem.Release(1)
	m.lp.Post(func() { m.finish(it, gen, res) })
}

// safeActivate turns a panic in the interactor into a failed result.
func (m *Monitor) safeActivate(ctx context.Context, it *item) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("presence: activation panic", "conversation", it.ref.ID, "panic", r)
			res = Result{Ref: it.ref, Err: fmt.Errorf("presence: activation panic: %v", r)}
		}
	}()
	return m.activate(ctx, it)
}

func (m *Monitor) finish(it *item, gen uint64, res Result) {
	if gen != m.gen {
		m.logger.Debug("presence: stale result discarded", "conversation", it.ref.ID)
		return
	}
	m.inflight--
	if it.sem != m.sem {
		m.older--
		if m.borrowed > m.older {
			m.borrowed--
			m.sem.Release(1)
		}
	}
	delete(m.queued, it.ref.ID)
	m.last[it.ref.ID] = m.now()
	if res.Err != nil {
		m.logger.Warn("presence: conversation not cleared", "conversation", it.ref.ID, "error", res.Err)
	} else {
		m.logger.Info("presence: conversation processed", "conversation", it.ref.ID,
			"opened", res.Opened, "cleared", res.Cleared, "marked_seen", res.MarkedSeen, "duration_ms", res.Duration.Milliseconds())
	}
	if res.Opened && m.onOpened != nil {
		m.onOpened(res.Ref)
	}
	if m.onResult != nil {
		m.onResult(res)
	}
	m.pump()
}

// activate runs the open sequence for one conversation, falling back to
// an explicit mark-seen when input fails or the marker survives.
func (m *Monitor) activate(ctx context.Context, it *item) Result {
	res := Result{Ref: it.ref}
	if err := m.limiter.Wait(ctx); err != nil {
		res.Err = err
		return res
	}
	err := m.open(ctx, &res)
	if ctx.Err() != nil {
		res.Err = ctx.Err()
		return res
	}
	if err == nil && res.Cleared {
		return res
	}
	if err != nil {
		m.logger.Debug("presence: open failed, marking seen", "conversation", res.Ref.ID, "error", err)
	}
	ref, rerr := m.identify(ctx, res.Ref)
	if rerr == nil {
		res.Ref = ref
	}
	if merr := m.act.MarkSeen(ctx, res.Ref); merr != nil {
		res.Err = errors.Join(err, fmt.Errorf("presence: mark seen: %w", merr))
		return res
	}
	res.MarkedSeen = true
	return res
}

func (m *Monitor) open(ctx context.Context, res *Result) error {
	ref, err := m.identify(ctx, res.Ref)
	if err != nil {
		return err
	}
	res.Ref = ref
	var anchor *html.Node
	if err := m.lp.Call(ctx, func() { anchor = conversation.Anchor(ref.Entry) }); err != nil {
		return err
	}
	if anchor == nil {
		return ErrNoAnchor
	}
	if err := m.act.ScrollIntoView(ctx, anchor); err != nil {
		return fmt.Errorf("presence: scroll into view: %w", err)
	}
	if err := m.pause(ctx); err != nil {
		return err
	}
	if err := m.act.Click(ctx, anchor); err != nil {
		return fmt.Errorf("presence: click: %w", err)
	}
	if err := sleep(ctx, m.cfg.Settle); err != nil {
		return err
	}
	container, err := m.waitContainer(ctx)
	if err != nil {
		return err
	}
	res.Opened = true

	if ref, err = m.identify(ctx, res.Ref); err != nil {
		return err
	}
	res.Ref = ref
	if err := m.act.ScrollToBottom(ctx, container); err != nil {
		return fmt.Errorf("presence: scroll to bottom: %w", err)
	}
	if err := m.pause(ctx); err != nil {
		return err
	}
	if err := m.act.PointerMove(ctx, container); err != nil {
		return fmt.Errorf("presence: pointer move: %w", err)
	}
	var composer *html.Node
	if err := m.lp.Call(ctx, func() { composer = m.composer(container) }); err != nil {
		return err
	}
	if composer != nil {
		if err := m.act.Focus(ctx, composer); err != nil {
			return fmt.Errorf("presence: focus composer: %w", err)
		}
	}
	if err := m.pause(ctx); err != nil {
		return err
	}

	if ref, err = m.identify(ctx, res.Ref); err != nil {
		return err
	}
	res.Ref = ref
	var signal string
	if err := m.lp.Call(ctx, func() {
		if ref.Entry != nil && m.doc.Contains(ref.Entry) {
			signal, _ = UnreadSignal(m.doc, ref.Entry)
		}
	}); err != nil {
		return err
	}
	res.Cleared = signal == ""
	return nil
}

// identify refreshes a reference against the live tree: the same entry if
// it is still attached, an entry carrying the same id, then the
// conversation resolver. The id is never dropped.
func (m *Monitor) identify(ctx context.Context, ref conversation.Ref) (conversation.Ref, error) {
	out := ref
	err := m.lp.Call(ctx, func() {
		if ref.Entry != nil && m.doc.Contains(ref.Entry) {
			fresh := conversation.FromEntry(ref.Entry)
			if fresh.ID == "" || fresh.ID == ref.ID {
				if fresh.Title != "" {
					out.Title = fresh.Title
				}
				return
			}
		}
		out.Entry = nil
		if region := m.ensureRegion(); region != nil {
			for _, e := range Entries(region) {
				if fresh := conversation.FromEntry(e); fresh.ID == ref.ID {
					out.Entry, out.Title = e, fresh.Title
					return
				}
			}
		}
		if open, ok := m.resolver.Resolve(); ok && open.ID == ref.ID {
			if open.Title != "" {
				out.Title = open.Title
			}
			if open.Entry != nil {
				out.Entry = open.Entry
			}
		}
	})
	return out, err
}

func (m *Monitor) waitContainer(ctx context.Context) (*html.Node, error) {
	interval := max(m.cfg.Settle/4, 50*time.Millisecond)
	deadline := time.Now().Add(m.cfg.OpenTimeout)
	for {
		var c *html.Node
		if err := m.lp.Call(ctx, func() { c = m.probe() }); err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrOpenTimeout
		}
		if err := sleep(ctx, interval); err != nil {
			return nil, err
		}
	}
}

func (m *Monitor) defaultProbe() *html.Node {
	root := m.doc.Root()
	v := strategy.DetectVariant(m.doc.URL(), root)
	for _, expr := range strategy.VariantContainers(v) {
		if n := dom.Query(root, expr); n != nil && !strategy.InNavigation(n) {
			return n
		}
	}
	return nil
}

// composer returns the message input near the container.
func (m *Monitor) composer(container *html.Node) *html.Node {
	scope := container
	if main := dom.Closest(container, `[role="main"]`); main != nil {
		scope = main
	}
	for _, e := range strategy.ComposerHints {
		if n := dom.Query(scope, e); n != nil && !m.doc.Layout(n).Hidden {
			return n
		}
	}
	return nil
}

// pause waits one input step with +/-25% jitter.
func (m *Monitor) pause(ctx context.Context) error {
	d := m.cfg.StepDelay
	if d <= 0 {
		return ctx.Err()
	}
	jitter := time.Duration((rand.Float64() - 0.5) * 0.5 * float64(d))
	return sleep(ctx, d+jitter)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
