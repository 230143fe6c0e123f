// CLAUDE:SUMMARY Engine orchestrating container discovery, watching, record extraction, presence and sinks on one event loop.
// Package chatwatch extracts chat messages and unread markers from a
// messaging web surface rendered as a content tree.
//
// The engine picks a strategy profile, locates the message container,
// watches it through a bounded observation pool and hands every new,
// deduplicated record to its sinks. A background presence monitor watches
// the conversation list and opens conversations that turn unread.
//
// All tree and engine state lives on a single event loop. Blocking work
// (profile retries, simulated input, sink I/O, database writes) runs on
// other goroutines and reaches engine state only through the loop.
package chatwatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatwatch/connectivity"
	"github.com/hazyhaar/chatwatch/dom"
	"github.com/hazyhaar/chatwatch/idgen"
	"github.com/hazyhaar/chatwatch/internal/config"
	"github.com/hazyhaar/chatwatch/internal/conversation"
	"github.com/hazyhaar/chatwatch/internal/extract"
	"github.com/hazyhaar/chatwatch/internal/locate"
	"github.com/hazyhaar/chatwatch/internal/loop"
	"github.com/hazyhaar/chatwatch/internal/mirror"
	"github.com/hazyhaar/chatwatch/internal/pool"
	"github.com/hazyhaar/chatwatch/internal/presence"
	"github.com/hazyhaar/chatwatch/internal/sink"
	"github.com/hazyhaar/chatwatch/internal/store"
	"github.com/hazyhaar/chatwatch/internal/strategy"
	"github.com/hazyhaar/chatwatch/observability"
)

var (
	// ErrStarted is returned by Start on an engine that was already started.
	ErrStarted = errors.New("chatwatch: engine already started")
	// ErrNotRunning is returned by control calls on an engine that is not
	// running.
	ErrNotRunning = errors.New("chatwatch: engine not running")
	// ErrNoStore is returned by calls that need the database when none is
	// configured.
	ErrNoStore = errors.New("chatwatch: no database configured")
)

const (
	stopTimeout  = 10 * time.Second
	drainTimeout = 5 * time.Second
	pruneEvery   = time.Hour
	surveyLimit  = 5
)

// Engine is the extraction engine. Create one per monitored page with New,
// then Start it. An engine cannot be restarted after Stop.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time
	ids    idgen.Generator

	doc      *dom.Document
	lp       *loop.Loop
	pool     *pool.Pool
	selector *strategy.Selector
	locator  *locate.Locator
	pipeline *extract.Pipeline
	resolver *conversation.Resolver
	presence *presence.Monitor
	breaker  *connectivity.CircuitBreaker
	sinks    *sink.Router
	out      *outbox

	extraSinks []sink.Sink
	act        presence.Interactor
	markSeen   func(context.Context, conversation.Ref) error
	live       *Live
	mirror     *mirror.Mirror
	store      *store.Store
	ownsStore  bool
	metrics    *observability.MetricsManager

	// Loop-owned state.
	monitoring  bool
	gen         uint64
	discovering bool
	variant     strategy.Variant
	profile     *strategy.Profile
	container   *html.Node
	stage       locate.Stage
	handle      *pool.Handle
	degraded    bool
	rediscover  *loop.Timer
	lastDiag    time.Time

	emitted atomic.Uint64

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator sets the generator for watcher, record and snapshot ids.
func WithIDGenerator(g idgen.Generator) Option { return func(e *Engine) { e.ids = g } }

// WithSinks replaces the sinks declared in the configuration.
func WithSinks(sinks ...Sink) Option {
	return func(e *Engine) { e.extraSinks = append(e.extraSinks, sinks...) }
}

// WithDocument makes the engine watch doc instead of an empty tree. The
// document is re-bound to the engine's loop.
func WithDocument(doc *dom.Document) Option { return func(e *Engine) { e.doc = doc } }

// WithDB uses db for weights, learned selectors, presence settings,
// history and metrics. The caller keeps ownership of db.
func WithDB(db *sql.DB) Option {
	return func(e *Engine) {
		e.store = store.New(db, store.WithClock(func() time.Time { return e.now() }))
	}
}

// WithInteractor sets the input driver used by the presence monitor.
func WithInteractor(act Interactor) Option { return func(e *Engine) { e.act = act } }

// WithMarkSeen sets the explicit mark-seen call the presence monitor falls
// back to when opening a conversation did not clear its marker.
func WithMarkSeen(fn func(ctx context.Context, ref ConversationRef) error) Option {
	return func(e *Engine) { e.markSeen = fn }
}

// WithLive binds the engine to a Chrome tab: the page is mirrored into the
// content tree and presence input goes to the real page. The caller keeps
// ownership of l.
func WithLive(l *Live) Option { return func(e *Engine) { e.live = l } }

// New creates an engine. cfg nil means config defaults. When cfg.DB.Path is
// set and WithDB is not given the database is opened here and closed by
// Stop.
func New(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		ids:    idgen.UUIDv7(),
		out:    newOutbox(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.store == nil && cfg.DB.Path != "" {
		st, err := store.Open(cfg.DB.Path, store.WithClock(e.now))
		if err != nil {
			return nil, fmt.Errorf("chatwatch: %w", err)
		}
		e.store, e.ownsStore = st, true
	}

	e.lp = loop.New(loop.WithLogger(e.logger))
	if e.doc == nil {
		e.doc = dom.New()
	}
	e.doc.SetScheduler(e.lp)

	var weights strategy.WeightStore = strategy.NewMemoryWeights(nil)
	var learned locate.LearnedStore = locate.NewMemoryLearned()
	if e.store != nil {
		weights, learned = e.store.Weights(), e.store.Learned()
	}
	e.selector = strategy.NewSelector(weights,
		strategy.WithRetryDelay(cfg.Engine.RetryDelay),
		strategy.WithLogger(e.logger))
	e.locator = locate.New(e.doc,
		locate.WithLearnedStore(learned),
		locate.WithLogger(e.logger))
	e.pipeline = extract.New(cfg.Extract.PipelineOptions(),
		extract.WithLogger(e.logger),
		extract.WithIDGenerator(e.ids),
		extract.WithClock(e.now))
	e.pool = pool.New(e.doc, e.lp, cfg.Pool.PoolOptions(),
		pool.WithLogger(e.logger),
		pool.WithIDGenerator(e.ids),
		pool.WithClock(e.now),
		pool.WithEvictHook(e.onEvict))
	e.breaker = connectivity.NewCircuitBreaker(
		connectivity.WithBreakerName("chatwatch_discovery"),
		connectivity.WithBreakerThreshold(cfg.Breaker.Threshold),
		connectivity.WithBreakerResetTimeout(cfg.Breaker.ResetTimeout),
		connectivity.WithBreakerHalfOpenMax(cfg.Breaker.HalfOpenMax),
		connectivity.WithBreakerClock(e.now),
		connectivity.WithBreakerStateChange(func(from, to connectivity.BreakerState) {
			e.logger.Info("chatwatch: discovery breaker", "from", from.String(), "to", to.String())
		}))
	e.resolver = conversation.NewResolver(e.doc)

	if len(e.extraSinks) == 0 {
		e.extraSinks = BuildSinks(cfg, e.logger)
	}
	e.sinks = sink.NewRouter(e.logger, e.extraSinks...)

	if e.live != nil {
		e.bindLive()
	}
	if e.act == nil {
		e.act = &presence.DOMInteractor{Doc: e.doc, Loop: e.lp, MarkSeenFunc: e.markSeen}
	}
	e.presence = presence.New(e.doc, e.lp, e.pool, e.act, cfg.Presence,
		presence.WithLogger(e.logger),
		presence.WithClock(e.now),
		presence.WithUnreadHook(e.onUnread),
		presence.WithResultHook(e.onResult),
		presence.WithOpenHook(e.onOpened))
	return e, nil
}

// Document returns the content tree. Touch it only from the loop, through
// Do.
func (e *Engine) Document() *dom.Document { return e.doc }

// Do runs fn on the engine loop and waits for it.
func (e *Engine) Do(ctx context.Context, fn func(doc *dom.Document)) error {
	return e.lp.Call(ctx, func() { fn(e.doc) })
}

// Start runs the loop, the sink dispatcher and the periodic reports, then
// starts monitoring and, when enabled, presence.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrStarted
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	ctx = e.ctx
	e.mu.Unlock()

	if e.store != nil {
		if err := e.initStore(ctx); err != nil {
			e.cancel()
			return err
		}
	}
	if err := e.selector.Load(ctx); err != nil {
		e.logger.Warn("chatwatch: load weights", "error", err)
	}

	e.spawn(func() {
		if err := e.lp.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("chatwatch: loop exited", "error", err)
		}
	})
	e.spawn(func() { e.out.run(ctx, drainTimeout) })
	e.spawn(func() { e.tick(ctx) })
	if e.store != nil {
		e.spawn(func() {
			e.store.WatchPresenceConfig(ctx, e.cfg.DB.WatchInterval, e.logger, e.applyStoredPresence)
		})
	}
	if e.mirror != nil {
		e.spawn(func() {
			if err := e.mirror.Run(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("chatwatch: mirror exited", "error", err)
			}
		})
	}

	e.logger.Info("chatwatch: engine started", "url", e.cfg.Page.URL, "sinks", e.sinks.Len())
	return e.lp.Call(ctx, func() {
		e.startMonitoring()
		if e.presence.Config().Enabled {
			e.presence.Start(ctx)
		}
	})
}

func (e *Engine) initStore(ctx context.Context) error {
	if err := store.Init(ctx, e.store.DB); err != nil {
		return fmt.Errorf("chatwatch: %w", err)
	}
	if err := observability.Init(ctx, e.store.DB); err != nil {
		return fmt.Errorf("chatwatch: %w", err)
	}
	e.metrics = observability.NewMetricsManager(e.store.DB,
		observability.WithLogger(e.logger),
		observability.WithClock(e.now))

	// The loop is not running yet, so the monitor can be touched here.
	pc, ok, err := e.store.PresenceConfig(ctx)
	switch {
	case err != nil:
		e.logger.Warn("chatwatch: load presence config", "error", err)
	case ok:
		e.presence.UpdateConfig(pc)
	}
	return nil
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Stop disconnects every watcher, cancels presence tasks and timers, then
// flushes and closes the sinks. It is safe to call more than once.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := e.lp.Call(ctx, func() {
		e.stopMonitoring()
		e.presence.Stop()
		e.pool.Close()
	}); err != nil {
		e.logger.Warn("chatwatch: stop on loop", "error", err)
	}
	e.presence.Wait()
	e.cancel()
	e.wg.Wait()

	var errs []error
	if e.metrics != nil {
		errs = append(errs, e.metrics.Close())
	}
	errs = append(errs, e.sinks.Close())
	if e.ownsStore {
		errs = append(errs, e.store.Close())
	}
	e.logger.Info("chatwatch: engine stopped", "emitted", e.emitted.Load())
	return errors.Join(errs...)
}

// call runs fn on the loop of a started engine.
func (e *Engine) call(ctx context.Context, fn func()) error {
	e.mu.Lock()
	running := e.started && !e.stopped
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	if err := e.lp.Call(ctx, fn); err != nil {
		if errors.Is(err, loop.ErrStopped) {
			return ErrNotRunning
		}
		return err
	}
	return nil
}

// StartMonitoring begins discovery and record extraction. It is a no-op
// when monitoring already runs.
func (e *Engine) StartMonitoring(ctx context.Context) error {
	return e.call(ctx, e.startMonitoring)
}

// StopMonitoring disconnects the container watcher, cancels the pending
// re-discovery and clears the extraction caches. Presence is unaffected.
func (e *Engine) StopMonitoring(ctx context.Context) error {
	return e.call(ctx, e.stopMonitoring)
}

// Rediscover forces a new container discovery. The current watcher stays
// attached until a better container is found.
func (e *Engine) Rediscover(ctx context.Context) error {
	return e.call(ctx, func() {
		if !e.monitoring {
			e.startMonitoring()
			return
		}
		e.discover()
	})
}

func (e *Engine) startMonitoring() {
	if e.monitoring {
		return
	}
	e.monitoring = true
	e.logger.Info("chatwatch: monitoring started")
	e.discover()
}

func (e *Engine) stopMonitoring() {
	if !e.monitoring {
		return
	}
	e.monitoring = false
	e.gen++
	e.discovering = false
	e.rediscover.Stop()
	e.rediscover = nil
	e.detach()
	e.pipeline.Reset()
	e.resolver.Forget()
	e.logger.Info("chatwatch: monitoring stopped")
}
