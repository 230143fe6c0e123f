// Package watch polls a SQLite database for a version token and runs a
// reload action once the token changed and stayed quiet for a debounce
// window. chatwatch uses it to hot-reload the presence configuration when
// another process (or the control API) writes the presence_config table.
//
//	w := watch.New(db, watch.Options{
//		Interval: time.Second,
//		Debounce: 300 * time.Millisecond,
//		Detector: watch.MaxColumnDetector("presence_config", "updated_at"),
//	})
//	go w.OnChange(ctx, func(ctx context.Context) error { return reload(ctx) })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// ChangeDetector reads a version token. Two different values mean the
// watched data changed.
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes a Watcher.
type Options struct {
	// Interval is the polling period. Default 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action runs.
	// Further changes inside the window restart it. 0 fires immediately.
	Debounce time.Duration
	// Detector defaults to PragmaDataVersion.
	Detector ChangeDetector
	// Name labels log lines.
	Name   string
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Name == "" {
		o.Name = "db"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher runs the poll loop. Stats and Version are safe for concurrent use.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	reloads atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks  int64 `json:"checks"`
	Changes int64 `json:"changes"`
	Errors  int64 `json:"errors"`
	Reloads int64 `json:"reloads"`
}

// New creates a Watcher. Call OnChange to start polling.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	w := &Watcher{db: db, opts: opts}
	w.version.Store(-1)
	return w
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:  w.checks.Load(),
		Changes: w.changes.Load(),
		Errors:  w.errors.Load(),
		Reloads: w.reloads.Load(),
	}
}

// Version returns the last version whose reload succeeded, or -1.
func (w *Watcher) Version() int64 { return w.version.Load() }

// OnChange blocks until ctx is cancelled. The version present at start is
// taken as loaded. When action fails the version is not advanced and the
// action runs again on the next poll.
func (w *Watcher) OnChange(ctx context.Context, action func(ctx context.Context) error) {
	log := w.opts.Logger.With("watch", w.opts.Name)

	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var (
		debounce *time.Timer
		fireCh   <-chan time.Time
		pending  int64 = -1
	)
	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
		}
	}
	defer stopDebounce()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			w.changes.Add(1)
			pending = cur
			if w.opts.Debounce <= 0 {
				w.fire(ctx, log, action, pending)
				pending = -1
				continue
			}
			stopDebounce()
			debounce = time.NewTimer(w.opts.Debounce)
			fireCh = debounce.C
			log.Debug("watch: change detected", "version", cur)

		case <-fireCh:
			fireCh = nil
			if pending >= 0 {
				w.fire(ctx, log, action, pending)
				pending = -1
			}
		}
	}
}

func (w *Watcher) fire(ctx context.Context, log *slog.Logger, action func(context.Context) error, ver int64) {
	start := time.Now()
	if err := action(ctx); err != nil {
		w.errors.Add(1)
		log.Error("watch: reload failed", "version", ver, "error", err)
		return
	}
	w.reloads.Add(1)
	w.version.Store(ver)
	log.Info("watch: reloaded", "version", ver, "duration", time.Since(start))
}

// PragmaDataVersion changes whenever another connection commits to the
// database file.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// MaxColumnDetector polls MAX(column) of table, typically an updated_at
// column bumped on every write.
func MaxColumnDetector(table, column string) ChangeDetector {
	query := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
