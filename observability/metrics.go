// Package observability persists chatwatch health figures to SQLite.
//
// The engine records one batch of datapoints per metrics tick: pool
// watchers and notifications, breaker state, dedup cache size, emitted
// records, presence queue length and Go runtime figures. Writes are
// buffered and flushed in one transaction; a full buffer drops the oldest
// datapoints rather than blocking the caller.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Metric names recorded by the engine.
const (
	MetricWatchers      = "pool_watchers"
	MetricNotifications = "pool_notifications_total"
	MetricBatchMillis   = "pool_batch_avg_ms"
	MetricPoolMemory    = "pool_memory_bytes"
	MetricEvictions     = "pool_evictions_total"
	MetricBreakerOpen   = "breaker_open"
	MetricCacheSize     = "dedup_cache_size"
	MetricEmitted       = "records_emitted_total"
	MetricPresenceQueue = "presence_queue"
	MetricGoroutines    = "goroutines_count"
	MetricMemoryAllocMB = "memory_alloc_mb"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string // "count", "bytes", "milliseconds", "bool"
}

// MetricsManager buffers metrics and flushes them in batches.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	buffer  []*Metric
	dropped uint64

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// MetricsOption configures a MetricsManager.
type MetricsOption func(*MetricsManager)

// WithBufferSize sets the flush threshold. Default 100.
func WithBufferSize(n int) MetricsOption { return func(m *MetricsManager) { m.bufferSize = n } }

// WithFlushInterval sets the periodic flush. Default 5s.
func WithFlushInterval(d time.Duration) MetricsOption {
	return func(m *MetricsManager) { m.flushInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) MetricsOption { return func(m *MetricsManager) { m.logger = l } }

// WithClock sets the timestamp source of RecordSimple.
func WithClock(now func() time.Time) MetricsOption { return func(m *MetricsManager) { m.now = now } }

// NewMetricsManager starts a manager writing to db, which must carry
// Schema.
func NewMetricsManager(db *sql.DB, opts ...MetricsOption) *MetricsManager {
	mm := &MetricsManager{
		db:            db,
		bufferSize:    100,
		flushInterval: 5 * time.Second,
		logger:        slog.Default(),
		now:           time.Now,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(mm)
	}
	mm.buffer = make([]*Metric, 0, mm.bufferSize)
	go mm.flushLoop()
	return mm
}

// Record queues a metric. It never blocks on the database: the buffer is
// flushed inline once full, and past four times its size the oldest
// points are dropped.
func (mm *MetricsManager) Record(m *Metric) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if len(mm.buffer) >= 4*mm.bufferSize {
		mm.buffer = mm.buffer[1:]
		mm.dropped++
	}
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// RecordSimple records a metric without labels, stamped now.
func (mm *MetricsManager) RecordSimple(name string, value float64, unit string) {
	mm.Record(&Metric{Name: name, Timestamp: mm.now(), Value: value, Unit: unit})
}

// Dropped returns how many datapoints were discarded.
func (mm *MetricsManager) Dropped() uint64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.dropped
}

// Flush writes buffered metrics now.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.flushLocked()
}

// Query returns metrics named name (all when empty) at or after since,
// newest first.
func (mm *MetricsManager) Query(ctx context.Context, name string, since time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE timestamp >= ?"
	args := []any{since.UnixMilli()}
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
			unit   sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		m.Unit = unit.String
		if labels.Valid {
			json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Cleanup deletes metrics older than retention and returns the count.
func (mm *MetricsManager) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := mm.now().Add(-retention).UnixMilli()
	res, err := mm.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes remaining metrics and stops the flush goroutine.
func (mm *MetricsManager) Close() error {
	mm.once.Do(func() { close(mm.stop) })
	<-mm.done
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		mm.logger.Error("observability: begin tx", "error", err)
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		mm.logger.Error("observability: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, m := range mm.buffer {
		var labels sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labels = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labels, m.Unit); err != nil {
			mm.logger.Error("observability: insert", "metric", m.Name, "error", err)
		}
	}
	if err := tx.Commit(); err != nil {
		mm.logger.Error("observability: commit", "error", err)
		return
	}
	mm.buffer = mm.buffer[:0]
}

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	Goroutines    int
	MemoryAllocMB float64
}

// CollectRuntimeMetrics reads the current Go runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
	}
}
