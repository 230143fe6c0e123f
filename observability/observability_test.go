package observability

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/chatwatch/dbopen"
)

func TestRecordAndQuery(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	base := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	mm := NewMetricsManager(db, WithBufferSize(10), WithFlushInterval(time.Hour), WithClock(func() time.Time { return base }))
	defer mm.Close()

	mm.RecordSimple(MetricWatchers, 3, "count")
	mm.Record(&Metric{Name: MetricBreakerOpen, Timestamp: base.Add(time.Second), Value: 1, Unit: "bool", Labels: map[string]string{"state": "OPEN"}})
	mm.Flush()

	ctx := context.Background()
	all, err := mm.Query(ctx, "", base, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d metrics, want 2", len(all))
	}
	if all[0].Name != MetricBreakerOpen || all[0].Labels["state"] != "OPEN" {
		t.Errorf("newest = %+v", all[0])
	}
	w, err := mm.Query(ctx, MetricWatchers, base, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(w) != 1 || w[0].Value != 3 || !w[0].Timestamp.Equal(base) {
		t.Errorf("watchers = %+v", w)
	}
}

func TestFlushOnFullBuffer(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, WithBufferSize(2), WithFlushInterval(time.Hour))
	defer mm.Close()

	mm.RecordSimple(MetricEmitted, 1, "count")
	mm.RecordSimple(MetricEmitted, 2, "count")

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM metrics_timeseries`).Scan(&n)
	if n != 2 {
		t.Errorf("rows = %d, want 2 without explicit flush", n)
	}
}

func TestCleanup(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	now := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	mm := NewMetricsManager(db, WithFlushInterval(time.Hour), WithClock(func() time.Time { return now }))
	defer mm.Close()

	mm.Record(&Metric{Name: MetricCacheSize, Timestamp: now.Add(-48 * time.Hour), Value: 1})
	mm.Record(&Metric{Name: MetricCacheSize, Timestamp: now, Value: 2})
	mm.Flush()

	n, err := mm.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
}

func TestCloseFlushes(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	mm := NewMetricsManager(db, WithFlushInterval(time.Hour))
	mm.RecordSimple(MetricGoroutines, float64(CollectRuntimeMetrics().Goroutines), "count")
	mm.Close()
	mm.Close()

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM metrics_timeseries`).Scan(&n)
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}
