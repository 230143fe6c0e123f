package watch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/chatwatch/dbopen"
)

const schema = `CREATE TABLE presence_config (id INTEGER PRIMARY KEY, body TEXT, updated_at INTEGER NOT NULL)`

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMaxColumnDetector(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(schema))
	det := MaxColumnDetector("presence_config", "updated_at")
	ctx := context.Background()

	if v, err := det(ctx, db); err != nil || v != 0 {
		t.Fatalf("empty table: got %d, %v", v, err)
	}
	db.Exec(`INSERT INTO presence_config (id, body, updated_at) VALUES (1, '{}', 100)`)
	if v, _ := det(ctx, db); v != 100 {
		t.Errorf("got %d, want 100", v)
	}
}

func TestOnChangeReloads(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(schema))
	db.Exec(`INSERT INTO presence_config (id, body, updated_at) VALUES (1, '{}', 1)`)

	var reloads atomic.Int32
	w := New(db, Options{
		Interval: 10 * time.Millisecond,
		Detector: MaxColumnDetector("presence_config", "updated_at"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.OnChange(ctx, func(context.Context) error {
			reloads.Add(1)
			return nil
		})
	}()

	waitFor(t, func() bool { return w.Version() == 1 })
	if reloads.Load() != 0 {
		t.Fatal("initial version must not trigger a reload")
	}

	db.Exec(`UPDATE presence_config SET updated_at = 2 WHERE id = 1`)
	waitFor(t, func() bool { return reloads.Load() == 1 && w.Version() == 2 })

	cancel()
	<-done
	if s := w.Stats(); s.Reloads != 1 || s.Changes != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestOnChangeDebounces(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(schema))
	db.Exec(`INSERT INTO presence_config (id, body, updated_at) VALUES (1, '{}', 1)`)

	var reloads atomic.Int32
	w := New(db, Options{
		Interval: 5 * time.Millisecond,
		Debounce: 150 * time.Millisecond,
		Detector: MaxColumnDetector("presence_config", "updated_at"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func(context.Context) error {
		reloads.Add(1)
		return nil
	})
	waitFor(t, func() bool { return w.Version() == 1 })

	for v := 2; v <= 4; v++ {
		db.Exec(`UPDATE presence_config SET updated_at = ? WHERE id = 1`, v)
		time.Sleep(20 * time.Millisecond)
	}
	waitFor(t, func() bool { return w.Version() == 4 })
	if n := reloads.Load(); n != 1 {
		t.Errorf("reloads = %d, want 1 after a burst", n)
	}
}

func TestFailedReloadRetries(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(schema))
	db.Exec(`INSERT INTO presence_config (id, body, updated_at) VALUES (1, '{}', 1)`)

	var calls atomic.Int32
	w := New(db, Options{
		Interval: 5 * time.Millisecond,
		Detector: MaxColumnDetector("presence_config", "updated_at"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	waitFor(t, func() bool { return w.Version() == 1 })

	db.Exec(`UPDATE presence_config SET updated_at = 2 WHERE id = 1`)
	waitFor(t, func() bool { return w.Version() == 2 })
	if calls.Load() < 2 {
		t.Errorf("calls = %d, want a retry", calls.Load())
	}
	if w.Stats().Errors < 1 {
		t.Error("failed reload not counted")
	}
}
