package loop

import (
	"context"
	"errors"
	"testing"
	"time"
)

func start(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l, cancel
}

func TestPostOrderAndIdleAfterTasks(t *testing.T) {
	l, _ := start(t)

	var order []string
	err := l.Call(context.Background(), func() {
		l.RequestIdle(func() { order = append(order, "idle1") })
		l.Post(func() { order = append(order, "task1") })
		l.RequestIdle(func() { order = append(order, "idle2") })
		l.Post(func() { order = append(order, "task2") })
	})
	if err != nil {
		t.Fatal(err)
	}
	// A second Call is queued behind the tasks above; idle work drains after.
	deadline := time.Now().Add(time.Second)
	for {
		var n int
		l.Call(context.Background(), func() { n = len(order) })
		if n == 4 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	var got []string
	l.Call(context.Background(), func() { got = append(got, order...) })
	want := []string{"task1", "task2", "idle1", "idle2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestAfterFuncStop(t *testing.T) {
	l, _ := start(t)
	fired := make(chan string, 2)
	keep := l.AfterFunc(10*time.Millisecond, func() { fired <- "keep" })
	drop := l.AfterFunc(10*time.Millisecond, func() { fired <- "drop" })
	drop.Stop()
	_ = keep

	select {
	case got := <-fired:
		if got != "keep" {
			t.Fatalf("got %q, want keep", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	select {
	case got := <-fired:
		t.Fatalf("stopped timer fired: %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	l, _ := start(t)
	l.Post(func() { panic("boom") })
	ran := false
	if err := l.Call(context.Background(), func() { ran = true }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("loop stopped after panic")
	}
}

func TestCallAfterStop(t *testing.T) {
	l, cancel := start(t)
	cancel()
	<-l.Done()
	if err := l.Call(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("got %v, want ErrStopped", err)
	}
}
