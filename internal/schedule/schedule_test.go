package schedule

import (
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManual_FiresInDeadlineOrder(t *testing.T) {
	m := NewManual(epoch)

	var order []string
	m.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	m.AfterFunc(time.Second, func() { order = append(order, "a") })
	m.AfterFunc(2*time.Second, func() { order = append(order, "c") })

	if n := m.Advance(500 * time.Millisecond); n != 0 {
		t.Fatalf("expected nothing to fire yet, fired %d", n)
	}
	if n := m.Advance(2 * time.Second); n != 3 {
		t.Fatalf("expected 3 timers to fire, fired %d", n)
	}

	want := []string{"a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if got := m.Now(); !got.Equal(epoch.Add(2500 * time.Millisecond)) {
		t.Errorf("Now() = %v after advancing", got)
	}
}

func TestManual_Stop(t *testing.T) {
	m := NewManual(epoch)

	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("expected first Stop to succeed")
	}
	if timer.Stop() {
		t.Error("expected second Stop to report false")
	}

	m.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
	if m.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", m.Pending())
	}
}

func TestManual_RescheduleInsideWindow(t *testing.T) {
	m := NewManual(epoch)

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			m.AfterFunc(time.Second, tick)
		}
	}
	m.AfterFunc(time.Second, tick)

	m.Advance(10 * time.Second)
	if count != 3 {
		t.Errorf("expected 3 chained calls, got %d", count)
	}
}

func TestReal_AfterFunc(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	Real{}.AfterFunc(time.Millisecond, wg.Done)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("real timer did not fire")
	}
}
