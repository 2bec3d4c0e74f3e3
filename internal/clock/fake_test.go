package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(3*time.Second, func() { fired++ })

	c.Advance(2 * time.Second)
	if fired != 0 {
		t.Fatalf("expected no fire before deadline, got %d", fired)
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("expected 1 fire at deadline, got %d", fired)
	}
	c.Advance(10 * time.Second)
	if fired != 1 {
		t.Fatalf("expected one-shot timer, got %d fires", fired)
	}
}

func TestFakeTimerStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("expected Stop to report an active timer")
	}
	if timer.Stop() {
		t.Fatal("expected second Stop to report false")
	}
	c.Advance(5 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if c.Pending() != 0 {
		t.Fatalf("expected 0 pending timers, got %d", c.Pending())
	}
}

func TestFakeCallbacksRunInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(5 * time.Second)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected [1 2 3], got %v", order)
	}
}

func TestFakeCallbackMayRegisterTimer(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(time.Second, func() {
		fired++
		c.AfterFunc(time.Second, func() { fired++ })
	})

	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("expected 1 fire, got %d", fired)
	}
	c.Advance(time.Second)
	if fired != 2 {
		t.Fatalf("expected nested timer to fire, got %d", fired)
	}
}

func TestFakeTicker(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("expected a tick after one interval")
	}
	if c.Pending() != 1 {
		t.Fatalf("expected ticker to stay pending, got %d", c.Pending())
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.AfterFunc(time.Second, func() { close(done) })
	}()

	c.WaitForTimers(1)
	c.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer registered from goroutine did not fire")
	}
}
