package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSimpleTimerRunsCallback(t *testing.T) {
	st := NewSimpleTimer()
	defer st.Stop()

	done := make(chan struct{})
	id, err := st.ScheduleAfter(5*time.Millisecond, func() { close(done) })
	if err != nil {
		t.Fatalf("ScheduleAfter failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a timer ID")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback did not run")
	}
	if n := len(st.ListActive()); n != 0 {
		t.Errorf("expected fired timer to be removed, %d active", n)
	}
}

func TestSimpleTimerZeroDelay(t *testing.T) {
	st := NewSimpleTimer()
	done := make(chan struct{})
	if _, err := st.ScheduleAfter(0, func() { close(done) }); err != nil {
		t.Fatalf("ScheduleAfter failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("zero-delay callback did not run")
	}
}

func TestSimpleTimerCancel(t *testing.T) {
	st := NewSimpleTimer()
	var ran int32
	id, _ := st.ScheduleAfter(20*time.Millisecond, func() { atomic.StoreInt32(&ran, 1) })

	if len(st.ListActive()) != 1 {
		t.Fatal("expected one active timer")
	}
	if err := st.Cancel(id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := st.Cancel(id); err != nil {
		t.Errorf("second Cancel should be a no-op, got %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if atomic.LoadInt32(&ran) != 0 {
		t.Error("cancelled callback ran")
	}
}

func TestSimpleTimerStop(t *testing.T) {
	st := NewSimpleTimer()
	var ran int32
	for i := 0; i < 3; i++ {
		st.ScheduleAfter(20*time.Millisecond, func() { atomic.AddInt32(&ran, 1) })
	}
	infos := st.ListActive()
	if len(infos) != 3 {
		t.Fatalf("expected 3 active timers, got %d", len(infos))
	}
	for _, info := range infos {
		if info.ID == "" || info.ExpiresAt.Before(info.ScheduledAt) {
			t.Errorf("unexpected timer info %+v", info)
		}
	}

	st.Stop()
	time.Sleep(40 * time.Millisecond)
	if atomic.LoadInt32(&ran) != 0 {
		t.Error("stopped timers ran")
	}
	if len(st.ListActive()) != 0 {
		t.Error("expected no active timers after Stop")
	}
}

func TestScheduleAfterNilFunction(t *testing.T) {
	for name, s := range map[string]Scheduler{"simple": NewSimpleTimer(), "manual": NewManualTimer()} {
		if _, err := s.ScheduleAfter(time.Second, nil); err == nil {
			t.Errorf("%s: expected error for nil function", name)
		}
	}
}

func TestManualTimerFiresInOrder(t *testing.T) {
	mt := NewManualTimer()
	var order []int
	mt.ScheduleAfter(2*time.Second, func() { order = append(order, 1) })
	id, _ := mt.ScheduleAfter(time.Second, func() { order = append(order, 2) })
	mt.ScheduleAfter(time.Second, func() {
		order = append(order, 3)
		mt.ScheduleAfter(0, func() { order = append(order, 4) })
	})
	mt.Cancel(id)

	if mt.Pending() != 2 {
		t.Fatalf("expected 2 pending, got %d", mt.Pending())
	}
	if ran := mt.FireAll(); ran != 3 {
		t.Errorf("expected 3 callbacks, got %d", ran)
	}
	want := []int{1, 3, 4}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestManualTimerFireDue(t *testing.T) {
	mt := NewManualTimer()
	var short, long bool
	mt.ScheduleAfter(100*time.Millisecond, func() { short = true })
	mt.ScheduleAfter(time.Minute, func() { long = true })

	if ran := mt.FireDue(time.Second); ran != 1 {
		t.Errorf("expected 1 due callback, got %d", ran)
	}
	if !short || long {
		t.Errorf("unexpected firing short=%v long=%v", short, long)
	}
	if mt.Pending() != 1 {
		t.Errorf("expected long timer still pending")
	}
}
