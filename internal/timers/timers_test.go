package timers

import (
	"testing"
	"time"
)

func TestScheduleAndDrainInOrder(t *testing.T) {
	w := NewWheel()
	base := time.Now()
	w.Schedule("c", base.Add(3*time.Second), nil)
	w.Schedule("a", base.Add(1*time.Second), "first")
	w.Schedule("b", base.Add(2*time.Second), nil)

	fired := w.Drain(base.Add(2500 * time.Millisecond))
	if len(fired) != 2 {
		t.Fatalf("expected 2 fired timers, got %d", len(fired))
	}
	if fired[0].Key != "a" || fired[1].Key != "b" {
		t.Fatalf("expected fire order a,b got %s,%s", fired[0].Key, fired[1].Key)
	}
	if fired[0].Payload != "first" {
		t.Fatalf("expected payload preserved")
	}
	if w.Len() != 1 {
		t.Fatalf("expected 1 remaining timer, got %d", w.Len())
	}
}

func TestCancel(t *testing.T) {
	w := NewWheel()
	base := time.Now()
	w.Schedule("x", base.Add(time.Second), nil)
	w.Cancel("x")
	if w.Len() != 0 {
		t.Fatalf("expected 0 timers after cancel, got %d", w.Len())
	}
}

func TestRescheduleReplaces(t *testing.T) {
	w := NewWheel()
	base := time.Now()
	w.Schedule("x", base.Add(5*time.Second), "v1")
	w.Schedule("x", base.Add(time.Second), "v2")
	if w.Len() != 1 {
		t.Fatalf("expected reschedule to replace, got %d timers", w.Len())
	}
	fired := w.Drain(base.Add(2 * time.Second))
	if len(fired) != 1 || fired[0].Payload != "v2" {
		t.Fatalf("expected the rescheduled value to fire, got %v", fired)
	}
}

func TestNextReportsEarliestDeadline(t *testing.T) {
	w := NewWheel()
	base := time.Now()
	if _, ok := w.Next(base); ok {
		t.Fatalf("expected no pending timers initially")
	}
	w.Schedule("a", base.Add(10*time.Second), nil)
	d, ok := w.Next(base)
	if !ok {
		t.Fatalf("expected a pending timer")
	}
	if d < 9*time.Second || d > 10*time.Second {
		t.Fatalf("expected ~10s until fire, got %v", d)
	}
}
