// Package timers provides a min-heap of named, one-shot deadlines that
// the scheduler loop selects on alongside its other ingress channels —
// the shared mechanism behind execution-timeout, submission/execution
// retry backoff, and external-trigger poll intervals.
//
// Deadlines are arbitrary one-shot offsets computed at runtime rather
// than fixed calendar expressions (retry backoff schedules aren't
// expressible as a cron expression); calendar-driven recurrence lives
// in internal/cyclepoint instead.
package timers

import (
	"container/heap"
	"sync"
	"time"
)

// Timer is one pending deadline, identified by an opaque key so the
// caller can cancel or look it up (e.g. "retry:taskA.1" or
// "xtrigger:wall_clock:taskB.1").
type Timer struct {
	Key     string
	Fire    time.Time
	Payload any
	index   int // heap bookkeeping
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].Fire.Before(h[j].Fire) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Wheel is a goroutine-safe collection of pending timers. The scheduler
// loop calls Next to learn when to wake, and Drain to collect everything
// that has fired since the last check.
type Wheel struct {
	mu     sync.Mutex
	h      timerHeap
	byKey  map[string]*Timer
}

func NewWheel() *Wheel {
	w := &Wheel{byKey: make(map[string]*Timer)}
	heap.Init(&w.h)
	return w
}

// Schedule installs or replaces the timer at key to fire at 'at'.
func (w *Wheel) Schedule(key string, at time.Time, payload any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.byKey[key]; ok {
		existing.Fire = at
		existing.Payload = payload
		heap.Fix(&w.h, existing.index)
		return
	}
	t := &Timer{Key: key, Fire: at, Payload: payload}
	heap.Push(&w.h, t)
	w.byKey[key] = t
}

// Cancel removes the timer at key, if any.
func (w *Wheel) Cancel(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.byKey[key]
	if !ok {
		return
	}
	heap.Remove(&w.h, t.index)
	delete(w.byKey, key)
}

// Next returns the duration until the earliest pending timer fires, or
// ok=false when the wheel is empty — callers should use a long default
// select timeout in that case.
func (w *Wheel) Next(now time.Time) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.h) == 0 {
		return 0, false
	}
	d := w.h[0].Fire.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Drain pops and returns every timer whose deadline is <= now.
func (w *Wheel) Drain(now time.Time) []*Timer {
	w.mu.Lock()
	defer w.mu.Unlock()
	var fired []*Timer
	for len(w.h) > 0 && !w.h[0].Fire.After(now) {
		t := heap.Pop(&w.h).(*Timer)
		delete(w.byKey, t.Key)
		fired = append(fired, t)
	}
	return fired
}

// Len reports the number of pending timers.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.h)
}
